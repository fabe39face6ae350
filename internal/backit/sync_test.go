package backit_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"backit-go/internal/backit"
	"backit-go/internal/testutil"
)

func TestSyncEngine_Push(t *testing.T) {
	t.Run("merges remote history preferring local content", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		remote := testutil.NewRemote(t, "master", map[string]string{
			"README.md": "# remote readme\n",
			"a.txt":     "remote version\n",
		})
		snap := f.snapshot(t, "local work", map[string]string{"a.txt": "local version\n"})

		res, err := f.sync.Push(context.Background(), backit.RemoteTarget{URL: remote}, snap.ID)
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if !res.Merged {
			t.Error("Merged = false, want remote history merged")
		}
		if res.Branch != "master" || res.CheckedOut != "master" {
			t.Errorf("Branch/CheckedOut = %q/%q, want master/master", res.Branch, res.CheckedOut)
		}
		if got := testutil.RemoteFile(t, remote, "master", "a.txt"); got != "local version\n" {
			t.Errorf("remote a.txt = %q, want local content", got)
		}
		if got := testutil.RemoteFile(t, remote, "master", "README.md"); got != "# remote readme\n" {
			t.Errorf("remote README.md = %q, want remote-only file kept", got)
		}
		if branches := testutil.Branches(t, f.root); !slices.Equal(branches, []string{"master"}) {
			t.Errorf("local branches = %v, want ephemeral branch removed", branches)
		}
		if got := testutil.Git(t, f.root, "rev-parse", "HEAD"); got != snap.ID {
			t.Errorf("HEAD = %s, want %s", got, snap.ID)
		}
		if len(f.steps) == 0 || f.steps[len(f.steps)-1] != "restoring working tree" {
			t.Errorf("progress steps = %v", f.steps)
		}
	})

	t.Run("empty remote receives the snapshot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		remote := testutil.NewRemote(t, "main", nil)
		snap := f.snapshot(t, "local work", map[string]string{"a.txt": "hello"})

		res, err := f.sync.Push(context.Background(), backit.RemoteTarget{URL: remote, Branch: "main"}, snap.ShortID)
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if res.Merged {
			t.Error("Merged = true for a remote without the branch")
		}
		if got := testutil.Git(t, remote, "rev-parse", "main"); got != snap.ID {
			t.Errorf("remote main = %s, want %s", got, snap.ID)
		}
	})

	t.Run("older snapshot leaves the tree detached at it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		remote := testutil.NewRemote(t, "master", nil)
		old := f.snapshot(t, "first", map[string]string{"a.txt": "one"})
		f.snapshot(t, "second", map[string]string{"a.txt": "two"})

		res, err := f.sync.Push(context.Background(), backit.RemoteTarget{URL: remote}, old.ID)
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if res.CheckedOut != old.ID {
			t.Errorf("CheckedOut = %q, want %q", res.CheckedOut, old.ID)
		}
		if got := testutil.ReadFile(t, f.root, "a.txt"); got != "one" {
			t.Errorf("a.txt = %q, want chosen snapshot content", got)
		}
		if got := testutil.RemoteFile(t, remote, "master", "a.txt"); got != "one" {
			t.Errorf("remote a.txt = %q, want one", got)
		}
	})

	t.Run("failed push rolls back", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		snap := f.snapshot(t, "local work", map[string]string{"a.txt": "hello"})
		missing := filepath.Join(t.TempDir(), "missing.git")

		_, err := f.sync.Push(context.Background(), backit.RemoteTarget{URL: missing}, snap.ID)
		if err == nil {
			t.Fatal("Push() to a missing remote succeeded")
		}
		var sf *backit.SubprocessFailure
		if !errors.As(err, &sf) {
			t.Errorf("error = %v, want *SubprocessFailure in chain", err)
		}
		if branches := testutil.Branches(t, f.root); !slices.Equal(branches, []string{"master"}) {
			t.Errorf("local branches = %v, want ephemeral branch removed", branches)
		}
		if got := testutil.Git(t, f.root, "symbolic-ref", "--short", "HEAD"); got != "master" {
			t.Errorf("checked out %q, want master", got)
		}
	})

	t.Run("merge conflict rolls back", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		remote := testutil.NewRemote(t, "master", nil)
		first := f.snapshot(t, "shared", map[string]string{"x.txt": "base\n"})
		if _, err := f.sync.Push(context.Background(), backit.RemoteTarget{URL: remote}, first.ID); err != nil {
			t.Fatalf("Push() error = %v", err)
		}

		clone := filepath.Join(t.TempDir(), "clone")
		testutil.Git(t, filepath.Dir(clone), "clone", "-q", remote, clone)
		testutil.WriteFile(t, clone, "x.txt", "remote edit\n")
		testutil.Git(t, clone, "-c", "user.name=Other", "-c", "user.email=other@test.com", "commit", "-q", "-am", "remote edit")
		testutil.Git(t, clone, "push", "-q", "origin", "master")

		if err := os.Remove(filepath.Join(f.root, "x.txt")); err != nil {
			t.Fatal(err)
		}
		res, err := f.store.Create(context.Background(), "delete x", nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		snap := res.Snapshot

		_, err = f.sync.Push(context.Background(), backit.RemoteTarget{URL: remote}, snap.ID)
		if err == nil {
			t.Fatal("Push() over a modify/delete conflict succeeded")
		}
		if !strings.Contains(err.Error(), "CONFLICT") {
			t.Errorf("error = %v, want git's conflict report", err)
		}
		if _, serr := os.Stat(filepath.Join(f.root, ".git", "MERGE_HEAD")); !os.IsNotExist(serr) {
			t.Errorf("MERGE_HEAD left behind: %v", serr)
		}
		if branches := testutil.Branches(t, f.root); !slices.Equal(branches, []string{"master"}) {
			t.Errorf("local branches = %v, want ephemeral branch removed", branches)
		}
		if got := testutil.Git(t, f.root, "rev-parse", "HEAD"); got != snap.ID {
			t.Errorf("HEAD = %s, want %s", got, snap.ID)
		}
		if got := testutil.Git(t, f.root, "status", "--porcelain"); got != "" {
			t.Errorf("status = %q, want clean tree", got)
		}
		if got := testutil.RemoteFile(t, remote, "master", "x.txt"); got != "remote edit\n" {
			t.Errorf("remote x.txt = %q, want remote untouched", got)
		}
	})

	t.Run("dirty tree is refused", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		remote := testutil.NewRemote(t, "master", nil)
		snap := f.snapshot(t, "local work", map[string]string{"a.txt": "hello"})
		testutil.WriteFile(t, f.root, "a.txt", "edited")

		_, err := f.sync.Push(context.Background(), backit.RemoteTarget{URL: remote}, snap.ID)
		assertPolicyViolation(t, err)
		if got := testutil.ReadFile(t, f.root, "a.txt"); got != "edited" {
			t.Errorf("a.txt = %q, local edit lost", got)
		}
	})

	t.Run("canceled before start", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		remote := testutil.NewRemote(t, "master", nil)
		snap := f.snapshot(t, "local work", map[string]string{"a.txt": "hello"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.sync.Push(ctx, backit.RemoteTarget{URL: remote}, snap.ID)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if got := testutil.RemoteFile(t, remote, "master", "a.txt"); got != "" {
			t.Errorf("remote received %q after cancel", got)
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		snap := f.snapshot(t, "local work", map[string]string{"a.txt": "hello"})
		for _, target := range []backit.RemoteTarget{
			{URL: ""},
			{URL: "--upload-pack=evil"},
			{URL: "https://user:pw@example.com/r.git"},
			{URL: "https://example.com/r.git", Branch: "bad name"},
		} {
			_, err := f.sync.Push(context.Background(), target, snap.ID)
			assertValidationError(t, err)
		}
	})
}

func TestSyncEngine_Overwrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	remote := testutil.NewRemote(t, "master", map[string]string{"README.md": "remote only"})
	snap := f.snapshot(t, "local work", map[string]string{"a.txt": "local"})

	res, err := f.sync.Overwrite(context.Background(), backit.RemoteTarget{URL: remote}, snap.ID)
	if err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}
	if !res.Forced || res.Merged {
		t.Errorf("Forced/Merged = %v/%v, want true/false", res.Forced, res.Merged)
	}
	if got := testutil.Git(t, remote, "rev-parse", "master"); got != snap.ID {
		t.Errorf("remote master = %s, want %s", got, snap.ID)
	}
	if got := testutil.RemoteFile(t, remote, "master", "README.md"); got != "" {
		t.Errorf("remote README.md = %q, want discarded", got)
	}
	if res.CheckedOut != "master" {
		t.Errorf("CheckedOut = %q, want master", res.CheckedOut)
	}
}
