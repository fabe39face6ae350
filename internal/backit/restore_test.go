package backit_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"backit-go/internal/backit"
	"backit-go/internal/testutil"
)

func TestRestoreEngine_Restore(t *testing.T) {
	t.Run("writes only the selected paths", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := context.Background()
		old := f.snapshot(t, "first", map[string]string{"a.txt": "a1", "b.txt": "b1", "dir/c.txt": "c1"})
		f.snapshot(t, "second", map[string]string{"a.txt": "a2", "b.txt": "b2", "dir/c.txt": "c2"})

		changed, err := f.restore.Restore(ctx, old.ShortID, []string{"a.txt", "./dir/c.txt", "a.txt"})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if !slices.Equal(changed, []string{"a.txt", "dir/c.txt"}) {
			t.Errorf("Restore() changed = %v, want [a.txt dir/c.txt]", changed)
		}
		for name, want := range map[string]string{"a.txt": "a1", "b.txt": "b2", "dir/c.txt": "c1"} {
			if got := testutil.ReadFile(t, f.root, name); got != want {
				t.Errorf("%s = %q, want %q", name, got, want)
			}
		}
	})

	t.Run("unchanged paths are not reported", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		old := f.snapshot(t, "first", map[string]string{"a.txt": "a1", "b.txt": "b1"})
		f.snapshot(t, "second", map[string]string{"b.txt": "b2"})

		changed, err := f.restore.Restore(context.Background(), old.ID, []string{"a.txt", "b.txt"})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if !slices.Equal(changed, []string{"b.txt"}) {
			t.Errorf("Restore() changed = %v, want [b.txt]", changed)
		}
	})

	t.Run("restores a deleted file", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		snap := f.snapshot(t, "first", map[string]string{"a.txt": "a1"})
		testutil.Git(t, f.root, "rm", "-q", "a.txt")

		changed, err := f.restore.Restore(context.Background(), snap.ID, []string{"a.txt"})
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if !slices.Equal(changed, []string{"a.txt"}) {
			t.Errorf("Restore() changed = %v, want [a.txt]", changed)
		}
		if got := testutil.ReadFile(t, f.root, "a.txt"); got != "a1" {
			t.Errorf("a.txt = %q, want a1", got)
		}
	})

	t.Run("empty selection", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		snap := f.snapshot(t, "first", map[string]string{"a.txt": "a1"})
		_, err := f.restore.Restore(context.Background(), snap.ID, nil)
		assertValidationError(t, err)
	})

	t.Run("paths outside the tree", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		snap := f.snapshot(t, "first", map[string]string{"a.txt": "a1"})
		for _, p := range []string{"../a.txt", "/etc/passwd", ".git/config", "-f"} {
			_, err := f.restore.Restore(context.Background(), snap.ID, []string{p})
			assertValidationError(t, err)
		}
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.snapshot(t, "first", map[string]string{"a.txt": "a1"})
		_, err := f.restore.Restore(context.Background(), "0000000", []string{"a.txt"})
		assertValidationError(t, err)
	})
}

// lockCheckBackend records whether the tree was still held when the diff and
// the checkout ran.
type lockCheckBackend struct {
	backit.VersionControlBackend
	tree        *backit.WorkingTree
	heldAtDiff  bool
	heldAtWrite bool
}

func (b *lockCheckBackend) Describe(_ context.Context, rev string) (backit.Snapshot, error) {
	return backit.Snapshot{ID: rev, ShortID: rev[:7]}, nil
}

func (b *lockCheckBackend) DiffPaths(context.Context, string) ([]string, error) {
	b.heldAtDiff = b.held()
	return []string{"a.txt", "b.txt"}, nil
}

func (b *lockCheckBackend) CheckoutPaths(context.Context, string, []string) error {
	b.heldAtWrite = b.held()
	return nil
}

// held reports whether another caller is kept out of the tree.
func (b *lockCheckBackend) held() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.tree.Exclusive(ctx, func(backit.VersionControlBackend) error { return nil })
	return errors.Is(err, context.DeadlineExceeded)
}

func TestRestoreEngine_SingleCriticalSection(t *testing.T) {
	t.Parallel()
	b := &lockCheckBackend{}
	b.tree = backit.NewWorkingTree(t.TempDir(), b, nil)
	engine := backit.NewRestoreEngine(b.tree, backit.NewNopLogger())

	changed, err := engine.Restore(context.Background(), "abc1234", []string{"b.txt"})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !slices.Equal(changed, []string{"b.txt"}) {
		t.Errorf("Restore() changed = %v, want [b.txt]", changed)
	}
	if !b.heldAtDiff || !b.heldAtWrite {
		t.Errorf("held at diff/checkout = %v/%v, want both inside one exclusive section", b.heldAtDiff, b.heldAtWrite)
	}
}
