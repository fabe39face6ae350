package backit_test

import (
	"context"
	"errors"
	"testing"

	"backit-go/internal/backit"
	"backit-go/internal/fs"
	"backit-go/internal/git"
	"backit-go/internal/testutil"
)

type fixture struct {
	root    string
	tree    *backit.WorkingTree
	store   *backit.SnapshotStore
	restore *backit.RestoreEngine
	sync    *backit.SyncEngine
	steps   []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.RequireGit(t)
	root := t.TempDir()
	logger := backit.NewNopLogger()
	ids := testutil.NewStubIDGenerator()

	f := &fixture{root: root}
	f.tree = backit.NewWorkingTree(root, git.NewShellBackend(root, git.Options{}), fs.NewIgnoreFile(root))
	f.store = backit.NewSnapshotStore(f.tree, backit.Identity{}, ids, logger)
	f.restore = backit.NewRestoreEngine(f.tree, logger)
	f.sync = backit.NewSyncEngine(f.tree, testutil.FixedClock(), ids, logger,
		backit.ProgressFunc(func(step string) { f.steps = append(f.steps, step) }))
	return f
}

// snapshot writes files and creates a snapshot of them.
func (f *fixture) snapshot(t *testing.T, msg string, files map[string]string) backit.Snapshot {
	t.Helper()
	for name, content := range files {
		testutil.WriteFile(t, f.root, name, content)
	}
	res, err := f.store.Create(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", msg, err)
	}
	if res.NoOp {
		t.Fatalf("Create(%q) was a no-op", msg)
	}
	return res.Snapshot
}

func (f *fixture) list(t *testing.T) []backit.Snapshot {
	t.Helper()
	snaps, err := f.store.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return snaps
}

func assertPolicyViolation(t *testing.T, err error) {
	t.Helper()
	var pv *backit.PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("error = %v, want *PolicyViolation", err)
	}
}

func assertValidationError(t *testing.T, err error) {
	t.Helper()
	var ve *backit.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}
