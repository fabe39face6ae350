package backit

import (
	"context"
	"fmt"
)

// IgnoreFile is the persistent ignore-rule list of a working tree.
type IgnoreFile interface {
	// Patterns returns the active patterns, skipping blank lines and comments.
	Patterns() ([]string, error)
	// Merge appends the patterns not already present and returns those it added.
	Merge(patterns []string) ([]string, error)
}

// Identity is the author recorded on snapshots when the user has none configured.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when no identity is configured anywhere.
var DefaultIdentity = Identity{Name: "BackupUser", Email: "backup@local"}

// WorkingTree is the single project folder a session operates on.
// All backend invocation sequences run through Exclusive so they never
// interleave.
type WorkingTree struct {
	root    string
	backend VersionControlBackend
	ignore  IgnoreFile
	sem     chan struct{}
}

// NewWorkingTree binds a project root to its backend and ignore file.
func NewWorkingTree(root string, backend VersionControlBackend, ignore IgnoreFile) *WorkingTree {
	return &WorkingTree{
		root:    root,
		backend: backend,
		ignore:  ignore,
		sem:     make(chan struct{}, 1),
	}
}

// Root returns the absolute project path.
func (t *WorkingTree) Root() string { return t.root }

// IgnoreFile returns the tree's ignore-rule file.
func (t *WorkingTree) IgnoreFile() IgnoreFile { return t.ignore }

// Exclusive runs fn with sole access to the backend. It waits for any
// running sequence to finish, or returns ctx's error if ctx ends first.
func (t *WorkingTree) Exclusive(ctx context.Context, fn func(VersionControlBackend) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sem }()
	return fn(t.backend)
}

// Recover aborts a rebase left half-finished by an earlier tool so the
// snapshot operations start from a consistent state. It returns whether an
// abort was needed.
func (t *WorkingTree) Recover(ctx context.Context, logger Logger) (bool, error) {
	var aborted bool
	err := t.Exclusive(ctx, func(vcs VersionControlBackend) error {
		isRepo, err := vcs.IsRepository(ctx)
		if err != nil || !isRepo {
			return err
		}
		inRebase, err := vcs.RebaseInProgress(ctx)
		if err != nil {
			return err
		}
		if !inRebase {
			return nil
		}
		logger.Warn("aborting interrupted rebase", "root", t.root)
		if err := vcs.RebaseAbort(ctx); err != nil {
			return fmt.Errorf("aborting rebase: %w", err)
		}
		aborted = true
		return nil
	})
	return aborted, err
}

// requireClean fails with a PolicyViolation when tracked files have
// uncommitted changes.
func requireClean(ctx context.Context, vcs VersionControlBackend, op string) error {
	dirty, err := vcs.HasUncommittedChanges(ctx)
	if err != nil {
		return fmt.Errorf("checking working tree: %w", err)
	}
	if dirty {
		return &PolicyViolation{Reason: op + " requires a working tree without uncommitted changes; create a snapshot first"}
	}
	return nil
}

// requireHead resolves id and fails with a PolicyViolation unless it is HEAD.
func requireHead(ctx context.Context, vcs VersionControlBackend, id, reason string) (Snapshot, error) {
	if err := ValidateRevision(id); err != nil {
		return Snapshot{}, err
	}
	head, err := vcs.Head(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading HEAD: %w", err)
	}
	if head == "" {
		return Snapshot{}, &PolicyViolation{Reason: "no snapshots exist"}
	}
	target, err := vcs.Describe(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if target.ID != head {
		return Snapshot{}, &PolicyViolation{Reason: reason}
	}
	return target, nil
}
