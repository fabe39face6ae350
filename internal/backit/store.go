package backit

import (
	"context"
	"errors"
	"fmt"
)

// CreateResult is the outcome of SnapshotStore.Create. NoOp is set when the
// tree had nothing to commit; Snapshot is then the unchanged HEAD, if any.
type CreateResult struct {
	Snapshot Snapshot
	NoOp     bool
}

// SnapshotStore manages the snapshot lifecycle of one working tree.
type SnapshotStore struct {
	tree     *WorkingTree
	identity Identity
	ids      IDGenerator
	logger   Logger
}

// NewSnapshotStore creates a SnapshotStore. An empty identity falls back to DefaultIdentity.
func NewSnapshotStore(tree *WorkingTree, identity Identity, ids IDGenerator, logger Logger) *SnapshotStore {
	if identity.Name == "" {
		identity.Name = DefaultIdentity.Name
	}
	if identity.Email == "" {
		identity.Email = DefaultIdentity.Email
	}
	return &SnapshotStore{tree: tree, identity: identity, ids: ids, logger: logger}
}

// Create records the current tree content as a new snapshot.
//
// History is initialized on first use. Every path in ignoredPaths is removed
// from the index, so previously tracked copies become genuinely ignored, and
// merged into the ignore file. When nothing remains to commit the result is
// a no-op and the history is unchanged.
func (s *SnapshotStore) Create(ctx context.Context, message string, ignoredPaths []string) (CreateResult, error) {
	msg, err := ValidateMessage(message)
	if err != nil {
		return CreateResult{}, err
	}
	ignored := make([]string, 0, len(ignoredPaths))
	for _, p := range ignoredPaths {
		clean, err := ValidateRelativePath(p)
		if err != nil {
			return CreateResult{}, err
		}
		if clean == "." {
			return CreateResult{}, &ValidationError{Field: "path", Reason: "cannot ignore the whole tree"}
		}
		ignored = append(ignored, clean)
	}

	var result CreateResult
	err = s.tree.Exclusive(ctx, func(vcs VersionControlBackend) error {
		isRepo, err := vcs.IsRepository(ctx)
		if err != nil {
			return fmt.Errorf("checking repository: %w", err)
		}
		if !isRepo {
			s.logger.Info("initializing history", "root", s.tree.Root())
			if err := vcs.Init(ctx); err != nil {
				return fmt.Errorf("initializing history: %w", err)
			}
		}
		if err := vcs.EnsureIdentity(ctx, s.identity.Name, s.identity.Email); err != nil {
			return fmt.Errorf("configuring identity: %w", err)
		}

		for _, p := range ignored {
			if err := vcs.Untrack(ctx, p); err != nil {
				return fmt.Errorf("untracking %s: %w", p, err)
			}
		}
		if len(ignored) > 0 {
			added, err := s.tree.IgnoreFile().Merge(ignored)
			if err != nil {
				return fmt.Errorf("updating ignore rules: %w", err)
			}
			if len(added) > 0 {
				s.logger.Info("ignore rules added", "count", len(added))
			}
		}

		if err := vcs.StageAll(ctx); err != nil {
			return fmt.Errorf("staging changes: %w", err)
		}
		staged, err := vcs.StagedPaths(ctx)
		if err != nil {
			return fmt.Errorf("listing staged changes: %w", err)
		}
		if len(staged) == 0 {
			result.NoOp = true
			head, err := vcs.Head(ctx)
			if err != nil {
				return fmt.Errorf("reading HEAD: %w", err)
			}
			if head != "" {
				if result.Snapshot, err = vcs.Describe(ctx, head); err != nil {
					return err
				}
			}
			return nil
		}

		if err := vcs.Commit(ctx, msg); err != nil {
			return fmt.Errorf("committing snapshot: %w", err)
		}
		snap, err := vcs.Describe(ctx, "HEAD")
		if err != nil {
			return err
		}
		result.Snapshot = snap
		s.logger.Info("snapshot created", "id", snap.ShortID, "files", len(staged))
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	return result, nil
}

// Rename rewrites the message of the HEAD snapshot. Content is unchanged;
// the id changes because it covers the message.
func (s *SnapshotStore) Rename(ctx context.Context, snapshotID, newMessage string) (Snapshot, error) {
	msg, err := ValidateMessage(newMessage)
	if err != nil {
		return Snapshot{}, err
	}

	var renamed Snapshot
	err = s.tree.Exclusive(ctx, func(vcs VersionControlBackend) error {
		if _, err := requireHead(ctx, vcs, snapshotID, "historical rename unsupported"); err != nil {
			return err
		}
		if err := requireClean(ctx, vcs, "rename"); err != nil {
			return err
		}
		if err := vcs.Amend(ctx, msg); err != nil {
			return fmt.Errorf("amending snapshot: %w", err)
		}
		renamed, err = vcs.Describe(ctx, "HEAD")
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.logger.Info("snapshot renamed", "from", snapshotID, "to", renamed.ShortID)
	return renamed, nil
}

// UndoLast moves HEAD to its parent. The undone changes stay staged in the
// working tree, so no content is lost.
func (s *SnapshotStore) UndoLast(ctx context.Context, snapshotID string) error {
	err := s.tree.Exclusive(ctx, func(vcs VersionControlBackend) error {
		head, err := requireHead(ctx, vcs, snapshotID, "only the latest snapshot can be undone")
		if err != nil {
			return err
		}
		if head.IsRoot() {
			return &PolicyViolation{Reason: "the initial snapshot has no parent to return to"}
		}
		if err := requireClean(ctx, vcs, "undo"); err != nil {
			return err
		}
		if err := vcs.ResetSoft(ctx, 1); err != nil {
			return fmt.Errorf("undoing snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("snapshot undone", "id", snapshotID)
	return nil
}

// Purge replaces the whole history with a single root snapshot whose content
// and message equal keepID's. It is irreversible; callers confirm first.
func (s *SnapshotStore) Purge(ctx context.Context, keepID string) (Snapshot, error) {
	if err := ValidateRevision(keepID); err != nil {
		return Snapshot{}, err
	}

	var root Snapshot
	err := s.tree.Exclusive(ctx, func(vcs VersionControlBackend) (err error) {
		if err := requireClean(ctx, vcs, "purge"); err != nil {
			return err
		}
		keep, err := vcs.Describe(ctx, keepID)
		if err != nil {
			return err
		}
		branch, err := vcs.CurrentBranch(ctx)
		if err != nil {
			return fmt.Errorf("reading current branch: %w", err)
		}
		if branch == "" {
			return &PolicyViolation{Reason: "purge requires a checked-out branch, HEAD is detached"}
		}

		tmp := "backit-purge-" + shortToken(s.ids.New(), 12)
		if err := vcs.CheckoutOrphan(ctx, tmp, keep.ID); err != nil {
			return fmt.Errorf("starting new root: %w", err)
		}
		committed := false
		defer func() {
			if committed {
				return
			}
			rctx := context.WithoutCancel(ctx)
			if rerr := vcs.Checkout(rctx, branch); rerr != nil {
				err = errors.Join(err, fmt.Errorf("returning to %s: %w", branch, rerr))
				return
			}
			if rerr := vcs.DeleteBranch(rctx, tmp); rerr != nil {
				err = errors.Join(err, fmt.Errorf("removing %s: %w", tmp, rerr))
			}
		}()

		if err := vcs.Commit(ctx, keep.Message); err != nil {
			return fmt.Errorf("committing new root: %w", err)
		}
		committed = true
		if err := vcs.DeleteBranch(ctx, branch); err != nil {
			return fmt.Errorf("dropping old history: %w", err)
		}
		if err := vcs.RenameBranch(ctx, branch); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", tmp, branch, err)
		}
		root, err = vcs.Describe(ctx, "HEAD")
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.logger.Info("history purged", "kept", keepID, "root", root.ShortID)
	return root, nil
}

// List returns the snapshots reachable from HEAD, newest first. A tree
// without history has no snapshots.
func (s *SnapshotStore) List(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.tree.Exclusive(ctx, func(vcs VersionControlBackend) error {
		isRepo, err := vcs.IsRepository(ctx)
		if err != nil || !isRepo {
			return err
		}
		snaps, err = vcs.Log(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

// Files returns every file path stored in a snapshot.
func (s *SnapshotStore) Files(ctx context.Context, snapshotID string) ([]string, error) {
	if err := ValidateRevision(snapshotID); err != nil {
		return nil, err
	}
	var files []string
	err := s.tree.Exclusive(ctx, func(vcs VersionControlBackend) error {
		snap, err := vcs.Describe(ctx, snapshotID)
		if err != nil {
			return err
		}
		files, err = vcs.ListFiles(ctx, snap.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
