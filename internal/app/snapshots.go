package app

import (
	"context"
	"fmt"
	"strings"

	"backit-go/internal/backit"
	"backit-go/internal/task"
)

// CreateSnapshot records the project's current content. ignored paths are
// added to the ignore file first. A tree without changes yields NoOp.
func (a *BackitApp) CreateSnapshot(ctx context.Context, message string, ignored []string) (backit.CreateResult, error) {
	p, err := a.currentProject()
	if err != nil {
		return backit.CreateResult{}, err
	}
	var res backit.CreateResult
	err = a.mutate(message, func() error {
		res, err = run(ctx, a, task.KindSnapshot, func(ctx context.Context) (backit.CreateResult, error) {
			return p.store.Create(ctx, message, ignored)
		})
		return err
	})
	return res, err
}

// ListSnapshots returns the project's history, newest first.
func (a *BackitApp) ListSnapshots(ctx context.Context) ([]backit.Snapshot, error) {
	p, err := a.currentProject()
	if err != nil {
		return nil, err
	}
	return p.store.List(ctx)
}

// SnapshotFiles lists the files stored in a snapshot, cut at the configured
// display limit. truncated reports whether entries were dropped; total is
// the full count.
func (a *BackitApp) SnapshotFiles(ctx context.Context, id string) (files []string, total int, truncated bool, err error) {
	p, err := a.currentProject()
	if err != nil {
		return nil, 0, false, err
	}
	files, err = p.store.Files(ctx, id)
	if err != nil {
		return nil, 0, false, err
	}
	total = len(files)
	if limit := a.cfg.Restore.DisplayLimit; limit > 0 && total > limit {
		return files[:limit], total, true, nil
	}
	return files, total, false, nil
}

// RenameSnapshot changes the message of the latest snapshot.
func (a *BackitApp) RenameSnapshot(ctx context.Context, id, message string) (backit.Snapshot, error) {
	p, err := a.currentProject()
	if err != nil {
		return backit.Snapshot{}, err
	}
	var snap backit.Snapshot
	err = a.mutate(id+" "+message, func() error {
		snap, err = p.store.Rename(ctx, id, message)
		return err
	})
	return snap, err
}

// UndoSnapshot removes the latest snapshot, keeping its changes staged.
func (a *BackitApp) UndoSnapshot(ctx context.Context, id string) error {
	p, err := a.currentProject()
	if err != nil {
		return err
	}
	return a.mutate(id, func() error {
		return p.store.UndoLast(ctx, id)
	})
}

// PurgeSnapshots collapses history into a single snapshot with keepID's
// content. The confirmer is asked before anything is changed.
func (a *BackitApp) PurgeSnapshots(ctx context.Context, keepID string, confirm Confirmer) (backit.Snapshot, error) {
	p, err := a.currentProject()
	if err != nil {
		return backit.Snapshot{}, err
	}
	var root backit.Snapshot
	err = a.mutate(keepID, func() error {
		prompt := fmt.Sprintf("Delete all history except snapshot %s? This cannot be undone.", keepID)
		if err := ask(confirm, prompt); err != nil {
			return err
		}
		root, err = run(ctx, a, task.KindSnapshot, func(ctx context.Context) (backit.Snapshot, error) {
			return p.store.Purge(ctx, keepID)
		})
		return err
	})
	return root, err
}

// Restore writes the selected paths from a snapshot into the working tree
// and returns those whose content actually changed.
func (a *BackitApp) Restore(ctx context.Context, id string, paths []string) ([]string, error) {
	p, err := a.currentProject()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &backit.ValidationError{Field: "selection", Reason: "no paths selected"}
	}
	var changed []string
	err = a.mutate(id+" "+strings.Join(paths, " "), func() error {
		changed, err = p.restore.Restore(ctx, id, paths)
		return err
	})
	return changed, err
}
