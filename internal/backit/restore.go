package backit

import (
	"context"
	"fmt"
)

// RestoreEngine copies selected paths from a historical snapshot into the
// working tree.
type RestoreEngine struct {
	tree   *WorkingTree
	logger Logger
}

func NewRestoreEngine(tree *WorkingTree, logger Logger) *RestoreEngine {
	return &RestoreEngine{tree: tree, logger: logger}
}

// Restore writes exactly the named paths from the snapshot and returns those
// whose working-tree content differed from it beforehand. Every other path
// is left untouched, even when it differs between HEAD and the snapshot.
func (e *RestoreEngine) Restore(ctx context.Context, snapshotID string, paths []string) ([]string, error) {
	selected, err := normalizeSelection(paths)
	if err != nil {
		return nil, err
	}
	if err := ValidateRevision(snapshotID); err != nil {
		return nil, err
	}

	var changed []string
	err = e.tree.Exclusive(ctx, func(vcs VersionControlBackend) error {
		snap, err := vcs.Describe(ctx, snapshotID)
		if err != nil {
			return err
		}
		diff, err := vcs.DiffPaths(ctx, snap.ID)
		if err != nil {
			return err
		}
		changed = filterSelection(diff, selected)
		if err := vcs.CheckoutPaths(ctx, snap.ID, selected); err != nil {
			return fmt.Errorf("restoring from %s: %w", snap.ShortID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("files restored", "snapshot", snapshotID, "selected", len(selected), "changed", len(changed))
	return changed, nil
}

// filterSelection keeps the diff paths named in selected, in diff order.
func filterSelection(diff, selected []string) []string {
	keep := make(map[string]bool, len(selected))
	for _, p := range selected {
		keep[p] = true
	}
	var out []string
	for _, p := range diff {
		if keep[p] {
			out = append(out, p)
		}
	}
	return out
}

// normalizeSelection validates and de-duplicates a path selection.
func normalizeSelection(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, &ValidationError{Field: "selection", Reason: "no paths selected"}
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean, err := ValidateRelativePath(p)
		if err != nil {
			return nil, err
		}
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out, nil
}
