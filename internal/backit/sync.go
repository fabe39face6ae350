package backit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "backit-go/internal/backit"

// remoteName is the remote every sync configures and publishes through.
const remoteName = "origin"

// SyncResult describes a finished publish.
type SyncResult struct {
	Snapshot Snapshot
	Branch   string
	// Merged is set when remote history was merged before pushing.
	Merged bool
	// Forced is set for overwrite pushes.
	Forced bool
	// CheckedOut is what the working tree is checked out at afterwards:
	// a branch name or a detached snapshot id.
	CheckedOut string
}

// SyncEngine publishes local snapshots to a remote primary branch.
type SyncEngine struct {
	tree     *WorkingTree
	clock    Clock
	ids      IDGenerator
	logger   Logger
	progress Progress
	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewSyncEngine creates a SyncEngine. A nil progress discards updates.
func NewSyncEngine(tree *WorkingTree, clock Clock, ids IDGenerator, logger Logger, progress Progress) *SyncEngine {
	if progress == nil {
		progress = NopProgress{}
	}
	e := &SyncEngine{
		tree:     tree,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		progress: progress,
		tracer:   otel.Tracer(instrumentationName),
	}
	outcomes, err := otel.Meter(instrumentationName).Int64Counter(
		"backit.sync.outcomes",
		metric.WithDescription("Publish attempts by mode and result"),
		metric.WithUnit("{pushes}"),
	)
	if err != nil {
		logger.Warn("sync metrics unavailable", "error", err)
	} else {
		e.outcomes = outcomes
	}
	return e
}

// Push publishes snapshotID to the target's primary branch without
// discarding remote-only content.
//
// The snapshot is checked out on an ephemeral branch, the remote primary
// branch is merged into it preferring local content on every conflicting
// path, and the merge result is pushed. Whatever happens, the ephemeral
// branch is removed and the tree is checked out at the chosen snapshot
// again before Push returns. Cancellation is honoured between steps only;
// the rollback always runs.
func (e *SyncEngine) Push(ctx context.Context, target RemoteTarget, snapshotID string) (result SyncResult, err error) {
	ctx, span := e.tracer.Start(ctx, "SyncEngine.Push", trace.WithAttributes(
		attribute.String("sync.remote", target.String()),
		attribute.String("sync.branch", target.PrimaryBranch()),
	))
	defer func() { e.finishSpan(ctx, span, "merge", err) }()

	if err := target.Validate(); err != nil {
		return SyncResult{}, err
	}
	if err := ValidateRevision(snapshotID); err != nil {
		return SyncResult{}, err
	}
	branch := target.PrimaryBranch()

	err = e.tree.Exclusive(ctx, func(base VersionControlBackend) (err error) {
		if err := requireClean(ctx, base, "sync"); err != nil {
			return err
		}
		snap, err := base.Describe(ctx, snapshotID)
		if err != nil {
			return err
		}
		result.Snapshot = snap
		result.Branch = branch

		original, err := base.CurrentBranch(ctx)
		if err != nil {
			return fmt.Errorf("reading current branch: %w", err)
		}
		originalHead, err := base.Head(ctx)
		if err != nil {
			return fmt.Errorf("reading HEAD: %w", err)
		}
		// Stay on the branch when it already points at the snapshot so the
		// tree is not left detached needlessly.
		returnTo := snap.ID
		if original != "" && originalHead == snap.ID {
			returnTo = original
		}

		vcs := base.WithToken(target.Token)
		ephemeral := fmt.Sprintf("backit-push-%d-%s", e.clock.Now().Unix(), shortToken(e.ids.New(), 8))
		created := false

		defer func() {
			rerr := e.rollback(context.WithoutCancel(ctx), vcs, ephemeral, created, returnTo)
			if rerr != nil {
				err = errors.Join(err, rerr)
			}
			result.CheckedOut = returnTo
		}()

		e.progress.Step("configuring remote")
		if err := vcs.SetRemote(ctx, remoteName, target.URL); err != nil {
			return fmt.Errorf("configuring remote: %w", err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		e.progress.Step("preparing " + ephemeral)
		exists, err := vcs.BranchExists(ctx, ephemeral)
		if err != nil {
			return fmt.Errorf("checking branch %s: %w", ephemeral, err)
		}
		if exists {
			if err := vcs.DeleteBranch(ctx, ephemeral); err != nil {
				return fmt.Errorf("removing stale branch %s: %w", ephemeral, err)
			}
		}
		if err := vcs.CheckoutNewBranch(ctx, ephemeral, snap.ID); err != nil {
			return fmt.Errorf("creating branch %s: %w", ephemeral, err)
		}
		created = true

		if err := ctx.Err(); err != nil {
			return err
		}
		e.progress.Step("fetching " + branch)
		remoteHas, err := vcs.RemoteHasBranch(ctx, remoteName, branch)
		if err != nil {
			return fmt.Errorf("querying remote: %w", err)
		}
		if remoteHas {
			if err := vcs.Fetch(ctx, remoteName, branch); err != nil {
				return fmt.Errorf("fetching %s: %w", branch, err)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			e.progress.Step("merging remote history")
			if err := vcs.Merge(ctx, remoteName+"/"+branch, MergePreferLocal); err != nil {
				return fmt.Errorf("merging %s/%s: %w", remoteName, branch, err)
			}
			result.Merged = true
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		e.progress.Step("pushing to " + branch)
		if err := vcs.Push(ctx, remoteName, ephemeral, branch, false); err != nil {
			return fmt.Errorf("pushing to %s: %w", branch, err)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("push failed", "snapshot", snapshotID, "remote", target.String(), "error", err)
		return result, err
	}
	e.logger.Info("snapshot pushed", "snapshot", result.Snapshot.ShortID, "remote", target.String(), "branch", branch, "merged", result.Merged)
	return result, nil
}

// Overwrite force-pushes snapshotID over the remote primary branch,
// discarding remote history. It does not touch the working tree.
func (e *SyncEngine) Overwrite(ctx context.Context, target RemoteTarget, snapshotID string) (result SyncResult, err error) {
	ctx, span := e.tracer.Start(ctx, "SyncEngine.Overwrite", trace.WithAttributes(
		attribute.String("sync.remote", target.String()),
		attribute.String("sync.branch", target.PrimaryBranch()),
	))
	defer func() { e.finishSpan(ctx, span, "overwrite", err) }()

	if err := target.Validate(); err != nil {
		return SyncResult{}, err
	}
	if err := ValidateRevision(snapshotID); err != nil {
		return SyncResult{}, err
	}
	branch := target.PrimaryBranch()

	err = e.tree.Exclusive(ctx, func(base VersionControlBackend) error {
		snap, err := base.Describe(ctx, snapshotID)
		if err != nil {
			return err
		}
		result = SyncResult{Snapshot: snap, Branch: branch, Forced: true}
		if cur, err := base.CurrentBranch(ctx); err == nil && cur != "" {
			result.CheckedOut = cur
		} else if head, err := base.Head(ctx); err == nil {
			result.CheckedOut = head
		}

		vcs := base.WithToken(target.Token)
		e.progress.Step("configuring remote")
		if err := vcs.SetRemote(ctx, remoteName, target.URL); err != nil {
			return fmt.Errorf("configuring remote: %w", err)
		}
		e.progress.Step("overwriting " + branch)
		if err := vcs.Push(ctx, remoteName, snap.ID, branch, true); err != nil {
			return fmt.Errorf("overwriting %s: %w", branch, err)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("overwrite failed", "snapshot", snapshotID, "remote", target.String(), "error", err)
		return result, err
	}
	e.logger.Warn("remote history overwritten", "snapshot", result.Snapshot.ShortID, "remote", target.String(), "branch", branch)
	return result, nil
}

// rollback returns the tree to returnTo and removes the ephemeral branch.
// Every step runs even when an earlier one fails.
func (e *SyncEngine) rollback(ctx context.Context, vcs VersionControlBackend, ephemeral string, created bool, returnTo string) error {
	e.progress.Step("restoring working tree")
	var errs []error
	if merging, err := vcs.MergeInProgress(ctx); err != nil {
		errs = append(errs, fmt.Errorf("checking merge state: %w", err))
	} else if merging {
		if err := vcs.MergeAbort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("aborting merge: %w", err))
		}
	}
	if err := vcs.Checkout(ctx, returnTo); err != nil {
		errs = append(errs, fmt.Errorf("checking out %s: %w", returnTo, err))
	}
	if created {
		if err := vcs.DeleteBranch(ctx, ephemeral); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", ephemeral, err))
		}
	}
	if len(errs) > 0 {
		e.logger.Error("rollback incomplete", "branch", ephemeral, "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

func (e *SyncEngine) finishSpan(ctx context.Context, span trace.Span, mode string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if e.outcomes != nil {
		e.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("sync.mode", mode),
			attribute.String("sync.result", result),
		))
	}
	span.End()
}
