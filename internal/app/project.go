package app

import (
	"context"
	"fmt"

	"backit-go/internal/backit"
	"backit-go/internal/fs"
)

// OpenProject makes rawPath the project for this and later commands. A
// rebase left behind by an earlier tool is aborted; aborted reports it.
func (a *BackitApp) OpenProject(ctx context.Context, rawPath string) (root string, aborted bool, err error) {
	err = a.mutate(rawPath, func() error {
		root, err = fs.ResolveProject(rawPath)
		if err != nil {
			return &backit.ValidationError{Field: "project", Reason: err.Error()}
		}
		p := a.bind(root)
		if aborted, err = p.tree.Recover(ctx, a.logger); err != nil {
			return fmt.Errorf("recovering project: %w", err)
		}
		a.cfg.Project.Path = root
		if err := a.saveConfig(); err != nil {
			return err
		}
		a.logger.Info("project opened", "root", root, "rebase_aborted", aborted)
		return nil
	})
	return root, aborted, err
}

// ProjectRoot returns the open project's root, or "" when none is open.
func (a *BackitApp) ProjectRoot() string {
	if a.project != nil {
		return a.project.tree.Root()
	}
	return a.cfg.Project.Path
}

func (a *BackitApp) bind(root string) *project {
	tree := backit.NewWorkingTree(root, a.newBackend(root), fs.NewIgnoreFile(root))
	identity := backit.Identity{Name: a.cfg.Git.UserName, Email: a.cfg.Git.UserEmail}
	a.project = &project{
		tree:    tree,
		store:   backit.NewSnapshotStore(tree, identity, a.ids, a.logger),
		restore: backit.NewRestoreEngine(tree, a.logger),
		sync:    backit.NewSyncEngine(tree, a.clock, a.ids, a.logger, a.progress),
	}
	return a.project
}

// currentProject returns the bound project, binding the remembered one on first use.
func (a *BackitApp) currentProject() (*project, error) {
	if a.project != nil {
		return a.project, nil
	}
	if a.cfg.Project.Path == "" {
		return nil, &backit.ValidationError{Field: "project", Reason: "no project open: run `backit open PATH` first"}
	}
	root, err := fs.ResolveProject(a.cfg.Project.Path)
	if err != nil {
		return nil, &backit.ValidationError{Field: "project", Reason: err.Error()}
	}
	return a.bind(root), nil
}

// Tree lists the project's files, marking those the ignore file excludes.
// At most limit entries are returned when limit is positive; truncated
// reports whether more exist.
func (a *BackitApp) Tree(limit int) (entries []fs.Entry, truncated bool, err error) {
	p, err := a.currentProject()
	if err != nil {
		return nil, false, err
	}
	patterns, err := p.tree.IgnoreFile().Patterns()
	if err != nil {
		return nil, false, fmt.Errorf("reading ignore file: %w", err)
	}
	return fs.Scan(p.tree.Root(), fs.NewIgnoreMatcher(patterns), limit)
}
