package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one path of a project tree as seen by the ignore rules.
type Entry struct {
	Path    string // slash-separated, relative to the project root
	IsDir   bool
	Ignored bool
}

// ResolveProject validates a raw path and returns the absolute project directory.
func ResolveProject(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path is not a directory: %s", absPath)
	}
	return absPath, nil
}

// Scan walks the project tree and marks every entry the matcher ignores.
// The repository metadata directory is skipped. Ignored directories are
// reported once and not descended into. When limit is positive the walk stops
// after limit entries and truncated is set.
func Scan(root string, matcher *IgnoreMatcher, limit int) (entries []Entry, truncated bool, err error) {
	errLimit := errors.New("limit reached")

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() && rel == ".git" {
			return filepath.SkipDir
		}
		if limit > 0 && len(entries) >= limit {
			truncated = true
			return errLimit
		}

		ignored := matcher.Match(rel, d.IsDir())
		entries = append(entries, Entry{Path: rel, IsDir: d.IsDir(), Ignored: ignored})
		if ignored && d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && err != errLimit {
		return nil, false, fmt.Errorf("walking project: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, truncated, nil
}
