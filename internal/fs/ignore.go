package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"backit-go/internal/backit"
)

// IgnoreFileName is the ignore-rule file kept at the project root.
const IgnoreFileName = ".gitignore"

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
	dirOnly   bool // trailing '/': matches directories only
}

// IgnoreMatcher checks file paths against a set of ignore patterns.
// Patterns without '/' match against the basename at any depth.
// Patterns with '/' match against the full relative path from the project root;
// a leading '/' only anchors and is dropped. A trailing '/' restricts the
// pattern to directories.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		p := ignorePattern{}
		if strings.HasSuffix(raw, "/") {
			p.dirOnly = true
			raw = strings.TrimRight(raw, "/")
		}
		if strings.HasPrefix(raw, "/") {
			p.matchPath = true
			raw = strings.TrimLeft(raw, "/")
		}
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p.matchPath = true
		}
		p.pattern = raw
		patterns = append(patterns, p)
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the given relative path should be ignored.
// isDir tells whether the path names a directory.
func (m *IgnoreMatcher) Match(relativePath string, isDir bool) bool {
	if len(m.patterns) == 0 || relativePath == "" {
		return false
	}

	// Normalize to forward slashes for consistent matching.
	normalized := filepath.ToSlash(relativePath)
	basename := path.Base(normalized)

	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		var matched bool
		var err error
		if p.matchPath {
			matched, err = path.Match(p.pattern, normalized)
		} else {
			matched, err = path.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern: skip rather than crash.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file and returns the raw lines.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}

// IgnoreFile is the append-only ignore-rule file of a project.
type IgnoreFile struct {
	path string
}

var _ backit.IgnoreFile = (*IgnoreFile)(nil)

// NewIgnoreFile returns the ignore file at root/.gitignore.
func NewIgnoreFile(root string) *IgnoreFile {
	return &IgnoreFile{path: filepath.Join(root, IgnoreFileName)}
}

// Path returns the file location.
func (f *IgnoreFile) Path() string { return f.path }

// Patterns returns the active patterns in file order.
func (f *IgnoreFile) Patterns() ([]string, error) {
	lines, err := ParseIgnoreFile(f.path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// Merge appends every pattern not already present, in the given order, and
// returns the appended ones. Existing lines are never rewritten.
func (f *IgnoreFile) Merge(patterns []string) ([]string, error) {
	existing, err := f.Patterns()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing)+len(patterns))
	for _, p := range existing {
		seen[p] = true
	}

	var added []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		added = append(added, p)
	}
	if len(added) == 0 {
		return nil, nil
	}

	needsNewline, err := f.missingTrailingNewline()
	if err != nil {
		return nil, err
	}

	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	var b strings.Builder
	if needsNewline {
		b.WriteString("\n")
	}
	for _, p := range added {
		b.WriteString(p)
		b.WriteString("\n")
	}
	if _, err := out.WriteString(b.String()); err != nil {
		out.Close()
		return nil, fmt.Errorf("appending ignore rules: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("closing ignore file: %w", err)
	}
	return added, nil
}

// missingTrailingNewline reports whether the file is non-empty and does not
// end in a newline.
func (f *IgnoreFile) missingTrailingNewline() (bool, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening ignore file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat ignore file: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("reading ignore file: %w", err)
	}
	return last[0] != '\n', nil
}
