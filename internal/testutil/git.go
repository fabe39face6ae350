package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git executable is installed.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}
}

// Git runs git in dir and returns trimmed stdout. The test fails on a non-zero exit.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a repository in dir with a local identity.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	Git(t, dir, "init", "-q", "-b", branch)
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
}

// WriteFile creates or overwrites dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of dir/name, or "" when it does not exist.
func ReadFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if os.IsNotExist(err) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// NewRemote creates a bare repository. When files is non-empty its branch is
// seeded with one commit holding them, unrelated to any local history.
func NewRemote(t *testing.T, branch string, files map[string]string) string {
	t.Helper()
	bare := filepath.Join(t.TempDir(), "remote.git")
	Git(t, filepath.Dir(bare), "init", "-q", "--bare", "-b", branch, bare)
	if len(files) == 0 {
		return bare
	}

	seed := t.TempDir()
	InitRepo(t, seed, branch)
	for name, content := range files {
		WriteFile(t, seed, name, content)
	}
	Git(t, seed, "add", "-A")
	Git(t, seed, "commit", "-q", "-m", "Initial remote commit")
	Git(t, seed, "push", "-q", bare, branch+":refs/heads/"+branch)
	return bare
}

// RemoteFile returns the content of name on the remote branch, or "" if absent.
func RemoteFile(t *testing.T, bare, branch, name string) string {
	t.Helper()
	cmd := exec.Command("git", "show", branch+":"+name)
	cmd.Dir = bare
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// Branches returns the local branch names of the repository in dir.
func Branches(t *testing.T, dir string) []string {
	t.Helper()
	out := Git(t, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
