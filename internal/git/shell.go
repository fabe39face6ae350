package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"backit-go/internal/backit"
)

// tokenEnv carries the access token to the credential helper. The token
// itself never appears in arguments or repository configuration.
const tokenEnv = "BACKIT_GIT_TOKEN"

// credentialHelper answers git's credential prompt from tokenEnv.
const credentialHelper = `credential.helper=!f() { echo "username=x-access-token"; echo "password=$` + tokenEnv + `"; }; f`

// Options configures a ShellBackend.
type Options struct {
	// Binary is the git executable; defaults to "git".
	Binary string
	// InitialBranch names the branch created by Init; defaults to backit.DefaultBranch.
	InitialBranch string
}

// ShellBackend implements backit.VersionControlBackend by shelling out to git.
type ShellBackend struct {
	dir           string
	binary        string
	initialBranch string
	token         string
}

var _ backit.VersionControlBackend = (*ShellBackend)(nil)

// NewShellBackend creates a backend operating on the working tree at dir.
func NewShellBackend(dir string, opts Options) *ShellBackend {
	if opts.Binary == "" {
		opts.Binary = "git"
	}
	if opts.InitialBranch == "" {
		opts.InitialBranch = backit.DefaultBranch
	}
	return &ShellBackend{dir: dir, binary: opts.Binary, initialBranch: opts.InitialBranch}
}

// WithToken returns a copy whose network commands authenticate with token.
func (b *ShellBackend) WithToken(token string) backit.VersionControlBackend {
	c := *b
	c.token = token
	return &c
}

func (b *ShellBackend) Init(ctx context.Context) error {
	_, err := b.run(ctx, "init", "-q", "-b", b.initialBranch)
	return err
}

func (b *ShellBackend) IsRepository(ctx context.Context) (bool, error) {
	_, err := os.Stat(filepath.Join(b.dir, ".git"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking repository: %w", err)
}

func (b *ShellBackend) EnsureIdentity(ctx context.Context, name, email string) error {
	for _, kv := range [][2]string{{"user.name", name}, {"user.email", email}} {
		ok, err := b.succeeds(ctx, "config", "--get", kv[0])
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := b.run(ctx, "config", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func (b *ShellBackend) Untrack(ctx context.Context, path string) error {
	_, err := b.run(ctx, "rm", "-r", "--cached", "--ignore-unmatch", "--quiet", "--", path)
	return err
}

func (b *ShellBackend) StageAll(ctx context.Context) error {
	_, err := b.run(ctx, "add", "-A", "--", ".")
	return err
}

func (b *ShellBackend) StagedPaths(ctx context.Context) ([]string, error) {
	out, err := b.run(ctx, "diff", "--cached", "--name-only", "-z")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

func (b *ShellBackend) HasUncommittedChanges(ctx context.Context) (bool, error) {
	isRepo, err := b.IsRepository(ctx)
	if err != nil || !isRepo {
		return false, err
	}
	out, err := b.run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (b *ShellBackend) Commit(ctx context.Context, message string) error {
	_, err := b.run(ctx, "commit", "-q", "-m", message)
	return err
}

func (b *ShellBackend) Amend(ctx context.Context, message string) error {
	_, err := b.run(ctx, "commit", "-q", "--amend", "-m", message)
	return err
}

func (b *ShellBackend) ResetSoft(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("reset: invalid count %d", n)
	}
	_, err := b.run(ctx, "reset", "-q", "--soft", "HEAD~"+strconv.Itoa(n))
	return err
}

func (b *ShellBackend) Log(ctx context.Context) ([]backit.Snapshot, error) {
	head, err := b.Head(ctx)
	if err != nil || head == "" {
		return nil, err
	}
	out, err := b.run(ctx, "log", "--pretty=format:"+logFormat, "HEAD", "--")
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

func (b *ShellBackend) Describe(ctx context.Context, rev string) (backit.Snapshot, error) {
	if err := backit.ValidateRevision(rev); err != nil {
		return backit.Snapshot{}, err
	}
	id, err := b.resolve(ctx, rev)
	if err != nil {
		return backit.Snapshot{}, err
	}
	if id == "" {
		return backit.Snapshot{}, &backit.ValidationError{Field: "snapshot", Reason: "unknown snapshot " + rev}
	}
	out, err := b.run(ctx, "log", "-1", "--pretty=format:"+logFormat, id, "--")
	if err != nil {
		return backit.Snapshot{}, err
	}
	snaps, err := parseLog(out)
	if err != nil {
		return backit.Snapshot{}, err
	}
	if len(snaps) != 1 {
		return backit.Snapshot{}, fmt.Errorf("describing %s: expected one record, got %d", rev, len(snaps))
	}
	return snaps[0], nil
}

func (b *ShellBackend) Head(ctx context.Context) (string, error) {
	return b.resolve(ctx, "HEAD")
}

func (b *ShellBackend) CurrentBranch(ctx context.Context) (string, error) {
	out, ok, err := b.optional(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *ShellBackend) ListFiles(ctx context.Context, rev string) ([]string, error) {
	if err := backit.ValidateRevision(rev); err != nil {
		return nil, err
	}
	out, err := b.run(ctx, "ls-tree", "-r", "--name-only", "-z", rev)
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

func (b *ShellBackend) DiffPaths(ctx context.Context, rev string) ([]string, error) {
	if err := backit.ValidateRevision(rev); err != nil {
		return nil, err
	}
	out, err := b.run(ctx, "diff", "--name-only", "-z", rev, "--")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

func (b *ShellBackend) CheckoutPaths(ctx context.Context, rev string, paths []string) error {
	if err := backit.ValidateRevision(rev); err != nil {
		return err
	}
	if len(paths) == 0 {
		return &backit.ValidationError{Field: "selection", Reason: "no paths selected"}
	}
	args := append([]string{"checkout", "-q", rev, "--"}, paths...)
	_, err := b.run(ctx, args...)
	return err
}

func (b *ShellBackend) Checkout(ctx context.Context, ref string) error {
	if err := backit.ValidateRevision(ref); err != nil {
		return err
	}
	_, err := b.run(ctx, "checkout", "-q", ref, "--")
	return err
}

func (b *ShellBackend) CheckoutNewBranch(ctx context.Context, name, at string) error {
	_, err := b.run(ctx, "checkout", "-q", "-b", name, at)
	return err
}

func (b *ShellBackend) CheckoutOrphan(ctx context.Context, name, startPoint string) error {
	_, err := b.run(ctx, "checkout", "-q", "--orphan", name, startPoint)
	return err
}

func (b *ShellBackend) BranchExists(ctx context.Context, name string) (bool, error) {
	return b.succeeds(ctx, "rev-parse", "--verify", "-q", "refs/heads/"+name)
}

func (b *ShellBackend) DeleteBranch(ctx context.Context, name string) error {
	_, err := b.run(ctx, "branch", "-D", name)
	return err
}

func (b *ShellBackend) RenameBranch(ctx context.Context, name string) error {
	_, err := b.run(ctx, "branch", "-m", name)
	return err
}

func (b *ShellBackend) SetRemote(ctx context.Context, name, url string) error {
	exists, err := b.succeeds(ctx, "config", "--get", "remote."+name+".url")
	if err != nil {
		return err
	}
	if exists {
		if _, err := b.run(ctx, "remote", "remove", name); err != nil {
			return err
		}
	}
	_, err = b.run(ctx, "remote", "add", name, url)
	return err
}

// RemoteHasBranch asks the remote whether branch exists. ls-remote exits 2
// when no matching ref is found.
func (b *ShellBackend) RemoteHasBranch(ctx context.Context, remote, branch string) (bool, error) {
	_, err := b.runNetwork(ctx, "ls-remote", "--exit-code", "--heads", remote, "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var sf *backit.SubprocessFailure
	if errors.As(err, &sf) && sf.ExitCode == 2 {
		return false, nil
	}
	return false, err
}

func (b *ShellBackend) Fetch(ctx context.Context, remote, branch string) error {
	_, err := b.runNetwork(ctx, "fetch", "-q", remote, branch)
	return err
}

func (b *ShellBackend) Merge(ctx context.Context, ref string, strategy backit.MergeStrategy) error {
	switch strategy {
	case backit.MergePreferLocal:
		_, err := b.run(ctx, "merge", ref, "--allow-unrelated-histories", "-X", "ours", "--no-edit")
		return err
	default:
		return fmt.Errorf("unsupported merge strategy %d", strategy)
	}
}

func (b *ShellBackend) MergeInProgress(ctx context.Context) (bool, error) {
	return b.gitPathExists("MERGE_HEAD")
}

func (b *ShellBackend) MergeAbort(ctx context.Context) error {
	_, err := b.run(ctx, "merge", "--abort")
	return err
}

func (b *ShellBackend) Push(ctx context.Context, remote, src, dstBranch string, force bool) error {
	args := []string{"push", "-q", remote, src + ":refs/heads/" + dstBranch}
	if force {
		args = append(args, "--force")
	}
	_, err := b.runNetwork(ctx, args...)
	return err
}

func (b *ShellBackend) RebaseInProgress(ctx context.Context) (bool, error) {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		ok, err := b.gitPathExists(name)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (b *ShellBackend) RebaseAbort(ctx context.Context) error {
	_, err := b.run(ctx, "rebase", "--abort")
	return err
}

// resolve returns the full id rev names, or "" if it names no snapshot.
func (b *ShellBackend) resolve(ctx context.Context, rev string) (string, error) {
	out, ok, err := b.optional(ctx, "rev-parse", "--verify", "-q", rev+"^{commit}")
	if err != nil || !ok {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *ShellBackend) gitPathExists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(b.dir, ".git", name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// command builds a git invocation in the working tree with prompts disabled
// and untranslated output.
func (b *ShellBackend) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Dir = b.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	return cmd
}

// run executes git and returns stdout. A non-zero exit becomes a
// *backit.SubprocessFailure.
func (b *ShellBackend) run(ctx context.Context, args ...string) (string, error) {
	return b.exec(b.command(ctx, args...), args)
}

// runNetwork is run with the token credential helper attached.
func (b *ShellBackend) runNetwork(ctx context.Context, args ...string) (string, error) {
	cmd := b.command(ctx, args...)
	if b.token != "" {
		cmd.Env = append(cmd.Env, tokenEnv+"="+b.token)
		cmd.Args = insertGitFlags(cmd.Args, "-c", "credential.helper=", "-c", credentialHelper)
	}
	return b.exec(cmd, args)
}

// succeeds runs git and reports whether it exited 0. Exit status 1 is
// treated as a negative answer; anything else is an error.
func (b *ShellBackend) succeeds(ctx context.Context, args ...string) (bool, error) {
	_, ok, err := b.optional(ctx, args...)
	return ok, err
}

func (b *ShellBackend) optional(ctx context.Context, args ...string) (string, bool, error) {
	out, err := b.run(ctx, args...)
	if err == nil {
		return out, true, nil
	}
	var sf *backit.SubprocessFailure
	if errors.As(err, &sf) && sf.ExitCode == 1 {
		return "", false, nil
	}
	return "", false, err
}

func (b *ShellBackend) exec(cmd *exec.Cmd, args []string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), &backit.SubprocessFailure{
		Command:  "git " + strings.Join(args, " "),
		ExitCode: exitCode,
		Stderr:   b.redact(stderr.String()),
		Output:   b.redact(stdout.String()),
		Err:      err,
	}
}

// redact removes the token from command output.
func (b *ShellBackend) redact(s string) string {
	if b.token == "" {
		return s
	}
	return strings.ReplaceAll(s, b.token, "***")
}

// insertGitFlags inserts flags immediately after the git executable,
// before the subcommand.
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

func splitNUL(out string) []string {
	var paths []string
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
