package backit

import "context"

// MergeStrategy selects how Merge resolves path conflicts.
type MergeStrategy int

const (
	// MergePreferLocal keeps the local side's content on every conflicting
	// path, imports paths only the other side has, and allows histories
	// without a common ancestor.
	MergePreferLocal MergeStrategy = iota
)

// VersionControlBackend is the version-control capability the engine needs.
// Every method runs synchronously against one working tree; paths are
// relative to its root. A command that must succeed and does not returns a
// *SubprocessFailure carrying the command, exit code, stderr and stdout.
//
// The shell implementation in internal/git drives the git executable; any
// other implementation satisfying this contract can replace it.
type VersionControlBackend interface {
	// Init creates an empty history in the working tree.
	Init(ctx context.Context) error
	// IsRepository reports whether the working tree already has history metadata.
	IsRepository(ctx context.Context) (bool, error)
	// EnsureIdentity sets a local author identity when none is configured.
	EnsureIdentity(ctx context.Context, name, email string) error

	// Untrack removes path from the index, keeping the file on disk.
	// Paths that are not tracked are ignored.
	Untrack(ctx context.Context, path string) error
	// StageAll stages every change in the working tree, honouring ignore rules.
	StageAll(ctx context.Context) error
	// StagedPaths returns the paths staged for the next commit.
	StagedPaths(ctx context.Context) ([]string, error)
	// HasUncommittedChanges reports staged or unstaged changes to tracked files.
	HasUncommittedChanges(ctx context.Context) (bool, error)

	Commit(ctx context.Context, message string) error
	// Amend replaces the message of HEAD without changing its content.
	Amend(ctx context.Context, message string) error
	// ResetSoft moves HEAD back n snapshots, keeping their changes staged.
	ResetSoft(ctx context.Context, n int) error

	// Log returns the history reachable from HEAD, newest first.
	// It returns an empty slice when there are no snapshots.
	Log(ctx context.Context) ([]Snapshot, error)
	// Describe resolves rev to a snapshot. Unknown revisions yield a *ValidationError.
	Describe(ctx context.Context, rev string) (Snapshot, error)
	// Head returns the full id of HEAD, or "" when there is no snapshot yet.
	Head(ctx context.Context) (string, error)
	// CurrentBranch returns the checked-out branch name, or "" when HEAD is detached.
	CurrentBranch(ctx context.Context) (string, error)
	// ListFiles returns every file path stored in rev.
	ListFiles(ctx context.Context, rev string) ([]string, error)
	// DiffPaths returns the paths whose working-tree content differs from rev.
	DiffPaths(ctx context.Context, rev string) ([]string, error)

	// CheckoutPaths writes the named paths from rev into the working tree.
	CheckoutPaths(ctx context.Context, rev string, paths []string) error
	// Checkout switches the working tree to a branch or, for a snapshot id, a detached HEAD.
	Checkout(ctx context.Context, ref string) error
	CheckoutNewBranch(ctx context.Context, name, at string) error
	// CheckoutOrphan starts a branch with no history whose index and tree equal startPoint.
	CheckoutOrphan(ctx context.Context, name, startPoint string) error
	BranchExists(ctx context.Context, name string) (bool, error)
	DeleteBranch(ctx context.Context, name string) error
	// RenameBranch renames the current branch.
	RenameBranch(ctx context.Context, name string) error

	// SetRemote points the named remote at url, replacing any previous definition.
	SetRemote(ctx context.Context, name, url string) error
	RemoteHasBranch(ctx context.Context, remote, branch string) (bool, error)
	Fetch(ctx context.Context, remote, branch string) error
	Merge(ctx context.Context, ref string, strategy MergeStrategy) error
	MergeInProgress(ctx context.Context) (bool, error)
	MergeAbort(ctx context.Context) error
	// Push publishes src to refs/heads/dstBranch on remote.
	Push(ctx context.Context, remote, src, dstBranch string, force bool) error

	RebaseInProgress(ctx context.Context) (bool, error)
	RebaseAbort(ctx context.Context) error

	// WithToken returns a backend whose network commands authenticate with
	// token. The token is never written to repository configuration.
	WithToken(token string) VersionControlBackend
}
