// Package app wires configuration, storage and the snapshot engine together
// for the command-line front end.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"backit-go/internal/auth"
	"backit-go/internal/backit"
	"backit-go/internal/config"
	"backit-go/internal/database"
	"backit-go/internal/encryption"
	"backit-go/internal/git"
	"backit-go/internal/hosting"
	"backit-go/internal/session"
	"backit-go/internal/task"
	"backit-go/internal/vault"
)

// journalItem is the vault name the journal copy is stored under.
const journalItem = "db"

// Options adjusts how a BackitApp is built. The zero value is ready for
// interactive use.
type Options struct {
	// ConfigPath is where changes such as the opened project are saved.
	// Empty disables saving.
	ConfigPath string
	// Progress receives step names of long operations.
	Progress backit.Progress
	// Console receives log lines next to the log file; defaults to stderr.
	Console io.Writer
	// Verbose enables debug logging.
	Verbose bool
	// HTTPClient is used for authorization and API calls.
	HTTPClient *http.Client
	// PollAfter replaces the timer between token polls.
	PollAfter func(time.Duration) <-chan time.Time
	Clock     backit.Clock
	IDs       backit.IDGenerator
}

// BackitApp is the application layer between the CLI and the snapshot
// engine. It constructs all dependencies from config, exposes operations
// that accept raw user input, and records mutating commands in the journal.
type BackitApp struct {
	cfg        *config.Config
	configPath string
	journal    *database.SQLiteDatabase
	vault      backit.Vault
	sessions   *session.Store
	runner     *task.Runner
	logger     backit.Logger
	logFile    *os.File
	progress   backit.Progress
	httpClient *http.Client
	pollAfter  func(time.Duration) <-chan time.Time
	clock      backit.Clock
	ids        backit.IDGenerator
	op         *Operation

	project *project
}

// project is the working tree the session operates on and the engines bound to it.
type project struct {
	tree    *backit.WorkingTree
	store   *backit.SnapshotStore
	restore *backit.RestoreEngine
	sync    *backit.SyncEngine
}

// NewBackitApp creates a fully wired BackitApp from the given config.
// operation identifies the CLI command being run (e.g. "push").
// The caller must call Close when done.
func NewBackitApp(cfg *config.Config, operation string, opts Options) (*BackitApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = backit.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = backit.UUIDGenerator{}
	}
	if opts.Progress == nil {
		opts.Progress = backit.NopProgress{}
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	opID := opts.Clock.Now().UTC().Format("20060102T150405Z")
	l, logFile, err := newLogger(cfg.LogDir, opID, opts.Console, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	a := &BackitApp{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		logger:     logger,
		logFile:    logFile,
		progress:   opts.Progress,
		httpClient: opts.HTTPClient,
		pollAfter:  opts.PollAfter,
		clock:      opts.Clock,
		ids:        opts.IDs,
		op:         NewOperation(operation),
		runner:     task.NewRunner(logger, task.DefaultSingletons...),
	}
	if err := a.open(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *BackitApp) open() error {
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.sessions = session.NewStore(a.cfg.Session.Path, enc)

	a.journal, err = database.NewJournalFromConfig(a.cfg.Database, a.cfg.HostID, a.clock)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	if err := a.journal.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	if len(a.cfg.Vaults) == 0 {
		return nil
	}
	a.vault, err = vault.NewVaultFromConfig(context.Background(), a.cfg.Vaults[0])
	if err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}

	// A vault copy newer than the local journal means this journal was
	// replaced or lost; uploading it would discard the newer history.
	remoteVersion, err := a.vault.GetMetadataVersion(a.cfg.HostID, journalItem)
	if err != nil {
		return fmt.Errorf("checking remote journal version: %w", err)
	}
	localMax, err := a.journal.MaxOperationID()
	if err != nil {
		return fmt.Errorf("checking local journal version: %w", err)
	}
	if remoteVersion > localMax {
		return fmt.Errorf("local journal is behind vault (local=%d, remote=%d): restore it from the vault or re-initialize", localMax, remoteVersion)
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *BackitApp) Config() *config.Config { return a.cfg }

// Operation returns the operation record of the running command.
func (a *BackitApp) Operation() *Operation { return a.op }

// persistOperation saves the operation to the journal, giving it an ID.
// Only commands that change the project, its remote or the session call it.
func (a *BackitApp) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	project := a.cfg.Project.Path
	if a.project != nil {
		project = a.project.tree.Root()
	}
	dbOp, err := a.journal.StartOperation(a.op.Name, parameters, project)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	a.op.Parameters = parameters
	return nil
}

// mutate persists the operation, runs fn and records its outcome.
func (a *BackitApp) mutate(parameters string, fn func() error) error {
	if err := a.persistOperation(parameters); err != nil {
		return err
	}
	err := fn()
	a.op.Fail(err)
	return err
}

// saveConfig writes the config back when a config path is known.
func (a *BackitApp) saveConfig() error {
	if a.configPath == "" {
		return nil
	}
	if err := config.Save(a.configPath, a.cfg); err != nil {
		return err
	}
	return nil
}

// History returns the most recent journaled operations, newest first.
func (a *BackitApp) History(limit int) ([]*backit.Operation, error) {
	return a.journal.ListOperations(limit)
}

// Pushes returns the most recent publish attempts, newest first.
func (a *BackitApp) Pushes(limit int) ([]*backit.PushRecord, error) {
	return a.journal.ListPushes(limit)
}

// ValidateVault checks that the configured vault is usable.
func (a *BackitApp) ValidateVault() error {
	if a.vault == nil {
		return fmt.Errorf("no vaults configured")
	}
	return a.vault.ValidateSetup()
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, copies the journal and uploads it to the vault.
// For non-persisted operations: just closes the journal.
func (a *BackitApp) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(a.runner.Shutdown(ctx))

	if a.op.Persisted() {
		keep(a.journal.FinishOperation(a.op.ID, a.op.Status, a.op.Detail))
		if a.vault != nil {
			keep(a.uploadJournal())
		}
	}

	keep(a.closeResources())
	return firstErr
}

func (a *BackitApp) closeResources() error {
	var err error
	if a.journal != nil {
		if cerr := a.journal.Close(); cerr != nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
		a.journal = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return err
}

// uploadJournal copies the journal to a temp file and uploads it with
// version = operation ID.
func (a *BackitApp) uploadJournal() error {
	dir, err := os.MkdirTemp("", "backit-journal-*")
	if err != nil {
		return fmt.Errorf("creating temp dir for journal backup: %w", err)
	}
	defer os.RemoveAll(dir)

	// VACUUM INTO refuses an existing file, so only the directory is created.
	path := filepath.Join(dir, "journal.db")
	if err := a.journal.BackupTo(path); err != nil {
		return fmt.Errorf("backing up journal: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening journal backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal backup: %w", err)
	}
	if err := a.vault.PutMetadata(a.cfg.HostID, journalItem, f, info.Size(), a.op.ID); err != nil {
		return fmt.Errorf("uploading journal to vault: %w", err)
	}
	a.logger.Debug("journal uploaded", "version", a.op.ID, "bytes", info.Size())
	return nil
}

// newBackend builds the git backend for a project root.
func (a *BackitApp) newBackend(root string) backit.VersionControlBackend {
	return git.NewShellBackend(root, git.Options{Binary: a.cfg.Git.Binary, InitialBranch: a.cfg.Remote.Branch})
}

// hostingOptions returns the API client settings.
func (a *BackitApp) hostingOptions() hosting.Options {
	return hosting.Options{
		APIURL:          a.cfg.Hosting.APIURL,
		MaxRepositories: a.cfg.Hosting.MaxRepositories,
		HTTPClient:      a.httpClient,
	}
}

// newFlow builds a device authorization flow from config.
func (a *BackitApp) newFlow() *auth.Flow {
	return auth.NewFlow(auth.Config{
		ClientID:      a.cfg.Auth.ClientID,
		Scopes:        a.cfg.Auth.Scopes,
		DeviceAuthURL: a.cfg.Auth.DeviceAuthURL,
		TokenURL:      a.cfg.Auth.TokenURL,
		HTTPClient:    a.httpClient,
		After:         a.pollAfter,
	}, hosting.Profiles(a.hostingOptions(), a.logger), a.logger)
}

// run executes fn as a task of the given kind and waits for its result.
func run[T any](ctx context.Context, a *BackitApp, kind task.Kind, fn func(context.Context) (T, error)) (T, error) {
	return task.Submit(a.runner, ctx, kind, fn, nil).Wait()
}
