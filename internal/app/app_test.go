package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"backit-go/internal/auth"
	"backit-go/internal/backit"
	"backit-go/internal/config"
	"backit-go/internal/database"
	"backit-go/internal/session"
	"backit-go/internal/testutil"
	"backit-go/internal/vault"
)

// testConfig returns a config whose state lives under a temp dir: an
// on-disk journal, a filesystem vault and test encryption.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("test-host", base)
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Vaults = []config.VaultConfig{{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(base, "vault")}}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, operation string, opts Options) *BackitApp {
	t.Helper()
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	if opts.Clock == nil {
		opts.Clock = testutil.FixedClock()
	}
	a, err := NewBackitApp(cfg, operation, opts)
	if err != nil {
		t.Fatalf("NewBackitApp() error = %v", err)
	}
	return a
}

func closeApp(t *testing.T, a *BackitApp) {
	t.Helper()
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewBackitApp_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HostID = ""
	if _, err := NewBackitApp(cfg, "list", Options{Console: io.Discard}); err == nil {
		t.Fatal("NewBackitApp() expected error for invalid config")
	}
}

func TestBackitApp_NoProject(t *testing.T) {
	a := newTestApp(t, testConfig(t), "snapshot list", Options{})
	defer closeApp(t, a)

	_, err := a.ListSnapshots(context.Background())
	if !backit.IsValidationError(err) {
		t.Fatalf("ListSnapshots() error = %v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), "backit open") {
		t.Errorf("error = %q, want hint to open a project", err)
	}
}

func TestBackitApp_OpenProject(t *testing.T) {
	testutil.RequireGit(t)
	cfg := testConfig(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Init(configPath, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	dir := t.TempDir()

	a := newTestApp(t, cfg, "open", Options{ConfigPath: configPath})
	root, aborted, err := a.OpenProject(context.Background(), dir)
	if err != nil {
		t.Fatalf("OpenProject() error = %v", err)
	}
	if aborted {
		t.Error("aborted = true for a fresh folder")
	}
	if a.ProjectRoot() != root {
		t.Errorf("ProjectRoot() = %q, want %q", a.ProjectRoot(), root)
	}
	closeApp(t, a)

	saved, err := config.ReadFromFile(configPath)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if saved.Project.Path != root {
		t.Errorf("saved Project.Path = %q, want %q", saved.Project.Path, root)
	}
}

func TestBackitApp_OpenProject_Missing(t *testing.T) {
	a := newTestApp(t, testConfig(t), "open", Options{})
	defer closeApp(t, a)

	_, _, err := a.OpenProject(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !backit.IsValidationError(err) {
		t.Fatalf("OpenProject() error = %v, want ValidationError", err)
	}
	if a.Operation().Status != database.StatusFailed {
		t.Errorf("Status = %q, want %q", a.Operation().Status, database.StatusFailed)
	}
}

// openProject opens a fresh project folder holding files and returns its root.
func openProject(t *testing.T, cfg *config.Config, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		testutil.WriteFile(t, dir, name, content)
	}
	a := newTestApp(t, cfg, "open", Options{})
	root, _, err := a.OpenProject(context.Background(), dir)
	if err != nil {
		t.Fatalf("OpenProject() error = %v", err)
	}
	closeApp(t, a)
	return root
}

func TestBackitApp_SnapshotLifecycle(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	cfg := testConfig(t)
	root := openProject(t, cfg, map[string]string{"notes.txt": "v1", "draft.tmp": "scratch"})

	a := newTestApp(t, cfg, "snapshot create", Options{})
	first, err := a.CreateSnapshot(ctx, "First", []string{"draft.tmp"})
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if first.NoOp {
		t.Fatal("first snapshot is a no-op")
	}
	again, err := a.CreateSnapshot(ctx, "Nothing new", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if !again.NoOp {
		t.Error("unchanged tree did not yield a no-op")
	}

	testutil.WriteFile(t, root, "notes.txt", "v2")
	second, err := a.CreateSnapshot(ctx, "Second", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	snaps, err := a.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(snaps) != 2 || snaps[0].ID != second.Snapshot.ID {
		t.Fatalf("ListSnapshots() = %+v", snaps)
	}

	files, total, truncated, err := a.SnapshotFiles(ctx, first.Snapshot.ID)
	if err != nil {
		t.Fatalf("SnapshotFiles() error = %v", err)
	}
	for _, f := range files {
		if f == "draft.tmp" {
			t.Error("ignored file stored in snapshot")
		}
	}
	if truncated || total != len(files) {
		t.Errorf("total = %d, truncated = %v for %d files", total, truncated, len(files))
	}

	renamed, err := a.RenameSnapshot(ctx, second.Snapshot.ID, "Second, renamed")
	if err != nil {
		t.Fatalf("RenameSnapshot() error = %v", err)
	}
	if renamed.Message != "Second, renamed" {
		t.Errorf("Message = %q", renamed.Message)
	}

	testutil.WriteFile(t, root, "notes.txt", "scribbled")
	changed, err := a.Restore(ctx, first.Snapshot.ID, []string{"notes.txt"})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(changed) != 1 || changed[0] != "notes.txt" {
		t.Errorf("changed = %v, want [notes.txt]", changed)
	}
	if got := testutil.ReadFile(t, root, "notes.txt"); got != "v1" {
		t.Errorf("notes.txt = %q, want v1", got)
	}
	closeApp(t, a)
}

func TestBackitApp_SnapshotFiles_Truncated(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Restore.DisplayLimit = 2
	openProject(t, cfg, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})

	a := newTestApp(t, cfg, "snapshot create", Options{})
	defer closeApp(t, a)
	res, err := a.CreateSnapshot(ctx, "All", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	files, total, truncated, err := a.SnapshotFiles(ctx, res.Snapshot.ID)
	if err != nil {
		t.Fatalf("SnapshotFiles() error = %v", err)
	}
	if len(files) != 2 || total != 3 || !truncated {
		t.Errorf("SnapshotFiles() = %v, %d, %v", files, total, truncated)
	}
}

func TestBackitApp_PurgeRequiresConfirmation(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	cfg := testConfig(t)
	root := openProject(t, cfg, map[string]string{"a.txt": "1"})

	a := newTestApp(t, cfg, "snapshot purge", Options{})
	defer closeApp(t, a)
	first, err := a.CreateSnapshot(ctx, "One", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	testutil.WriteFile(t, root, "a.txt", "2")
	if _, err := a.CreateSnapshot(ctx, "Two", nil); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	decline := ConfirmFunc(func(string) (bool, error) { return false, nil })
	if _, err := a.PurgeSnapshots(ctx, first.Snapshot.ID, decline); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("PurgeSnapshots() error = %v, want ErrNotConfirmed", err)
	}
	snaps, _ := a.ListSnapshots(ctx)
	if len(snaps) != 2 {
		t.Fatalf("history changed after declined purge: %d snapshots", len(snaps))
	}

	var asked string
	accept := ConfirmFunc(func(prompt string) (bool, error) { asked = prompt; return true, nil })
	root2, err := a.PurgeSnapshots(ctx, first.Snapshot.ID, accept)
	if err != nil {
		t.Fatalf("PurgeSnapshots() error = %v", err)
	}
	if !strings.Contains(asked, first.Snapshot.ID) {
		t.Errorf("prompt = %q, want snapshot id", asked)
	}
	if !root2.IsRoot() || root2.Message != "One" {
		t.Errorf("new root = %+v", root2)
	}
}

func TestBackitApp_JournalAndVault(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	cfg := testConfig(t)
	openProject(t, cfg, map[string]string{"a.txt": "1"})

	a := newTestApp(t, cfg, "snapshot create", Options{})
	if _, err := a.CreateSnapshot(ctx, "One", nil); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	opID := a.Operation().ID
	closeApp(t, a)

	// Read-only commands are not journaled.
	ro := newTestApp(t, cfg, "snapshot list", Options{})
	if _, err := ro.ListSnapshots(ctx); err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	closeApp(t, ro)

	h := newTestApp(t, cfg, "history", Options{})
	defer closeApp(t, h)
	ops, err := h.History(10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(History()) = %d, want 2 (open, snapshot create)", len(ops))
	}
	if ops[0].Operation != "snapshot create" || ops[0].Parameters != "One" || ops[0].Status != database.StatusSuccess {
		t.Errorf("latest operation = %+v", ops[0])
	}
	if ops[0].FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	v, err := vault.NewFileSystemVault("check", cfg.Vaults[0].FSVaultRoot)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	version, err := v.GetMetadataVersion(cfg.HostID, journalItem)
	if err != nil {
		t.Fatalf("GetMetadataVersion() error = %v", err)
	}
	if version != opID {
		t.Errorf("vault journal version = %d, want %d", version, opID)
	}
}

func TestBackitApp_RemoteJournalAhead(t *testing.T) {
	cfg := testConfig(t)
	v, err := vault.NewFileSystemVault("local", cfg.Vaults[0].FSVaultRoot)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if err := v.PutMetadata(cfg.HostID, journalItem, strings.NewReader("x"), 1, 99); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}

	_, err = NewBackitApp(cfg, "open", Options{Console: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "behind vault") {
		t.Fatalf("NewBackitApp() error = %v, want journal behind vault", err)
	}
}

// provider fakes the device authorization endpoints and the user API.
func provider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /device", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"device_code":      "dev123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://example.com/device",
			"interval":         1,
			"expires_in":       900,
		})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": "tok123", "token_type": "bearer", "scope": "repo,user"})
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok123" {
			http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"login": "octo", "name": "Octo Cat"})
	})
	mux.HandleFunc("GET /user/repos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{{"full_name": "octo/notes", "clone_url": "https://example.com/octo/notes.git"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func authOptions(srv *httptest.Server) Options {
	return Options{
		HTTPClient: srv.Client(),
		PollAfter: func(time.Duration) <-chan time.Time {
			ch := make(chan time.Time, 1)
			ch <- time.Time{}
			return ch
		},
	}
}

func authConfig(t *testing.T, srv *httptest.Server) *config.Config {
	cfg := testConfig(t)
	cfg.Auth.DeviceAuthURL = srv.URL + "/device"
	cfg.Auth.TokenURL = srv.URL + "/token"
	cfg.Hosting.APIURL = srv.URL
	return cfg
}

func TestBackitApp_LoginWhoAmILogout(t *testing.T) {
	ctx := context.Background()
	srv := provider(t)
	cfg := authConfig(t, srv)

	a := newTestApp(t, cfg, "login", authOptions(srv))
	var code *auth.DeviceCode
	profile, err := a.Login(ctx, func(c *auth.DeviceCode) { code = c })
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if code == nil || code.UserCode != "ABCD-1234" {
		t.Errorf("device code = %+v", code)
	}
	if profile == nil || profile.Login != "octo" {
		t.Fatalf("profile = %+v", profile)
	}
	closeApp(t, a)

	w := newTestApp(t, cfg, "whoami", authOptions(srv))
	got, err := w.WhoAmI(ctx)
	if err != nil {
		t.Fatalf("WhoAmI() error = %v", err)
	}
	if got.DisplayName() != "Octo Cat" {
		t.Errorf("DisplayName() = %q", got.DisplayName())
	}
	repos, err := w.Repositories(ctx)
	if err != nil {
		t.Fatalf("Repositories() error = %v", err)
	}
	if len(repos) != 1 || repos[0].FullName != "octo/notes" {
		t.Errorf("Repositories() = %+v", repos)
	}
	closeApp(t, w)

	o := newTestApp(t, cfg, "logout", authOptions(srv))
	if err := o.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := o.WhoAmI(ctx); !errors.Is(err, backit.ErrNotAuthenticated) {
		t.Errorf("WhoAmI() after logout error = %v, want ErrNotAuthenticated", err)
	}
	closeApp(t, o)
}

func TestBackitApp_WhoAmI_CachedOnOutage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hosting.APIURL = "http://127.0.0.1:1"

	a := newTestApp(t, cfg, "whoami", Options{})
	defer closeApp(t, a)
	rec := &session.Record{AccessToken: "tok123", Login: "octo", Name: "Octo Cat"}
	if err := a.sessions.Save(rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := a.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI() error = %v", err)
	}
	if got.Login != "octo" {
		t.Errorf("Login = %q, want cached octo", got.Login)
	}
}

func TestBackitApp_Push(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	cfg := testConfig(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := config.Init(configPath, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	openProject(t, cfg, map[string]string{"notes.txt": "local"})
	bare := testutil.NewRemote(t, "master", map[string]string{"remote.txt": "theirs"})

	a := newTestApp(t, cfg, "push", Options{ConfigPath: configPath})
	snap, err := a.CreateSnapshot(ctx, "Local work", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	if _, err := a.Push(ctx, snap.Snapshot.ID, bare); !errors.Is(err, backit.ErrNotAuthenticated) {
		t.Fatalf("Push() without session error = %v, want ErrNotAuthenticated", err)
	}
	if err := a.sessions.Save(&session.Record{AccessToken: "tok123"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res, err := a.Push(ctx, snap.Snapshot.ID, bare)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if !res.Merged {
		t.Error("Merged = false, remote content should have been merged")
	}
	if got := testutil.RemoteFile(t, bare, "master", "notes.txt"); got != "local" {
		t.Errorf("remote notes.txt = %q, want local", got)
	}
	if got := testutil.RemoteFile(t, bare, "master", "remote.txt"); got != "theirs" {
		t.Errorf("remote remote.txt = %q, want theirs", got)
	}

	pushes, err := a.Pushes(10)
	if err != nil {
		t.Fatalf("Pushes() error = %v", err)
	}
	if len(pushes) != 1 || pushes[0].Status != database.StatusSuccess || pushes[0].Forced {
		t.Fatalf("Pushes() = %+v", pushes)
	}
	if pushes[0].OperationID != a.Operation().ID {
		t.Errorf("OperationID = %d, want %d", pushes[0].OperationID, a.Operation().ID)
	}
	closeApp(t, a)

	saved, err := config.ReadFromFile(configPath)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if saved.Remote.URL != bare {
		t.Errorf("saved Remote.URL = %q, want %q", saved.Remote.URL, bare)
	}
}

func TestBackitApp_Overwrite(t *testing.T) {
	testutil.RequireGit(t)
	ctx := context.Background()
	cfg := testConfig(t)
	openProject(t, cfg, map[string]string{"notes.txt": "local"})
	bare := testutil.NewRemote(t, "master", map[string]string{"remote.txt": "theirs"})
	cfg.Remote.URL = bare

	a := newTestApp(t, cfg, "overwrite", Options{})
	defer closeApp(t, a)
	if err := a.sessions.Save(&session.Record{AccessToken: "tok123"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	snap, err := a.CreateSnapshot(ctx, "Local work", nil)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	decline := ConfirmFunc(func(string) (bool, error) { return false, nil })
	if _, err := a.Overwrite(ctx, snap.Snapshot.ID, "", decline); !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("Overwrite() error = %v, want ErrNotConfirmed", err)
	}
	if got := testutil.RemoteFile(t, bare, "master", "remote.txt"); got != "theirs" {
		t.Fatal("remote changed after declined overwrite")
	}

	res, err := a.Overwrite(ctx, snap.Snapshot.ID, "", &TerminalConfirmer{AssumeYes: true})
	if err != nil {
		t.Fatalf("Overwrite() error = %v", err)
	}
	if !res.Forced {
		t.Error("Forced = false")
	}
	if got := testutil.RemoteFile(t, bare, "master", "remote.txt"); got != "" {
		t.Errorf("remote.txt survived overwrite: %q", got)
	}
	pushes, _ := a.Pushes(10)
	if len(pushes) != 1 || !pushes[0].Forced {
		t.Errorf("Pushes() = %+v", pushes)
	}
}

func TestBackitApp_Tree(t *testing.T) {
	testutil.RequireGit(t)
	cfg := testConfig(t)
	openProject(t, cfg, map[string]string{"keep.txt": "k", "skip.log": "s", ".gitignore": "*.log\n"})

	a := newTestApp(t, cfg, "tree", Options{})
	defer closeApp(t, a)
	entries, truncated, err := a.Tree(0)
	if err != nil {
		t.Fatalf("Tree() error = %v", err)
	}
	if truncated {
		t.Error("truncated = true without a limit")
	}
	ignored := map[string]bool{}
	for _, e := range entries {
		ignored[e.Path] = e.Ignored
	}
	if ignored["keep.txt"] {
		t.Error("keep.txt marked ignored")
	}
	if !ignored["skip.log"] {
		t.Error("skip.log not marked ignored")
	}
}
