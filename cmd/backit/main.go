package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"backit-go/internal/app"
	"backit-go/internal/auth"
	"backit-go/internal/backit"
	"backit-go/internal/config"
	"backit-go/internal/database"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a BackitApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "push", "snapshot create").
func newApp(cmd *cobra.Command, operation string) (*app.BackitApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewBackitApp(cfg, operation, app.Options{
		ConfigPath: defaults.ConfigPath,
		Verbose:    verbose,
		Progress: backit.ProgressFunc(func(step string) {
			fmt.Fprintf(os.Stderr, "  %s...\n", step)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// confirmer prompts on the terminal unless --yes was given.
func confirmer(cmd *cobra.Command) app.Confirmer {
	yes, _ := cmd.Flags().GetBool("yes")
	return &app.TerminalConfirmer{In: os.Stdin, Out: os.Stdout, AssumeYes: yes}
}

var rootCmd = &cobra.Command{
	Use:          "backit",
	Short:        "Snapshot a project folder and publish it to a git host",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Host ID:  %s\n", cfg.HostID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Project:  %s\n", orNone(cfg.Project.Path))
		fmt.Printf("Remote:   %s (%s)\n", orNone(backit.RedactURL(cfg.Remote.URL)), cfg.Remote.Branch)
		fmt.Printf("Journal:  %s\n", cfg.Database.Type)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:    %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the journal vault",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured vault is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "vault check")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateVault(); err != nil {
			return fmt.Errorf("vault check failed: %w", err)
		}
		fmt.Println("Vault OK")
		return nil
	},
}

// open command
var openCmd = &cobra.Command{
	Use:   "open PATH",
	Short: "Open a project folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "open")
		if err != nil {
			return err
		}
		defer a.Close()

		root, aborted, err := a.OpenProject(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if aborted {
			fmt.Println("Aborted an interrupted rebase.")
		}
		fmt.Printf("Project: %s\n", root)
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and manage snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the project's current content",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		ignored, _ := cmd.Flags().GetStringArray("ignore")

		a, err := newApp(cmd, "snapshot create")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.CreateSnapshot(cmd.Context(), message, ignored)
		if err != nil {
			return err
		}
		if res.NoOp {
			fmt.Println("Nothing changed since the last snapshot.")
			return nil
		}
		fmt.Printf("Created %s  %s\n", res.Snapshot.ShortID, res.Snapshot.Message)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "snapshot list")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.ListSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots yet.")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %s\n", s.ShortID, s.Timestamp.Local().Format("2006-01-02 15:04:05"), s.Message)
		}
		return nil
	},
}

var snapshotFilesCmd = &cobra.Command{
	Use:   "files ID",
	Short: "List the files stored in a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "snapshot files")
		if err != nil {
			return err
		}
		defer a.Close()

		files, total, truncated, err := a.SnapshotFiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		if truncated {
			fmt.Printf("... showing %d of %d files\n", len(files), total)
		}
		return nil
	},
}

var snapshotRenameCmd = &cobra.Command{
	Use:   "rename ID",
	Short: "Change the message of the latest snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")

		a, err := newApp(cmd, "snapshot rename")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.RenameSnapshot(cmd.Context(), args[0], message)
		if err != nil {
			return err
		}
		fmt.Printf("Renamed to %s  %s\n", snap.ShortID, snap.Message)
		return nil
	},
}

var snapshotUndoCmd = &cobra.Command{
	Use:   "undo ID",
	Short: "Remove the latest snapshot, keeping its changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "snapshot undo")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.UndoSnapshot(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Undid %s; its changes are still in the folder.\n", args[0])
		return nil
	},
}

var snapshotPurgeCmd = &cobra.Command{
	Use:   "purge ID",
	Short: "Delete all history, keeping one snapshot's content as the new start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "snapshot purge")
		if err != nil {
			return err
		}
		defer a.Close()

		root, err := a.PurgeSnapshots(cmd.Context(), args[0], confirmer(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("History purged; new root %s  %s\n", root.ShortID, root.Message)
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore ID PATH...",
	Short: "Restore selected files from a snapshot",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "restore")
		if err != nil {
			return err
		}
		defer a.Close()

		changed, err := a.Restore(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		for _, p := range changed {
			fmt.Printf("restored %s\n", p)
		}
		fmt.Printf("Restored %d path(s), %d changed\n", len(args)-1, len(changed))
		return nil
	},
}

// tree command
var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Preview the project's files and which are ignored",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "tree")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, truncated, err := a.Tree(limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			marker := "  "
			if e.Ignored {
				marker = "I "
			}
			name := e.Path
			if e.IsDir {
				name += "/"
			}
			fmt.Printf("%s%s\n", marker, name)
		}
		if truncated {
			fmt.Printf("... more than %d entries\n", limit)
		}
		return nil
	},
}

// login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize backit with the hosting service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "login")
		if err != nil {
			return err
		}
		defer a.Close()

		profile, err := a.Login(cmd.Context(), func(code *auth.DeviceCode) {
			fmt.Printf("Open %s and enter the code %s\n", code.VerificationURI, code.UserCode)
			if !code.Expiry.IsZero() {
				fmt.Printf("The code expires at %s.\n", code.Expiry.Local().Format(time.Kitchen))
			}
			fmt.Println("Waiting for authorization...")
		})
		if err != nil {
			return err
		}
		if profile == nil {
			fmt.Println("Signed in.")
			return nil
		}
		fmt.Printf("Signed in as %s\n", profile.DisplayName())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "logout")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Logout(); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "whoami")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.WhoAmI(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", p.DisplayName(), p.Login)
		return nil
	},
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List your repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "repos")
		if err != nil {
			return err
		}
		defer a.Close()

		repos, err := a.Repositories(cmd.Context())
		if err != nil {
			return err
		}
		for _, r := range repos {
			fmt.Printf("%-40s  %s\n", r.FullName, r.CloneURL)
		}
		return nil
	},
}

// push command
var pushCmd = &cobra.Command{
	Use:   "push ID",
	Short: "Publish a snapshot, merging what is already on the remote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")

		a, err := newApp(cmd, "push")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Push(cmd.Context(), args[0], remote)
		if err != nil {
			return err
		}
		how := "pushed"
		if res.Merged {
			how = "merged with remote and pushed"
		}
		fmt.Printf("%s %s to %s\n", res.Snapshot.ShortID, how, res.Branch)
		return nil
	},
}

var overwriteCmd = &cobra.Command{
	Use:   "overwrite ID",
	Short: "Replace the remote history with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")

		a, err := newApp(cmd, "overwrite")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Overwrite(cmd.Context(), args[0], remote, confirmer(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("%s force-pushed to %s\n", res.Snapshot.ShortID, res.Branch)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View journaled operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = database.Elapsed(op).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-16s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}

		pushes, err := a.Pushes(limit)
		if err != nil {
			return err
		}
		if len(pushes) > 0 {
			fmt.Println("\nPushes:")
		}
		for _, p := range pushes {
			kind := "push"
			if p.Forced {
				kind = "overwrite"
			}
			fmt.Printf("#%d  %-9s  %s  %s@%s  %s  %s\n",
				p.OperationID, kind, p.PushedAt.Local().Format("2006-01-02 15:04:05"),
				p.RemoteURL, p.Branch, shortID(p.SnapshotID), p.Status)
		}
		return nil
	},
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug detail")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)

	// snapshot subcommands
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCreateCmd.Flags().StringP("message", "m", "", "Snapshot message")
	_ = snapshotCreateCmd.MarkFlagRequired("message")
	snapshotCreateCmd.Flags().StringArray("ignore", nil, "Path to exclude from this and later snapshots (repeatable)")
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotFilesCmd)
	snapshotCmd.AddCommand(snapshotRenameCmd)
	snapshotRenameCmd.Flags().StringP("message", "m", "", "New message")
	_ = snapshotRenameCmd.MarkFlagRequired("message")
	snapshotCmd.AddCommand(snapshotUndoCmd)
	snapshotCmd.AddCommand(snapshotPurgeCmd)
	snapshotPurgeCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(treeCmd)
	treeCmd.Flags().IntP("limit", "n", 1000, "Maximum number of entries to show (0 for all)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().String("remote", "", "Remote URL to publish to; saved as the default")
	rootCmd.AddCommand(overwriteCmd)
	overwriteCmd.Flags().String("remote", "", "Remote URL to publish to; saved as the default")
	overwriteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
