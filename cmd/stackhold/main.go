// Package main is the entrypoint for the stackhold CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackhold/stackhold/internal/archive"
	"github.com/stackhold/stackhold/internal/config"
	"github.com/stackhold/stackhold/internal/dockercli"
	"github.com/stackhold/stackhold/internal/migrate"
	"github.com/stackhold/stackhold/internal/ops"
	"github.com/stackhold/stackhold/internal/registry"
	"github.com/stackhold/stackhold/internal/replica"
	"github.com/stackhold/stackhold/internal/schedule"
	"github.com/stackhold/stackhold/internal/validate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	flagConfig  string
	flagVerbose bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackhold",
		Short: "Stackhold - backup, restore and migration for self-hosted Docker stacks",
		Long: `Stackhold backs up, restores and migrates a self-hosted Docker host
managed through its container-management API.

A backup captures the full stack inventory, stops non-essential stacks,
archives the data directories with a stack snapshot and a permission record
embedded, restarts everything and prunes old archives. A restore drives the
live stack set back to exactly what the snapshot recorded.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath, "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newMigrateCmd(),
		newPruneCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newScheduleCmd(),
		newReplicaCmd(),
		newConfigCmd(),
	)

	return rootCmd
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

// signalContext cancels on SIGINT/SIGTERM so lock release and cleanup still run.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildRunner(logger zerolog.Logger) (*ops.Runner, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	password, err := cfg.RegistryPassword()
	if err != nil {
		return nil, nil, err
	}
	client, err := registry.NewClient(registry.ClientConfig{
		BaseURL:    cfg.RegistryURL,
		Username:   cfg.RegistryUsername,
		Password:   password,
		EndpointID: cfg.EndpointID,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	rt := dockercli.New(logger)
	return ops.NewRunner(cfg, flagConfig, client, rt, Version, logger), cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Stackhold %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newBackupCmd() *cobra.Command {
	var suffix string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up all stacks and their data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			runner, _, err := buildRunner(logger)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			res, err := runner.Backup(ctx, suffix)
			if err != nil {
				return err
			}

			fmt.Printf("Backup complete: %s\n", res.ArchivePath)
			fmt.Printf("  Stacks captured: %d\n", len(res.Snapshot.Stacks))
			if res.Pruned > 0 {
				fmt.Printf("  Old backups pruned: %d\n", res.Pruned)
			}
			printWarnings(res.Pipeline.Warnings)
			printValidation(res.Validation)
			return nil
		},
	}

	cmd.Flags().StringVar(&suffix, "suffix", "", "operator suffix appended to the archive name")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var archivePath string
	var latest bool
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore stacks and data from a backup archive",
		Long: `Restore extracts a backup archive and reconciles the live stack set to
exactly match the embedded snapshot: stacks missing from the snapshot are
removed, recorded stacks are recreated or updated, and each stack ends up
running or stopped exactly as recorded. A pre-restore safety backup is taken
first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			runner, cfg, err := buildRunner(logger)
			if err != nil {
				return err
			}

			if latest == (archivePath != "") {
				return fmt.Errorf("exactly one of --archive or --latest is required")
			}
			if latest {
				archivePath, err = newestArchive(cfg.BackupDir, cfg.ArchivePrefix)
				if err != nil {
					return err
				}
			}

			if !yes {
				fmt.Printf("This will replace the live stack set with the contents of\n  %s\nand cannot be undone except via the pre-restore safety backup.\n", archivePath)
				if !confirm("Proceed?") {
					return fmt.Errorf("restore aborted")
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			res, err := runner.Restore(ctx, archivePath)
			if err != nil {
				return err
			}

			fmt.Printf("Restore complete from %s\n", archivePath)
			fmt.Printf("  Safety backup: %s\n", res.SafetyBackupPath)
			if res.Reconcile != nil {
				fmt.Printf("  Stacks removed: %d, created: %d, updated: %d\n",
					len(res.Reconcile.Removed), len(res.Reconcile.Created), len(res.Reconcile.Updated))
				for _, name := range res.Reconcile.ManualIntervention {
					fmt.Printf("  MANUAL INTERVENTION: stack %q has no recorded compose file; its data directory was kept\n", name)
				}
			}
			printWarnings(res.Pipeline.Warnings)
			printValidation(res.Validation)
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "", "archive file to restore from")
	cmd.Flags().BoolVar(&latest, "latest", false, "restore from the newest archive in the backup directory")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var newStacksDir string
	var newControlPlaneDir string
	var yes bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move the data directories to new host paths",
		Long: `Migrate moves the control-plane and stack data trees to new paths,
rewriting volume mounts in the managed compose files and persisting the new
configuration. A full pre-migration archive and a rollback record are written
before anything moves; a failure mid-way is recovered manually from those.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			runner, cfg, err := buildRunner(logger)
			if err != nil {
				return err
			}

			var moves []migrate.Move
			if newStacksDir != "" {
				moves = append(moves, migrate.Move{Old: cfg.StacksDataDir, New: newStacksDir})
			}
			if newControlPlaneDir != "" {
				moves = append(moves, migrate.Move{Old: cfg.ControlPlaneDataDir, New: newControlPlaneDir})
			}
			if len(moves) == 0 {
				return fmt.Errorf("at least one of --stacks-dir or --control-plane-dir is required")
			}

			if !yes {
				for _, m := range moves {
					fmt.Printf("  %s -> %s\n", m.Old, m.New)
				}
				if !confirm("Migrate these paths?") {
					return fmt.Errorf("migration aborted")
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			res, err := runner.Migrate(ctx, moves)
			if err != nil {
				if res != nil && res.RollbackFile != "" {
					fmt.Fprintf(os.Stderr, "Rollback record: %s\n", res.RollbackFile)
				}
				return err
			}

			fmt.Printf("Migration complete: %d directories moved\n", len(res.Moved))
			fmt.Printf("  Pre-migration backup: %s\n", res.BackupFile)
			fmt.Printf("  Rollback record: %s\n", res.RollbackFile)
			if len(res.RewrittenFiles) > 0 {
				fmt.Printf("  Compose files rewritten: %d\n", len(res.RewrittenFiles))
			}
			printWarnings(res.Warnings)
			return nil
		},
	}

	cmd.Flags().StringVar(&newStacksDir, "stacks-dir", "", "new path for the stacks data directory")
	cmd.Flags().StringVar(&newControlPlaneDir, "control-plane-dir", "", "new path for the control-plane data directory")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove backups beyond the retention count",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			runner, cfg, err := buildRunner(logger)
			if err != nil {
				return err
			}
			removed, err := runner.Prune()
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d backups (keeping %d)\n", removed, cfg.RetentionCount)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run the system check battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			runner, _, err := buildRunner(logger)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			result := runner.Validate(ctx)
			printValidation(result)
			if !result.Summary.AllPass {
				return fmt.Errorf("%d checks failed", result.Summary.Failed)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the live stack inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			password, err := cfg.RegistryPassword()
			if err != nil {
				return err
			}
			client, err := registry.NewClient(registry.ClientConfig{
				BaseURL:    cfg.RegistryURL,
				Username:   cfg.RegistryUsername,
				Password:   password,
				EndpointID: cfg.EndpointID,
			}, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			if err := client.Authenticate(ctx); err != nil {
				return err
			}
			stacks, err := client.ListStacks(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-4s %-30s %s\n", "ID", "NAME", "STATUS")
			for _, s := range stacks {
				name := s.Name
				if name == cfg.ControlPlaneStack {
					name += " (control plane)"
				}
				fmt.Printf("%-4d %-30s %s\n", s.ID, name, s.Status)
			}
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the periodic backup schedule",
	}

	var expr string
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Register the backup as a cron job",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			self, err := os.Executable()
			if err != nil {
				return err
			}
			logFile := filepath.Join(cfg.LogDir, "backup.log")
			command := fmt.Sprintf("%s backup --config %s", self, flagConfig)

			ctx, cancel := signalContext()
			defer cancel()
			if err := schedule.New(logger).Install(ctx, expr, command, logFile); err != nil {
				return err
			}
			fmt.Printf("Backup scheduled: %s (output: %s)\n", expr, logFile)
			return nil
		},
	}
	installCmd.Flags().StringVar(&expr, "cron", "0 3 * * *", "cron expression for the backup run")

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the scheduled backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if err := schedule.New(newLogger()).Remove(ctx); err != nil {
				return err
			}
			fmt.Println("Backup schedule removed")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the installed schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			line, err := schedule.New(newLogger()).Current(ctx)
			if err != nil {
				return err
			}
			if line == "" {
				fmt.Println("No backup schedule installed")
				return nil
			}
			fmt.Println(line)
			return nil
		},
	}

	cmd.AddCommand(installCmd, removeCmd, showCmd)
	return cmd
}

func newReplicaCmd() *cobra.Command {
	var (
		remoteUser string
		remoteHost string
		localPath  string
		keyFile    string
		outPath    string
		keepDays   int
	)

	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Generate a pull-replication client script for a second host",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}

			gen := replica.NewGenerator(logger)
			err = gen.WriteScript(outPath, replica.Params{
				RemoteUser: remoteUser,
				RemoteHost: remoteHost,
				RemotePath: cfg.BackupDir,
				LocalPath:  localPath,
				PrivateKey: key,
				KeepDays:   keepDays,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Replica client written to %s\n", outPath)
			fmt.Println("Install it on the replica host and schedule it there.")
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteUser, "user", "", "SSH user on this backup host (required)")
	cmd.Flags().StringVar(&remoteHost, "host", "", "address of this backup host as seen from the replica (required)")
	cmd.Flags().StringVar(&localPath, "local-path", "", "mirror directory on the replica host (required)")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "SSH private key to embed (required)")
	cmd.Flags().StringVar(&outPath, "out", "replica-pull.sh", "where to write the generated script")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "prune mirrored archives older than this many days (0 disables)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("local-path")
	_ = cmd.MarkFlagRequired("key-file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			fmt.Printf("config file:            %s\n", flagConfig)
			fmt.Printf("control_plane_data_dir: %s\n", cfg.ControlPlaneDataDir)
			fmt.Printf("stacks_data_dir:        %s\n", cfg.StacksDataDir)
			fmt.Printf("backup_dir:             %s\n", cfg.BackupDir)
			fmt.Printf("retention_count:        %d\n", cfg.RetentionCount)
			fmt.Printf("registry_url:           %s\n", cfg.RegistryURL)
			fmt.Printf("registry_username:      %s\n", cfg.RegistryUsername)
			fmt.Printf("endpoint_id:            %d\n", cfg.EndpointID)
			fmt.Printf("control_plane_stack:    %s\n", cfg.ControlPlaneStack)
			fmt.Printf("proxy_stacks:           %s\n", strings.Join(cfg.ProxyStacks, ","))
			fmt.Printf("service_account:        %s\n", cfg.ServiceAccount)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(flagConfig); err == nil {
				return fmt.Errorf("%s already exists", flagConfig)
			}
			cfg := config.Default()
			if err := cfg.Save(flagConfig); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to %s\n", flagConfig)
			fmt.Println("Edit it and set registry_url, registry_username and registry_password_file.")
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd)
	return cmd
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Printf("  WARNING: %s\n", w)
	}
}

func printValidation(result *validate.Result) {
	if result == nil {
		return
	}
	if result.Summary.AllPass {
		fmt.Printf("Validation: all %d checks passed (%d skipped)\n", result.Summary.Passed, result.Summary.Skipped)
		return
	}
	fmt.Printf("Validation: %d of %d checks FAILED\n", result.Summary.Failed, result.Summary.Total)
	for _, f := range result.Failures() {
		fmt.Printf("  FAIL: %s\n", f)
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func newestArchive(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read backup directory: %w", err)
	}
	newest := ""
	var newestStamp time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix+"_") {
			continue
		}
		stamp, err := archive.ParseTimestamp(entry.Name())
		if err != nil {
			continue
		}
		if newest == "" || stamp.After(newestStamp) {
			newest = filepath.Join(dir, entry.Name())
			newestStamp = stamp
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no archives found in %s", dir)
	}
	return newest, nil
}
