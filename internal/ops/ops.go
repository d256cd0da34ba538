// Package ops assembles the components into the top-level operations the CLI
// exposes: backup, restore, migrate, prune and validate.
package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackhold/stackhold/internal/archive"
	"github.com/stackhold/stackhold/internal/config"
	"github.com/stackhold/stackhold/internal/lifecycle"
	"github.com/stackhold/stackhold/internal/metadata"
	"github.com/stackhold/stackhold/internal/migrate"
	"github.com/stackhold/stackhold/internal/opslock"
	"github.com/stackhold/stackhold/internal/pipeline"
	"github.com/stackhold/stackhold/internal/reconcile"
	"github.com/stackhold/stackhold/internal/recovery"
	"github.com/stackhold/stackhold/internal/registry"
	"github.com/stackhold/stackhold/internal/retention"
	"github.com/stackhold/stackhold/internal/snapshot"
	"github.com/stackhold/stackhold/internal/validate"
)

// Registry is the full management-API surface the operations drive.
type Registry interface {
	Authenticate(ctx context.Context) error
	TestConnection(ctx context.Context) error
	ListStacks(ctx context.Context) ([]registry.Stack, error)
	GetStackFile(ctx context.Context, stackID int) (string, error)
	CreateStack(ctx context.Context, name, composeContent string, env []registry.EnvVar) (int, error)
	UpdateStack(ctx context.Context, stackID int, composeContent string, env []registry.EnvVar) error
	DeleteStack(ctx context.Context, stackID int) error
	StartStack(ctx context.Context, stackID int) error
	StopStack(ctx context.Context, stackID int) error
	ListContainersForStack(ctx context.Context, stackName string) ([]registry.Container, error)
}

// Runtime is the container-runtime surface: the compose fallback plus the
// low-level checks validation uses.
type Runtime interface {
	lifecycle.Fallback
	DaemonActive(ctx context.Context) error
	SocketAccessible() error
}

// Runner executes operations against one configured host.
type Runner struct {
	cfg        *config.Config
	configPath string
	reg        Registry
	runtime    Runtime

	locks   *opslock.Manager
	ledger  *recovery.Ledger
	builder *archive.Builder
	meta    *metadata.Engine
	keep    *retention.Manager

	version string
	logger  zerolog.Logger

	// extractRoot is where restore extraction lands. "/" on a real host.
	extractRoot string
	now         func() time.Time
}

// NewRunner wires a runner from configuration. rt may be nil when the
// container runtime is not directly reachable.
func NewRunner(cfg *config.Config, configPath string, reg Registry, rt Runtime, version string, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:         cfg,
		configPath:  configPath,
		reg:         reg,
		runtime:     rt,
		locks:       opslock.NewManager(cfg.LockDir, logger),
		ledger:      recovery.NewLedger(cfg.RecoveryDir, logger),
		builder:     archive.NewBuilder(logger),
		meta:        metadata.NewEngine(logger),
		keep:        retention.NewManager(logger),
		version:     version,
		logger:      logger.With().Str("component", "ops").Logger(),
		extractRoot: "/",
		now:         time.Now,
	}
}

// BackupResult is what a completed backup run produced.
type BackupResult struct {
	ArchivePath string
	Snapshot    *snapshot.Record
	Pruned      int
	Pipeline    *pipeline.Result
	Validation  *validate.Result
}

// Backup captures the stack snapshot, archives the data directories and
// prunes old archives. Lock acquisition, authentication, snapshot capture
// and the archive build are fatal; everything else degrades to warnings.
func (r *Runner) Backup(ctx context.Context, suffix string) (*BackupResult, error) {
	lock, err := r.locks.Acquire(opslock.KindBackup)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	res := &BackupResult{}
	orch := r.newOrchestrator()

	var (
		ledgerPath string
		metaRec    *metadata.Record
		stopped    []registry.Stack
		roots      []string
	)

	p := pipeline.New("backup", r.logger).
		Add("write_recovery_entry", pipeline.Continue, func(ctx context.Context) error {
			path, err := r.ledger.WriteEntry(recovery.Entry{
				Operation:            "backup",
				State:                "started",
				RecoveryInstructions: "stacks may be stopped; restart them via the management UI or re-run the backup",
			})
			ledgerPath = path
			return err
		}).
		Add("authenticate", pipeline.Fatal, func(ctx context.Context) error {
			return r.reg.Authenticate(ctx)
		}).
		Add("capture_snapshot", pipeline.Fatal, func(ctx context.Context) error {
			snap, err := snapshot.Capture(ctx, r.reg, r.logger)
			res.Snapshot = snap
			return err
		}).
		Add("select_archive_roots", pipeline.Continue, func(ctx context.Context) error {
			selected, missing := r.archiveRoots(res.Snapshot)
			roots = selected
			return warningsError(missing)
		}).
		Add("record_metadata", pipeline.Continue, func(ctx context.Context) error {
			rec, err := r.meta.Record(ctx, roots, r.version, map[string]string{
				"control_plane_data": r.cfg.ControlPlaneDataDir,
				"stacks_data":        r.cfg.StacksDataDir,
			})
			metaRec = rec
			return err
		}).
		Add("stop_stacks", pipeline.Continue, func(ctx context.Context) error {
			s, report, err := orch.StopForBackup(ctx)
			if err != nil {
				return err
			}
			stopped = s
			return warningsError(report.Warnings)
		}).
		Add("build_archive", pipeline.Fatal, func(ctx context.Context) error {
			sidecars, err := backupSidecars(res.Snapshot, metaRec)
			if err != nil {
				return err
			}
			dest := filepath.Join(r.cfg.BackupDir, archive.Name(r.cfg.ArchivePrefix, r.now(), suffix))
			built, err := r.builder.Build(ctx, roots, sidecars, dest)
			if err != nil {
				return err
			}
			res.ArchivePath = built.Path
			return nil
		}).
		Add("restart_stacks", pipeline.Continue, func(ctx context.Context) error {
			report := orch.StartStacks(ctx, stopped)
			return warningsError(report.Warnings)
		}).
		Add("prune_retention", pipeline.Continue, func(ctx context.Context) error {
			removed, err := r.keep.Prune(r.cfg.BackupDir, r.cfg.ArchivePrefix, r.cfg.RetentionCount)
			res.Pruned = removed
			return err
		}).
		Add("validate", pipeline.Continue, func(ctx context.Context) error {
			res.Validation = r.newValidator().Run(ctx, validate.Options{
				ExpectedRunning: runningNames(res.Snapshot),
				BackupDir:       r.cfg.BackupDir,
				ArchivePrefix:   r.cfg.ArchivePrefix,
			})
			if !res.Validation.Summary.AllPass {
				return fmt.Errorf("backup completed but validation failed: %s", strings.Join(res.Validation.Failures(), "; "))
			}
			return nil
		})

	res.Pipeline = p.Run(ctx)
	if res.Pipeline.Failed() {
		return res, withRecoveryHint(res.Pipeline.Err, ledgerPath)
	}
	r.ledger.Remove(ledgerPath)
	return res, nil
}

// RestoreResult is what a completed restore run produced.
type RestoreResult struct {
	ArchivePath      string
	SafetyBackupPath string
	Snapshot         *snapshot.Record
	Reconcile        *reconcile.Report
	Metadata         *metadata.RestoreResult
	Pipeline         *pipeline.Result
	Validation       *validate.Result
}

// Restore extracts the archive, reapplies recorded metadata and reconciles
// the live stack set to exactly match the embedded snapshot.
func (r *Runner) Restore(ctx context.Context, archivePath string) (*RestoreResult, error) {
	lock, err := r.locks.Acquire(opslock.KindRestore)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	res := &RestoreResult{ArchivePath: archivePath}
	orch := r.newOrchestrator()

	var ledgerPath string

	p := pipeline.New("restore", r.logger).
		Add("verify_archive", pipeline.Fatal, func(ctx context.Context) error {
			return r.builder.Verify(archivePath)
		}).
		Add("read_snapshot", pipeline.Fatal, func(ctx context.Context) error {
			data, err := archive.ReadSidecar(archivePath, snapshot.FileName)
			if err != nil {
				return err
			}
			snap, err := snapshot.Decode(data)
			res.Snapshot = snap
			return err
		}).
		Add("write_recovery_entry", pipeline.Continue, func(ctx context.Context) error {
			path, err := r.ledger.WriteEntry(recovery.Entry{
				Operation:            "restore",
				State:                "started",
				RecoveryInstructions: fmt.Sprintf("restoring %s; the pre-restore safety backup is the newest *-pre-restore archive in %s", archivePath, r.cfg.BackupDir),
			})
			ledgerPath = path
			return err
		}).
		Add("authenticate", pipeline.Fatal, func(ctx context.Context) error {
			return r.reg.Authenticate(ctx)
		}).
		Add("safety_backup", pipeline.Fatal, func(ctx context.Context) error {
			preSnap, err := snapshot.Capture(ctx, r.reg, r.logger)
			if err != nil {
				return err
			}
			data, err := preSnap.Encode()
			if err != nil {
				return err
			}
			roots, _ := r.archiveRoots(preSnap)
			dest := filepath.Join(r.cfg.BackupDir, archive.Name(r.cfg.ArchivePrefix, r.now(), "pre-restore"))
			built, err := r.builder.Build(ctx, roots, []archive.Sidecar{{Name: snapshot.FileName, Content: data}}, dest)
			if err != nil {
				return err
			}
			res.SafetyBackupPath = built.Path
			return nil
		}).
		Add("stop_stacks", pipeline.Continue, func(ctx context.Context) error {
			// The snapshot, not the stop set, decides what runs afterwards.
			_, report, err := orch.StopForBackup(ctx)
			if err != nil {
				return err
			}
			return warningsError(report.Warnings)
		}).
		Add("extract_archive", pipeline.Fatal, func(ctx context.Context) error {
			return r.builder.Extract(ctx, archivePath, r.extractRoot)
		}).
		Add("restore_metadata", pipeline.Continue, func(ctx context.Context) error {
			data, err := archive.ReadSidecar(archivePath, metadata.FileName)
			if err != nil {
				r.logger.Warn().Err(err).Msg("archive has no metadata record, skipping permission backstop")
				return nil
			}
			rec, err := metadata.Decode(data)
			if err != nil {
				return err
			}
			res.Metadata = r.meta.Restore(rec)
			return nil
		}).
		Add("reconcile", pipeline.Fatal, func(ctx context.Context) error {
			rc := reconcile.New(r.reg, r.cfg.ControlPlaneStack, r.cfg.StackDataDir, r.logger)
			report, err := rc.Apply(ctx, res.Snapshot)
			res.Reconcile = report
			if err != nil {
				return err
			}
			return nil
		}).
		Add("validate", pipeline.Continue, func(ctx context.Context) error {
			res.Validation = r.newValidator().Run(ctx, validate.Options{
				ExpectedRunning: runningNames(res.Snapshot),
				BackupDir:       r.cfg.BackupDir,
				ArchivePrefix:   r.cfg.ArchivePrefix,
			})
			if !res.Validation.Summary.AllPass {
				return fmt.Errorf("restore completed but validation failed: %s", strings.Join(res.Validation.Failures(), "; "))
			}
			return nil
		})

	res.Pipeline = p.Run(ctx)
	if res.Pipeline.Failed() {
		return res, withRecoveryHint(res.Pipeline.Err, ledgerPath)
	}
	r.ledger.Remove(ledgerPath)
	return res, nil
}

// Migrate moves data directories to new paths under the setup lock.
func (r *Runner) Migrate(ctx context.Context, moves []migrate.Move) (*migrate.Result, error) {
	lock, err := r.locks.Acquire(opslock.KindSetup)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	ledgerPath, err := r.ledger.WriteEntry(recovery.Entry{
		Operation:            "migrate",
		State:                "started",
		RecoveryInstructions: "a rollback record is written before any mutation; see the rollback_*.json files",
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not write recovery entry")
	}

	eng := migrate.NewEngine(migrate.Options{
		Inventory:  r.reg,
		Archiver:   r.builder,
		Orch:       r.newOrchestrator(),
		Ledger:     r.ledger,
		Runtime:    r.runtime,
		Config:     r.cfg,
		ConfigPath: r.configPath,
	}, r.logger)

	result, err := eng.Run(ctx, moves)
	if err != nil {
		return result, withRecoveryHint(err, ledgerPath)
	}

	check := r.newValidator().Run(ctx, validate.Options{
		BackupDir:     r.cfg.BackupDir,
		ArchivePrefix: r.cfg.ArchivePrefix,
	})
	if !check.Summary.AllPass {
		result.Warnings = append(result.Warnings, check.Failures()...)
		return result, withRecoveryHint(
			fmt.Errorf("migration completed but validation failed: %s", strings.Join(check.Failures(), "; ")),
			ledgerPath)
	}

	r.ledger.Remove(ledgerPath)
	return result, nil
}

// Prune removes archives beyond the retention count.
func (r *Runner) Prune() (int, error) {
	return r.keep.Prune(r.cfg.BackupDir, r.cfg.ArchivePrefix, r.cfg.RetentionCount)
}

// Validate runs the standalone check battery.
func (r *Runner) Validate(ctx context.Context) *validate.Result {
	return r.newValidator().Run(ctx, validate.Options{
		BackupDir:     r.cfg.BackupDir,
		ArchivePrefix: r.cfg.ArchivePrefix,
	})
}

// archiveRoots computes the directory set an archive covers: the control
// plane's data directory plus the data directory of every stack the snapshot
// records, when that directory exists on disk. A recorded stack with no data
// directory is reported in missing; directories under the stacks root that
// belong to no recorded stack are never archived.
func (r *Runner) archiveRoots(snap *snapshot.Record) (roots []string, missing []string) {
	roots = []string{r.cfg.ControlPlaneDataDir}
	if snap == nil {
		return roots, nil
	}

	names := make([]string, 0, len(snap.Stacks))
	for _, s := range snap.Stacks {
		if s.Name == r.cfg.ControlPlaneStack {
			// Its data lives in ControlPlaneDataDir, already included.
			continue
		}
		names = append(names, s.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		dir := r.cfg.StackDataDir(name)
		if _, err := os.Lstat(dir); err != nil {
			r.logger.Warn().Str("stack", name).Str("dir", dir).Msg("recorded stack has no data directory on disk")
			missing = append(missing, fmt.Sprintf("stack %s has no data directory at %s", name, dir))
			continue
		}
		roots = append(roots, dir)
	}
	return roots, missing
}

func (r *Runner) newOrchestrator() *lifecycle.Orchestrator {
	return lifecycle.NewOrchestrator(r.reg, lifecycle.Options{
		ControlPlaneStack: r.cfg.ControlPlaneStack,
		ProxyStacks:       r.cfg.ProxyStacks,
		Fallback:          r.runtime,
		DataDirFor:        r.cfg.StackDataDir,
	}, r.logger)
}

func (r *Runner) newValidator() *validate.Runner {
	return validate.NewRunner(r.runtime, r.reg, r.builder, r.logger)
}

func backupSidecars(snap *snapshot.Record, metaRec *metadata.Record) ([]archive.Sidecar, error) {
	snapData, err := snap.Encode()
	if err != nil {
		return nil, err
	}
	sidecars := []archive.Sidecar{{Name: snapshot.FileName, Content: snapData}}
	if metaRec != nil {
		metaData, err := metaRec.Encode()
		if err != nil {
			return nil, err
		}
		sidecars = append(sidecars, archive.Sidecar{Name: metadata.FileName, Content: metaData})
	}
	return sidecars, nil
}

func runningNames(snap *snapshot.Record) []string {
	if snap == nil {
		return nil
	}
	var names []string
	for _, s := range snap.Stacks {
		if s.Status == registry.StatusRunning {
			names = append(names, s.Name)
		}
	}
	return names
}

func warningsError(warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(warnings, "; "))
}

func withRecoveryHint(err error, ledgerPath string) error {
	if ledgerPath == "" {
		return err
	}
	return fmt.Errorf("%w (recovery entry: %s)", err, ledgerPath)
}
