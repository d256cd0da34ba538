// Package migrate moves the control-plane and stack data trees to new host
// paths. A migration never rolls itself back: once the pre-migration archive
// exists, any later failure leaves the rollback record as the operator's
// recovery path.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stackhold/stackhold/internal/archive"
	"github.com/stackhold/stackhold/internal/config"
	"github.com/stackhold/stackhold/internal/lifecycle"
	"github.com/stackhold/stackhold/internal/recovery"
	"github.com/stackhold/stackhold/internal/registry"
)

// Move is one old-path to new-path relocation.
type Move struct {
	Old string
	New string
}

// Inventory lists the live stacks, read-only.
type Inventory interface {
	ListStacks(ctx context.Context) ([]registry.Stack, error)
}

// Archiver builds the pre-migration archive.
type Archiver interface {
	Build(ctx context.Context, roots []string, sidecars []archive.Sidecar, dest string) (*archive.BuildResult, error)
}

// Orchestrator stops and starts stacks around the move.
type Orchestrator interface {
	StopForBackup(ctx context.Context) ([]registry.Stack, *lifecycle.Report, error)
	StartStacks(ctx context.Context, stacks []registry.Stack) *lifecycle.Report
}

// RollbackWriter persists the migration rollback record.
type RollbackWriter interface {
	WriteRollbackRecord(rec recovery.RollbackRecord) (string, error)
}

// Engine performs path migrations.
type Engine struct {
	inv     Inventory
	builder Archiver
	orch    Orchestrator
	ledger  RollbackWriter

	// runtime drives the control plane directly; the management API is not
	// usable while its own data directory moves. May be nil.
	runtime lifecycle.Fallback

	cfg        *config.Config
	configPath string
	logger     zerolog.Logger

	now func() time.Time
}

// Options wires an engine.
type Options struct {
	Inventory  Inventory
	Archiver   Archiver
	Orch       Orchestrator
	Ledger     RollbackWriter
	Runtime    lifecycle.Fallback
	Config     *config.Config
	ConfigPath string
}

// NewEngine creates a migration engine.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		inv:        opts.Inventory,
		builder:    opts.Archiver,
		orch:       opts.Orch,
		ledger:     opts.Ledger,
		runtime:    opts.Runtime,
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		logger:     logger.With().Str("component", "migrate").Logger(),
		now:        time.Now,
	}
}

// Result reports what the migration did.
type Result struct {
	BackupFile     string
	RollbackFile   string
	InventoryFile  string
	Moved          []Move
	RewrittenFiles []string
	Warnings       []string
}

// Run executes the migration. Failure before the pre-migration archive
// leaves the host untouched; failure after it leaves the rollback record
// at Result.RollbackFile.
func (e *Engine) Run(ctx context.Context, moves []Move) (*Result, error) {
	if len(moves) == 0 {
		return nil, fmt.Errorf("nothing to migrate")
	}
	for _, m := range moves {
		if m.Old == m.New {
			return nil, fmt.Errorf("move %s: old and new paths are identical", m.Old)
		}
		if _, err := os.Stat(m.Old); err != nil {
			return nil, fmt.Errorf("old path %s: %w", m.Old, err)
		}
		if _, err := os.Stat(m.New); err == nil {
			return nil, fmt.Errorf("new path %s already exists", m.New)
		}
	}

	result := &Result{}

	// Read-only inventory first; it seeds both the rollback record and the
	// post-move restart set.
	stacks, err := e.inv.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory live stacks: %w", err)
	}
	inventoryFile, err := e.writeInventory(stacks)
	if err != nil {
		return nil, err
	}
	result.InventoryFile = inventoryFile

	// Pre-migration archive must exist before any mutation.
	var roots []string
	oldPaths := map[string]string{}
	newPaths := map[string]string{}
	for i, m := range moves {
		roots = append(roots, m.Old)
		key := fmt.Sprintf("path%d", i)
		oldPaths[key] = m.Old
		newPaths[key] = m.New
	}
	dest := filepath.Join(e.cfg.BackupDir, archive.Name(e.cfg.ArchivePrefix, e.now(), "pre-migration"))
	sidecar, err := preMigrationSidecar(stacks)
	if err != nil {
		return nil, err
	}
	built, err := e.builder.Build(ctx, roots, []archive.Sidecar{sidecar}, dest)
	if err != nil {
		return nil, fmt.Errorf("pre-migration archive: %w", err)
	}
	result.BackupFile = built.Path

	rollbackFile, err := e.ledger.WriteRollbackRecord(recovery.RollbackRecord{
		OldPaths:           oldPaths,
		NewPaths:           newPaths,
		BackupFile:         built.Path,
		StackInventoryFile: inventoryFile,
		LogFile:            filepath.Join(e.cfg.LogDir, "migrate.log"),
	})
	if err != nil {
		return nil, fmt.Errorf("write rollback record: %w", err)
	}
	result.RollbackFile = rollbackFile
	fail := func(err error) (*Result, error) {
		return result, fmt.Errorf("%w (rollback record: %s)", err, rollbackFile)
	}

	// Everything from here mutates state.
	stopped, report, err := e.orch.StopForBackup(ctx)
	if err != nil {
		return fail(fmt.Errorf("stop stacks: %w", err))
	}
	result.Warnings = append(result.Warnings, report.Warnings...)

	controlPlaneOldDir := e.controlPlaneDir(moves)
	if controlPlaneOldDir != "" && e.runtime != nil {
		if err := e.runtime.ComposeDown(ctx, controlPlaneOldDir); err != nil {
			return fail(fmt.Errorf("stop control plane: %w", err))
		}
	}

	for _, m := range moves {
		if err := moveTree(m.Old, m.New); err != nil {
			return fail(fmt.Errorf("move %s to %s: %w", m.Old, m.New, err))
		}
		e.logger.Info().Str("old", m.Old).Str("new", m.New).Msg("directory tree moved")
		result.Moved = append(result.Moved, m)
	}

	rewritten, err := rewriteComposePaths(e.newRoots(moves), moves, e.logger)
	if err != nil {
		return fail(err)
	}
	result.RewrittenFiles = rewritten

	e.applyConfigPaths(moves)
	if err := e.cfg.Save(e.configPath); err != nil {
		return fail(fmt.Errorf("persist configuration: %w", err))
	}

	if controlPlaneOldDir != "" && e.runtime != nil {
		newDir := newPathFor(controlPlaneOldDir, moves)
		if err := e.runtime.ComposeUp(ctx, newDir); err != nil {
			return fail(fmt.Errorf("restart control plane from %s: %w", newDir, err))
		}
	}

	startReport := e.orch.StartStacks(ctx, stopped)
	result.Warnings = append(result.Warnings, startReport.Warnings...)

	e.logger.Info().
		Int("moved", len(result.Moved)).
		Int("rewritten_files", len(result.RewrittenFiles)).
		Msg("migration complete")
	return result, nil
}

func (e *Engine) writeInventory(stacks []registry.Stack) (string, error) {
	if err := os.MkdirAll(e.cfg.RecoveryDir, 0o755); err != nil {
		return "", fmt.Errorf("create recovery directory: %w", err)
	}
	path := filepath.Join(e.cfg.RecoveryDir, fmt.Sprintf("stack-inventory_%s.json", e.now().Format(archive.TimestampLayout)))
	data, err := json.MarshalIndent(stacks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode stack inventory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write stack inventory: %w", err)
	}
	return path, nil
}

func preMigrationSidecar(stacks []registry.Stack) (archive.Sidecar, error) {
	payload := struct {
		CapturedAt time.Time        `json:"captured_at"`
		Stacks     []registry.Stack `json:"stacks"`
	}{CapturedAt: time.Now().UTC(), Stacks: stacks}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return archive.Sidecar{}, fmt.Errorf("encode inventory sidecar: %w", err)
	}
	return archive.Sidecar{Name: "stack-inventory.json", Content: data}, nil
}

func (e *Engine) controlPlaneDir(moves []Move) string {
	for _, m := range moves {
		if m.Old == e.cfg.ControlPlaneDataDir {
			return m.Old
		}
	}
	return ""
}

func (e *Engine) newRoots(moves []Move) []string {
	var roots []string
	for _, m := range moves {
		roots = append(roots, m.New)
	}
	return roots
}

func (e *Engine) applyConfigPaths(moves []Move) {
	for _, m := range moves {
		if e.cfg.ControlPlaneDataDir == m.Old {
			e.cfg.ControlPlaneDataDir = m.New
		}
		if e.cfg.StacksDataDir == m.Old {
			e.cfg.StacksDataDir = m.New
		}
		if e.cfg.BackupDir == m.Old {
			e.cfg.BackupDir = m.New
		}
	}
}

func newPathFor(old string, moves []Move) string {
	for _, m := range moves {
		if m.Old == old {
			return m.New
		}
	}
	return old
}

// moveTree relocates a directory tree, preserving ownership. Rename first;
// a cross-device move falls back to copy-then-remove, and the old tree is
// removed only after the copy completed in full.
func moveTree(old, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(old, dst); err == nil {
		return nil
	}
	if err := copyTree(old, dst); err != nil {
		return err
	}
	return os.RemoveAll(old)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return err
			}
			return nil
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := os.WriteFile(target, data, info.Mode().Perm()); err != nil {
				return err
			}
		}

		if uid, gid, ok := ownerOf(info); ok {
			// Ownership preservation needs privilege; a failed chown
			// must not abort the copy.
			_ = os.Chown(target, uid, gid)
		}
		return nil
	})
}

// rewriteComposePaths substitutes old paths for new ones inside compose
// files, scoped to volume-mount lines only so image references and other
// strings that happen to contain the path are left alone. Every rewritten
// file must still parse as YAML.
func rewriteComposePaths(roots []string, moves []Move, logger zerolog.Logger) ([]string, error) {
	var rewritten []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isComposeFile(d.Name()) {
				return err
			}
			changed, err := rewriteOneCompose(path, moves)
			if err != nil {
				return err
			}
			if changed {
				logger.Info().Str("file", path).Msg("compose volume paths rewritten")
				rewritten = append(rewritten, path)
			}
			return nil
		})
		if err != nil {
			return rewritten, fmt.Errorf("rewrite compose files under %s: %w", root, err)
		}
	}
	return rewritten, nil
}

func isComposeFile(name string) bool {
	switch name {
	case "docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml":
		return true
	}
	return false
}

func rewriteOneCompose(path string, moves []Move) (bool, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	lines := strings.Split(string(original), "\n")
	changed := false
	for i, line := range lines {
		if !isVolumeMountLine(line) {
			continue
		}
		for _, m := range moves {
			if strings.Contains(line, m.Old) {
				lines[i] = strings.ReplaceAll(line, m.Old, m.New)
				changed = true
			}
		}
	}
	if !changed {
		return false, nil
	}

	updated := strings.Join(lines, "\n")
	var probe map[string]any
	if err := yaml.Unmarshal([]byte(updated), &probe); err != nil {
		return false, fmt.Errorf("rewrite of %s produced invalid YAML: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}

// isVolumeMountLine recognizes the "- /host/path:/container/path" bullet
// form, the only place host paths legitimately appear in the files we
// manage.
func isVolumeMountLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "- ") {
		return false
	}
	rest := strings.TrimPrefix(trimmed, "- ")
	rest = strings.Trim(rest, `"'`)
	return strings.HasPrefix(rest, "/") && strings.Contains(rest, ":")
}
