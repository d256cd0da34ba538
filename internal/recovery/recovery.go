// Package recovery writes recovery-hint files before risky operations.
// Ledger entries are advisory: they are referenced in failure output for the
// operator and never read back programmatically. Rollback records are the
// machine-independent way to reverse a partially completed migration.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a recovery ledger entry for one operation run.
type Entry struct {
	Operation            string    `json:"operation"`
	State                string    `json:"state"`
	Timestamp            time.Time `json:"timestamp"`
	User                 string    `json:"user"`
	Cwd                  string    `json:"cwd"`
	RunID                string    `json:"run_id"`
	RecoveryInstructions string    `json:"recovery_instructions"`
}

// RollbackRecord captures everything needed to manually reverse a migration.
// It is written before any filesystem mutation.
type RollbackRecord struct {
	OldPaths           map[string]string `json:"old_paths"`
	NewPaths           map[string]string `json:"new_paths"`
	BackupFile         string            `json:"backup_file"`
	StackInventoryFile string            `json:"stack_inventory_file"`
	LogFile            string            `json:"log_file"`
	MigrationDate      time.Time         `json:"migration_date"`
}

// Ledger writes recovery files into a single directory.
type Ledger struct {
	dir    string
	logger zerolog.Logger
}

// NewLedger creates a ledger rooted at dir.
func NewLedger(dir string, logger zerolog.Logger) *Ledger {
	return &Ledger{
		dir:    dir,
		logger: logger.With().Str("component", "recovery").Logger(),
	}
}

// WriteEntry persists a ledger entry and returns its path. The current user
// and working directory are filled in when the entry leaves them empty.
func (l *Ledger) WriteEntry(entry Entry) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recovery directory: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.User == "" {
		entry.User = os.Getenv("USER")
	}
	if entry.Cwd == "" {
		entry.Cwd, _ = os.Getwd()
	}

	path := filepath.Join(l.dir, fmt.Sprintf("%s_%s.json", entry.Operation, entry.Timestamp.Format("20060102_150405")))
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal recovery entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write recovery entry: %w", err)
	}

	l.logger.Debug().Str("path", path).Str("operation", entry.Operation).Msg("recovery entry written")
	return path, nil
}

// Remove deletes a previously written recovery file. Used when an operation
// completes cleanly and the hint is no longer needed.
func (l *Ledger) Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn().Err(err).Str("path", path).Msg("failed to remove recovery entry")
	}
}

// WriteRollbackRecord persists a migration rollback record and returns its path.
func (l *Ledger) WriteRollbackRecord(rec RollbackRecord) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create recovery directory: %w", err)
	}
	if rec.MigrationDate.IsZero() {
		rec.MigrationDate = time.Now()
	}

	path := filepath.Join(l.dir, fmt.Sprintf("rollback_%s.json", rec.MigrationDate.Format("20060102_150405")))
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal rollback record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write rollback record: %w", err)
	}

	l.logger.Info().Str("path", path).Msg("rollback record written")
	return path, nil
}

// ReadRollbackRecord loads a rollback record, for operator tooling.
func ReadRollbackRecord(path string) (*RollbackRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rollback record: %w", err)
	}
	var rec RollbackRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse rollback record: %w", err)
	}
	return &rec, nil
}
