// Package retention prunes old backup archives from the backup directory.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackhold/stackhold/internal/archive"
)

// Manager removes archives beyond the configured retention count.
type Manager struct {
	logger zerolog.Logger
}

// NewManager creates a retention manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "retention").Logger()}
}

// backupFile pairs an archive path with its embedded timestamp.
type backupFile struct {
	path  string
	stamp time.Time
}

// Prune keeps the newest keep archives matching the prefix and removes the
// rest, sorted by the timestamp embedded in the file name. Idempotent:
// a second run with no new backups removes nothing. Files whose names carry
// no parseable timestamp are left alone.
func (m *Manager) Prune(dir, prefix string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("retention count must be at least 1, got %d", keep)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []backupFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix+"_") {
			continue
		}
		stamp, err := archive.ParseTimestamp(entry.Name())
		if err != nil {
			m.logger.Debug().Str("file", entry.Name()).Msg("no embedded timestamp, not a managed backup")
			continue
		}
		backups = append(backups, backupFile{path: filepath.Join(dir, entry.Name()), stamp: stamp})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].stamp.After(backups[j].stamp) })

	if len(backups) <= keep {
		m.logger.Debug().Int("backups", len(backups)).Int("keep", keep).Msg("nothing to prune")
		return 0, nil
	}

	removed := 0
	for _, b := range backups[keep:] {
		if err := os.Remove(b.path); err != nil {
			m.logger.Warn().Err(err).Str("file", b.path).Msg("failed to remove old backup")
			continue
		}
		m.logger.Info().Str("file", b.path).Msg("old backup removed")
		removed++
	}
	return removed, nil
}
