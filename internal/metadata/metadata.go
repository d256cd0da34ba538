// Package metadata records and restores per-path ownership and permission
// bits independent of archive-native metadata, as a reliability backstop for
// restores onto hosts whose extraction defaults differ.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
)

// FileName is the archive entry name of the metadata record.
const FileName = "backup-metadata.json"

// BackupVersion is the current metadata record format.
const BackupVersion = "2"

// DefaultRestoreCap bounds how many permission entries one restore pass
// reapplies, as a safety valve against extremely large trees.
const DefaultRestoreCap = 500

// SystemInfo describes the host the backup was taken on.
type SystemInfo struct {
	Hostname       string `json:"hostname"`
	Kernel         string `json:"kernel"`
	Arch           string `json:"arch"`
	OS             string `json:"os"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
}

// PathPerm is the recorded ownership and mode of a single path.
type PathPerm struct {
	Path  string `json:"path"`
	Mode  string `json:"mode"` // octal, e.g. "0644"
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
	UID   int    `json:"uid"`
	GID   int    `json:"gid"`
}

// Record is the sidecar consumed once during restore.
type Record struct {
	BackupVersion string            `json:"backup_version"`
	Timestamp     time.Time         `json:"timestamp"`
	ScriptVersion string            `json:"script_version"`
	System        SystemInfo        `json:"system"`
	Paths         map[string]string `json:"paths,omitempty"`
	Permissions   []PathPerm        `json:"permissions"`
	Ownership     []PathPerm        `json:"ownership,omitempty"`
}

// RestoreResult summarizes one restore pass.
type RestoreResult struct {
	Applied        int
	SkippedMissing int
	Remaining      int
	Errors         int
}

// Engine walks directory trees to build records and reapplies them.
type Engine struct {
	logger zerolog.Logger

	// RestoreCap is the per-invocation entry limit. Zero means the default.
	RestoreCap int

	// chown is overridable for tests.
	chown func(path string, uid, gid int) error
}

// NewEngine creates a metadata engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger:     logger.With().Str("component", "metadata").Logger(),
		RestoreCap: DefaultRestoreCap,
		chown:      os.Chown,
	}
}

// Record walks every file and directory under the given roots and captures
// mode, owner and group per path. Roots that do not exist are skipped.
func (e *Engine) Record(ctx context.Context, roots []string, scriptVersion string, paths map[string]string) (*Record, error) {
	rec := &Record{
		BackupVersion: BackupVersion,
		Timestamp:     time.Now().UTC(),
		ScriptVersion: scriptVersion,
		System:        collectSystemInfo(ctx),
		Paths:         paths,
		Permissions:   []PathPerm{},
	}

	for _, root := range roots {
		if _, err := os.Lstat(root); os.IsNotExist(err) {
			e.logger.Warn().Str("path", root).Msg("metadata root missing, skipping")
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				e.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			// -1 marks an entry with no ownership data, so uid 0 stays
			// distinguishable from "unknown".
			perm := PathPerm{
				Path: path,
				Mode: fmt.Sprintf("%#o", info.Mode().Perm()),
				UID:  -1,
				GID:  -1,
			}
			if uid, gid, ok := statOwner(info); ok {
				perm.UID = uid
				perm.GID = gid
				perm.Owner = lookupUser(uid)
				perm.Group = lookupGroup(gid)
			}
			rec.Permissions = append(rec.Permissions, perm)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	e.logger.Debug().Int("entries", len(rec.Permissions)).Msg("metadata record built")
	return rec, nil
}

// Restore reapplies recorded mode and ownership to paths that still exist.
// Entries for paths that no longer exist are skipped, not errors. At most
// RestoreCap entries are processed; an incomplete pass is reported via
// Remaining and logged as a warning.
func (e *Engine) Restore(rec *Record) *RestoreResult {
	result := &RestoreResult{}
	limit := e.RestoreCap
	if limit <= 0 {
		limit = DefaultRestoreCap
	}

	entries := rec.Permissions
	if len(entries) > limit {
		result.Remaining = len(entries) - limit
		entries = entries[:limit]
	}

	for _, perm := range entries {
		if _, err := os.Lstat(perm.Path); os.IsNotExist(err) {
			result.SkippedMissing++
			continue
		}

		mode, err := strconv.ParseUint(perm.Mode, 8, 32)
		if err != nil {
			e.logger.Warn().Str("path", perm.Path).Str("mode", perm.Mode).Msg("unparseable recorded mode")
			result.Errors++
			continue
		}
		if err := os.Chmod(perm.Path, os.FileMode(mode)); err != nil {
			e.logger.Warn().Err(err).Str("path", perm.Path).Msg("failed to restore mode")
			result.Errors++
			continue
		}
		if perm.UID >= 0 && perm.GID >= 0 {
			if err := e.chown(perm.Path, perm.UID, perm.GID); err != nil {
				// Ownership restore needs privilege; record but continue.
				e.logger.Debug().Err(err).Str("path", perm.Path).Msg("failed to restore ownership")
				result.Errors++
				continue
			}
		}
		result.Applied++
	}

	if result.Remaining > 0 {
		e.logger.Warn().
			Int("applied", result.Applied).
			Int("remaining", result.Remaining).
			Msg("metadata restore capped; remaining entries skipped")
	}
	return result
}

// Encode serializes the record for embedding in an archive.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata record: %w", err)
	}
	return data, nil
}

// Decode parses a metadata record read back from an archive.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse metadata record: %w", err)
	}
	return &rec, nil
}

func collectSystemInfo(ctx context.Context) SystemInfo {
	sys := SystemInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		sys.Hostname = hostname
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		sys.Kernel = info.KernelVersion
		if info.Platform != "" {
			sys.OS = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
	}
	return sys
}

func lookupUser(uid int) string {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return ""
}

func lookupGroup(gid int) string {
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		return g.Name
	}
	return ""
}
