// Package opslock provides mutual exclusion across concurrent invocations of
// the orchestrator. Locks are PID-tagged marker files: a lock whose owner
// process is no longer alive is stale and reclaimed on the next acquisition.
package opslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Kind identifies the operation an invocation is performing.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
	KindSetup   Kind = "setup"
)

// globalName is the cross-kind lock. Every acquisition takes it in addition to
// the per-kind lock so that, for example, a backup and a restore can never
// race each other.
const globalName = "op"

// ErrLockContention is wrapped by AlreadyRunningError.
var ErrLockContention = errors.New("operation already running")

// AlreadyRunningError reports the live owner of a contended lock.
type AlreadyRunningError struct {
	Kind     Kind
	OwnerPID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s lock held by running process %d", e.Kind, e.OwnerPID)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrLockContention }

// Manager acquires and releases operation locks in a single directory.
type Manager struct {
	dir    string
	logger zerolog.Logger

	// pidAlive is overridable for tests.
	pidAlive func(pid int) bool
}

// NewManager creates a lock manager rooted at dir.
func NewManager(dir string, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger.With().Str("component", "opslock").Logger(),
		pidAlive: func(pid int) bool {
			alive, err := process.PidExists(int32(pid))
			if err != nil {
				// If liveness cannot be determined, treat the lock as held.
				return true
			}
			return alive
		},
	}
}

// Lock is a held operation lock. Release must run on every exit path.
type Lock struct {
	manager *Manager
	paths   []string
}

// Acquire takes the global lock and the per-kind lock for the given operation.
// A lock file owned by a dead process is removed and re-acquired.
func (m *Manager) Acquire(kind Kind) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock := &Lock{manager: m}
	for _, name := range []string{globalName, string(kind)} {
		path := filepath.Join(m.dir, name+".lock")
		if err := m.takeOne(kind, path); err != nil {
			lock.Release()
			return nil, err
		}
		lock.paths = append(lock.paths, path)
	}

	m.logger.Debug().Str("kind", string(kind)).Int("pid", os.Getpid()).Msg("operation lock acquired")
	return lock, nil
}

func (m *Manager) takeOne(kind Kind, path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return fmt.Errorf("write lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file %s: %w", path, err)
		}

		ownerPID, rerr := readOwnerPID(path)
		if rerr == nil && m.pidAlive(ownerPID) {
			return &AlreadyRunningError{Kind: kind, OwnerPID: ownerPID}
		}

		// Stale or unreadable lock: reclaim by renaming it aside. The rename
		// is atomic, so two racing invocations cannot both reclaim the same
		// file and a plain Remove cannot delete a lock another invocation
		// has already re-acquired.
		m.logger.Warn().Str("path", path).Int("owner_pid", ownerPID).Msg("reclaiming stale lock file")
		aside := fmt.Sprintf("%s.reclaim.%d", path, os.Getpid())
		if err := os.Rename(path, aside); err != nil {
			if os.IsNotExist(err) {
				// Another invocation reclaimed it first; retry the create.
				continue
			}
			return fmt.Errorf("reclaim stale lock %s: %w", path, err)
		}
		// The lock may have changed owners between the read and the rename.
		if pid, rerr := readOwnerPID(aside); rerr == nil && m.pidAlive(pid) {
			// Link refuses to clobber a lock created in the meantime.
			if lerr := os.Link(aside, path); lerr != nil && !os.IsExist(lerr) {
				m.logger.Warn().Err(lerr).Str("path", path).Msg("could not restore live lock file")
			}
			os.Remove(aside)
			return &AlreadyRunningError{Kind: kind, OwnerPID: pid}
		}
		os.Remove(aside)
	}
	return fmt.Errorf("acquire lock %s: retries exhausted", path)
}

// Release removes the lock files. It is safe to call more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	for _, path := range l.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.manager.logger.Warn().Err(err).Str("path", path).Msg("failed to remove lock file")
		}
	}
	l.paths = nil
}

func readOwnerPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock owner pid: %w", err)
	}
	return pid, nil
}
