package ops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackhold/stackhold/internal/config"
	"github.com/stackhold/stackhold/internal/opslock"
	"github.com/stackhold/stackhold/internal/registry"
)

// memRegistry is an in-memory management API good enough to run full
// backup and restore passes against.
type memRegistry struct {
	stacks  map[string]*registry.Stack
	nextID  int
	authErr error
	auths   int
}

func newMemRegistry(stacks ...registry.Stack) *memRegistry {
	m := &memRegistry{stacks: map[string]*registry.Stack{}, nextID: 100}
	for i := range stacks {
		s := stacks[i]
		m.stacks[s.Name] = &s
	}
	return m
}

func (m *memRegistry) Authenticate(ctx context.Context) error {
	m.auths++
	return m.authErr
}

func (m *memRegistry) TestConnection(ctx context.Context) error { return nil }

func (m *memRegistry) ListStacks(ctx context.Context) ([]registry.Stack, error) {
	var out []registry.Stack
	for _, s := range m.stacks {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRegistry) GetStackFile(ctx context.Context, stackID int) (string, error) {
	if s := m.byID(stackID); s != nil {
		return s.ComposeContent, nil
	}
	return "", errors.New("no such stack")
}

func (m *memRegistry) CreateStack(ctx context.Context, name, composeContent string, env []registry.EnvVar) (int, error) {
	m.nextID++
	m.stacks[name] = &registry.Stack{ID: m.nextID, Name: name, Status: registry.StatusRunning, ComposeContent: composeContent, Env: env}
	return m.nextID, nil
}

func (m *memRegistry) UpdateStack(ctx context.Context, stackID int, composeContent string, env []registry.EnvVar) error {
	s := m.byID(stackID)
	if s == nil {
		return errors.New("no such stack")
	}
	s.ComposeContent = composeContent
	s.Env = env
	return nil
}

func (m *memRegistry) DeleteStack(ctx context.Context, stackID int) error {
	s := m.byID(stackID)
	if s == nil {
		return errors.New("no such stack")
	}
	delete(m.stacks, s.Name)
	return nil
}

func (m *memRegistry) StartStack(ctx context.Context, stackID int) error {
	if s := m.byID(stackID); s != nil {
		s.Status = registry.StatusRunning
	}
	return nil
}

func (m *memRegistry) StopStack(ctx context.Context, stackID int) error {
	if s := m.byID(stackID); s != nil {
		s.Status = registry.StatusStopped
	}
	return nil
}

func (m *memRegistry) ListContainersForStack(ctx context.Context, stackName string) ([]registry.Container, error) {
	if s, ok := m.stacks[stackName]; ok && s.Status == registry.StatusRunning {
		return []registry.Container{{ID: "c", State: "running"}}, nil
	}
	return nil, nil
}

func (m *memRegistry) byID(stackID int) *registry.Stack {
	for _, s := range m.stacks {
		if s.ID == stackID {
			return s
		}
	}
	return nil
}

func (m *memRegistry) stateByName() map[string]registry.StackStatus {
	out := map[string]registry.StackStatus{}
	for name, s := range m.stacks {
		out[name] = s.Status
	}
	return out
}

func testSetup(t *testing.T, reg Registry) (*Runner, *config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.ControlPlaneDataDir = filepath.Join(base, "portainer")
	cfg.StacksDataDir = filepath.Join(base, "stacks")
	cfg.BackupDir = filepath.Join(base, "backups")
	cfg.RecoveryDir = filepath.Join(base, "recovery")
	cfg.LockDir = filepath.Join(base, "locks")
	cfg.LogDir = filepath.Join(base, "logs")
	cfg.ControlPlaneStack = "portainer"
	cfg.RegistryURL = "http://127.0.0.1:9000"

	require.NoError(t, os.MkdirAll(cfg.BackupDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ControlPlaneDataDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ControlPlaneDataDir, "portainer.db"), []byte("cp-state"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.StacksDataDir, "web"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StacksDataDir, "web", "data.txt"), []byte("payload"), 0o644))

	r := NewRunner(cfg, filepath.Join(base, "stackhold.conf"), reg, nil, "1.0.0-test", zerolog.Nop())
	r.builder.MinSize = 1
	r.extractRoot = filepath.Join(base, "restore-root")
	return r, cfg
}

func TestBackupProducesVerifiableArchive(t *testing.T) {
	reg := newMemRegistry(
		registry.Stack{ID: 1, Name: "portainer", Status: registry.StatusRunning},
		registry.Stack{ID: 2, Name: "web", Status: registry.StatusRunning, ComposeContent: "services:\n  web: {}\n"},
		registry.Stack{ID: 3, Name: "batch", Status: registry.StatusStopped, ComposeContent: "services:\n  batch: {}\n"},
	)
	r, cfg := testSetup(t, reg)

	res, err := r.Backup(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, res.Snapshot)

	assert.Len(t, res.Snapshot.Stacks, 3)
	web, ok := res.Snapshot.Find("web")
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, web.Status)
	batch, ok := res.Snapshot.Find("batch")
	require.True(t, ok)
	assert.Equal(t, registry.StatusStopped, batch.Status)

	_, statErr := os.Stat(res.ArchivePath)
	require.NoError(t, statErr)
	assert.NoError(t, r.builder.Verify(res.ArchivePath))

	// Stacks are back where they started.
	assert.Equal(t, registry.StatusRunning, reg.stacks["web"].Status)
	assert.Equal(t, registry.StatusStopped, reg.stacks["batch"].Status)
	assert.Equal(t, registry.StatusRunning, reg.stacks["portainer"].Status)

	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.Summary.AllPass, "failures: %v", res.Validation.Failures())
	assert.False(t, res.Pipeline.Failed())

	// The recovery entry is removed after a clean run.
	entries, err := os.ReadDir(cfg.RecoveryDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Backup then restore with intervening drift must yield the snapshot's exact
// stack set, names and statuses both.
func TestBackupThenRestoreIsSetEqual(t *testing.T) {
	reg := newMemRegistry(
		registry.Stack{ID: 1, Name: "portainer", Status: registry.StatusRunning},
		registry.Stack{ID: 2, Name: "web", Status: registry.StatusRunning, ComposeContent: "services:\n  web: {}\n"},
		registry.Stack{ID: 3, Name: "batch", Status: registry.StatusStopped, ComposeContent: "services:\n  batch: {}\n"},
	)
	r, _ := testSetup(t, reg)

	backup, err := r.Backup(context.Background(), "")
	require.NoError(t, err)
	want := reg.stateByName()

	// Drift: a new stack appears, one is deleted, one is rewritten.
	_, err = reg.CreateStack(context.Background(), "rogue", "services:\n  rogue: {}\n", nil)
	require.NoError(t, err)
	require.NoError(t, reg.DeleteStack(context.Background(), 3))
	require.NoError(t, reg.UpdateStack(context.Background(), 2, "services:\n  web:\n    image: changed\n", nil))

	res, err := r.Restore(context.Background(), backup.ArchivePath)
	require.NoError(t, err)

	assert.Equal(t, want, reg.stateByName(), "post-restore stack set must equal the pre-backup set")
	assert.Equal(t, "services:\n  web: {}\n", reg.stacks["web"].ComposeContent)
	assert.Contains(t, res.Reconcile.Removed, "rogue")
	assert.Contains(t, res.Reconcile.Created, "batch")
	assert.NotEmpty(t, res.SafetyBackupPath)
	assert.NoError(t, r.builder.Verify(res.SafetyBackupPath))
	require.NotNil(t, res.Metadata)
	assert.True(t, res.Validation.Summary.AllPass, "failures: %v", res.Validation.Failures())

	// Extraction landed under the configured root.
	var foundPayload bool
	_ = filepath.Walk(r.extractRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && filepath.Base(path) == "data.txt" {
			foundPayload = true
		}
		return nil
	})
	assert.True(t, foundPayload, "archive payload must be extracted")
}

// The archive covers exactly the control plane dir plus the data dirs of
// recorded stacks: a recorded stack without a directory is a warning, and
// directories belonging to no recorded stack are left out.
func TestBackupArchivesOnlyRecordedStackDirs(t *testing.T) {
	reg := newMemRegistry(
		registry.Stack{ID: 1, Name: "portainer", Status: registry.StatusRunning},
		registry.Stack{ID: 2, Name: "web", Status: registry.StatusRunning, ComposeContent: "services:\n  web: {}\n"},
		registry.Stack{ID: 3, Name: "ghost", Status: registry.StatusStopped, ComposeContent: "services:\n  ghost: {}\n"},
	)
	r, cfg := testSetup(t, reg)

	// An on-disk directory no registry stack owns.
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.StacksDataDir, "orphan"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StacksDataDir, "orphan", "leftover.txt"), []byte("x"), 0o644))

	res, err := r.Backup(context.Background(), "")
	require.NoError(t, err)

	var warned bool
	for _, w := range res.Pipeline.Warnings {
		if strings.Contains(w, "ghost") {
			warned = true
		}
	}
	assert.True(t, warned, "a recorded stack with no data directory must produce a warning, got %v", res.Pipeline.Warnings)

	out := t.TempDir()
	require.NoError(t, r.builder.Extract(context.Background(), res.ArchivePath, out))

	_, err = os.Stat(filepath.Join(out, cfg.StacksDataDir, "web", "data.txt"))
	assert.NoError(t, err, "recorded stack data must be archived")
	_, err = os.Stat(filepath.Join(out, cfg.ControlPlaneDataDir, "portainer.db"))
	assert.NoError(t, err, "control plane data must be archived")
	_, err = os.Stat(filepath.Join(out, cfg.StacksDataDir, "orphan"))
	assert.True(t, os.IsNotExist(err), "orphan directories must not be archived")
}

func TestBackupFailsFastOnAuthError(t *testing.T) {
	reg := newMemRegistry(
		registry.Stack{ID: 1, Name: "web", Status: registry.StatusRunning, ComposeContent: "x"},
	)
	reg.authErr = registry.ErrAuth
	r, cfg := testSetup(t, reg)

	res, err := r.Backup(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrAuth))
	assert.Equal(t, "authenticate", res.Pipeline.FailedStep)
	assert.Contains(t, err.Error(), "recovery entry:", "fatal failures must point at the recovery file")

	// No archive, and the stack was never touched.
	entries, readErr := os.ReadDir(cfg.BackupDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
	assert.Equal(t, registry.StatusRunning, reg.stacks["web"].Status)
}

func TestBackupRefusedWhileLockHeld(t *testing.T) {
	reg := newMemRegistry()
	r, cfg := testSetup(t, reg)

	held, err := opslock.NewManager(cfg.LockDir, zerolog.Nop()).Acquire(opslock.KindBackup)
	require.NoError(t, err)
	defer held.Release()

	_, err = r.Backup(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, opslock.ErrLockContention))
	assert.Zero(t, reg.auths, "no API call may happen without the lock")
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	reg := newMemRegistry()
	r, cfg := testSetup(t, reg)

	bogus := filepath.Join(cfg.BackupDir, "stackhold_20260823_143005.tar.gz")
	require.NoError(t, os.WriteFile(bogus, []byte("junk"), 0o644))

	res, err := r.Restore(context.Background(), bogus)
	require.Error(t, err)
	assert.Equal(t, "verify_archive", res.Pipeline.FailedStep)
}
