package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chmod(path, mode))
}

func TestRecordCapturesModes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.conf"), 0o644)
	writeFile(t, filepath.Join(dir, "secret"), 0o600)

	eng := NewEngine(zerolog.Nop())
	rec, err := eng.Record(context.Background(), []string{dir}, "1.0.0", nil)
	require.NoError(t, err)

	modes := map[string]string{}
	for _, p := range rec.Permissions {
		modes[filepath.Base(p.Path)] = p.Mode
	}
	assert.Equal(t, "0644", modes["a.conf"])
	assert.Equal(t, "0600", modes["secret"])
	assert.Equal(t, BackupVersion, rec.BackupVersion)
	assert.NotEmpty(t, rec.System.Hostname)
}

func TestRecordSkipsMissingRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), 0o644)

	eng := NewEngine(zerolog.Nop())
	rec, err := eng.Record(context.Background(), []string{dir, filepath.Join(dir, "nope")}, "1.0.0", nil)
	require.NoError(t, err)
	// Root dir entry plus one file.
	assert.Len(t, rec.Permissions, 2)
}

func TestRestoreReappliesRecordedMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.conf")
	writeFile(t, path, 0o644)

	eng := NewEngine(zerolog.Nop())
	rec, err := eng.Record(context.Background(), []string{dir}, "1.0.0", nil)
	require.NoError(t, err)

	// Drift after capture.
	require.NoError(t, os.Chmod(path, 0o600))

	result := eng.Restore(rec)
	assert.Zero(t, result.Errors)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestRestoreSkipsDeletedPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone")
	writeFile(t, path, 0o644)

	eng := NewEngine(zerolog.Nop())
	rec, err := eng.Record(context.Background(), []string{dir}, "1.0.0", nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	result := eng.Restore(rec)
	assert.Zero(t, result.Errors)
	assert.Equal(t, 1, result.SkippedMissing)
}

func TestRestoreReappliesRootOwnership(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portainer.db")
	writeFile(t, path, 0o600)

	eng := NewEngine(zerolog.Nop())
	type chownCall struct {
		path     string
		uid, gid int
	}
	var calls []chownCall
	eng.chown = func(p string, uid, gid int) error {
		calls = append(calls, chownCall{p, uid, gid})
		return nil
	}

	rec := &Record{
		BackupVersion: BackupVersion,
		Permissions: []PathPerm{
			{Path: path, Mode: "0600", Owner: "root", Group: "root", UID: 0, GID: 0},
		},
	}

	result := eng.Restore(rec)
	assert.Zero(t, result.Errors)
	assert.Equal(t, 1, result.Applied)
	require.Len(t, calls, 1, "uid 0 / gid 0 entries must still be chowned")
	assert.Equal(t, chownCall{path, 0, 0}, calls[0])
}

func TestRestoreSkipsEntriesWithoutOwnership(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.conf")
	writeFile(t, path, 0o644)

	eng := NewEngine(zerolog.Nop())
	chowned := 0
	eng.chown = func(string, int, int) error {
		chowned++
		return nil
	}

	rec := &Record{
		BackupVersion: BackupVersion,
		Permissions:   []PathPerm{{Path: path, Mode: "0644", UID: -1, GID: -1}},
	}

	result := eng.Restore(rec)
	assert.Equal(t, 1, result.Applied)
	assert.Zero(t, chowned)
	assert.Zero(t, result.Errors)
}

func TestRestoreHonorsCap(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		writeFile(t, filepath.Join(dir, name), 0o644)
	}

	eng := NewEngine(zerolog.Nop())
	rec, err := eng.Record(context.Background(), []string{dir}, "1.0.0", nil)
	require.NoError(t, err)
	require.Len(t, rec.Permissions, 5)

	eng.RestoreCap = 2
	result := eng.Restore(rec)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 3, result.Remaining)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		BackupVersion: BackupVersion,
		ScriptVersion: "1.2.3",
		Paths:         map[string]string{"stacks_data": "/srv/stacks"},
		Permissions:   []PathPerm{{Path: "/srv/stacks/web", Mode: "0755", UID: 1000, GID: 1000}},
	}
	data, err := rec.Encode()
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Paths, back.Paths)
	require.Len(t, back.Permissions, 1)
	assert.Equal(t, "0755", back.Permissions[0].Mode)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
