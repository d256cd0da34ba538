package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	b := NewBuilder(zerolog.Nop())
	b.MinSize = 1
	return b
}

func TestNameAndParseTimestamp(t *testing.T) {
	ts := time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC)

	name := Name("docker_backup", ts, "")
	assert.Equal(t, "docker_backup_20260823_143005.tar.gz", name)

	back, err := ParseTimestamp(name)
	require.NoError(t, err)
	assert.True(t, back.Equal(ts))

	withSuffix := Name("docker_backup", ts, "pre-migration")
	assert.Equal(t, "docker_backup_20260823_143005-pre-migration.tar.gz", withSuffix)
	back, err = ParseTimestamp("/backups/" + withSuffix)
	require.NoError(t, err)
	assert.True(t, back.Equal(ts))

	_, err = ParseTimestamp("notes.txt")
	assert.Error(t, err)
	_, err = ParseTimestamp("docker_backup_2026.tar.gz")
	assert.Error(t, err)
}

func TestBuildExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "web"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "web", "app.conf"), []byte("listen 80\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "web", "secret.key"), []byte("k"), 0o600))

	dest := filepath.Join(t.TempDir(), Name("docker_backup", time.Now(), ""))
	sidecar := Sidecar{Name: "stack-snapshot.json", Content: []byte(`{"captured_at":"2026-08-23T14:30:05Z","stacks":[]}`)}

	b := testBuilder()
	result, err := b.Build(context.Background(), []string{src}, []Sidecar{sidecar}, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, result.Path)
	assert.Equal(t, []string{src}, result.IncludedDirs)
	assert.Positive(t, result.Size)

	got, err := ReadSidecar(dest, "stack-snapshot.json")
	require.NoError(t, err)
	assert.Equal(t, sidecar.Content, got)

	_, err = ReadSidecar(dest, "missing.json")
	assert.Error(t, err)

	out := t.TempDir()
	require.NoError(t, b.Extract(context.Background(), dest, out))

	restored := filepath.Join(out, src, "web", "app.conf")
	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, "listen 80\n", string(data))

	info, err := os.Stat(filepath.Join(out, src, "web", "secret.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Sidecars are records about the archive, not payload.
	_, err = os.Stat(filepath.Join(out, "stack-snapshot.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildSkipsMissingRoots(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "data"), []byte("x"), 0o644))

	dest := filepath.Join(t.TempDir(), Name("docker_backup", time.Now(), ""))
	sidecar := Sidecar{Name: "stack-snapshot.json", Content: []byte(`{"captured_at":"2026-08-23T14:30:05Z"}`)}

	b := testBuilder()
	result, err := b.Build(context.Background(), []string{src, "/does/not/exist"}, []Sidecar{sidecar}, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{src}, result.IncludedDirs)
	assert.Equal(t, []string{"/does/not/exist"}, result.SkippedDirs)
}

func TestBuildRefusesWithoutSpace(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "data"), []byte("0123456789"), 0o644))

	b := testBuilder()
	b.freeSpace = func(string) (uint64, error) { return 4, nil }

	dest := filepath.Join(t.TempDir(), Name("docker_backup", time.Now(), ""))
	_, err := b.Build(context.Background(), []string{src}, nil, dest)
	assert.True(t, errors.Is(err, ErrNoSpace))
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestVerifyRejectsCorruptArchive(t *testing.T) {
	b := NewBuilder(zerolog.Nop())

	tiny := filepath.Join(t.TempDir(), Name("docker_backup", time.Now(), ""))
	require.NoError(t, os.WriteFile(tiny, []byte("not a tarball"), 0o644))
	assert.True(t, errors.Is(b.Verify(tiny), ErrArchiveCorrupt))

	b.MinSize = 1
	assert.True(t, errors.Is(b.Verify(tiny), ErrArchiveCorrupt), "unopenable gzip must fail verification")

	missing := filepath.Join(t.TempDir(), "docker_backup_20260823_143005.tar.gz")
	assert.True(t, errors.Is(b.Verify(missing), ErrArchiveCorrupt))
}

func TestVerifyRequiresTimestampedRecord(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "data"), []byte("x"), 0o644))
	dest := filepath.Join(t.TempDir(), Name("docker_backup", time.Now(), ""))

	b := testBuilder()
	_, err := b.Build(context.Background(), []string{src}, nil, dest)
	assert.True(t, errors.Is(err, ErrArchiveCorrupt), "archive without a timestamped record must not verify")
}
