// Package archive builds, verifies and extracts the tar.gz backup archives.
//
// Archives are built in two phases: an uncompressed tar is written first so
// that sidecar records generated after the directory walk (the stack snapshot
// and the metadata record) can be appended as top-level entries, then the tar
// is compressed into its final .tar.gz. Owner and permission bits are stored
// exactly as found, with no normalization.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// TimestampLayout is the embedded archive-name timestamp format.
const TimestampLayout = "20060102_150405"

// minArchiveSize is the smallest plausible size of a real archive. Anything
// below it is treated as corrupt rather than silently accepted.
const minArchiveSize = 4 * 1024

var (
	// ErrArchiveCorrupt marks an archive that failed integrity checks.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrNoSpace marks a build refused for lack of free disk space.
	ErrNoSpace = errors.New("insufficient disk space")
)

var nameRe = regexp.MustCompile(`^(.+)_(\d{8}_\d{6})(?:-([A-Za-z0-9._-]+))?\.tar\.gz$`)

// Name builds an archive file name: <prefix>_<YYYYMMDD>_<HHMMSS>[-suffix].tar.gz.
func Name(prefix string, t time.Time, suffix string) string {
	name := fmt.Sprintf("%s_%s", prefix, t.Format(TimestampLayout))
	if suffix != "" {
		name += "-" + suffix
	}
	return name + ".tar.gz"
}

// ParseTimestamp extracts the embedded timestamp from an archive file name.
func ParseTimestamp(name string) (time.Time, error) {
	m := nameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return time.Time{}, fmt.Errorf("archive name %q has no embedded timestamp", name)
	}
	t, err := time.Parse(TimestampLayout, m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("archive name %q: %w", name, err)
	}
	return t, nil
}

// Sidecar is a generated record appended to the archive as a top-level entry.
type Sidecar struct {
	Name    string
	Content []byte
}

// BuildResult describes a completed archive build.
type BuildResult struct {
	Path         string
	Size         int64
	IncludedDirs []string
	SkippedDirs  []string
}

// Builder creates backup archives.
type Builder struct {
	logger zerolog.Logger

	// freeSpace reports free bytes on the filesystem holding path.
	// Overridable in tests.
	freeSpace func(path string) (uint64, error)

	// MinSize is the corruption threshold, in bytes. An archive smaller
	// than this fails verification.
	MinSize int64
}

// NewBuilder creates an archive builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{
		logger: logger.With().Str("component", "archive").Logger(),
		freeSpace: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
		MinSize: minArchiveSize,
	}
}

// Build archives the given directory roots plus sidecars into dest.
// Roots that do not exist on disk are skipped with a warning, not fatal:
// a stack known to the registry may legitimately have no data directory.
// Entry names are the absolute source paths without the leading slash, so
// extraction against "/" restores in place.
func (b *Builder) Build(ctx context.Context, roots []string, sidecars []Sidecar, dest string) (*BuildResult, error) {
	result := &BuildResult{Path: dest}

	var present []string
	var estimated int64
	for _, root := range roots {
		if _, err := os.Lstat(root); err != nil {
			b.logger.Warn().Str("path", root).Msg("directory missing on disk, excluded from archive")
			result.SkippedDirs = append(result.SkippedDirs, root)
			continue
		}
		size, err := treeSize(root)
		if err != nil {
			return nil, fmt.Errorf("measure %s: %w", root, err)
		}
		estimated += size
		present = append(present, root)
	}
	result.IncludedDirs = present

	if err := b.checkSpace(filepath.Dir(dest), estimated); err != nil {
		return nil, err
	}

	tarPath := dest + ".tar.partial"
	if err := b.writeTar(ctx, tarPath, present, sidecars); err != nil {
		os.Remove(tarPath)
		return nil, err
	}
	defer os.Remove(tarPath)

	if err := compressFile(tarPath, dest); err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("compress archive: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	result.Size = info.Size()

	if err := b.Verify(dest); err != nil {
		os.Remove(dest)
		return nil, err
	}

	b.logger.Info().
		Str("archive", dest).
		Int64("size_bytes", result.Size).
		Int("dirs", len(present)).
		Msg("archive built")
	return result, nil
}

func (b *Builder) checkSpace(dir string, estimated int64) error {
	free, err := b.freeSpace(dir)
	if err != nil {
		b.logger.Warn().Err(err).Str("path", dir).Msg("free space check unavailable")
		return nil
	}
	// The uncompressed tar and the compressed output coexist briefly.
	needed := uint64(estimated) + uint64(estimated)/4
	if free < needed {
		return fmt.Errorf("%w: need ~%d bytes in %s, have %d", ErrNoSpace, needed, dir, free)
	}
	return nil
}

func (b *Builder) writeTar(ctx context.Context, tarPath string, roots []string, sidecars []Sidecar) error {
	f, err := os.OpenFile(tarPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create tar: %w", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, root := range roots {
		if err := addTree(ctx, tw, root); err != nil {
			tw.Close()
			return err
		}
	}
	for _, sc := range sidecars {
		hdr := &tar.Header{
			Name:    sc.Name,
			Mode:    0o600,
			Size:    int64(len(sc.Content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			tw.Close()
			return fmt.Errorf("append sidecar %s: %w", sc.Name, err)
		}
		if _, err := tw.Write(sc.Content); err != nil {
			tw.Close()
			return fmt.Errorf("append sidecar %s: %w", sc.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	return f.Sync()
}

func addTree(ctx context.Context, tw *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("header %s: %w", path, err)
		}
		hdr.Name = strings.TrimPrefix(path, "/")
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		return nil
	})
}

func compressFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Verify checks that the archive is openable, exceeds the minimum plausible
// size, and carries a timestamped record entry.
func (b *Builder) Verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	if info.Size() < b.MinSize {
		return fmt.Errorf("%w: %s is %d bytes, below plausible minimum", ErrArchiveCorrupt, path, info.Size())
	}

	if _, err := ParseTimestamp(path); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}

	found := false
	err = walkEntries(path, func(hdr *tar.Header, r io.Reader) error {
		if filepath.Dir(hdr.Name) != "." || !strings.HasSuffix(hdr.Name, ".json") {
			return nil
		}
		var stamp struct {
			Timestamp  time.Time `json:"timestamp"`
			CapturedAt time.Time `json:"captured_at"`
		}
		data, err := io.ReadAll(io.LimitReader(r, 1<<20))
		if err != nil {
			return err
		}
		if json.Unmarshal(data, &stamp) == nil && (!stamp.Timestamp.IsZero() || !stamp.CapturedAt.IsZero()) {
			found = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	if !found {
		return fmt.Errorf("%w: %s has no timestamped record entry", ErrArchiveCorrupt, path)
	}
	return nil
}

// ReadSidecar returns the content of the named top-level entry.
func ReadSidecar(path, name string) ([]byte, error) {
	var content []byte
	err := walkEntries(path, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Name != name {
			return nil
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		content = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", name, path, err)
	}
	if content == nil {
		return nil, fmt.Errorf("archive %s has no entry %s", path, name)
	}
	return content, nil
}

// Extract unpacks the archive under destRoot, reapplying recorded modes and,
// best-effort, ownership. Top-level sidecar entries are skipped: they are
// records about the archive, not payload.
func (b *Builder) Extract(ctx context.Context, path, destRoot string) error {
	err := walkEntries(path, func(hdr *tar.Header, r io.Reader) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if filepath.Dir(filepath.Clean(hdr.Name)) == "." && hdr.Typeflag == tar.TypeReg {
			return nil
		}
		target, err := securePath(destRoot, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)&fs.ModePerm); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
			return nil
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode)&fs.ModePerm)
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", target, err)
			}
		default:
			return nil
		}

		if err := os.Chmod(target, fs.FileMode(hdr.Mode)&fs.ModePerm); err != nil {
			return fmt.Errorf("chmod %s: %w", target, err)
		}
		if err := os.Chown(target, hdr.Uid, hdr.Gid); err != nil {
			b.logger.Debug().Err(err).Str("path", target).Msg("could not restore ownership")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("extract %s: %w", path, err)
	}
	return nil
}

// walkEntries opens the archive and invokes fn for every tar entry.
func walkEntries(path string, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// securePath joins an entry name under root, rejecting traversal.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) && target != filepath.Clean(root) {
		return "", fmt.Errorf("entry %q escapes extraction root", name)
	}
	return target, nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
