// Package dockercli shells out to the container runtime directly. It is the
// fallback path when the management API is unavailable, plus the low-level
// daemon and socket checks used by validation.
package dockercli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSocketPath is where the runtime socket lives on a standard host.
const DefaultSocketPath = "/var/run/docker.sock"

// commandTimeout bounds every runtime invocation.
const commandTimeout = 120 * time.Second

// runner executes one runtime command and returns combined output.
// Overridable in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CLI drives the docker binary.
type CLI struct {
	logger     zerolog.Logger
	run        runner
	socketPath string
}

// New creates a runtime CLI wrapper.
func New(logger zerolog.Logger) *CLI {
	return &CLI{
		logger:     logger.With().Str("component", "dockercli").Logger(),
		run:        execRunner,
		socketPath: DefaultSocketPath,
	}
}

// DaemonActive reports whether the runtime daemon answers.
func (c *CLI) DaemonActive(ctx context.Context) error {
	if out, err := c.run(ctx, "docker", "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("docker daemon not reachable: %s: %w", firstLine(out), err)
	}
	return nil
}

// SocketAccessible reports whether the runtime socket exists and the current
// user can reach it.
func (c *CLI) SocketAccessible() error {
	info, err := os.Stat(c.socketPath)
	if err != nil {
		return fmt.Errorf("runtime socket %s: %w", c.socketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("runtime socket %s is not a socket", c.socketPath)
	}
	f, err := os.OpenFile(c.socketPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("runtime socket %s not accessible: %w", c.socketPath, err)
	}
	f.Close()
	return nil
}

// ComposeUp starts the compose project in dir.
func (c *CLI) ComposeUp(ctx context.Context, dir string) error {
	return c.compose(ctx, dir, "up", "-d")
}

// ComposeDown stops the compose project in dir without removing volumes.
func (c *CLI) ComposeDown(ctx context.Context, dir string) error {
	return c.compose(ctx, dir, "down")
}

func (c *CLI) compose(ctx context.Context, dir string, args ...string) error {
	composeFile, err := findComposeFile(dir)
	if err != nil {
		return err
	}
	full := append([]string{"compose", "-f", composeFile}, args...)
	c.logger.Debug().Str("dir", dir).Strs("args", args).Msg("running compose fallback")
	if out, err := c.run(ctx, "docker", full...); err != nil {
		return fmt.Errorf("docker compose %s in %s: %s: %w", strings.Join(args, " "), dir, firstLine(out), err)
	}
	return nil
}

var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

func findComposeFile(dir string) (string, error) {
	for _, name := range composeFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no compose file found in %s", dir)
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
