// Package config provides configuration management for the stackhold orchestrator.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrConfig indicates a malformed configuration file.
var ErrConfig = errors.New("invalid configuration")

// DefaultPath is the fixed host path of the configuration file.
const DefaultPath = "/etc/stackhold/stackhold.conf"

// Config holds the orchestrator's configuration. It is loaded once at process
// start and threaded explicitly through every component constructor; there is
// no process-wide mutable configuration state.
type Config struct {
	// ControlPlaneDataDir is the persistent data directory of the
	// container-management control plane.
	ControlPlaneDataDir string

	// StacksDataDir is the root directory holding one data directory per
	// deployed stack, keyed by stack name.
	StacksDataDir string

	// BackupDir is the single directory all archives are written to.
	BackupDir string

	// RetentionCount is how many archives to keep when pruning.
	RetentionCount int

	// RegistryURL is the base URL of the container-management API.
	RegistryURL string

	// RegistryUsername and RegistryPasswordFile hold the stored admin
	// credentials used for the token login.
	RegistryUsername     string
	RegistryPasswordFile string

	// EndpointID is the registry endpoint the stacks are deployed on.
	EndpointID int

	// Domain and Subdomain name the host for generated artifacts.
	Domain    string
	Subdomain string

	// ServiceAccount is the host user that owns the data directories.
	ServiceAccount string

	// ControlPlaneStack is the name of the control plane's own stack. It is
	// never stopped during an operation.
	ControlPlaneStack string

	// ProxyStacks are reverse-proxy-class stacks: stopped for backup, started
	// first on restore with a settle window.
	ProxyStacks []string

	// ArchivePrefix is the filename prefix of produced archives.
	ArchivePrefix string

	// LockDir is where operation lock files are kept.
	LockDir string

	// RecoveryDir is where recovery ledger entries and rollback records are
	// written.
	RecoveryDir string

	// LogDir receives scheduled-run output.
	LogDir string
}

// Default returns a Config populated with the defaults the installer lays down.
func Default() *Config {
	return &Config{
		ControlPlaneDataDir: "/opt/stackhold/controlplane",
		StacksDataDir:       "/opt/stackhold/stacks",
		BackupDir:           "/opt/stackhold/backups",
		RetentionCount:      7,
		EndpointID:          1,
		ServiceAccount:      "stackhold",
		ControlPlaneStack:   "controlplane",
		ArchivePrefix:       "stackhold",
		LockDir:             "/var/run/stackhold",
		RecoveryDir:         "/opt/stackhold/recovery",
		LogDir:              "/var/log/stackhold",
	}
}

// Validate checks that the configuration has the fields every operation needs.
func (c *Config) Validate() error {
	if c.ControlPlaneDataDir == "" {
		return fmt.Errorf("%w: control_plane_data_dir is required", ErrConfig)
	}
	if c.StacksDataDir == "" {
		return fmt.Errorf("%w: stacks_data_dir is required", ErrConfig)
	}
	if c.BackupDir == "" {
		return fmt.Errorf("%w: backup_dir is required", ErrConfig)
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("%w: registry_url is required", ErrConfig)
	}
	if c.RetentionCount < 1 {
		return fmt.Errorf("%w: retention_count must be at least 1", ErrConfig)
	}
	return nil
}

// StackDataDir returns the on-disk data directory for a named stack.
func (c *Config) StackDataDir(name string) string {
	return filepath.Join(c.StacksDataDir, name)
}

// RegistryPassword reads the stored admin password from the credentials file.
func (c *Config) RegistryPassword() (string, error) {
	if c.RegistryPasswordFile == "" {
		return "", fmt.Errorf("%w: registry_password_file is not set", ErrConfig)
	}
	data, err := os.ReadFile(c.RegistryPasswordFile)
	if err != nil {
		return "", fmt.Errorf("read registry password file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Load reads a flat key=value configuration file from the given path.
// If the file does not exist, the defaults are returned.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg := Default()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing '='", ErrConfig, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("%w: line %d: empty key", ErrConfig, lineNo)
		}
		if err := cfg.set(key, value, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return cfg, nil
}

func (c *Config) set(key, value string, lineNo int) error {
	switch key {
	case "control_plane_data_dir":
		c.ControlPlaneDataDir = value
	case "stacks_data_dir":
		c.StacksDataDir = value
	case "backup_dir":
		c.BackupDir = value
	case "retention_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: line %d: retention_count: %v", ErrConfig, lineNo, err)
		}
		c.RetentionCount = n
	case "registry_url":
		c.RegistryURL = strings.TrimSuffix(value, "/")
	case "registry_username":
		c.RegistryUsername = value
	case "registry_password_file":
		c.RegistryPasswordFile = value
	case "endpoint_id":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: line %d: endpoint_id: %v", ErrConfig, lineNo, err)
		}
		c.EndpointID = n
	case "domain":
		c.Domain = value
	case "subdomain":
		c.Subdomain = value
	case "service_account":
		c.ServiceAccount = value
	case "control_plane_stack":
		c.ControlPlaneStack = value
	case "proxy_stacks":
		c.ProxyStacks = splitList(value)
	case "archive_prefix":
		c.ArchivePrefix = value
	case "lock_dir":
		c.LockDir = value
	case "recovery_dir":
		c.RecoveryDir = value
	case "log_dir":
		c.LogDir = value
	default:
		return fmt.Errorf("%w: line %d: unknown key %q", ErrConfig, lineNo, key)
	}
	return nil
}

// Save writes the configuration back as a flat key=value file, creating the
// parent directory as needed. Keys are emitted in a stable order.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	entries := map[string]string{
		"control_plane_data_dir": c.ControlPlaneDataDir,
		"stacks_data_dir":        c.StacksDataDir,
		"backup_dir":             c.BackupDir,
		"retention_count":        strconv.Itoa(c.RetentionCount),
		"registry_url":           c.RegistryURL,
		"registry_username":      c.RegistryUsername,
		"registry_password_file": c.RegistryPasswordFile,
		"endpoint_id":            strconv.Itoa(c.EndpointID),
		"domain":                 c.Domain,
		"subdomain":              c.Subdomain,
		"service_account":        c.ServiceAccount,
		"control_plane_stack":    c.ControlPlaneStack,
		"proxy_stacks":           strings.Join(c.ProxyStacks, ","),
		"archive_prefix":         c.ArchivePrefix,
		"lock_dir":               c.LockDir,
		"recovery_dir":           c.RecoveryDir,
		"log_dir":                c.LogDir,
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# stackhold configuration\n")
	for _, k := range keys {
		if entries[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", k, entries[k])
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
