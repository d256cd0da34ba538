package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RetentionCount != 7 {
		t.Errorf("expected default retention 7, got %d", cfg.RetentionCount)
	}
	if cfg.ControlPlaneStack != "controlplane" {
		t.Errorf("unexpected default control plane stack: %q", cfg.ControlPlaneStack)
	}
}

func TestLoadParsesKeyValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stackhold.conf")
	content := `# comment
registry_url=https://registry.local:9443/
registry_username=admin
retention_count=3
endpoint_id=2
proxy_stacks=traefik, caddy
stacks_data_dir=/srv/stacks

backup_dir=/srv/backups
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RegistryURL != "https://registry.local:9443" {
		t.Errorf("trailing slash not trimmed: %q", cfg.RegistryURL)
	}
	if cfg.RetentionCount != 3 {
		t.Errorf("retention_count = %d, want 3", cfg.RetentionCount)
	}
	if cfg.EndpointID != 2 {
		t.Errorf("endpoint_id = %d, want 2", cfg.EndpointID)
	}
	if len(cfg.ProxyStacks) != 2 || cfg.ProxyStacks[0] != "traefik" || cfg.ProxyStacks[1] != "caddy" {
		t.Errorf("proxy_stacks = %v", cfg.ProxyStacks)
	}
	if cfg.StackDataDir("nextcloud") != "/srv/stacks/nextcloud" {
		t.Errorf("unexpected stack data dir: %q", cfg.StackDataDir("nextcloud"))
	}
}

func TestLoadMalformedLine(t *testing.T) {
	t.Run("missing equals", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.conf")
		if err := os.WriteFile(path, []byte("registry_url\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("expected ErrConfig, got %v", err)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.conf")
		if err := os.WriteFile(path, []byte("=value\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("expected ErrConfig, got %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.conf")
		if err := os.WriteFile(path, []byte("no_such_key=1\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("expected ErrConfig, got %v", err)
		}
	})

	t.Run("non-numeric retention", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.conf")
		if err := os.WriteFile(path, []byte("retention_count=many\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("expected ErrConfig, got %v", err)
		}
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "stackhold.conf")

	cfg := Default()
	cfg.RegistryURL = "http://localhost:9000"
	cfg.RegistryUsername = "admin"
	cfg.ProxyStacks = []string{"traefik"}
	cfg.RetentionCount = 5

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.RegistryURL != cfg.RegistryURL {
		t.Errorf("registry_url = %q, want %q", loaded.RegistryURL, cfg.RegistryURL)
	}
	if loaded.RetentionCount != 5 {
		t.Errorf("retention_count = %d, want 5", loaded.RetentionCount)
	}
	if len(loaded.ProxyStacks) != 1 || loaded.ProxyStacks[0] != "traefik" {
		t.Errorf("proxy_stacks = %v", loaded.ProxyStacks)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error without registry_url")
	}
	cfg.RegistryURL = "http://localhost:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.RetentionCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero retention")
	}
}
