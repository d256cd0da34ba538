// Package replica generates the standalone pull-replication client script an
// operator installs on a second host to mirror the backup directory.
package replica

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Params parameterizes one generated replica client.
type Params struct {
	// RemoteUser and RemoteHost identify the backup host to pull from.
	RemoteUser string
	RemoteHost string

	// RemotePath is the backup directory on the backup host.
	RemotePath string

	// LocalPath is where the replica keeps its mirror.
	LocalPath string

	// PrivateKey is the PEM-encoded SSH key embedded in the script.
	PrivateKey []byte

	// KeepDays prunes mirrored archives older than this many days.
	// Zero disables pruning.
	KeepDays int
}

const scriptTemplate = `#!/usr/bin/env bash
# Pull-replication client for {{.RemoteHost}}.
# Generated by stackhold; safe to re-generate, do not edit by hand.
set -euo pipefail

REMOTE="{{.RemoteUser}}@{{.RemoteHost}}:{{.RemotePath}}/"
LOCAL="{{.LocalPath}}/"
KEY_FILE="$(mktemp)"
trap 'rm -f "$KEY_FILE"' EXIT

cat > "$KEY_FILE" <<'STACKHOLD_KEY'
{{printf "%s" .PrivateKey}}STACKHOLD_KEY
chmod 600 "$KEY_FILE"

mkdir -p "$LOCAL"
rsync -az --delete-after \
  -e "ssh -i $KEY_FILE -o StrictHostKeyChecking=accept-new" \
  "$REMOTE" "$LOCAL"
{{if gt .KeepDays 0}}
find "$LOCAL" -name '*.tar.gz' -mtime +{{.KeepDays}} -delete
{{end}}`

// Generator renders replica client scripts.
type Generator struct {
	logger zerolog.Logger
	tmpl   *template.Template
}

// NewGenerator creates a replica script generator.
func NewGenerator(logger zerolog.Logger) *Generator {
	return &Generator{
		logger: logger.With().Str("component", "replica").Logger(),
		tmpl:   template.Must(template.New("replica").Parse(scriptTemplate)),
	}
}

// Generate renders the replica script. The embedded key must be a parseable
// SSH private key; embedding a corrupt credential would produce a script
// that fails only at its first remote run.
func (g *Generator) Generate(p Params) ([]byte, error) {
	if p.RemoteHost == "" || p.RemoteUser == "" {
		return nil, fmt.Errorf("remote user and host are required")
	}
	if p.RemotePath == "" || p.LocalPath == "" {
		return nil, fmt.Errorf("remote and local paths are required")
	}
	if _, err := ssh.ParsePrivateKey(p.PrivateKey); err != nil {
		return nil, fmt.Errorf("embedded key is not a valid SSH private key: %w", err)
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render replica script: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteScript renders the script and installs it at path with owner-only
// permissions, since it embeds a credential.
func (g *Generator) WriteScript(path string, p Params) error {
	script, err := g.Generate(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create script directory: %w", err)
	}
	if err := os.WriteFile(path, script, 0o700); err != nil {
		return fmt.Errorf("write replica script: %w", err)
	}
	g.logger.Info().Str("path", path).Str("remote", p.RemoteHost).Msg("replica client script written")
	return nil
}
