// Package snapshot captures and encodes the point-in-time stack record that
// is embedded in every archive. The record is created once per backup, read
// once per restore, and not retained on the live host afterwards.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stackhold/stackhold/internal/registry"
)

// FormatVersion is the current snapshot record format.
const FormatVersion = "2"

// FileName is the archive entry name of the snapshot record.
const FileName = "stack-snapshot.json"

// StackRecord is one stack as captured at backup time.
type StackRecord struct {
	Name           string               `json:"name"`
	Status         registry.StackStatus `json:"status"`
	ComposeContent string               `json:"compose_content,omitempty"`
	Env            []registry.EnvVar    `json:"env,omitempty"`

	// CaptureError is set when the compose content could not be fetched at
	// capture time. Such a stack cannot be recreated on restore.
	CaptureError string `json:"capture_error,omitempty"`
}

// Recreatable reports whether the stack can be recreated from this record.
func (r StackRecord) Recreatable() bool {
	return r.ComposeContent != "" && r.CaptureError == ""
}

// Record is the full point-in-time capture embedded in an archive.
type Record struct {
	FormatVersion string        `json:"format_version"`
	CapturedAt    time.Time     `json:"captured_at"`
	Stacks        []StackRecord `json:"stacks"`
}

// Find returns the record for the named stack, if present.
func (r *Record) Find(name string) (StackRecord, bool) {
	for _, s := range r.Stacks {
		if s.Name == name {
			return s, true
		}
	}
	return StackRecord{}, false
}

// Names returns the set of stack names in the record.
func (r *Record) Names() map[string]bool {
	names := make(map[string]bool, len(r.Stacks))
	for _, s := range r.Stacks {
		names[s.Name] = true
	}
	return names
}

// StackLister is the registry surface capture needs.
type StackLister interface {
	ListStacks(ctx context.Context) ([]registry.Stack, error)
	GetStackFile(ctx context.Context, stackID int) (string, error)
}

// Capture reads the full stack inventory from the registry. A stack whose
// compose content cannot be fetched is still recorded, with CaptureError set,
// so the restore side can surface it instead of silently losing it.
func Capture(ctx context.Context, client StackLister, logger zerolog.Logger) (*Record, error) {
	log := logger.With().Str("component", "snapshot").Logger()

	stacks, err := client.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture stack inventory: %w", err)
	}

	rec := &Record{
		FormatVersion: FormatVersion,
		CapturedAt:    time.Now().UTC(),
		Stacks:        make([]StackRecord, 0, len(stacks)),
	}

	for _, s := range stacks {
		entry := StackRecord{Name: s.Name, Status: s.Status, Env: s.Env}
		content, err := client.GetStackFile(ctx, s.ID)
		if err != nil {
			log.Warn().Err(err).Str("stack", s.Name).Msg("compose content not captured; stack will need manual recreation on restore")
			entry.CaptureError = err.Error()
		} else {
			entry.ComposeContent = content
		}
		rec.Stacks = append(rec.Stacks, entry)
	}

	log.Info().Int("stacks", len(rec.Stacks)).Msg("stack snapshot captured")
	return rec, nil
}

// Encode serializes the record for embedding in an archive.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot record: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot record read back from an archive.
func Decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse snapshot record: %w", err)
	}
	if rec.FormatVersion == "" {
		return nil, fmt.Errorf("snapshot record missing format version")
	}
	return &rec, nil
}
