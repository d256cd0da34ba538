// Package schedule registers the backup operation as a periodic cron job.
// Registration is idempotent: prior entries for this tool are removed before
// the new one is added, so re-running install never accumulates duplicates.
package schedule

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// marker tags crontab lines owned by this tool.
const marker = "# managed by stackhold"

// runner executes one crontab invocation. Overridable in tests.
type runner func(ctx context.Context, stdin string, args ...string) ([]byte, error)

func execCrontab(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "crontab", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Scheduler manages the tool's crontab entry.
type Scheduler struct {
	logger zerolog.Logger
	run    runner
}

// New creates a scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "schedule").Logger(),
		run:    execCrontab,
	}
}

// ValidateExpr checks a standard 5-field cron expression.
func ValidateExpr(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Install registers command under the given cron expression, with output
// appended to logFile. Any prior entry owned by this tool is replaced.
func (s *Scheduler) Install(ctx context.Context, expr, command, logFile string) error {
	if err := ValidateExpr(expr); err != nil {
		return err
	}

	current, err := s.currentTab(ctx)
	if err != nil {
		return err
	}
	kept := stripManaged(current)

	entry := fmt.Sprintf("%s %s >> %s 2>&1 %s", expr, command, logFile, marker)
	lines := append(kept, entry)
	if err := s.writeTab(ctx, lines); err != nil {
		return err
	}

	s.logger.Info().Str("expr", expr).Str("log", logFile).Msg("backup schedule installed")
	return nil
}

// Remove drops the tool's crontab entry, if present.
func (s *Scheduler) Remove(ctx context.Context) error {
	current, err := s.currentTab(ctx)
	if err != nil {
		return err
	}
	kept := stripManaged(current)
	if len(kept) == len(current) {
		s.logger.Debug().Msg("no managed schedule present")
		return nil
	}
	if err := s.writeTab(ctx, kept); err != nil {
		return err
	}
	s.logger.Info().Msg("backup schedule removed")
	return nil
}

// Current returns the tool's installed crontab line, or "" if none.
func (s *Scheduler) Current(ctx context.Context) (string, error) {
	current, err := s.currentTab(ctx)
	if err != nil {
		return "", err
	}
	for _, line := range current {
		if strings.Contains(line, marker) {
			return line, nil
		}
	}
	return "", nil
}

// currentTab reads the user's crontab. A missing crontab is an empty one.
func (s *Scheduler) currentTab(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, "", "-l")
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "no crontab") {
			return nil, nil
		}
		return nil, fmt.Errorf("read crontab: %s: %w", strings.TrimSpace(string(out)), err)
	}
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (s *Scheduler) writeTab(ctx context.Context, lines []string) error {
	tab := strings.Join(lines, "\n")
	if tab != "" {
		tab += "\n"
	}
	if out, err := s.run(ctx, tab, "-"); err != nil {
		return fmt.Errorf("write crontab: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func stripManaged(lines []string) []string {
	var kept []string
	for _, line := range lines {
		if strings.Contains(line, marker) {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}
