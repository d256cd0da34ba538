// Package validate runs the post-operation check battery. Checks observe and
// report; they never mutate state.
package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackhold/stackhold/internal/archive"
	"github.com/stackhold/stackhold/internal/registry"
)

// CheckStatus represents the status of a single validation check.
type CheckStatus string

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = "pass"
	// StatusFail indicates the check failed.
	StatusFail CheckStatus = "fail"
	// StatusWarn indicates the check passed with warnings.
	StatusWarn CheckStatus = "warn"
	// StatusSkip indicates the check was skipped.
	StatusSkip CheckStatus = "skip"
)

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Details any         `json:"details,omitempty"`
}

// Result is the complete validation output.
type Result struct {
	Timestamp time.Time     `json:"timestamp"`
	Hostname  string        `json:"hostname"`
	OS        string        `json:"os"`
	Arch      string        `json:"arch"`
	Checks    []CheckResult `json:"checks"`
	Summary   Summary       `json:"summary"`
}

// Summary provides a quick overview of the validation results.
type Summary struct {
	Total   int  `json:"total"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Warned  int  `json:"warned"`
	Skipped int  `json:"skipped"`
	AllPass bool `json:"all_pass"`
}

// Failures returns the human-readable failure strings.
func (r *Result) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			out = append(out, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
	}
	return out
}

// RuntimeChecker is the container-runtime surface validation needs.
type RuntimeChecker interface {
	DaemonActive(ctx context.Context) error
	SocketAccessible() error
}

// RegistryChecker is the registry surface validation needs.
type RegistryChecker interface {
	TestConnection(ctx context.Context) error
	ListStacks(ctx context.Context) ([]registry.Stack, error)
	ListContainersForStack(ctx context.Context, stackName string) ([]registry.Container, error)
}

// ArchiveVerifier checks one archive for integrity.
type ArchiveVerifier interface {
	Verify(path string) error
}

// Options selects which checks apply to the operation just performed.
type Options struct {
	// ExpectedRunning are stack names that must show running containers.
	ExpectedRunning []string

	// BackupDir and ArchivePrefix locate the newest archive to verify.
	// Empty BackupDir skips the archive check.
	BackupDir     string
	ArchivePrefix string
}

// Runner executes the validation battery.
type Runner struct {
	runtime  RuntimeChecker
	reg      RegistryChecker
	verifier ArchiveVerifier
	logger   zerolog.Logger
}

// NewRunner creates a validation runner. Any collaborator may be nil, in
// which case its checks are skipped.
func NewRunner(rt RuntimeChecker, reg RegistryChecker, verifier ArchiveVerifier, logger zerolog.Logger) *Runner {
	return &Runner{
		runtime:  rt,
		reg:      reg,
		verifier: verifier,
		logger:   logger.With().Str("component", "validate").Logger(),
	}
}

// Run executes all applicable checks and returns the result.
func (r *Runner) Run(ctx context.Context, opts Options) *Result {
	hostname, _ := os.Hostname()

	result := &Result{
		Timestamp: time.Now().UTC(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Checks:    make([]CheckResult, 0),
	}

	result.Checks = append(result.Checks, r.checkDaemon(ctx))
	result.Checks = append(result.Checks, r.checkSocket())
	result.Checks = append(result.Checks, r.checkRegistryAPI(ctx))
	result.Checks = append(result.Checks, r.checkStackErrorStates(ctx))
	result.Checks = append(result.Checks, r.checkExpectedContainers(ctx, opts.ExpectedRunning))
	result.Checks = append(result.Checks, r.checkNewestArchive(opts.BackupDir, opts.ArchivePrefix))

	for _, check := range result.Checks {
		result.Summary.Total++
		switch check.Status {
		case StatusPass:
			result.Summary.Passed++
		case StatusFail:
			result.Summary.Failed++
		case StatusWarn:
			result.Summary.Warned++
		case StatusSkip:
			result.Summary.Skipped++
		}
	}
	result.Summary.AllPass = result.Summary.Failed == 0

	r.logger.Info().
		Int("passed", result.Summary.Passed).
		Int("failed", result.Summary.Failed).
		Bool("all_pass", result.Summary.AllPass).
		Msg("validation complete")
	return result
}

func (r *Runner) checkDaemon(ctx context.Context) CheckResult {
	check := CheckResult{Name: "runtime_daemon"}
	if r.runtime == nil {
		check.Status = StatusSkip
		check.Message = "Runtime checks not configured"
		return check
	}
	if err := r.runtime.DaemonActive(ctx); err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Container daemon not reachable: %v", err)
		return check
	}
	check.Status = StatusPass
	check.Message = "Container daemon reachable"
	return check
}

func (r *Runner) checkSocket() CheckResult {
	check := CheckResult{Name: "runtime_socket"}
	if r.runtime == nil {
		check.Status = StatusSkip
		check.Message = "Runtime checks not configured"
		return check
	}
	if err := r.runtime.SocketAccessible(); err != nil {
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("Runtime socket not accessible: %v", err)
		return check
	}
	check.Status = StatusPass
	check.Message = "Runtime socket accessible"
	return check
}

func (r *Runner) checkRegistryAPI(ctx context.Context) CheckResult {
	check := CheckResult{Name: "registry_api"}
	if r.reg == nil {
		check.Status = StatusSkip
		check.Message = "Registry not configured"
		return check
	}
	start := time.Now()
	if err := r.reg.TestConnection(ctx); err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Management API not reachable: %v", err)
		return check
	}
	check.Status = StatusPass
	check.Message = fmt.Sprintf("Management API reachable (latency: %s)", time.Since(start).Round(time.Millisecond))
	return check
}

func (r *Runner) checkStackErrorStates(ctx context.Context) CheckResult {
	check := CheckResult{Name: "stack_error_states"}
	if r.reg == nil {
		check.Status = StatusSkip
		check.Message = "Registry not configured"
		return check
	}
	stacks, err := r.reg.ListStacks(ctx)
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Could not list stacks: %v", err)
		return check
	}
	var broken []string
	for _, s := range stacks {
		if s.Status == registry.StatusError {
			broken = append(broken, s.Name)
		}
	}
	if len(broken) > 0 {
		sort.Strings(broken)
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Stacks in error state: %s", strings.Join(broken, ", "))
		check.Details = broken
		return check
	}
	check.Status = StatusPass
	check.Message = fmt.Sprintf("No error-state stacks (%d checked)", len(stacks))
	return check
}

func (r *Runner) checkExpectedContainers(ctx context.Context, expected []string) CheckResult {
	check := CheckResult{Name: "expected_containers"}
	if r.reg == nil || len(expected) == 0 {
		check.Status = StatusSkip
		check.Message = "No expected stacks to check"
		return check
	}
	var missing []string
	for _, name := range expected {
		containers, err := r.reg.ListContainersForStack(ctx, name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		running := false
		for _, c := range containers {
			if c.Running() {
				running = true
				break
			}
		}
		if !running {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Stacks without running containers: %s", strings.Join(missing, ", "))
		check.Details = missing
		return check
	}
	check.Status = StatusPass
	check.Message = fmt.Sprintf("All %d expected stacks have running containers", len(expected))
	return check
}

func (r *Runner) checkNewestArchive(dir, prefix string) CheckResult {
	check := CheckResult{Name: "newest_archive"}
	if r.verifier == nil || dir == "" {
		check.Status = StatusSkip
		check.Message = "Archive check not configured"
		return check
	}

	newest, err := newestArchive(dir, prefix)
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Could not locate newest archive: %v", err)
		return check
	}
	if newest == "" {
		check.Status = StatusSkip
		check.Message = "No archives present"
		return check
	}
	if err := r.verifier.Verify(newest); err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Archive failed integrity check: %v", err)
		return check
	}
	check.Status = StatusPass
	check.Message = fmt.Sprintf("Archive %s verified", filepath.Base(newest))
	return check
}

func newestArchive(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var newest string
	var newestStamp time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix+"_") {
			continue
		}
		stamp, err := archive.ParseTimestamp(entry.Name())
		if err != nil {
			continue
		}
		if newest == "" || stamp.After(newestStamp) {
			newest = filepath.Join(dir, entry.Name())
			newestStamp = stamp
		}
	}
	return newest, nil
}
