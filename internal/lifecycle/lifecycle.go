// Package lifecycle sequences coordinated shutdown and startup of stacks
// around backup and restore operations.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackhold/stackhold/internal/poll"
	"github.com/stackhold/stackhold/internal/registry"
)

// Registry is the registry surface the orchestrator drives.
type Registry interface {
	ListStacks(ctx context.Context) ([]registry.Stack, error)
	StartStack(ctx context.Context, stackID int) error
	StopStack(ctx context.Context, stackID int) error
	ListContainersForStack(ctx context.Context, stackName string) ([]registry.Container, error)
}

// Fallback starts or stops a stack through the container runtime directly,
// used when a registry call fails.
type Fallback interface {
	ComposeUp(ctx context.Context, dir string) error
	ComposeDown(ctx context.Context, dir string) error
}

const (
	// proxySettle is the window reverse-proxy stacks get before dependent
	// stacks start, since dependents may health-check against the proxy.
	proxySettle = 5 * time.Second

	// defaultVerifyBudget bounds the per-stack running verification.
	defaultVerifyBudget = 60 * time.Second
)

// Report summarizes one orchestration pass. Warnings carry per-stack
// failures that did not abort the pass.
type Report struct {
	Stopped  []string
	Started  []string
	Skipped  []string
	Warnings []string
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Orchestrator drives stack shutdown and startup ordering.
type Orchestrator struct {
	reg    Registry
	logger zerolog.Logger

	controlPlane string
	proxyStacks  map[string]bool

	// fallback and dataDirFor enable runtime-level compose up/down when a
	// registry call fails. Both may be nil.
	fallback   Fallback
	dataDirFor func(stackName string) string

	verifyBudget time.Duration
	sleep        func(time.Duration)
}

// Options configures an orchestrator.
type Options struct {
	ControlPlaneStack string
	ProxyStacks       []string
	Fallback          Fallback
	DataDirFor        func(stackName string) string
}

// NewOrchestrator creates a lifecycle orchestrator.
func NewOrchestrator(reg Registry, opts Options, logger zerolog.Logger) *Orchestrator {
	proxies := make(map[string]bool, len(opts.ProxyStacks))
	for _, name := range opts.ProxyStacks {
		proxies[name] = true
	}
	return &Orchestrator{
		reg:          reg,
		logger:       logger.With().Str("component", "lifecycle").Logger(),
		controlPlane: opts.ControlPlaneStack,
		proxyStacks:  proxies,
		fallback:     opts.Fallback,
		dataDirFor:   opts.DataDirFor,
		verifyBudget: defaultVerifyBudget,
		sleep:        time.Sleep,
	}
}

// StopForBackup stops every running stack except the control plane and
// returns the stacks it stopped, in the order they were stopped, so the
// caller can restart exactly that set afterwards. Proxy stacks are stopped
// only after their containers confirm as genuinely running; a proxy the
// registry reports running but whose containers are already down is skipped.
// Per-stack failures are warnings, not aborts.
func (o *Orchestrator) StopForBackup(ctx context.Context) ([]registry.Stack, *Report, error) {
	stacks, err := o.reg.ListStacks(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list stacks: %w", err)
	}

	report := &Report{}
	var stopped []registry.Stack
	for _, s := range stacks {
		if s.Name == o.controlPlane {
			report.Skipped = append(report.Skipped, s.Name)
			continue
		}
		if s.Status != registry.StatusRunning {
			report.Skipped = append(report.Skipped, s.Name)
			continue
		}
		if o.proxyStacks[s.Name] && !o.containersRunning(ctx, s.Name) {
			o.logger.Warn().Str("stack", s.Name).Msg("proxy stack reported running but has no running containers, not stopping")
			report.warnf("proxy stack %s reported running without running containers", s.Name)
			report.Skipped = append(report.Skipped, s.Name)
			continue
		}

		if err := o.stopStack(ctx, s); err != nil {
			o.logger.Warn().Err(err).Str("stack", s.Name).Msg("failed to stop stack, continuing")
			report.warnf("stop %s: %v", s.Name, err)
			continue
		}
		stopped = append(stopped, s)
		report.Stopped = append(report.Stopped, s.Name)
	}

	o.logger.Info().
		Int("stopped", len(stopped)).
		Int("skipped", len(report.Skipped)).
		Msg("stack shutdown pass complete")
	return stopped, report, nil
}

// StartStacks starts the given stacks, proxy-class stacks first with a settle
// window before the rest, and verifies each comes up within the poll budget.
// Verification failures are warnings; unrelated stacks still start.
func (o *Orchestrator) StartStacks(ctx context.Context, stacks []registry.Stack) *Report {
	report := &Report{}

	var proxies, rest []registry.Stack
	for _, s := range stacks {
		if o.proxyStacks[s.Name] {
			proxies = append(proxies, s)
		} else {
			rest = append(rest, s)
		}
	}

	for _, s := range proxies {
		o.startOne(ctx, s, report)
	}
	if len(proxies) > 0 && len(rest) > 0 {
		o.sleep(proxySettle)
	}
	for _, s := range rest {
		o.startOne(ctx, s, report)
	}

	for _, name := range report.Started {
		if err := o.VerifyRunning(ctx, name); err != nil {
			o.logger.Warn().Err(err).Str("stack", name).Msg("stack did not verify running within budget")
			report.warnf("verify %s: %v", name, err)
		}
	}
	return report
}

func (o *Orchestrator) startOne(ctx context.Context, s registry.Stack, report *Report) {
	if s.Name == o.controlPlane {
		report.Skipped = append(report.Skipped, s.Name)
		return
	}
	if err := o.reg.StartStack(ctx, s.ID); err != nil {
		if o.tryFallback(ctx, s.Name, true) {
			report.Started = append(report.Started, s.Name)
			return
		}
		o.logger.Warn().Err(err).Str("stack", s.Name).Msg("failed to start stack, continuing")
		report.warnf("start %s: %v", s.Name, err)
		return
	}
	report.Started = append(report.Started, s.Name)
}

func (o *Orchestrator) stopStack(ctx context.Context, s registry.Stack) error {
	if err := o.reg.StopStack(ctx, s.ID); err != nil {
		if o.tryFallback(ctx, s.Name, false) {
			return nil
		}
		return err
	}
	return nil
}

// tryFallback drives the stack through the container runtime directly.
func (o *Orchestrator) tryFallback(ctx context.Context, stackName string, up bool) bool {
	if o.fallback == nil || o.dataDirFor == nil {
		return false
	}
	dir := o.dataDirFor(stackName)
	var err error
	if up {
		err = o.fallback.ComposeUp(ctx, dir)
	} else {
		err = o.fallback.ComposeDown(ctx, dir)
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("stack", stackName).Msg("runtime fallback failed")
		return false
	}
	o.logger.Info().Str("stack", stackName).Bool("up", up).Msg("stack driven via runtime fallback")
	return true
}

// VerifyRunning polls the container-label query until the stack shows at
// least one running container or the budget is spent.
func (o *Orchestrator) VerifyRunning(ctx context.Context, stackName string) error {
	result, err := poll.Wait(ctx, o.verifyBudget, func(ctx context.Context) (bool, error) {
		return o.containersRunning(ctx, stackName), nil
	})
	if result != poll.Converged {
		if err != nil {
			return fmt.Errorf("stack %s: %w", stackName, err)
		}
		return fmt.Errorf("stack %s has no running containers after %s", stackName, o.verifyBudget)
	}
	return nil
}

func (o *Orchestrator) containersRunning(ctx context.Context, stackName string) bool {
	containers, err := o.reg.ListContainersForStack(ctx, stackName)
	if err != nil {
		o.logger.Debug().Err(err).Str("stack", stackName).Msg("container query failed")
		return false
	}
	for _, c := range containers {
		if c.Running() {
			return true
		}
	}
	return false
}
