// Package reconcile drives the live stack set to exactly match a snapshot
// record. Restore is set-equality, not union: stacks that exist live but are
// absent from the snapshot are removed, stacks in the snapshot are updated in
// place or recreated, and each stack's run state ends up exactly as recorded.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackhold/stackhold/internal/poll"
	"github.com/stackhold/stackhold/internal/registry"
	"github.com/stackhold/stackhold/internal/snapshot"
)

// Registry is the registry surface reconciliation needs.
type Registry interface {
	ListStacks(ctx context.Context) ([]registry.Stack, error)
	CreateStack(ctx context.Context, name, composeContent string, env []registry.EnvVar) (int, error)
	UpdateStack(ctx context.Context, stackID int, composeContent string, env []registry.EnvVar) error
	DeleteStack(ctx context.Context, stackID int) error
	StartStack(ctx context.Context, stackID int) error
	StopStack(ctx context.Context, stackID int) error
	ListContainersForStack(ctx context.Context, stackName string) ([]registry.Container, error)
}

// defaultVerifyBudget bounds the per-stack post-reconcile verification.
const defaultVerifyBudget = 60 * time.Second

// Report summarizes one reconciliation pass.
type Report struct {
	Removed   []string
	Created   []string
	Updated   []string
	Unchanged []string

	// ManualIntervention lists stacks that could not be recreated because
	// their compose content was never captured. Their data directories are
	// kept on disk untouched.
	ManualIntervention []string

	Warnings []string
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Reconciler mutates the live stack set toward a snapshot record.
type Reconciler struct {
	reg    Registry
	logger zerolog.Logger

	// controlPlane is never removed or recreated, whatever the snapshot says.
	controlPlane string

	// dataDirFor resolves a stack's on-disk data directory. May be nil,
	// in which case no directories are removed.
	dataDirFor func(stackName string) string

	verifyBudget time.Duration
	removeAll    func(path string) error
}

// New creates a reconciler.
func New(reg Registry, controlPlane string, dataDirFor func(string) string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		reg:          reg,
		logger:       logger.With().Str("component", "reconcile").Logger(),
		controlPlane: controlPlane,
		dataDirFor:   dataDirFor,
		verifyBudget: defaultVerifyBudget,
		removeAll:    os.RemoveAll,
	}
}

// Apply drives the live stack set to match the snapshot record. Per-stack
// failures are warnings; one broken stack must not block the rest.
func (r *Reconciler) Apply(ctx context.Context, rec *snapshot.Record) (*Report, error) {
	live, err := r.reg.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live stacks: %w", err)
	}

	report := &Report{}
	liveByName := make(map[string]registry.Stack, len(live))
	for _, s := range live {
		liveByName[s.Name] = s
	}
	wanted := rec.Names()

	// Phase 1: remove live stacks absent from the snapshot.
	for _, s := range live {
		if wanted[s.Name] || s.Name == r.controlPlane {
			continue
		}
		r.removeStack(ctx, s, report)
	}

	// Phase 2: update or recreate every snapshot stack.
	for _, want := range rec.Stacks {
		if want.Name == r.controlPlane {
			report.Unchanged = append(report.Unchanged, want.Name)
			continue
		}
		if existing, ok := liveByName[want.Name]; ok {
			r.updateStack(ctx, existing, want, report)
		} else {
			r.createStack(ctx, want, report)
		}
	}

	// Phase 3: verify everything recorded running actually runs. Stacks
	// waiting on manual intervention have nothing to verify.
	manual := make(map[string]bool, len(report.ManualIntervention))
	for _, name := range report.ManualIntervention {
		manual[name] = true
	}
	for _, want := range rec.Stacks {
		if want.Status != registry.StatusRunning || want.Name == r.controlPlane || manual[want.Name] {
			continue
		}
		if err := r.verifyRunning(ctx, want.Name); err != nil {
			r.logger.Warn().Err(err).Str("stack", want.Name).Msg("stack did not come up after reconciliation")
			report.warnf("verify %s: %v", want.Name, err)
		}
	}

	r.logger.Info().
		Int("removed", len(report.Removed)).
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("manual", len(report.ManualIntervention)).
		Msg("reconciliation complete")
	return report, nil
}

func (r *Reconciler) removeStack(ctx context.Context, s registry.Stack, report *Report) {
	if s.Status == registry.StatusRunning {
		if err := r.reg.StopStack(ctx, s.ID); err != nil {
			r.logger.Warn().Err(err).Str("stack", s.Name).Msg("failed to stop stack before removal")
		}
	}
	if err := r.reg.DeleteStack(ctx, s.ID); err != nil {
		r.logger.Warn().Err(err).Str("stack", s.Name).Msg("failed to delete stack, continuing")
		report.warnf("remove %s: %v", s.Name, err)
		return
	}
	if r.dataDirFor != nil {
		dir := r.dataDirFor(s.Name)
		if err := r.removeAll(dir); err != nil {
			r.logger.Warn().Err(err).Str("stack", s.Name).Str("dir", dir).Msg("failed to remove stack data directory")
			report.warnf("remove data dir for %s: %v", s.Name, err)
		}
	}
	report.Removed = append(report.Removed, s.Name)
}

func (r *Reconciler) updateStack(ctx context.Context, live registry.Stack, want snapshot.StackRecord, report *Report) {
	if want.Recreatable() {
		if err := r.reg.UpdateStack(ctx, live.ID, want.ComposeContent, want.Env); err != nil {
			r.logger.Warn().Err(err).Str("stack", want.Name).Msg("failed to update stack, continuing")
			report.warnf("update %s: %v", want.Name, err)
			return
		}
		report.Updated = append(report.Updated, want.Name)
	} else {
		// No captured compose content; the live definition stays as is.
		report.Unchanged = append(report.Unchanged, want.Name)
	}
	r.applyStatus(ctx, live.ID, live.Status, want, report)
}

func (r *Reconciler) createStack(ctx context.Context, want snapshot.StackRecord, report *Report) {
	if !want.Recreatable() {
		// Recreation is impossible without compose content. The data
		// directory is deliberately kept for the operator to act on.
		r.logger.Warn().
			Str("stack", want.Name).
			Str("capture_error", want.CaptureError).
			Msg("stack cannot be recreated; data directory kept for manual intervention")
		report.ManualIntervention = append(report.ManualIntervention, want.Name)
		return
	}

	id, err := r.reg.CreateStack(ctx, want.Name, want.ComposeContent, want.Env)
	if err != nil {
		r.logger.Warn().Err(err).Str("stack", want.Name).Msg("failed to recreate stack, continuing")
		report.warnf("create %s: %v", want.Name, err)
		return
	}
	report.Created = append(report.Created, want.Name)

	// Creation deploys the stack running; stop it if recorded stopped.
	r.applyStatus(ctx, id, registry.StatusRunning, want, report)
}

// applyStatus drives a stack's run state to exactly what the snapshot
// recorded. A stack recorded stopped stays stopped; restore never promotes.
func (r *Reconciler) applyStatus(ctx context.Context, stackID int, current registry.StackStatus, want snapshot.StackRecord, report *Report) {
	switch {
	case want.Status == registry.StatusRunning && current != registry.StatusRunning:
		if err := r.reg.StartStack(ctx, stackID); err != nil {
			r.logger.Warn().Err(err).Str("stack", want.Name).Msg("failed to start stack, continuing")
			report.warnf("start %s: %v", want.Name, err)
		}
	case want.Status == registry.StatusStopped && current != registry.StatusStopped:
		if err := r.reg.StopStack(ctx, stackID); err != nil {
			r.logger.Warn().Err(err).Str("stack", want.Name).Msg("failed to stop stack, continuing")
			report.warnf("stop %s: %v", want.Name, err)
		}
	}
}

func (r *Reconciler) verifyRunning(ctx context.Context, stackName string) error {
	result, err := poll.Wait(ctx, r.verifyBudget, func(ctx context.Context) (bool, error) {
		containers, err := r.reg.ListContainersForStack(ctx, stackName)
		if err != nil {
			return false, err
		}
		for _, c := range containers {
			if c.Running() {
				return true, nil
			}
		}
		return false, nil
	})
	if result != poll.Converged {
		if err != nil {
			return err
		}
		return fmt.Errorf("no running containers after %s", r.verifyBudget)
	}
	return nil
}
