// Package pipeline runs an operation as an explicit ordered list of named
// steps, with per-step error classification. Fatal steps abort the run;
// continue-on-error steps degrade it to warnings.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrorClass decides what a step failure does to the run.
type ErrorClass int

const (
	// Fatal aborts the run on failure.
	Fatal ErrorClass = iota
	// Continue records the failure as a warning and moves on.
	Continue
)

// Step is one named unit of an operation.
type Step struct {
	Name  string
	Class ErrorClass
	Run   func(ctx context.Context) error
}

// StepResult records one executed step.
type StepResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Result is the outcome of a pipeline run.
type Result struct {
	RunID    string
	Steps    []StepResult
	Warnings []string

	// FailedStep is set when a fatal step aborted the run.
	FailedStep string
	Err        error
}

// Failed reports whether the run was aborted by a fatal step.
func (r *Result) Failed() bool { return r.Err != nil }

// Pipeline executes steps in order.
type Pipeline struct {
	name   string
	logger zerolog.Logger
	steps  []Step
}

// New creates a pipeline for the named operation.
func New(name string, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		name:   name,
		logger: logger.With().Str("component", "pipeline").Str("operation", name).Logger(),
	}
}

// Add appends a step.
func (p *Pipeline) Add(name string, class ErrorClass, run func(ctx context.Context) error) *Pipeline {
	p.steps = append(p.steps, Step{Name: name, Class: class, Run: run})
	return p
}

// Run executes the steps in order. A fatal step failure stops execution
// immediately; later steps do not run.
func (p *Pipeline) Run(ctx context.Context) *Result {
	result := &Result{RunID: uuid.NewString()}
	log := p.logger.With().Str("run_id", result.RunID).Logger()
	log.Info().Int("steps", len(p.steps)).Msg("operation started")

	start := time.Now()
	for _, step := range p.steps {
		stepStart := time.Now()
		err := step.Run(ctx)
		sr := StepResult{Name: step.Name, Err: err, Duration: time.Since(stepStart)}
		result.Steps = append(result.Steps, sr)

		if err == nil {
			log.Debug().Str("step", step.Name).Dur("took", sr.Duration).Msg("step complete")
			continue
		}

		if step.Class == Fatal {
			log.Error().Err(err).Str("step", step.Name).Msg("fatal step failed, aborting operation")
			result.FailedStep = step.Name
			result.Err = fmt.Errorf("%s: %s: %w", p.name, step.Name, err)
			return result
		}
		log.Warn().Err(err).Str("step", step.Name).Msg("step failed, continuing")
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", step.Name, err))
	}

	log.Info().
		Dur("took", time.Since(start)).
		Int("warnings", len(result.Warnings)).
		Msg("operation complete")
	return result
}
