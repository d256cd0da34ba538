package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesStepsInOrder(t *testing.T) {
	var order []string
	p := New("backup", zerolog.Nop()).
		Add("first", Fatal, func(ctx context.Context) error {
			order = append(order, "first")
			return nil
		}).
		Add("second", Continue, func(ctx context.Context) error {
			order = append(order, "second")
			return nil
		})

	result := p.Run(context.Background())
	assert.False(t, result.Failed())
	assert.Equal(t, []string{"first", "second"}, order)
	assert.NotEmpty(t, result.RunID)
	assert.Len(t, result.Steps, 2)
}

func TestFatalStepAbortsRun(t *testing.T) {
	ran := false
	p := New("restore", zerolog.Nop()).
		Add("explode", Fatal, func(ctx context.Context) error {
			return errors.New("boom")
		}).
		Add("never", Fatal, func(ctx context.Context) error {
			ran = true
			return nil
		})

	result := p.Run(context.Background())
	require.True(t, result.Failed())
	assert.Equal(t, "explode", result.FailedStep)
	assert.False(t, ran, "steps after a fatal failure must not run")
	assert.ErrorContains(t, result.Err, "restore: explode")
}

func TestContinueStepDegradesToWarning(t *testing.T) {
	reached := false
	p := New("backup", zerolog.Nop()).
		Add("flaky", Continue, func(ctx context.Context) error {
			return errors.New("stack web refused to stop")
		}).
		Add("after", Fatal, func(ctx context.Context) error {
			reached = true
			return nil
		})

	result := p.Run(context.Background())
	assert.False(t, result.Failed())
	assert.True(t, reached)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "flaky")
}

func TestRunIDsAreUnique(t *testing.T) {
	p := New("backup", zerolog.Nop())
	a := p.Run(context.Background())
	b := p.Run(context.Background())
	assert.NotEqual(t, a.RunID, b.RunID)
}
