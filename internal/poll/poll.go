// Package poll provides bounded convergence waiting for state that settles
// asynchronously, such as containers transitioning between run states.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Result is the typed outcome of a convergence wait.
type Result int

const (
	// Converged means the probe reported the desired state within budget.
	Converged Result = iota
	// TimedOut means the wall-clock budget elapsed first.
	TimedOut
)

// Probe reports whether the observed state matches the desired state.
// A non-nil error is treated as "not yet converged" and retried.
type Probe func(ctx context.Context) (bool, error)

var errNotConverged = errors.New("not converged")

// Wait polls the probe with exponential backoff until it converges, the
// wall-clock budget elapses, or the context is cancelled. The last probe
// error, if any, is returned alongside TimedOut.
func Wait(ctx context.Context, budget time.Duration, probe Probe) (Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = budget

	var lastErr error
	op := func() error {
		ok, err := probe(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errNotConverged
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return TimedOut, ctx.Err()
		}
		if lastErr != nil {
			return TimedOut, lastErr
		}
		return TimedOut, nil
	}
	return Converged, nil
}
