package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runWithRetry dispatches a step and, per §4.6, wraps the retry loop
// around agent-kind steps only — bash and recipe kinds dispatch exactly
// once and apply on_error directly against that single attempt's error,
// matching the Python original's executor.py where only the agent branch
// calls execute_step_with_retry.
//
// The returned assign flag tells the caller whether to write the value
// into the step's output variable: true on outright success, false when
// on_error=continue swallowed a final failure (nothing to assign).
func (d *Dispatcher) runWithRetry(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (value interface{}, exitCode int, assign bool, err error) {
	if step.Kind != recipe.StepAgent {
		return d.dispatchSingle(ctx, rc, step, data)
	}

	attempts := step.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := step.Retry.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.checkCancellation(ctx, rc, step.ID); err != nil {
			return nil, 0, false, err
		}

		v, code, callErr := d.dispatchOnce(ctx, rc, step, data)
		if callErr == nil {
			if step.Kind == recipe.StepAgent && !rc.StepsPreReserved {
				if trackErr := rc.Tracker.IncrementSteps(1); trackErr != nil {
					return nil, 0, false, trackErr
				}
			}
			return v, code, true, nil
		}

		var cancelled *recipe.CancellationRequested
		var skip *recipe.SkipRemaining
		if errors.As(callErr, &cancelled) || errors.As(callErr, &skip) {
			return nil, 0, false, callErr
		}

		lastErr = callErr
		if attempt == attempts {
			break
		}

		d.notify(
			"step "+step.ID+" failed, retrying: "+callErr.Error(),
			contracts.DisplayWarn, step.ID,
		)

		wait := time.Duration(delay * float64(time.Second))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, 0, false, ctx.Err()
		}
		delay = nextDelay(delay, step.Retry.MaxDelay, step.Retry.Backoff, attempt)
	}

	return d.applyOnError(step, lastErr)
}

// dispatchSingle runs a bash or recipe step exactly once, with no retry,
// applying on_error directly against that attempt's failure. A
// CancellationRequested, SkipRemaining or RecursionError raised by the
// underlying dispatch (e.g. propagated out of a sub-recipe) is never
// reinterpreted by on_error — it passes straight through.
func (d *Dispatcher) dispatchSingle(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (interface{}, int, bool, error) {
	if err := d.checkCancellation(ctx, rc, step.ID); err != nil {
		return nil, 0, false, err
	}

	v, code, callErr := d.dispatchOnce(ctx, rc, step, data)
	if callErr == nil {
		return v, code, true, nil
	}

	var cancelled *recipe.CancellationRequested
	var skip *recipe.SkipRemaining
	var recErr *recipe.RecursionError
	if errors.As(callErr, &cancelled) || errors.As(callErr, &skip) || errors.As(callErr, &recErr) {
		return nil, 0, false, callErr
	}

	return d.applyOnError(step, callErr)
}

// nextDelay computes the next retry delay for agent-step retries.
// Exponential doubles each attempt; linear holds the delay constant,
// matching the Python original's comment that linear backoff "keeps same
// delay" between attempts.
func nextDelay(current, max float64, kind recipe.BackoffKind, attempt int) float64 {
	var next float64
	switch kind {
	case recipe.BackoffLinear:
		next = current
	default:
		next = current * 2
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

func (d *Dispatcher) applyOnError(step *recipe.Step, cause error) (interface{}, int, bool, error) {
	switch step.OnError {
	case recipe.OnErrorContinue:
		d.notify("step "+step.ID+" failed, continuing: "+cause.Error(), contracts.DisplayWarn, step.ID)
		return nil, 0, false, nil
	case recipe.OnErrorSkipRemaining:
		d.notify("step "+step.ID+" failed, skipping remaining steps: "+cause.Error(), contracts.DisplayWarn, step.ID)
		return nil, 0, false, &recipe.SkipRemaining{StepID: step.ID}
	default:
		return nil, 0, false, &recipe.StepError{StepID: step.ID, Kind: step.Kind, Cause: cause}
	}
}
