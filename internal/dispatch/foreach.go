package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/recipeforge/recipeforge/internal/template"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runForeach resolves a step's foreach clause into a list and runs the
// step's underlying work once per item, sequentially or in (bounded)
// parallel per the clause's parallel setting. An empty list is a no-op:
// the step is marked skipped and, if collect is declared, it's populated
// with an empty list so downstream templates referencing it still resolve.
// A list longer than the configured (or default) max_iterations fails the
// step outright rather than running a single iteration of it (§4.7,
// "Over-bound ⇒ fail the step").
func (d *Dispatcher) runForeach(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (recipe.Context, error) {
	raw, err := template.Eval(data, step.Foreach.Expr)
	if err != nil {
		return data, err
	}
	items, ok := raw.([]interface{})
	if !ok {
		return data, fmt.Errorf("step %q: foreach expression %q did not resolve to a list (got %T)", step.ID, step.Foreach.Expr, raw)
	}

	if len(items) == 0 {
		recipe.MarkSkipped(data, step.ID)
		if step.Foreach.Collect != "" {
			data[step.Foreach.Collect] = []interface{}{}
		}
		return data, nil
	}

	if max := step.Foreach.MaxIterationsOrDefault(); len(items) > max {
		return data, fmt.Errorf("step %q: foreach exceeds max_iterations (%d > %d)", step.ID, len(items), max)
	}

	parallel, bound := step.Foreach.ParallelWidth()

	var results []interface{}
	var exitCodes []int
	if parallel {
		results, exitCodes, err = d.runForeachParallel(ctx, rc, step, data, items, bound)
	} else {
		results, exitCodes, err = d.runForeachSequential(ctx, rc, step, data, items)
	}
	if err != nil {
		return data, err
	}

	if step.Foreach.Collect != "" {
		data[step.Foreach.Collect] = results
	} else if step.Output != "" && len(results) > 0 {
		data[step.Output] = results[len(results)-1]
	}

	if step.Kind == recipe.StepBash && step.OutputExitCode != "" && len(exitCodes) > 0 {
		data[step.OutputExitCode] = strconv.Itoa(exitCodes[len(exitCodes)-1])
	}

	return data, nil
}

// runForeachSequential runs each iteration in turn against the same
// underlying context, polling cancellation before every item. The loop
// variable is overlaid on data for the duration of each iteration and
// always removed afterward, on every exit path, so a failed iteration
// never leaks it into the context an on_error=continue step sees next.
// exitCodes mirrors results, recording each assigned iteration's bash
// exit code so output_exit_code can be populated the same way output is.
func (d *Dispatcher) runForeachSequential(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context, items []interface{}) ([]interface{}, []int, error) {
	loopVar := step.Foreach.LoopVar()
	results := make([]interface{}, 0, len(items))
	exitCodes := make([]int, 0, len(items))

	for _, item := range items {
		if err := d.checkCancellation(ctx, rc, step.ID); err != nil {
			return results, exitCodes, err
		}

		data[loopVar] = item
		value, exitCode, assign, err := d.runWithRetry(ctx, rc, step, data)
		delete(data, loopVar)
		if err != nil {
			return results, exitCodes, err
		}
		if assign {
			results = append(results, value)
			exitCodes = append(exitCodes, exitCode)
		}
	}

	return results, exitCodes, nil
}

// runForeachParallel fans the iterations out over a bounded (or, when
// bound is 0, unbounded) pool of goroutines via errgroup, polling
// cancellation once before fan-out; each iteration then polls again
// through runWithRetry's own check before it dispatches. Each iteration
// gets its own shallow
// clone of data so loop-variable overlays never race with one another;
// results (and the parallel exitCodes slice) are written into pre-sized
// slices by index so output order matches item order regardless of
// completion order. Agent-kind steps pre-reserve every iteration's
// recursion-step slot atomically up front so concurrent successes can't
// race past the cumulative ceiling one at a time; each iteration's
// RunContext then carries StepsPreReserved so runWithRetry doesn't double
// count on top of the reservation.
func (d *Dispatcher) runForeachParallel(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context, items []interface{}, bound int) ([]interface{}, []int, error) {
	if err := d.checkCancellation(ctx, rc, step.ID); err != nil {
		return nil, nil, err
	}

	if step.Kind == recipe.StepAgent {
		if err := rc.Tracker.ReserveSteps(int64(len(items))); err != nil {
			return nil, nil, err
		}
	}

	loopVar := step.Foreach.LoopVar()
	results := make([]interface{}, len(items))
	exitCodes := make([]int, len(items))
	assigned := make([]bool, len(items))

	childRC := rc
	childRC.StepsPreReserved = true

	g, gctx := errgroup.WithContext(ctx)
	if bound > 0 {
		g.SetLimit(bound)
	}

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			iterData := data.Clone()
			iterData[loopVar] = item
			value, exitCode, assign, err := d.runWithRetry(gctx, childRC, step, iterData)
			if err != nil {
				return err
			}
			if assign {
				results[i] = value
				exitCodes[i] = exitCode
				assigned[i] = true
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make([]interface{}, 0, len(results))
	outExit := make([]int, 0, len(exitCodes))
	for i, v := range results {
		if assigned[i] {
			out = append(out, v)
			outExit = append(outExit, exitCodes[i])
		}
	}
	return out, outExit, nil
}
