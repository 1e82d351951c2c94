// Package dispatch implements the step dispatcher: condition guards, the
// agent/bash/recipe kind switch, retry-with-backoff, and the sequential and
// bounded-parallel foreach loop runner. It is the one place that actually
// runs a step's work; the flat and staged executors only sequence calls
// into it and persist the resulting context.
package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/recipeforge/recipeforge/internal/jsonextract"
	"github.com/recipeforge/recipeforge/internal/ratelimit"
	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/internal/template"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// RunContext is the ambient information a step dispatch needs beyond the
// step itself and the context map it's threading through: which session
// and project this run belongs to (for cancellation polling), the file
// path of the recipe currently executing (so recipe-kind mentions resolve
// relative to it), and the recursion tracker shared across the whole tree.
type RunContext struct {
	SessionID   string
	ProjectPath string
	RecipePath  string
	Tracker     *recursion.Tracker

	// StepsPreReserved is set by a parallel foreach over agent steps, which
	// pre-reserves len(items) agent-step slots in one atomic check-and-add
	// before fanning out. Individual iterations must not additionally
	// increment the cumulative counter on top of that reservation.
	StepsPreReserved bool
}

// SubRecipeRunner executes an already-loaded sub-recipe to completion and
// returns its final context. It is supplied by the executor package (which
// depends on Dispatcher, not the reverse) after construction — a plain
// function value sidesteps the import cycle a direct dependency would
// create between dispatch and executor.
type SubRecipeRunner func(ctx context.Context, r *recipe.Recipe, rc RunContext, subCtx recipe.Context) (recipe.Context, error)

// Dispatcher owns the capability interfaces a step needs to actually run:
// how to spawn an agent, how to resolve a sub-recipe mention, how to read
// the cancellation flag, and where to surface progress messages. A single
// Dispatcher is shared across an entire recipe tree, including sub-recipes.
type Dispatcher struct {
	Spawn     contracts.SpawnFunc
	Resolver  contracts.MentionResolver
	Cancel    contracts.CancellationReader
	Display   contracts.DisplaySystem
	Limiter   *ratelimit.Limiter
	RunRecipe SubRecipeRunner
}

func New(spawn contracts.SpawnFunc, resolver contracts.MentionResolver, cancel contracts.CancellationReader, display contracts.DisplaySystem, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{Spawn: spawn, Resolver: resolver, Cancel: cancel, Display: display, Limiter: limiter}
}

func (d *Dispatcher) notify(message string, level contracts.DisplayLevel, source string) {
	if d.Display != nil {
		d.Display.ShowMessage(message, level, source)
	}
}

// checkCancellation is the poll point every step dispatch and every loop
// iteration boundary calls before doing further work.
func (d *Dispatcher) checkCancellation(ctx context.Context, rc RunContext, atStep string) error {
	if d.Cancel == nil {
		return nil
	}
	immediate, err := d.Cancel.IsImmediate(ctx, rc.SessionID, rc.ProjectPath)
	if err != nil {
		return err
	}
	if immediate {
		return &recipe.CancellationRequested{SessionID: rc.SessionID, Kind: recipe.CancellationImmediate, AtStep: atStep}
	}
	requested, err := d.Cancel.IsRequested(ctx, rc.SessionID, rc.ProjectPath)
	if err != nil {
		return err
	}
	if requested {
		return &recipe.CancellationRequested{SessionID: rc.SessionID, Kind: recipe.CancellationGraceful, AtStep: atStep}
	}
	return nil
}

// RunStep evaluates a step's condition, delegates to the foreach loop
// runner when the step declares one, otherwise dispatches the step once
// (through the retry loop) and assigns its output(s) into data. data is
// mutated in place and also returned for convenience.
func (d *Dispatcher) RunStep(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (recipe.Context, error) {
	if err := d.checkCancellation(ctx, rc, step.ID); err != nil {
		return data, err
	}

	if step.Condition != "" {
		ok, err := template.EvalCondition(data, step.ID, step.Condition)
		if err != nil {
			return data, err
		}
		if !ok {
			recipe.MarkSkipped(data, step.ID)
			return data, nil
		}
	}

	if step.Foreach != nil {
		return d.runForeach(ctx, rc, step, data)
	}

	value, exitCode, assign, err := d.runWithRetry(ctx, rc, step, data)
	if err != nil {
		return data, err
	}
	if assign {
		if step.Output != "" {
			data[step.Output] = value
		}
		if step.Kind == recipe.StepBash && step.OutputExitCode != "" {
			data[step.OutputExitCode] = strconv.Itoa(exitCode)
		}
	}
	return data, nil
}

// dispatchOnce runs the step's underlying work exactly once: no retry, no
// on_error interpretation. Returns the extracted output value and, for
// bash steps, the process exit code.
func (d *Dispatcher) dispatchOnce(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (interface{}, int, error) {
	switch step.Kind {
	case recipe.StepAgent:
		return d.runAgent(ctx, rc, step, data)
	case recipe.StepBash:
		return d.runBash(ctx, rc, step, data)
	case recipe.StepRecipe:
		return d.runRecipeStep(ctx, rc, step, data)
	default:
		return nil, 0, fmt.Errorf("step %q: unknown kind %q", step.ID, step.Kind)
	}
}

func (d *Dispatcher) extract(step *recipe.Step, text string) interface{} {
	return jsonextract.Extract(text, step.ParseJSON, step.Kind == recipe.StepBash)
}
