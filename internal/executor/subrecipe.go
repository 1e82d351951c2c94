package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/recipeforge/recipeforge/internal/dispatch"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runSubRecipe executes an already-loaded sub-recipe's steps in-memory to
// completion and returns its final context. It is the dispatch.SubRecipeRunner
// the recipe-kind step dispatch calls; per §3 a sub-recipe shares the
// parent's session (no new session file), so there is no checkpointing
// here — only the top-level flat/staged loop that invoked the step
// eventually checkpointing persists the sub-recipe's result.
//
// A staged sub-recipe's stage boundaries are honored for grouping and
// metadata (the injected step.stage key), but a stage's approval gate is
// not: pausing mid-sub-recipe for a human decision isn't representable by
// the single flat current_stage_index/current_step_in_stage pair the
// Session Store's State carries, so a sub-recipe that declares one fails
// fast instead of silently skipping it. Recorded as a design decision in
// DESIGN.md.
func runSubRecipe(ctx context.Context, d *dispatch.Dispatcher, r *recipe.Recipe, rc dispatch.RunContext, subCtx recipe.Context) (recipe.Context, error) {
	data := subCtx
	if data == nil {
		data = recipe.Context{}
	}

	pseudo := &session.State{
		SessionID:     rc.SessionID,
		ProjectPath:   rc.ProjectPath,
		RecipeName:    r.Name,
		RecipeVersion: r.Version,
		Started:       time.Now().UTC(),
	}

	if r.IsStaged() {
		for _, stage := range r.Stages {
			if stage.Approval != nil && stage.Approval.Required {
				return data, fmt.Errorf("sub-recipe %q: stage %q declares an approval gate, which is not supported inside a sub-recipe", r.Name, stage.Name)
			}
			if err := runStepsInMemory(ctx, d, rc, r, pseudo, stage.Steps, data, stage.Name); err != nil {
				return data, err
			}
		}
		return data, nil
	}

	if err := runStepsInMemory(ctx, d, rc, r, pseudo, r.Steps, data, ""); err != nil {
		return data, err
	}
	return data, nil
}

// runStepsInMemory dispatches steps in order against a shared context with
// no checkpointing. Every error, including the SkipRemaining and
// CancellationRequested signals, propagates unchanged to the caller, so a
// skip_remaining inside a sub-recipe also ends the parent's step loop.
func runStepsInMemory(ctx context.Context, d *dispatch.Dispatcher, rc dispatch.RunContext, r *recipe.Recipe, st *session.State, steps []recipe.Step, data recipe.Context, stageName string) error {
	for i := range steps {
		step := &steps[i]
		injectMetadata(data, r, st, step.ID, i, stageName)
		spanCtx, span := startStepSpan(ctx, r.Name, step, stageName)
		_, err := d.RunStep(spanCtx, rc, step, data)
		endStepSpan(span, err)
		if err != nil {
			return err
		}
	}
	return nil
}
