package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/recipeforge/recipeforge/internal/template"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runRecipeStep resolves the sub-recipe's path (an @-mention via the
// coordinator's resolver, or a path relative to the parent recipe file),
// loads and validates it, builds an isolated child context from the step's
// declared sub-context map (resolved against the *parent* context, per the
// spec's context-isolation rule), enters a child recursion scope, and runs
// the sub-recipe to completion through the executor-supplied RunRecipe
// callback. The sub-recipe's final context becomes this step's result.
func (d *Dispatcher) runRecipeStep(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (interface{}, int, error) {
	if d.RunRecipe == nil {
		return nil, 0, fmt.Errorf("step %q: no sub-recipe runner configured", step.ID)
	}

	mention, err := template.Substitute(data, step.RecipePath)
	if err != nil {
		return nil, 0, err
	}

	path, err := d.resolveRecipePath(rc, mention)
	if err != nil {
		return nil, 0, fmt.Errorf("step %q: %w", step.ID, err)
	}

	child, err := recipe.Load(path)
	if err != nil {
		return nil, 0, fmt.Errorf("step %q: load sub-recipe: %w", step.ID, err)
	}

	tracker, err := rc.Tracker.Child(child.Name, recursionOverride(step))
	if err != nil {
		return nil, 0, err
	}

	rawSubCtx, err := template.SubstituteValue(data, map[string]interface{}(step.SubContext))
	if err != nil {
		return nil, 0, err
	}
	subCtx := recipe.Context{}
	if m, ok := rawSubCtx.(map[string]interface{}); ok {
		for k, v := range m {
			subCtx[k] = v
		}
	}

	childRC := RunContext{
		SessionID:   rc.SessionID,
		ProjectPath: rc.ProjectPath,
		RecipePath:  path,
		Tracker:     tracker,
	}

	result, err := d.RunRecipe(ctx, child, childRC, subCtx)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}(result), 0, nil
}

// resolveRecipePath implements the spec's two resolution strategies:
// @namespace:path mentions go through the coordinator's resolver; anything
// else resolves relative to the parent recipe file's directory, or the
// project path when the parent recipe path isn't known (a root-level
// invocation with no file on disk, e.g. a recipe parsed from a string).
func (d *Dispatcher) resolveRecipePath(rc RunContext, mention string) (string, error) {
	if strings.HasPrefix(mention, "@") {
		if d.Resolver == nil {
			return "", fmt.Errorf("mention %q requires a mention resolver", mention)
		}
		return d.Resolver.Resolve(rc.RecipePath, mention)
	}
	if filepath.IsAbs(mention) {
		return mention, nil
	}
	if rc.RecipePath == "" {
		return filepath.Join(rc.ProjectPath, mention), nil
	}
	return filepath.Join(filepath.Dir(rc.RecipePath), mention), nil
}

// recursionOverride builds the per-step recursion override a recipe-kind
// step may declare; nil when the step leaves both limits at their parent
// value.
func recursionOverride(step *recipe.Step) *recipe.RecursionConfig {
	if step.MaxDepth == 0 && step.MaxTotalSteps == 0 {
		return nil
	}
	return &recipe.RecursionConfig{MaxDepth: step.MaxDepth, MaxTotalSteps: step.MaxTotalSteps}
}
