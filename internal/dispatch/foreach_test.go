package dispatch_test

import (
	"context"
	"testing"

	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A foreach over a bash step with output_exit_code set records the exit
// code of each successful iteration, ending with the last successful
// iteration's code (as a string) left in the context — the same "last
// value wins" rule already applied to a plain foreach output.
func TestForeachSequentialBashOutputExitCode(t *testing.T) {
	dir := t.TempDir()

	step := &recipe.Step{
		ID:   "perItem",
		Kind: recipe.StepBash,
		Foreach: &recipe.ForeachConfig{
			Expr: "items",
		},
		Command:        "exit {{item}}",
		Output:         "last",
		OutputExitCode: "last_exit",
	}

	d := newDispatcher()
	data := recipe.Context{"items": []interface{}{0, 0, 3}}
	// exit codes above 0 make the bash dispatch fail (non-zero exit), so
	// use on_error=continue to let the loop keep going item to item while
	// still recording the exit code of each assigned (successful) attempt.
	step.OnError = recipe.OnErrorContinue

	out, err := d.RunStep(context.Background(), newRunContext(dir), step, data)
	require.NoError(t, err)

	// Only the two zero-exit iterations are "assigned"; the third fails
	// its single dispatch attempt (bash steps are never retried) and is
	// swallowed by on_error=continue, contributing nothing to the
	// collected results.
	assert.Equal(t, "0", out["last_exit"])
}

// A foreach whose items list exceeds the configured max_iterations fails
// the step instead of running any iteration (§4.7, "Over-bound ⇒ fail the
// step").
func TestForeachOverBoundFailsStep(t *testing.T) {
	dir := t.TempDir()
	items := make([]interface{}, 5)
	for i := range items {
		items[i] = i
	}

	step := &recipe.Step{
		ID:   "tooMany",
		Kind: recipe.StepBash,
		Foreach: &recipe.ForeachConfig{
			Expr:          "items",
			MaxIterations: 3,
		},
		Command: "true",
	}

	d := newDispatcher()
	data := recipe.Context{"items": items}
	_, err := d.RunStep(context.Background(), newRunContext(dir), step, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

// The default max_iterations ceiling (100) applies when a step doesn't
// configure one explicitly.
func TestForeachDefaultMaxIterations(t *testing.T) {
	dir := t.TempDir()
	items := make([]interface{}, recipe.DefaultMaxIterations+1)
	for i := range items {
		items[i] = i
	}

	step := &recipe.Step{
		ID:      "tooManyDefault",
		Kind:    recipe.StepBash,
		Foreach: &recipe.ForeachConfig{Expr: "items"},
		Command: "true",
	}

	d := newDispatcher()
	data := recipe.Context{"items": items}
	_, err := d.RunStep(context.Background(), newRunContext(dir), step, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}
