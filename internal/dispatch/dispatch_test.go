package dispatch_test

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/recipeforge/recipeforge/internal/dispatch"
	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(nil, contracts.CommunityMentionResolver{}, nil, nil, nil)
}

func newRunContext(projectPath string) dispatch.RunContext {
	return dispatch.RunContext{
		SessionID:   "test-session",
		ProjectPath: projectPath,
		Tracker:     recursion.Root(recipe.RecursionConfig{}, "root"),
	}
}

// countLines reports the number of newline-terminated lines in path,
// used as a cheap "how many times did the command actually run" counter.
func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}

// A bash step whose command always fails must be dispatched exactly once
// even with retry.max_attempts > 1 — §4.6 wraps retry around agent steps
// only.
func TestRetryNotAppliedToBashSteps(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "calls.txt")

	step := &recipe.Step{
		ID:      "fails",
		Kind:    recipe.StepBash,
		Command: "echo x >> " + marker + "; exit 1",
		Retry:   recipe.RetryPolicy{MaxAttempts: 3, InitialDelay: 0.01, MaxDelay: 1, Backoff: recipe.BackoffExponential},
		OnError: recipe.OnErrorContinue,
	}

	d := newDispatcher()
	data := recipe.Context{}
	_, err := d.RunStep(context.Background(), newRunContext(dir), step, data)
	require.NoError(t, err) // on_error=continue swallows the failure

	assert.Equal(t, 1, countLines(t, marker), "bash step must dispatch exactly once despite retry.max_attempts=3")
}

// A recipe-kind step whose sub-recipe always fails must also be dispatched
// exactly once, never re-run through retry, even with a retry block set.
func TestRetryNotAppliedToRecipeSteps(t *testing.T) {
	dir := t.TempDir()
	var calls int32

	step := &recipe.Step{
		ID:         "sub",
		Kind:       recipe.StepRecipe,
		RecipePath: "child.yaml",
		Retry:      recipe.RetryPolicy{MaxAttempts: 3, InitialDelay: 0.01, MaxDelay: 1, Backoff: recipe.BackoffExponential},
		OnError:    recipe.OnErrorContinue,
	}

	d := newDispatcher()
	d.RunRecipe = func(ctx context.Context, r *recipe.Recipe, rc dispatch.RunContext, subCtx recipe.Context) (recipe.Context, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("sub-recipe boom")
	}

	// runRecipeStep loads the sub-recipe from disk before invoking
	// RunRecipe, so a real (if trivial) file must exist to resolve.
	childPath := filepath.Join(dir, "child.yaml")
	require.NoError(t, os.WriteFile(childPath, []byte("name: child\nversion: 1.0.0\nsteps:\n  - id: noop\n    kind: bash\n    command: \"true\"\n"), 0o644))

	data := recipe.Context{}
	rc := newRunContext(dir)
	_, err := d.RunStep(context.Background(), rc, step, data)
	require.NoError(t, err) // on_error=continue swallows the failure

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "recipe step must dispatch exactly once despite retry.max_attempts=3")
}

// A bash step with output_exit_code set stores the exit code as a decimal
// string, not a raw int (§4.6).
func TestBashOutputExitCodeIsString(t *testing.T) {
	dir := t.TempDir()
	step := &recipe.Step{
		ID:             "exit7",
		Kind:           recipe.StepBash,
		Command:        "exit 0",
		Output:         "result",
		OutputExitCode: "exit_code",
	}

	d := newDispatcher()
	data := recipe.Context{}
	out, err := d.RunStep(context.Background(), newRunContext(dir), step, data)
	require.NoError(t, err)

	v, ok := out["exit_code"].(string)
	require.True(t, ok, "exit_code must be a string, got %T", out["exit_code"])
	assert.Equal(t, "0", v)
	_, convErr := strconv.Atoi(v)
	assert.NoError(t, convErr)
}
