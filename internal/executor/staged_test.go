package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/recipeforge/recipeforge/internal/executor"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStageApprovalRecipe() *recipe.Recipe {
	r := &recipe.Recipe{
		Name:    "release",
		Version: "1.0.0",
		Stages: []recipe.Stage{
			{
				Name:  "stage1",
				Steps: []recipe.Step{{ID: "s1", Kind: recipe.StepAgent, Agent: "writer", Prompt: "build", Output: "s1"}},
				Approval: &recipe.ApprovalConfig{
					Required: true,
					Prompt:   "ship it?",
					Default:  recipe.ApprovalDefaultDeny,
				},
			},
			{
				Name:  "stage2",
				Steps: []recipe.Step{{ID: "s2", Kind: recipe.StepAgent, Agent: "writer", Prompt: "deploy", Output: "s2"}},
			},
		},
	}
	r.ApplyDefaults()
	return r
}

// Scenario 6: approval gate pauses the run, then a denied decision fails
// the recipe on resume while the already-completed stage is retained.
func TestStagedApprovalDenyFailsOnResume(t *testing.T) {
	dir := t.TempDir()
	spawner := &fakeSpawner{outputs: []string{"built"}}
	eng, _ := newEngine(spawner)
	r := twoStageApprovalRecipe()

	outcome, err := eng.Execute(context.Background(), r, dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, executor.OutcomePaused, outcome.Status)
	assert.Equal(t, "stage1", outcome.StageName)
	assert.Equal(t, []string{"stage1"}, outcome.State.CompletedStages)

	require.NoError(t, eng.Deny(context.Background(), outcome.SessionID, dir, "stage1", "not ready"))

	resumed, err := eng.Resume(context.Background(), r, outcome.SessionID, dir, "")
	require.Error(t, err)
	assert.Nil(t, resumed)

	var denied *recipe.ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "stage1", denied.StageName)

	sessions, err := eng.List(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

// Approving the gate lets the resume continue into the next stage.
func TestStagedApprovalApproveResumesNextStage(t *testing.T) {
	dir := t.TempDir()
	spawner := &fakeSpawner{outputs: []string{"built", "deployed"}}
	eng, _ := newEngine(spawner)
	r := twoStageApprovalRecipe()

	outcome, err := eng.Execute(context.Background(), r, dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, executor.OutcomePaused, outcome.Status)

	require.NoError(t, eng.Approve(context.Background(), outcome.SessionID, dir, "stage1"))

	resumed, err := eng.Resume(context.Background(), r, outcome.SessionID, dir, "")
	require.NoError(t, err)
	require.Equal(t, executor.OutcomeCompleted, resumed.Status)
	assert.Equal(t, []string{"stage1", "stage2"}, resumed.State.CompletedStages)
	assert.Equal(t, "deployed", resumed.State.Context["s2"])
}

// Resuming before any decision has been recorded re-raises the same pause.
func TestStagedApprovalStillPendingReRaisesPause(t *testing.T) {
	dir := t.TempDir()
	spawner := &fakeSpawner{outputs: []string{"built"}}
	eng, _ := newEngine(spawner)
	r := twoStageApprovalRecipe()

	outcome, err := eng.Execute(context.Background(), r, dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, executor.OutcomePaused, outcome.Status)

	resumed, err := eng.Resume(context.Background(), r, outcome.SessionID, dir, "")
	require.NoError(t, err)
	require.Equal(t, executor.OutcomePaused, resumed.Status)
	assert.Equal(t, "stage1", resumed.StageName)
	assert.Equal(t, 1, spawner.callCount(), "stage1's agent step must not be re-dispatched while paused")
}

// Scenario 8: recursion depth limit — a sub-recipe chain two levels deeper
// than max_depth allows fails with a RecursionError, not a dispatch panic.
func TestRecursionDepthLimitExceeded(t *testing.T) {
	dir := t.TempDir()
	spawner := &fakeSpawner{}
	eng, _ := newEngine(spawner)

	sub2Path := filepath.Join(dir, "sub2.yaml")
	require.NoError(t, os.WriteFile(sub2Path, []byte(`
name: sub2
version: 1.0.0
steps:
  - id: noop
    kind: bash
    command: "true"
`), 0o644))

	sub1Path := filepath.Join(dir, "sub1.yaml")
	require.NoError(t, os.WriteFile(sub1Path, []byte(`
name: sub1
version: 1.0.0
steps:
  - id: call_sub2
    kind: recipe
    recipe: sub2.yaml
`), 0o644))

	parentPath := filepath.Join(dir, "parent.yaml")
	require.NoError(t, os.WriteFile(parentPath, []byte("placeholder"), 0o644))

	r := &recipe.Recipe{
		Name:      "parent",
		Version:   "1.0.0",
		Recursion: &recipe.RecursionConfig{MaxDepth: 1, MaxTotalSteps: 1000},
		Steps: []recipe.Step{
			{ID: "call_sub1", Kind: recipe.StepRecipe, RecipePath: "sub1.yaml"},
		},
	}
	r.ApplyDefaults()

	_, err := eng.Execute(context.Background(), r, dir, parentPath, nil)
	require.Error(t, err)

	var recErr *recipe.RecursionError
	assert.True(t, errors.As(err, &recErr), "expected a RecursionError, got %T: %v", err, err)
}
