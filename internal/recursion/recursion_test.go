package recursion_test

import (
	"testing"

	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthLimitTriggersEnteringNthLevel(t *testing.T) {
	root := recursion.Root(recipe.RecursionConfig{MaxDepth: 2}, "a")
	b, err := root.Child("b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Depth())

	_, err = b.Child("a", nil)
	require.Error(t, err)
	var rerr *recipe.RecursionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"a", "b", "a"}, rerr.Stack)
}

func TestCumulativeStepsSharedAcrossBranches(t *testing.T) {
	root := recursion.Root(recipe.RecursionConfig{MaxDepth: 5, MaxTotalSteps: 3}, "a")
	b, err := root.Child("b", nil)
	require.NoError(t, err)

	require.NoError(t, root.IncrementSteps(2))
	err = b.IncrementSteps(1)
	require.NoError(t, err)

	err = b.IncrementSteps(1)
	require.Error(t, err)
	assert.Equal(t, int64(4), root.TotalSteps())
}

func TestChildOverrideDoesNotAffectSharedCounter(t *testing.T) {
	root := recursion.Root(recipe.RecursionConfig{MaxDepth: 5, MaxTotalSteps: 10}, "a")
	override := recipe.RecursionConfig{MaxDepth: 1, MaxTotalSteps: 1}
	b, err := root.Child("b", &override)
	require.NoError(t, err)

	require.NoError(t, b.IncrementSteps(1))
	err = b.IncrementSteps(1)
	require.Error(t, err, "child override caps cumulative at 1 for this branch's view")
	assert.Equal(t, int64(2), root.TotalSteps(), "both child increments land on the counter shared with the root")
}
