package template_test

import (
	"testing"

	"github.com/recipeforge/recipeforge/internal/template"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteScalar(t *testing.T) {
	ctx := recipe.Context{"item": "x"}
	out, err := template.Substitute(ctx, "do {{item}}")
	require.NoError(t, err)
	assert.Equal(t, "do x", out)
}

func TestSubstituteDottedPath(t *testing.T) {
	ctx := recipe.Context{"user": map[string]interface{}{"name": map[string]interface{}{"first": "Ada"}}}
	out, err := template.Substitute(ctx, "hi {{user.name.first}}")
	require.NoError(t, err)
	assert.Equal(t, "hi Ada", out)
}

func TestSubstituteCanonicalJSONForMap(t *testing.T) {
	ctx := recipe.Context{"obj": map[string]interface{}{"a": float64(1)}}
	out, err := template.Substitute(ctx, "{{obj}}")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, out)
}

func TestSubstituteUndefinedKeyListsSiblings(t *testing.T) {
	ctx := recipe.Context{"known": "v"}
	_, err := template.Substitute(ctx, "{{missing}}")
	require.Error(t, err)
	var terr *recipe.TemplateError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Siblings, "known")
}

func TestSubstituteNonMapParentHintsJSONFailure(t *testing.T) {
	ctx := recipe.Context{"step1": "not json"}
	_, err := template.Substitute(ctx, "{{step1.field}}")
	require.Error(t, err)
	var terr *recipe.TemplateError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "not a map")
}

func TestSubstituteValueRecursesMapsAndLists(t *testing.T) {
	ctx := recipe.Context{"parent_only": "p"}
	in := map[string]interface{}{
		"explicit": "{{parent_only}}",
		"nested":   []interface{}{"{{parent_only}}", 1},
	}
	out, err := template.SubstituteValue(ctx, in)
	require.NoError(t, err)
	m := out.(map[string]interface{})
	assert.Equal(t, "p", m["explicit"])
	assert.Equal(t, "p", m["nested"].([]interface{})[0])
}

func TestEvalConditionComparisons(t *testing.T) {
	ctx := recipe.Context{"count": 3}
	ok, err := template.EvalCondition(ctx, "step1", "count > 2 and count < 10")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalConditionBadExpression(t *testing.T) {
	ctx := recipe.Context{}
	_, err := template.EvalCondition(ctx, "step1", "not a valid (((")
	require.Error(t, err)
	var cerr *recipe.ConditionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "step1", cerr.StepID)
}
