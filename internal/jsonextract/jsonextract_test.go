package jsonextract_test

import (
	"testing"

	"github.com/recipeforge/recipeforge/internal/jsonextract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConservativeWholeString(t *testing.T) {
	v, ok := jsonextract.Conservative(`  {"a": 1}  `)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, v)
}

func TestConservativeRejectsProse(t *testing.T) {
	v, ok := jsonextract.Conservative("just some prose")
	require.False(t, ok)
	assert.Equal(t, "just some prose", v)
}

func TestAggressiveFencedBlock(t *testing.T) {
	text := "Here you go:\n```json\n{\"b\": 2}\n```\nthanks"
	v, ok := jsonextract.Aggressive(text)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"b": float64(2)}, v)
}

func TestAggressiveGreedyScan(t *testing.T) {
	text := `some preamble {"c": 3} trailing noise that is not json`
	v, ok := jsonextract.Aggressive(text)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"c": float64(3)}, v)
}

func TestAggressiveNoStrategyMatches(t *testing.T) {
	v, ok := jsonextract.Aggressive("no structure here at all")
	require.False(t, ok)
	assert.Equal(t, "no structure here at all", v)
}

func TestExtractBashFallsBackToAggressive(t *testing.T) {
	text := "output: {\"d\": 4}"
	v := jsonextract.Extract(text, false, true)
	assert.Equal(t, map[string]interface{}{"d": float64(4)}, v)
}

func TestExtractNonBashConservativeOnlyLeavesProseAlone(t *testing.T) {
	text := "output: {\"d\": 4}"
	v := jsonextract.Extract(text, false, false)
	assert.Equal(t, text, v)
}

func TestAggressiveRoundTrip(t *testing.T) {
	text := `{"k":[1,2,3],"s":"x"}`
	v, ok := jsonextract.Aggressive(text)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"k": []interface{}{float64(1), float64(2), float64(3)}, "s": "x"}, v)
}
