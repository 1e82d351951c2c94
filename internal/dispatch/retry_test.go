package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/recipeforge/recipeforge/internal/dispatch"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingSpawner always errors and records the wall-clock time of each
// call, letting a test measure the gap between retry attempts.
type failingSpawner struct {
	mu    sync.Mutex
	calls []time.Time
}

func (f *failingSpawner) Spawn(_ context.Context, _ contracts.SpawnRequest) (*contracts.SpawnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.mu.Unlock()
	return nil, errors.New("spawn failed")
}

func gaps(times []time.Time) []time.Duration {
	out := make([]time.Duration, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		out = append(out, times[i].Sub(times[i-1]))
	}
	return out
}

// Exponential backoff doubles the delay between successive agent retry
// attempts; linear backoff holds it constant (§4.6).
func TestRetryBackoffExponentialDoubles(t *testing.T) {
	spawner := &failingSpawner{}
	d := dispatch.New(spawner, contracts.CommunityMentionResolver{}, nil, nil, nil)

	step := &recipe.Step{
		ID:     "flaky",
		Kind:   recipe.StepAgent,
		Agent:  "writer",
		Prompt: "hi",
		Retry: recipe.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 0.05,
			MaxDelay:     10,
			Backoff:      recipe.BackoffExponential,
		},
		OnError: recipe.OnErrorContinue,
	}

	_, err := d.RunStep(context.Background(), newRunContext(t.TempDir()), step, recipe.Context{})
	require.NoError(t, err)

	require.Len(t, spawner.calls, 3)
	g := gaps(spawner.calls)
	require.Len(t, g, 2)
	assert.Greater(t, g[1], g[0]+25*time.Millisecond, "second gap should be roughly double the first under exponential backoff")
}

func TestRetryBackoffLinearHoldsSteady(t *testing.T) {
	spawner := &failingSpawner{}
	d := dispatch.New(spawner, contracts.CommunityMentionResolver{}, nil, nil, nil)

	step := &recipe.Step{
		ID:     "flaky",
		Kind:   recipe.StepAgent,
		Agent:  "writer",
		Prompt: "hi",
		Retry: recipe.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: 0.05,
			MaxDelay:     10,
			Backoff:      recipe.BackoffLinear,
		},
		OnError: recipe.OnErrorContinue,
	}

	_, err := d.RunStep(context.Background(), newRunContext(t.TempDir()), step, recipe.Context{})
	require.NoError(t, err)

	require.Len(t, spawner.calls, 3)
	g := gaps(spawner.calls)
	require.Len(t, g, 2)
	// Both gaps should be close to the constant 50ms initial delay, not
	// doubling like exponential would.
	assert.Less(t, g[1], g[0]+25*time.Millisecond, "linear backoff must not grow the delay between attempts")
}

func TestRetryMaxAttemptsOneCallsOnce(t *testing.T) {
	spawner := &failingSpawner{}
	d := dispatch.New(spawner, contracts.CommunityMentionResolver{}, nil, nil, nil)

	step := &recipe.Step{
		ID:      "onceOnly",
		Kind:    recipe.StepAgent,
		Agent:   "writer",
		Prompt:  "hi",
		Retry:   recipe.RetryPolicy{MaxAttempts: 1, InitialDelay: 0.01, MaxDelay: 1, Backoff: recipe.BackoffExponential},
		OnError: recipe.OnErrorContinue,
	}

	_, err := d.RunStep(context.Background(), newRunContext(t.TempDir()), step, recipe.Context{})
	require.NoError(t, err)
	assert.Len(t, spawner.calls, 1)
}
