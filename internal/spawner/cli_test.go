package spawner_test

import (
	"context"
	"testing"
	"time"

	"github.com/recipeforge/recipeforge/internal/spawner"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The CLI always appends "--agent <name>" (and "--mode <mode>" when set)
// after its configured Args, so every test command here is a small shell
// script invoked via "sh -c" that ignores its positional parameters rather
// than a bare binary that would choke on unrecognized flags.

func TestCLISpawnCapturesStdout(t *testing.T) {
	c := &spawner.CLI{Command: "/bin/sh", Args: []string{"-c", "cat"}}

	result, err := c.Spawn(context.Background(), contracts.SpawnRequest{
		Agent:  "writer",
		StepID: "step1",
		Prompt: "hello from the recipe",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the recipe", result.Output)
}

func TestCLISpawnPropagatesCommandFailure(t *testing.T) {
	c := &spawner.CLI{Command: "/bin/sh", Args: []string{"-c", "exit 1"}}

	_, err := c.Spawn(context.Background(), contracts.SpawnRequest{Agent: "writer", StepID: "step1", Prompt: "x"})
	require.Error(t, err)
}

func TestCLISpawnRequiresConfiguredCommand(t *testing.T) {
	c := &spawner.CLI{}

	_, err := c.Spawn(context.Background(), contracts.SpawnRequest{Agent: "writer", StepID: "step1", Prompt: "x"})
	require.Error(t, err)
}

func TestCLISpawnHonorsContextDeadline(t *testing.T) {
	c := &spawner.CLI{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Spawn(ctx, contracts.SpawnRequest{Agent: "writer", StepID: "step1", Prompt: "x"})
	require.Error(t, err)
}
