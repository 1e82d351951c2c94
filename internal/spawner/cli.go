// Package spawner provides the default contracts.SpawnFunc implementation:
// it shells out to a configurable external agent command once per agent
// step, the same way internal/dispatch/bash.go runs a bash step — spawn a
// process, capture its output, propagate its context's deadline.
package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// CLI spawns one process per Spawn call: Command Args... --agent <agent>
// [--mode <mode>], with the step's prompt piped in on stdin and the
// process's stdout taken as the raw agent output. This is the engine's
// out-of-the-box agent runtime; a host that drives a real multi-turn agent
// session supplies its own contracts.SpawnFunc instead.
type CLI struct {
	Command string
	Args    []string
}

func (c *CLI) Spawn(ctx context.Context, req contracts.SpawnRequest) (*contracts.SpawnResult, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("no agent command configured (set RECIPES_AGENT_COMMAND)")
	}

	args := append([]string{}, c.Args...)
	args = append(args, "--agent", req.Agent)
	if req.Mode != "" {
		args = append(args, "--mode", req.Mode)
	}

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("agent", req.Agent).
			Str("step_id", req.StepID).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("agent spawn failed")
		return nil, fmt.Errorf("spawn agent %q: %w: %s", req.Agent, err, strings.TrimSpace(stderr.String()))
	}

	return &contracts.SpawnResult{Output: stdout.String()}, nil
}

var _ contracts.SpawnFunc = (*CLI)(nil)
