package dispatch

import (
	"context"
	"fmt"

	"github.com/recipeforge/recipeforge/internal/template"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// jsonOutputInstruction is appended to a parse_json agent step's prompt so
// the model knows structured output is expected, matching the reference
// implementation's fixed instruction string.
const jsonOutputInstruction = "\n\nRespond with valid JSON only. Do not include any explanatory text before or after the JSON."

// runAgent substitutes the prompt, optionally prefixes the mode and appends
// the JSON instruction, acquires a rate-limiter slot (if one is configured),
// and spawns the agent through the coordinator's capability.
func (d *Dispatcher) runAgent(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (interface{}, int, error) {
	if d.Spawn == nil {
		return nil, 0, fmt.Errorf("step %q: no agent spawner configured", step.ID)
	}

	prompt, err := template.Substitute(data, step.Prompt)
	if err != nil {
		return nil, 0, err
	}
	if step.Mode != "" {
		prompt = "MODE: " + step.Mode + "\n\n" + prompt
	}
	if step.ParseJSON {
		prompt += jsonOutputInstruction
	}

	req := contracts.SpawnRequest{
		Agent:     step.Agent,
		Prompt:    prompt,
		Mode:      step.Mode,
		SessionID: rc.SessionID,
		StepID:    step.ID,
	}

	if d.Limiter == nil {
		res, err := d.Spawn.Spawn(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		return d.extract(step, res.Output), 0, nil
	}

	release, err := d.Limiter.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	var callErr error
	defer func() { release(callErr) }()

	res, spawnErr := d.Spawn.Spawn(ctx, req)
	callErr = spawnErr
	if spawnErr != nil {
		return nil, 0, spawnErr
	}
	return d.extract(step, res.Output), 0, nil
}
