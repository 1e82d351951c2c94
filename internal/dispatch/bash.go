package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/recipeforge/recipeforge/internal/template"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runBash substitutes command, cwd and env values, then shells out via
// /bin/bash -c specifically — the spec mandates this exact shell since
// recipes in the field rely on bash-only features (pipefail, arrays, brace
// expansion) that a POSIX sh would reject. The step timeout kills the
// process and drains its pipes rather than leaving it orphaned; teacher's
// internal/process package follows the same kill-then-wait discipline for
// its locally-managed agent processes.
func (d *Dispatcher) runBash(ctx context.Context, rc RunContext, step *recipe.Step, data recipe.Context) (interface{}, int, error) {
	command, err := template.Substitute(data, step.Command)
	if err != nil {
		return nil, 0, err
	}

	cwd := rc.ProjectPath
	if step.Cwd != "" {
		resolved, err := template.Substitute(data, step.Cwd)
		if err != nil {
			return nil, 0, err
		}
		if filepath.IsAbs(resolved) {
			cwd = resolved
		} else {
			cwd = filepath.Join(rc.ProjectPath, resolved)
		}
	}

	env := os.Environ()
	for k, v := range step.Env {
		rv, err := template.Substitute(data, v)
		if err != nil {
			return nil, 0, err
		}
		env = append(env, k+"="+rv)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSec)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/bash", "-c", command)
	cmd.Dir = cwd
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, 0, fmt.Errorf("step %q: command timed out after %ds", step.ID, step.TimeoutSec)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, 0, fmt.Errorf("step %q: failed to execute command: %w", step.ID, runErr)
		}
	}

	if exitCode != 0 {
		msg := fmt.Sprintf("step %q: command failed with exit code %d", step.ID, exitCode)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += "\nstderr: " + s
		}
		return nil, exitCode, errors.New(msg)
	}

	return d.extract(step, stdout.String()), exitCode, nil
}
