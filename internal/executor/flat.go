package executor

import (
	"context"
	"errors"

	"github.com/recipeforge/recipeforge/internal/dispatch"
	"github.com/recipeforge/recipeforge/internal/ratelimit"
	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runFlat drives a flat recipe's ordered step loop from st.CurrentStepIndex
// to the end, checkpointing via the Session Store after every completed
// step (§4.8). It is shared by a fresh execute and a resumed run — the only
// difference between them is the starting index carried in st.
func (e *Engine) runFlat(ctx context.Context, r *recipe.Recipe, st *session.State, recipeFilePath string, tracker *recursion.Tracker, limiter *ratelimit.Limiter) (*Outcome, error) {
	d := e.newDispatcher(limiter)
	rc := runContextFor(st, recipeFilePath, tracker)

	for i := st.CurrentStepIndex; i < len(r.Steps); i++ {
		step := &r.Steps[i]
		injectMetadata(st.Context, r, st, step.ID, i, "")

		spanCtx, span := startStepSpan(ctx, r.Name, step, "")
		_, err := d.RunStep(spanCtx, rc, step, st.Context)
		endStepSpan(span, err)
		if err == nil {
			st.CompletedSteps = append(st.CompletedSteps, step.ID)
			st.CurrentStepIndex = i + 1
			if saveErr := e.Store.Save(ctx, st.SessionID, st.ProjectPath, st); saveErr != nil {
				return nil, saveErr
			}
			continue
		}

		var skip *recipe.SkipRemaining
		if errors.As(err, &skip) {
			break
		}

		var cancelled *recipe.CancellationRequested
		if errors.As(err, &cancelled) {
			return e.handleCancellation(ctx, st, cancelled)
		}

		return nil, err
	}

	return &Outcome{Status: OutcomeCompleted, SessionID: st.SessionID, State: st}, nil
}

// handleCancellation marks the session cancelled in the store and returns
// the cancelled Outcome — cancellation is benign with respect to
// resumability (§7), never a Go error from Execute/Resume's point of view.
func (e *Engine) handleCancellation(ctx context.Context, st *session.State, c *recipe.CancellationRequested) (*Outcome, error) {
	if err := e.Store.MarkCancelled(ctx, st.SessionID, st.ProjectPath, c.AtStep); err != nil {
		return nil, err
	}
	reloaded, err := e.Store.Load(ctx, st.SessionID, st.ProjectPath)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeCancelled, SessionID: st.SessionID, State: reloaded}, nil
}
