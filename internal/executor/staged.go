package executor

import (
	"context"
	"errors"

	"github.com/recipeforge/recipeforge/internal/ratelimit"
	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// runStaged drives a staged recipe stage-by-stage, each stage's steps
// following the same ordered-loop/checkpoint discipline as runFlat, with
// an approval-gate state machine between stages (§4.9). On a fresh call
// with no pending approval marker it behaves exactly like the flat loop
// scoped to one stage at a time; on resume with a pending marker it first
// resolves that marker against the persisted stage status before
// continuing (or stopping) the stage loop.
func (e *Engine) runStaged(ctx context.Context, r *recipe.Recipe, st *session.State, recipeFilePath string, tracker *recursion.Tracker, limiter *ratelimit.Limiter) (*Outcome, error) {
	d := e.newDispatcher(limiter)

	if st.PendingApprovalState != nil {
		outcome, resumed, err := e.resolvePendingApproval(ctx, st)
		if err != nil {
			return nil, err
		}
		if !resumed {
			return outcome, nil
		}
	}

	for stageIdx := st.CurrentStageIndex; stageIdx < len(r.Stages); stageIdx++ {
		stage := &r.Stages[stageIdx]
		rc := runContextFor(st, recipeFilePath, tracker)

		for stepIdx := st.CurrentStepInStage; stepIdx < len(stage.Steps); stepIdx++ {
			step := &stage.Steps[stepIdx]
			injectMetadata(st.Context, r, st, step.ID, stepIdx, stage.Name)

			spanCtx, span := startStepSpan(ctx, r.Name, step, stage.Name)
			_, err := d.RunStep(spanCtx, rc, step, st.Context)
			endStepSpan(span, err)
			if err == nil {
				st.CompletedSteps = append(st.CompletedSteps, step.ID)
				st.CurrentStepInStage = stepIdx + 1
				if saveErr := e.Store.Save(ctx, st.SessionID, st.ProjectPath, st); saveErr != nil {
					return nil, saveErr
				}
				continue
			}

			var skip *recipe.SkipRemaining
			if errors.As(err, &skip) {
				break // ends this stage's remaining steps, not the whole recipe
			}

			var cancelled *recipe.CancellationRequested
			if errors.As(err, &cancelled) {
				return e.handleCancellation(ctx, st, cancelled)
			}

			return nil, err
		}

		st.CompletedStages = append(st.CompletedStages, stage.Name)
		st.CurrentStageIndex = stageIdx + 1
		st.CurrentStepInStage = 0

		if stage.Approval != nil && stage.Approval.Required {
			// Save first so a crash between here and SetPendingApproval still
			// resumes past this stage's steps; the pending marker then
			// piggy-backs on that already-saved position (§4.9 point 2).
			if err := e.Store.Save(ctx, st.SessionID, st.ProjectPath, st); err != nil {
				return nil, err
			}
			def := stage.Approval.Default
			if def == "" {
				def = recipe.ApprovalDefaultDeny
			}
			if err := e.Store.SetPendingApproval(ctx, st.SessionID, st.ProjectPath, stage.Name, stage.Approval.Prompt, stage.Approval.TimeoutSeconds, def); err != nil {
				return nil, err
			}
			reloaded, err := e.Store.Load(ctx, st.SessionID, st.ProjectPath)
			if err != nil {
				return nil, err
			}
			*st = *reloaded
			paused := &recipe.ApprovalGatePaused{SessionID: st.SessionID, StageName: stage.Name, Prompt: stage.Approval.Prompt}
			return outcomeFromPause(paused, st), nil
		}

		if err := e.Store.Save(ctx, st.SessionID, st.ProjectPath, st); err != nil {
			return nil, err
		}
	}

	return &Outcome{Status: OutcomeCompleted, SessionID: st.SessionID, State: st}, nil
}

// resolvePendingApproval reads the durable pending-approval marker left by
// a prior pause and resolves it: still pending re-raises the pause as an
// Outcome; approved (explicit or by timeout default) clears the marker and
// reports resumed=true so the caller continues the stage loop; denied or
// timed-out is fatal to the recipe.
func (e *Engine) resolvePendingApproval(ctx context.Context, st *session.State) (outcome *Outcome, resumed bool, err error) {
	pending := st.PendingApprovalState

	status, err := e.Store.GetStageStatus(ctx, st.SessionID, st.ProjectPath, pending.StageName)
	if err != nil {
		return nil, false, err
	}
	switch status {
	case session.ApprovalApproved:
		return e.clearPendingAndReload(ctx, st)
	case session.ApprovalDenied:
		return nil, false, &recipe.ApprovalDeniedError{StageName: pending.StageName}
	case session.ApprovalTimeout:
		return nil, false, &recipe.ApprovalTimedOutError{StageName: pending.StageName}
	}

	check, err := e.Store.CheckApprovalTimeout(ctx, st.SessionID, st.ProjectPath)
	if err != nil {
		return nil, false, err
	}

	if check.Pending {
		paused := &recipe.ApprovalGatePaused{SessionID: st.SessionID, StageName: pending.StageName, Prompt: pending.Prompt}
		return outcomeFromPause(paused, st), false, nil
	}

	if check.ApprovedByDefault {
		if err := e.Store.SetStageStatus(ctx, st.SessionID, st.ProjectPath, pending.StageName, session.ApprovalApproved, "approved by default on timeout"); err != nil {
			return nil, false, err
		}
		return e.clearPendingAndReload(ctx, st)
	}

	if err := e.Store.SetStageStatus(ctx, st.SessionID, st.ProjectPath, pending.StageName, session.ApprovalTimeout, "timed out, default deny"); err != nil {
		return nil, false, err
	}
	return nil, false, &recipe.ApprovalTimedOutError{StageName: pending.StageName}
}

func (e *Engine) clearPendingAndReload(ctx context.Context, st *session.State) (*Outcome, bool, error) {
	if err := e.Store.ClearPendingApproval(ctx, st.SessionID, st.ProjectPath); err != nil {
		return nil, false, err
	}
	reloaded, err := e.Store.Load(ctx, st.SessionID, st.ProjectPath)
	if err != nil {
		return nil, false, err
	}
	*st = *reloaded
	return nil, true, nil
}
