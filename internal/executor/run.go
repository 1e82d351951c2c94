package executor

import (
	"context"
	"fmt"

	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/rs/zerolog/log"
)

// Execute validates r, creates a new session for it under projectPath, and
// runs it to completion, a pause, or a cancellation. userContext is merged
// over the recipe's declared initial context (user-supplied values win),
// matching the outer tool's execute(recipe_path, context?) operation.
func (e *Engine) Execute(ctx context.Context, r *recipe.Recipe, projectPath, recipeFilePath string, userContext map[string]interface{}) (*Outcome, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.ApplyDefaults()

	sessionID, err := e.Store.Create(ctx, r, projectPath, recipeFilePath)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	st, err := e.Store.Load(ctx, sessionID, projectPath)
	if err != nil {
		return nil, fmt.Errorf("load freshly created session: %w", err)
	}
	for k, v := range userContext {
		st.Context[k] = v
	}
	if err := e.Store.Save(ctx, sessionID, projectPath, st); err != nil {
		return nil, fmt.Errorf("persist initial context: %w", err)
	}

	log.Info().Str("session_id", sessionID).Str("recipe", r.Name).Str("version", r.Version).Msg("recipe execution started")

	return e.run(ctx, r, st, recipeFilePath)
}

// Resume loads a previously persisted session and continues it from its
// last checkpoint, matching the outer tool's resume(session_id) operation.
// It runs the caller-supplied r; the recipe.yaml snapshot stored under the
// session directory at create time is not read here, so r must carry the
// same steps/stages the session was created against. A session left in
// the cancelled state has its cancellation cleared before the run continues.
func (e *Engine) Resume(ctx context.Context, r *recipe.Recipe, sessionID, projectPath, recipeFilePath string) (*Outcome, error) {
	st, err := e.Store.Load(ctx, sessionID, projectPath)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if st.CancellationStatus == session.CancellationCancelled {
		if err := e.Store.ClearCancellation(ctx, sessionID, projectPath); err != nil {
			return nil, fmt.Errorf("clear cancellation: %w", err)
		}
		st.CancellationStatus = session.CancellationNone
		st.CancelledAtStep = ""
		st.CancelledAt = nil
	}

	log.Info().Str("session_id", sessionID).Str("recipe", r.Name).Int("step_index", st.CurrentStepIndex).Msg("recipe execution resumed")

	return e.run(ctx, r, st, recipeFilePath)
}

// run is the shared flat/staged dispatch point both Execute and Resume
// funnel through once a session.State is in hand.
func (e *Engine) run(ctx context.Context, r *recipe.Recipe, st *session.State, recipeFilePath string) (*Outcome, error) {
	tracker := recursion.Root(*r.Recursion, r.Name)
	limiter := e.limiterFor(r)

	if r.IsStaged() {
		return e.runStaged(ctx, r, st, recipeFilePath, tracker, limiter)
	}
	return e.runFlat(ctx, r, st, recipeFilePath, tracker, limiter)
}
