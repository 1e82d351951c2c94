// Package executor implements the Flat and Staged Executors: the ordered
// step loop that resolves reserved context metadata, calls into the Step
// Dispatcher for each step, and checkpoints through the Session Store after
// every completed step (or completed foreach aggregate). It is the
// innermost layer that still knows about sessions — dispatch itself is
// session-agnostic and sees only a dispatch.RunContext.
package executor

import (
	"context"
	"time"

	"github.com/recipeforge/recipeforge/internal/dispatch"
	"github.com/recipeforge/recipeforge/internal/ratelimit"
	"github.com/recipeforge/recipeforge/internal/recursion"
	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/contracts"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// Engine ties the Session Store to the capability interfaces a Dispatcher
// needs. One Engine is built per process and reused across every
// execute/resume call.
type Engine struct {
	Store    session.Store
	Spawn    contracts.SpawnFunc
	Resolver contracts.MentionResolver
	Display  contracts.DisplaySystem
	Cancel   contracts.CancellationReader

	// DefaultRateLimit, when set, is the rate_limiting block applied to any
	// recipe that doesn't declare its own — the process-wide default a host
	// configures once instead of every recipe author repeating it.
	DefaultRateLimit *recipe.RateLimitingConfig
}

// New builds an Engine from its capability dependencies.
func New(store session.Store, spawn contracts.SpawnFunc, resolver contracts.MentionResolver, cancel contracts.CancellationReader, display contracts.DisplaySystem) *Engine {
	return &Engine{Store: store, Spawn: spawn, Resolver: resolver, Display: display, Cancel: cancel}
}

// OutcomeStatus distinguishes the three ways a top-level execute/resume
// call can end, per §9's preference for a typed result over exceptions for
// control flow.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomePaused     OutcomeStatus = "paused"
	OutcomeCancelled  OutcomeStatus = "cancelled"
)

// Outcome is what Engine.Execute/Engine.Resume return on anything short of
// a genuine failure: a completed run, a run paused at an approval gate, or
// a run that observed cancellation. Approval-pause and cancellation are
// benign with respect to resumability (§7) so they are never returned as a
// Go error.
type Outcome struct {
	Status    OutcomeStatus
	SessionID string
	State     *session.State

	// Populated when Status == OutcomePaused.
	StageName string
	Prompt    string
}

// newDispatcher builds a Dispatcher wired with this Engine's capabilities
// and a sub-recipe runner bound to limiter, so every sub-recipe invocation
// descending from one top-level run shares the same process-wide rate
// limiter instance rather than constructing its own (§4.4: "sub-recipes
// receive the same instance and cannot override it").
func (e *Engine) newDispatcher(limiter *ratelimit.Limiter) *dispatch.Dispatcher {
	d := dispatch.New(e.Spawn, e.Resolver, e.Cancel, e.Display, limiter)
	d.RunRecipe = func(ctx context.Context, r *recipe.Recipe, rc dispatch.RunContext, subCtx recipe.Context) (recipe.Context, error) {
		return runSubRecipe(ctx, d, r, rc, subCtx)
	}
	return d
}

// limiterFor builds the rate limiter for a top-level recipe run: the
// recipe's own rate_limiting block if it declares one, else the Engine's
// process-wide default, else nil (agent steps run unthrottled).
func (e *Engine) limiterFor(r *recipe.Recipe) *ratelimit.Limiter {
	switch {
	case r.RateLimit != nil:
		return ratelimit.New(*r.RateLimit)
	case e.DefaultRateLimit != nil:
		return ratelimit.New(*e.DefaultRateLimit)
	default:
		return nil
	}
}

// injectMetadata overlays the three reserved metadata keys onto data
// before each step dispatch: recipe name/version/description, the session
// record (id/started/project path), and the step record (id/index, plus
// stage in staged mode). Mutates data in place.
func injectMetadata(data recipe.Context, r *recipe.Recipe, st *session.State, stepID string, stepIndex int, stageName string) {
	data[recipe.ReservedRecipe] = map[string]interface{}{
		"name":        r.Name,
		"version":     r.Version,
		"description": r.Description,
	}
	data[recipe.ReservedSession] = map[string]interface{}{
		"id":           st.SessionID,
		"started":      st.Started.Format(time.RFC3339),
		"project_path": st.ProjectPath,
	}
	stepMeta := map[string]interface{}{
		"id":    stepID,
		"index": stepIndex,
	}
	if stageName != "" {
		stepMeta["stage"] = stageName
	}
	data[recipe.ReservedStep] = stepMeta
}

// outcomeFromPause converts the benign ApprovalGatePaused signal the
// staged executor raises internally into the typed Outcome Execute/Resume
// return, per §9's preference for a Result type over exceptions at the
// engine's public boundary.
func outcomeFromPause(p *recipe.ApprovalGatePaused, st *session.State) *Outcome {
	return &Outcome{
		Status:    OutcomePaused,
		SessionID: p.SessionID,
		State:     st,
		StageName: p.StageName,
		Prompt:    p.Prompt,
	}
}

// runContextFor builds the dispatch.RunContext for a top-level recipe run.
func runContextFor(st *session.State, recipeFilePath string, tracker *recursion.Tracker) dispatch.RunContext {
	return dispatch.RunContext{
		SessionID:   st.SessionID,
		ProjectPath: st.ProjectPath,
		RecipePath:  recipeFilePath,
		Tracker:     tracker,
	}
}
