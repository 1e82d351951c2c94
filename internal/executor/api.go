package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// The remaining outer-tool operations from §6 (list / validate / approvals
// / approve / deny / cancel) live here alongside Execute/Resume: some
// concrete caller has to invoke them to exercise the engine end-to-end, so
// this engine exposes them directly as its public Go API surface. cmd/ and
// the optional HTTP router are thin wrappers around these methods.

// List enumerates known sessions for a project. With a FileStore this also
// evicts any session past its retention window as a side effect;
// PostgresStore.List does not evict.
func (e *Engine) List(ctx context.Context, projectPath string) ([]session.Summary, error) {
	return e.Store.List(ctx, projectPath)
}

// Validate loads and structurally validates a recipe file without
// executing it.
func (e *Engine) Validate(path string) (*recipe.Recipe, error) {
	return recipe.Load(path)
}

// PendingApprovalInfo is one entry in the approvals() listing: a session
// currently paused at a stage gate awaiting an explicit decision.
type PendingApprovalInfo struct {
	SessionID      string `json:"session_id"`
	RecipeName     string `json:"recipe_name"`
	StageName      string `json:"stage_name"`
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Approvals lists every session in projectPath that is currently paused at
// an undecided approval gate.
func (e *Engine) Approvals(ctx context.Context, projectPath string) ([]PendingApprovalInfo, error) {
	summaries, err := e.Store.List(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	var out []PendingApprovalInfo
	for _, s := range summaries {
		pending, err := e.Store.GetPendingApproval(ctx, s.SessionID, projectPath)
		if err != nil {
			return nil, err
		}
		if pending == nil {
			continue
		}
		status, err := e.Store.GetStageStatus(ctx, s.SessionID, projectPath, pending.StageName)
		if err != nil {
			return nil, err
		}
		if status != session.ApprovalPending {
			continue
		}
		out = append(out, PendingApprovalInfo{
			SessionID:      s.SessionID,
			RecipeName:     s.RecipeName,
			StageName:      pending.StageName,
			Prompt:         pending.Prompt,
			TimeoutSeconds: pending.TimeoutSeconds,
		})
	}
	return out, nil
}

// Approve records an approved decision for a session's pending stage gate.
// The pending marker itself is cleared lazily, by the next resume's
// resolvePendingApproval — recording the decision here is durable on its
// own, so a crash between Approve and the next resume loses nothing.
func (e *Engine) Approve(ctx context.Context, sessionID, projectPath, stageName string) error {
	return e.Store.SetStageStatus(ctx, sessionID, projectPath, stageName, session.ApprovalApproved, "approved by operator")
}

// Deny records a denied decision. reason is handed to the store's
// SetStageStatus, but neither FileStore nor PostgresStore persists it, so
// the ApprovalDeniedError the next resume fails the recipe with carries no
// reason.
func (e *Engine) Deny(ctx context.Context, sessionID, projectPath, stageName, reason string) error {
	return e.Store.SetStageStatus(ctx, sessionID, projectPath, stageName, session.ApprovalDenied, reason)
}

// Cancel requests graceful or immediate cancellation of a session. The
// running executor (if any) observes this at its next poll point; a
// session with no in-flight executor simply resumes as cancelled the next
// time anyone tries to resume it.
func (e *Engine) Cancel(ctx context.Context, sessionID, projectPath string, immediate bool) (bool, string, error) {
	return e.Store.RequestCancellation(ctx, sessionID, projectPath, immediate)
}

// maxInlineBytes is the oversized-output threshold from §6: string values
// beyond this are truncated with a trailing marker, map/list values are
// replaced by a small envelope describing their full size.
const maxInlineBytes = 10 * 1024

// Truncate applies the oversized-output policy to a single context value
// before it's returned outward in a ResultSummary. The full value always
// remains on disk under the session id regardless of what this returns.
func Truncate(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if len(t) <= maxInlineBytes {
			return t
		}
		return t[:maxInlineBytes] + fmt.Sprintf("... [truncated, %d bytes total]", len(t))
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil || len(b) <= maxInlineBytes {
			return t
		}
		kind := "object"
		if _, isList := t.([]interface{}); isList {
			kind = "array"
		}
		preview := string(b)
		if len(preview) > 256 {
			preview = preview[:256]
		}
		return map[string]interface{}{
			"truncated": true,
			"type":      kind,
			"size":      len(b),
			"preview":   preview,
		}
	default:
		return v
	}
}

// ResultSummary is the compact payload Execute/Resume return alongside the
// full Outcome, derived from the final context per §6: reserved metadata,
// an explicit final_output key if the recipe set one, else the last
// completed step's declared output, the non-underscore context keys, and a
// pointer to where the full session state lives.
type ResultSummary struct {
	Recipe         map[string]interface{} `json:"recipe,omitempty"`
	Session        map[string]interface{} `json:"session,omitempty"`
	Step           map[string]interface{} `json:"step,omitempty"`
	FinalOutput    interface{}            `json:"final_output,omitempty"`
	ContextKeys    []string               `json:"context_keys"`
	SessionPointer string                 `json:"session_pointer"`
}

// BuildSummary derives a ResultSummary from a completed or paused session's
// state.
func BuildSummary(r *recipe.Recipe, st *session.State) *ResultSummary {
	s := &ResultSummary{
		Recipe:         asMap(st.Context[recipe.ReservedRecipe]),
		Session:        asMap(st.Context[recipe.ReservedSession]),
		Step:           asMap(st.Context[recipe.ReservedStep]),
		SessionPointer: fmt.Sprintf("session %s under %s", st.SessionID, st.ProjectPath),
	}

	if fo, ok := st.Context["final_output"]; ok {
		s.FinalOutput = Truncate(fo)
	} else if key := lastStepOutputKey(r, st); key != "" {
		if v, ok := st.Context[key]; ok {
			s.FinalOutput = Truncate(v)
		}
	}

	for k := range st.Context {
		if strings.HasPrefix(k, "_") {
			continue
		}
		switch k {
		case recipe.ReservedRecipe, recipe.ReservedSession, recipe.ReservedStep:
			continue
		}
		s.ContextKeys = append(s.ContextKeys, k)
	}
	sort.Strings(s.ContextKeys)

	return s
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// lastStepOutputKey finds the output (or foreach collect) key the most
// recently completed step declared, so a recipe that never sets an
// explicit final_output still gets a sensible default summary value.
func lastStepOutputKey(r *recipe.Recipe, st *session.State) string {
	if len(st.CompletedSteps) == 0 {
		return ""
	}
	lastID := st.CompletedSteps[len(st.CompletedSteps)-1]
	for _, s := range r.AllSteps() {
		if s.ID != lastID {
			continue
		}
		if s.Foreach != nil && s.Foreach.Collect != "" {
			return s.Foreach.Collect
		}
		return s.Output
	}
	return ""
}
