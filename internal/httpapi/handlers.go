package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/recipeforge/recipeforge/internal/executor"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// Handlers wires the eight outer-tool operations to one Engine. A single
// Handlers value is shared across every request; the Engine itself is
// concurrency-safe (each call operates on its own session).
type Handlers struct {
	Engine *executor.Engine
}

type executeRequest struct {
	RecipePath  string                 `json:"recipe_path"`
	ProjectPath string                 `json:"project_path"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

type runResponse struct {
	Status    executor.OutcomeStatus  `json:"status"`
	SessionID string                  `json:"session_id"`
	StageName string                  `json:"stage_name,omitempty"`
	Prompt    string                  `json:"prompt,omitempty"`
	Summary   *executor.ResultSummary `json:"summary,omitempty"`
}

func toRunResponse(r *recipe.Recipe, o *executor.Outcome) *runResponse {
	return &runResponse{
		Status:    o.Status,
		SessionID: o.SessionID,
		StageName: o.StageName,
		Prompt:    o.Prompt,
		Summary:   executor.BuildSummary(r, o.State),
	}
}

// Execute handles POST /api/v1/recipes/execute.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := recipe.Load(req.RecipePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.Engine.Execute(r.Context(), rec, req.ProjectPath, req.RecipePath, req.Context)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(rec, outcome))
}

type resumeRequest struct {
	RecipePath  string `json:"recipe_path"`
	ProjectPath string `json:"project_path"`
}

// Resume handles POST /api/v1/recipes/sessions/{sessionID}/resume.
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := recipe.Load(req.RecipePath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.Engine.Resume(r.Context(), rec, sessionID, req.ProjectPath, req.RecipePath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(rec, outcome))
}

// List handles GET /api/v1/recipes/sessions?project_path=....
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	projectPath := r.URL.Query().Get("project_path")
	summaries, err := h.Engine.List(r.Context(), projectPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

type validateRequest struct {
	RecipePath string `json:"recipe_path"`
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate handles POST /api/v1/recipes/validate.
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.Engine.Validate(req.RecipePath); err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true})
}

// Approvals handles GET /api/v1/approvals?project_path=....
func (h *Handlers) Approvals(w http.ResponseWriter, r *http.Request) {
	projectPath := r.URL.Query().Get("project_path")
	pending, err := h.Engine.Approvals(r.Context(), projectPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type decisionRequest struct {
	ProjectPath string `json:"project_path"`
	Reason      string `json:"reason,omitempty"`
}

// Approve handles POST /api/v1/approvals/{sessionID}/{stageName}/approve.
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	sessionID, stageName := chi.URLParam(r, "sessionID"), chi.URLParam(r, "stageName")
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.Engine.Approve(r.Context(), sessionID, req.ProjectPath, stageName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// Deny handles POST /api/v1/approvals/{sessionID}/{stageName}/deny.
func (h *Handlers) Deny(w http.ResponseWriter, r *http.Request) {
	sessionID, stageName := chi.URLParam(r, "sessionID"), chi.URLParam(r, "stageName")
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.Engine.Deny(r.Context(), sessionID, req.ProjectPath, stageName, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

type cancelRequest struct {
	ProjectPath string `json:"project_path"`
	Immediate   bool   `json:"immediate"`
}

// Cancel handles POST /api/v1/recipes/sessions/{sessionID}/cancel.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	ok, message, err := h.Engine.Cancel(r.Context(), sessionID, req.ProjectPath, req.Immediate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": ok, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
