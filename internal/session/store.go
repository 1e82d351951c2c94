// Package session implements the durable, per-session state store: create,
// load, save, list, the approval-gate bookkeeping, and the two-level
// cancellation flag every executor polls.
package session

import (
	"context"
	"time"

	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// CancellationStatus tracks the monotonic cancellation state machine:
// none → requested → immediate → cancelled. A requested status may be
// upgraded to immediate; nothing downgrades except an explicit clear from
// the terminal cancelled state.
type CancellationStatus string

const (
	CancellationNone      CancellationStatus = "none"
	CancellationRequested CancellationStatus = "requested"
	CancellationImmediate CancellationStatus = "immediate"
	CancellationCancelled CancellationStatus = "cancelled"
)

// ApprovalStatus is the outcome of a stage's approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// PendingApproval is the durable marker a staged recipe leaves behind when
// it pauses at a stage's approval gate.
type PendingApproval struct {
	StageName      string              `json:"stage_name"`
	Prompt         string              `json:"prompt"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
	Default        recipe.ApprovalDefault `json:"default"`
	RequestedAt    time.Time           `json:"requested_at"`
}

// State is the full persisted shape of one session, covering both flat and
// staged recipes (the staged-only fields are simply unused/zero for a flat
// recipe).
type State struct {
	SessionID     string `json:"session_id"`
	ProjectPath   string `json:"project_path"`
	RecipeName    string `json:"recipe_name"`
	RecipeVersion string `json:"recipe_version"`
	Started       time.Time `json:"started"`

	Context        recipe.Context `json:"context"`
	CompletedSteps []string       `json:"completed_steps"`

	// Flat recipe state.
	CurrentStepIndex int `json:"current_step_index"`

	// Staged recipe state.
	IsStaged              bool                      `json:"is_staged"`
	CurrentStageIndex     int                       `json:"current_stage_index"`
	CurrentStepInStage    int                       `json:"current_step_in_stage"`
	CompletedStages       []string                  `json:"completed_stages"`
	PendingApprovalState  *PendingApproval          `json:"pending_approval,omitempty"`
	StageApprovalStatuses map[string]ApprovalStatus `json:"stage_approval_statuses,omitempty"`

	CancellationStatus CancellationStatus `json:"cancellation_status"`
	CancelledAtStep    string             `json:"cancelled_at_step,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
}

// Summary is the compact view List() returns for each known session.
type Summary struct {
	SessionID     string    `json:"session_id"`
	RecipeName    string    `json:"recipe_name"`
	RecipeVersion string    `json:"recipe_version"`
	Started       time.Time `json:"started"`
	Cancelled     bool      `json:"cancelled"`
}

// ApprovalTimeoutCheck is the result of comparing a pending approval's
// requested_at+timeout against wall-clock time.
type ApprovalTimeoutCheck struct {
	Pending           bool
	ApprovedByDefault bool
	DeniedByTimeout   bool
}

// Store owns all on-disk session state. Every mutation loads, modifies,
// and saves atomically so concurrent readers always observe a coherent
// snapshot; nothing outside this package writes session state directly.
type Store interface {
	Create(ctx context.Context, r *recipe.Recipe, projectPath string, recipeFilePath string) (sessionID string, err error)
	Load(ctx context.Context, sessionID, projectPath string) (*State, error)
	Save(ctx context.Context, sessionID, projectPath string, state *State) error
	List(ctx context.Context, projectPath string) ([]Summary, error)

	SetPendingApproval(ctx context.Context, sessionID, projectPath, stageName, prompt string, timeoutSeconds int, def recipe.ApprovalDefault) error
	GetPendingApproval(ctx context.Context, sessionID, projectPath string) (*PendingApproval, error)
	ClearPendingApproval(ctx context.Context, sessionID, projectPath string) error
	SetStageStatus(ctx context.Context, sessionID, projectPath, stageName string, status ApprovalStatus, reason string) error
	GetStageStatus(ctx context.Context, sessionID, projectPath, stageName string) (ApprovalStatus, error)
	CheckApprovalTimeout(ctx context.Context, sessionID, projectPath string) (ApprovalTimeoutCheck, error)

	RequestCancellation(ctx context.Context, sessionID, projectPath string, immediate bool) (ok bool, message string, err error)
	GetCancellationStatus(ctx context.Context, sessionID, projectPath string) (CancellationStatus, error)
	IsCancellationRequested(ctx context.Context, sessionID, projectPath string) (bool, error)
	IsImmediateCancellation(ctx context.Context, sessionID, projectPath string) (bool, error)
	MarkCancelled(ctx context.Context, sessionID, projectPath, cancelledAtStep string) error
	ClearCancellation(ctx context.Context, sessionID, projectPath string) error

	Close() error
}
