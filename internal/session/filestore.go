package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/rs/zerolog/log"
)

const sessionsSubdir = ".recipes/sessions"

// FileStore persists one JSON document per session under
// <project_path>/.recipes/sessions/<session_id>/state.json, mirroring the
// teacher's snapshot-to-disk discipline but scoped per session rather than
// whole-store, so every checkpoint write is a small, independent, atomic
// file replace (write-to-temp then rename) instead of a debounced
// whole-store flush — required here because checkpoints must survive a
// crash at the granularity of a single completed step.
type FileStore struct {
	mu          sync.Mutex // guards read-modify-write across all sessions; simple and matches the teacher's single-mutex store
	retentionTTL time.Duration
}

// NewFileStore creates a FileStore. retentionTTL is the age at which List
// purges a session directory; zero disables retention cleanup.
func NewFileStore(retentionTTL time.Duration) *FileStore {
	return &FileStore{retentionTTL: retentionTTL}
}

func sessionDir(projectPath, sessionID string) string {
	return filepath.Join(projectPath, sessionsSubdir, sessionID)
}

func statePath(projectPath, sessionID string) string {
	return filepath.Join(sessionDir(projectPath, sessionID), "state.json")
}

func recipeSnapshotPath(projectPath, sessionID string) string {
	return filepath.Join(sessionDir(projectPath, sessionID), "recipe.yaml")
}

func (f *FileStore) Create(_ context.Context, r *recipe.Recipe, projectPath, recipeFilePath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessionID := uuid.NewString()
	dir := sessionDir(projectPath, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	ctx := recipe.Context{}
	for k, v := range r.Context {
		ctx[k] = v
	}

	state := &State{
		SessionID:     sessionID,
		ProjectPath:   projectPath,
		RecipeName:    r.Name,
		RecipeVersion: r.Version,
		Started:       time.Now().UTC(),
		Context:       ctx,
		IsStaged:      r.IsStaged(),
		CancellationStatus: CancellationNone,
	}
	if state.IsStaged {
		state.StageApprovalStatuses = map[string]ApprovalStatus{}
	}

	if err := f.writeState(projectPath, sessionID, state); err != nil {
		return "", err
	}

	if recipeFilePath != "" {
		data, err := os.ReadFile(recipeFilePath)
		if err == nil {
			_ = os.WriteFile(recipeSnapshotPath(projectPath, sessionID), data, 0o644)
		}
	} else {
		if data, err := recipe.Marshal(r); err == nil {
			_ = os.WriteFile(recipeSnapshotPath(projectPath, sessionID), data, 0o644)
		}
	}

	log.Info().Str("session_id", sessionID).Str("recipe", r.Name).Msg("session created")
	return sessionID, nil
}

func (f *FileStore) Load(_ context.Context, sessionID, projectPath string) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readState(projectPath, sessionID)
}

func (f *FileStore) Save(_ context.Context, sessionID, projectPath string, state *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeState(projectPath, sessionID, state)
}

func (f *FileStore) readState(projectPath, sessionID string) (*State, error) {
	data, err := os.ReadFile(statePath(projectPath, sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

// writeState performs an atomic replace: write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never
// leaves a truncated state.json behind.
func (f *FileStore) writeState(projectPath, sessionID string, state *State) error {
	dir := sessionDir(projectPath, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	tmp := filepath.Join(dir, "state.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, "state.json"))
}

func (f *FileStore) List(_ context.Context, projectPath string) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	root := filepath.Join(projectPath, sessionsSubdir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []Summary
	cutoff := time.Now().Add(-f.retentionTTL)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		state, err := f.readState(projectPath, sessionID)
		if err != nil {
			continue
		}
		if f.retentionTTL > 0 && state.Started.Before(cutoff) {
			_ = os.RemoveAll(filepath.Join(root, sessionID))
			log.Info().Str("session_id", sessionID).Msg("session evicted past retention window")
			continue
		}
		out = append(out, Summary{
			SessionID:     state.SessionID,
			RecipeName:    state.RecipeName,
			RecipeVersion: state.RecipeVersion,
			Started:       state.Started,
			Cancelled:     state.CancellationStatus == CancellationCancelled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

// StartRetentionSweep runs a ticker-driven background loop that calls List
// (which performs the actual eviction) at the given interval, grounded on
// the teacher's janitor/eviction-loop convention of a ticker respecting
// context cancellation. It is a convenience for long-running processes;
// List() alone is sufficient for correctness since it sweeps on every call.
func (f *FileStore) StartRetentionSweep(ctx context.Context, projectPath string, interval time.Duration) {
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := f.List(ctx, projectPath); err != nil {
					log.Warn().Err(err).Msg("retention sweep failed")
				}
			}
		}
	}()
}

func (f *FileStore) Close() error { return nil }

// ── Approval API ─────────────────────────────────────────────

func (f *FileStore) SetPendingApproval(_ context.Context, sessionID, projectPath, stageName, prompt string, timeoutSeconds int, def recipe.ApprovalDefault) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return err
	}
	state.PendingApprovalState = &PendingApproval{
		StageName:      stageName,
		Prompt:         prompt,
		TimeoutSeconds: timeoutSeconds,
		Default:        def,
		RequestedAt:    time.Now().UTC(),
	}
	if state.StageApprovalStatuses == nil {
		state.StageApprovalStatuses = map[string]ApprovalStatus{}
	}
	state.StageApprovalStatuses[stageName] = ApprovalPending
	return f.writeState(projectPath, sessionID, state)
}

func (f *FileStore) GetPendingApproval(_ context.Context, sessionID, projectPath string) (*PendingApproval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return nil, err
	}
	return state.PendingApprovalState, nil
}

func (f *FileStore) ClearPendingApproval(_ context.Context, sessionID, projectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return err
	}
	state.PendingApprovalState = nil
	return f.writeState(projectPath, sessionID, state)
}

func (f *FileStore) SetStageStatus(_ context.Context, sessionID, projectPath, stageName string, status ApprovalStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return err
	}
	if state.StageApprovalStatuses == nil {
		state.StageApprovalStatuses = map[string]ApprovalStatus{}
	}
	state.StageApprovalStatuses[stageName] = status
	return f.writeState(projectPath, sessionID, state)
}

func (f *FileStore) GetStageStatus(_ context.Context, sessionID, projectPath, stageName string) (ApprovalStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return "", err
	}
	return state.StageApprovalStatuses[stageName], nil
}

func (f *FileStore) CheckApprovalTimeout(_ context.Context, sessionID, projectPath string) (ApprovalTimeoutCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return ApprovalTimeoutCheck{}, err
	}
	pending := state.PendingApprovalState
	if pending == nil {
		return ApprovalTimeoutCheck{}, nil
	}
	if pending.TimeoutSeconds == 0 {
		return ApprovalTimeoutCheck{Pending: true}, nil
	}
	deadline := pending.RequestedAt.Add(time.Duration(pending.TimeoutSeconds) * time.Second)
	if time.Now().Before(deadline) {
		return ApprovalTimeoutCheck{Pending: true}, nil
	}
	if pending.Default == recipe.ApprovalDefaultApprove {
		return ApprovalTimeoutCheck{ApprovedByDefault: true}, nil
	}
	return ApprovalTimeoutCheck{DeniedByTimeout: true}, nil
}

// ── Cancellation API ─────────────────────────────────────────

func (f *FileStore) RequestCancellation(_ context.Context, sessionID, projectPath string, immediate bool) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return false, "", err
	}
	switch state.CancellationStatus {
	case CancellationCancelled:
		return false, "session already cancelled", nil
	case CancellationImmediate:
		return true, "already immediate", nil
	}
	if immediate {
		state.CancellationStatus = CancellationImmediate
	} else if state.CancellationStatus != CancellationImmediate {
		state.CancellationStatus = CancellationRequested
	}
	if err := f.writeState(projectPath, sessionID, state); err != nil {
		return false, "", err
	}
	return true, fmt.Sprintf("cancellation set to %s", state.CancellationStatus), nil
}

func (f *FileStore) GetCancellationStatus(_ context.Context, sessionID, projectPath string) (CancellationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return "", err
	}
	if state.CancellationStatus == "" {
		return CancellationNone, nil
	}
	return state.CancellationStatus, nil
}

func (f *FileStore) IsCancellationRequested(ctx context.Context, sessionID, projectPath string) (bool, error) {
	s, err := f.GetCancellationStatus(ctx, sessionID, projectPath)
	if err != nil {
		return false, err
	}
	return s == CancellationRequested || s == CancellationImmediate, nil
}

func (f *FileStore) IsImmediateCancellation(ctx context.Context, sessionID, projectPath string) (bool, error) {
	s, err := f.GetCancellationStatus(ctx, sessionID, projectPath)
	if err != nil {
		return false, err
	}
	return s == CancellationImmediate, nil
}

func (f *FileStore) MarkCancelled(_ context.Context, sessionID, projectPath, cancelledAtStep string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return err
	}
	state.CancellationStatus = CancellationCancelled
	state.CancelledAtStep = cancelledAtStep
	now := time.Now().UTC()
	state.CancelledAt = &now
	return f.writeState(projectPath, sessionID, state)
}

func (f *FileStore) ClearCancellation(_ context.Context, sessionID, projectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.readState(projectPath, sessionID)
	if err != nil {
		return err
	}
	if state.CancellationStatus != CancellationCancelled {
		return fmt.Errorf("clear_cancellation is only valid when status is cancelled, got %q", state.CancellationStatus)
	}
	state.CancellationStatus = CancellationNone
	state.CancelledAtStep = ""
	state.CancelledAt = nil
	return f.writeState(projectPath, sessionID, state)
}

var _ Store = (*FileStore)(nil)
