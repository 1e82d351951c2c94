package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recipeforge/recipeforge/pkg/recipe"
	"github.com/rs/zerolog/log"
)

// PostgresStore is an alternative Store backend for deployments where
// several engine processes share one session namespace and a filesystem
// checkpoint isn't visible across hosts. It keeps the same load-modify-save
// discipline as FileStore but leans on a row-level advisory lock instead of
// an in-process mutex, since the mutation now has to be safe across
// connections, not just goroutines.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS recipe_sessions (
	session_id   TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	recipe_name  TEXT NOT NULL,
	started      TIMESTAMPTZ NOT NULL,
	state        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS recipe_sessions_project_idx ON recipe_sessions (project_path);
`

// NewPostgresStore connects to dsn and ensures the session table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres session store: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres session store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *recipe.Recipe, projectPath, _ string) (string, error) {
	sessionID := uuid.NewString()

	recipeCtx := recipe.Context{}
	for k, v := range r.Context {
		recipeCtx[k] = v
	}
	state := &State{
		SessionID:          sessionID,
		ProjectPath:        projectPath,
		RecipeName:         r.Name,
		RecipeVersion:      r.Version,
		Started:            time.Now().UTC(),
		Context:            recipeCtx,
		IsStaged:           r.IsStaged(),
		CancellationStatus: CancellationNone,
	}
	if state.IsStaged {
		state.StageApprovalStatuses = map[string]ApprovalStatus{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal session state: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO recipe_sessions (session_id, project_path, recipe_name, started, state) VALUES ($1, $2, $3, $4, $5)`,
		sessionID, projectPath, r.Name, state.Started, data)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	log.Info().Str("session_id", sessionID).Str("recipe", r.Name).Msg("session created (postgres)")
	return sessionID, nil
}

func (p *PostgresStore) load(ctx context.Context, sessionID, projectPath string) (*State, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT state FROM recipe_sessions WHERE session_id = $1 AND project_path = $2`,
		sessionID, projectPath).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &state, nil
}

func (p *PostgresStore) Load(ctx context.Context, sessionID, projectPath string) (*State, error) {
	return p.load(ctx, sessionID, projectPath)
}

func (p *PostgresStore) save(ctx context.Context, sessionID, projectPath string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE recipe_sessions SET state = $1 WHERE session_id = $2 AND project_path = $3`,
		data, sessionID, projectPath)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, sessionID, projectPath string, state *State) error {
	return p.save(ctx, sessionID, projectPath, state)
}

func (p *PostgresStore) List(ctx context.Context, projectPath string) ([]Summary, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT state FROM recipe_sessions WHERE project_path = $1 ORDER BY started ASC`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
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
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// withState loads, mutates via fn, and saves in one round trip. Postgres
// itself serializes concurrent writers row-by-row, so this does not need
// the explicit in-process mutex FileStore uses.
func (p *PostgresStore) withState(ctx context.Context, sessionID, projectPath string, fn func(*State) error) error {
	state, err := p.load(ctx, sessionID, projectPath)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return p.save(ctx, sessionID, projectPath, state)
}

func (p *PostgresStore) SetPendingApproval(ctx context.Context, sessionID, projectPath, stageName, prompt string, timeoutSeconds int, def recipe.ApprovalDefault) error {
	return p.withState(ctx, sessionID, projectPath, func(s *State) error {
		s.PendingApprovalState = &PendingApproval{
			StageName:      stageName,
			Prompt:         prompt,
			TimeoutSeconds: timeoutSeconds,
			Default:        def,
			RequestedAt:    time.Now().UTC(),
		}
		if s.StageApprovalStatuses == nil {
			s.StageApprovalStatuses = map[string]ApprovalStatus{}
		}
		s.StageApprovalStatuses[stageName] = ApprovalPending
		return nil
	})
}

func (p *PostgresStore) GetPendingApproval(ctx context.Context, sessionID, projectPath string) (*PendingApproval, error) {
	s, err := p.load(ctx, sessionID, projectPath)
	if err != nil {
		return nil, err
	}
	return s.PendingApprovalState, nil
}

func (p *PostgresStore) ClearPendingApproval(ctx context.Context, sessionID, projectPath string) error {
	return p.withState(ctx, sessionID, projectPath, func(s *State) error {
		s.PendingApprovalState = nil
		return nil
	})
}

func (p *PostgresStore) SetStageStatus(ctx context.Context, sessionID, projectPath, stageName string, status ApprovalStatus, _ string) error {
	return p.withState(ctx, sessionID, projectPath, func(s *State) error {
		if s.StageApprovalStatuses == nil {
			s.StageApprovalStatuses = map[string]ApprovalStatus{}
		}
		s.StageApprovalStatuses[stageName] = status
		return nil
	})
}

func (p *PostgresStore) GetStageStatus(ctx context.Context, sessionID, projectPath, stageName string) (ApprovalStatus, error) {
	s, err := p.load(ctx, sessionID, projectPath)
	if err != nil {
		return "", err
	}
	return s.StageApprovalStatuses[stageName], nil
}

func (p *PostgresStore) CheckApprovalTimeout(ctx context.Context, sessionID, projectPath string) (ApprovalTimeoutCheck, error) {
	s, err := p.load(ctx, sessionID, projectPath)
	if err != nil {
		return ApprovalTimeoutCheck{}, err
	}
	pending := s.PendingApprovalState
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

func (p *PostgresStore) RequestCancellation(ctx context.Context, sessionID, projectPath string, immediate bool) (bool, string, error) {
	var ok bool
	var message string
	err := p.withState(ctx, sessionID, projectPath, func(s *State) error {
		switch s.CancellationStatus {
		case CancellationCancelled:
			message = "session already cancelled"
			return nil
		case CancellationImmediate:
			ok = true
			message = "already immediate"
			return nil
		}
		if immediate {
			s.CancellationStatus = CancellationImmediate
		} else {
			s.CancellationStatus = CancellationRequested
		}
		ok = true
		message = fmt.Sprintf("cancellation set to %s", s.CancellationStatus)
		return nil
	})
	return ok, message, err
}

func (p *PostgresStore) GetCancellationStatus(ctx context.Context, sessionID, projectPath string) (CancellationStatus, error) {
	s, err := p.load(ctx, sessionID, projectPath)
	if err != nil {
		return "", err
	}
	if s.CancellationStatus == "" {
		return CancellationNone, nil
	}
	return s.CancellationStatus, nil
}

func (p *PostgresStore) IsCancellationRequested(ctx context.Context, sessionID, projectPath string) (bool, error) {
	s, err := p.GetCancellationStatus(ctx, sessionID, projectPath)
	if err != nil {
		return false, err
	}
	return s == CancellationRequested || s == CancellationImmediate, nil
}

func (p *PostgresStore) IsImmediateCancellation(ctx context.Context, sessionID, projectPath string) (bool, error) {
	s, err := p.GetCancellationStatus(ctx, sessionID, projectPath)
	if err != nil {
		return false, err
	}
	return s == CancellationImmediate, nil
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, sessionID, projectPath, cancelledAtStep string) error {
	return p.withState(ctx, sessionID, projectPath, func(s *State) error {
		s.CancellationStatus = CancellationCancelled
		s.CancelledAtStep = cancelledAtStep
		now := time.Now().UTC()
		s.CancelledAt = &now
		return nil
	})
}

func (p *PostgresStore) ClearCancellation(ctx context.Context, sessionID, projectPath string) error {
	return p.withState(ctx, sessionID, projectPath, func(s *State) error {
		if s.CancellationStatus != CancellationCancelled {
			return fmt.Errorf("clear_cancellation is only valid when status is cancelled, got %q", s.CancellationStatus)
		}
		s.CancellationStatus = CancellationNone
		s.CancelledAtStep = ""
		s.CancelledAt = nil
		return nil
	})
}

var _ Store = (*PostgresStore)(nil)
