// Package cancel implements the Cancellation Coordinator: it merges the
// process-wide shutdown signal (a context.Context cancelled on SIGINT/
// SIGTERM in the cmd/ entrypoint) with the per-session flag durably
// recorded in the session store, presenting both as a single
// contracts.CancellationReader the dispatcher and executors poll.
package cancel

import (
	"context"

	"github.com/recipeforge/recipeforge/internal/session"
	"github.com/recipeforge/recipeforge/pkg/contracts"
)

// Coordinator generalizes the teacher's runsMu/runs map[string]context.CancelFunc
// run registry into a single root context shared by every in-flight session:
// one process-wide signal (the root context) fans out to all of them instead
// of the engine having to cancel each run's context individually.
type Coordinator struct {
	root  context.Context
	store session.Store

	// immediate is true when the process-wide shutdown should be treated as
	// an immediate cancellation (a second SIGINT) rather than a graceful one
	// (the first SIGINT). The cmd/ entrypoint flips this after observing a
	// second signal on the same root context.
	immediate func() bool
}

// New builds a Coordinator. root is the process-wide context cancelled by
// the host's signal handler; immediate, when non-nil, reports whether a
// process-wide cancellation currently in effect should be treated as
// immediate (nil always means graceful).
func New(root context.Context, store session.Store, immediate func() bool) *Coordinator {
	return &Coordinator{root: root, store: store, immediate: immediate}
}

// poll reconciles the process-wide signal into the session store; callers
// then read the merged per-session state from the store. A process-wide
// shutdown is upgraded into the session's durable cancellation record so that a
// crash between here and the next checkpoint still resumes as cancelled.
func (c *Coordinator) poll(ctx context.Context, sessionID, projectPath string) error {
	if c.root == nil || c.root.Err() == nil {
		return nil
	}
	wantImmediate := c.immediate != nil && c.immediate()
	_, _, err := c.store.RequestCancellation(ctx, sessionID, projectPath, wantImmediate)
	return err
}

// IsRequested reports whether a graceful (or stronger) cancellation is in
// effect for the session, reconciling the process-wide signal first.
func (c *Coordinator) IsRequested(ctx context.Context, sessionID, projectPath string) (bool, error) {
	if err := c.poll(ctx, sessionID, projectPath); err != nil {
		return false, err
	}
	return c.store.IsCancellationRequested(ctx, sessionID, projectPath)
}

// IsImmediate reports whether an immediate cancellation is in effect for
// the session, reconciling the process-wide signal first.
func (c *Coordinator) IsImmediate(ctx context.Context, sessionID, projectPath string) (bool, error) {
	if err := c.poll(ctx, sessionID, projectPath); err != nil {
		return false, err
	}
	return c.store.IsImmediateCancellation(ctx, sessionID, projectPath)
}

var _ contracts.CancellationReader = (*Coordinator)(nil)
