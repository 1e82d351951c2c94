// Package recursion tracks sub-recipe composition depth and the cumulative
// agent-step count shared across an entire recipe tree.
package recursion

import (
	"sync/atomic"

	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// Tracker is an immutable-from-the-outside record: each sub-recipe gets its
// own Tracker value (new depth, optionally overridden limits) but every
// Tracker descended from the same root shares one *totalSteps counter, so
// the cumulative limit applies across the whole tree regardless of which
// branch is currently running.
type Tracker struct {
	depth         int
	maxDepth      int
	maxTotalSteps int
	totalSteps    *atomic.Int64
	stack         []string
}

// Root creates the tracker for a top-level recipe invocation.
func Root(cfg recipe.RecursionConfig, recipeName string) *Tracker {
	return &Tracker{
		depth:         0,
		maxDepth:      cfg.MaxDepth,
		maxTotalSteps: cfg.MaxTotalSteps,
		totalSteps:    new(atomic.Int64),
		stack:         []string{recipeName},
	}
}

// Depth reports the current sub-recipe nesting depth (0 at the root).
func (t *Tracker) Depth() int { return t.depth }

// Stack returns the recipe-name diagnostic stack, e.g. ["a", "b", "a"].
func (t *Tracker) Stack() []string {
	out := make([]string, len(t.stack))
	copy(out, t.stack)
	return out
}

// CheckDepth must be called before entering a child recipe. It fails when
// the next level's depth would reach maxDepth — i.e. the limit triggers
// at the attempt to enter the Nth level, not while level N-1 is running.
func (t *Tracker) CheckDepth() error {
	if t.maxDepth > 0 && t.depth+1 >= t.maxDepth {
		return &recipe.RecursionError{
			Reason: "max_depth exceeded",
			Stack:  t.stack,
		}
	}
	return nil
}

// Child produces the tracker for a sub-recipe invocation. override, when
// non-nil, replaces maxDepth/maxTotalSteps for the child branch only — the
// shared cumulative counter is never affected by an override.
func (t *Tracker) Child(recipeName string, override *recipe.RecursionConfig) (*Tracker, error) {
	stack := append(append([]string{}, t.stack...), recipeName)
	if err := t.CheckDepth(); err != nil {
		return nil, &recipe.RecursionError{Reason: "max_depth exceeded", Stack: stack}
	}
	child := &Tracker{
		depth:         t.depth + 1,
		maxDepth:      t.maxDepth,
		maxTotalSteps: t.maxTotalSteps,
		totalSteps:    t.totalSteps,
		stack:         stack,
	}
	if override != nil {
		if override.MaxDepth > 0 {
			child.maxDepth = override.MaxDepth
		}
		if override.MaxTotalSteps > 0 {
			child.maxTotalSteps = override.MaxTotalSteps
		}
	}
	return child, nil
}

// IncrementSteps records n completed agent steps (bash and recipe-kind
// steps do not count) and fails if the cumulative total now exceeds the
// configured ceiling.
func (t *Tracker) IncrementSteps(n int64) error {
	total := t.totalSteps.Add(n)
	if t.maxTotalSteps > 0 && total > int64(t.maxTotalSteps) {
		return &recipe.RecursionError{
			Reason: "max_total_steps exceeded",
			Stack:  t.stack,
		}
	}
	return nil
}

// ReserveSteps atomically reserves n agent-step slots in one check-and-add,
// used by a parallel foreach over agent steps to account for every
// iteration's spawn before any of them start rather than racing n
// concurrent single-step increments.
func (t *Tracker) ReserveSteps(n int64) error {
	return t.IncrementSteps(n)
}

// TotalSteps returns the current cumulative agent-step count shared across
// the whole recipe tree.
func (t *Tracker) TotalSteps() int64 { return t.totalSteps.Load() }
