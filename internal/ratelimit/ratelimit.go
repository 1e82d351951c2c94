// Package ratelimit implements the engine's process-wide agent call
// limiter: a concurrency cap, a minimum inter-completion pacing gap, and an
// adaptive back-off curve triggered by 429/"rate limit" step errors.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/recipeforge/recipeforge/pkg/recipe"
)

// Stats exposes the limiter's observational counters.
type Stats struct {
	Acquisitions  int64
	TotalWait     time.Duration
	RateLimitHits int64
}

// Limiter is created once at the root recipe and borrowed (never copied)
// into every sub-recipe invocation, so the concurrency cap and pacing
// clock are shared across the whole recipe tree.
type Limiter struct {
	sem       chan struct{}
	minPacing time.Duration

	mu                 sync.Mutex
	haveLast           bool
	lastCompletion     time.Time
	bo                 *backoff.ExponentialBackOff
	currentDelay       time.Duration
	consecutiveSuccess int
	resetAfterSuccess  int

	acquisitions  int64
	totalWait     time.Duration
	rateLimitHits int64
}

// New builds a Limiter from a recipe's rate_limiting configuration.
func New(cfg recipe.RateLimitingConfig) *Limiter {
	n := cfg.MaxConcurrentLLM
	if n <= 0 {
		n = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = secondsToDuration(cfg.Backoff.InitialDelay)
	bo.MaxInterval = secondsToDuration(cfg.Backoff.MaxDelay)
	if cfg.Backoff.Multiplier > 0 {
		bo.Multiplier = cfg.Backoff.Multiplier
	}
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Limiter{
		sem:               make(chan struct{}, n),
		minPacing:         time.Duration(cfg.MinPacingMS) * time.Millisecond,
		bo:                bo,
		resetAfterSuccess: cfg.Backoff.ResetAfterSuccess,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Release is returned by Acquire and must be called exactly once, tied to
// call completion (success or failure), to return the concurrency slot and
// record the completion timestamp used for pacing.
type Release func(callErr error)

// Acquire blocks until a concurrency slot is available, then enforces the
// minimum inter-completion pacing gap and any active back-off delay,
// exactly in the order acquire → pacing → back-off → run. The returned
// Release must be invoked once the guarded call finishes.
func (l *Limiter) Acquire(ctx context.Context) (Release, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.Lock()
	var pacingWait time.Duration
	if l.haveLast && l.minPacing > 0 {
		elapsed := time.Since(l.lastCompletion)
		if elapsed < l.minPacing {
			pacingWait = l.minPacing - elapsed
		}
	}
	backoffWait := l.currentDelay
	l.mu.Unlock()

	total := pacingWait + backoffWait
	if total > 0 {
		select {
		case <-time.After(total):
		case <-ctx.Done():
			<-l.sem
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	l.acquisitions++
	l.totalWait += total
	l.mu.Unlock()

	released := false
	return func(callErr error) {
		if released {
			return
		}
		released = true
		l.mu.Lock()
		l.lastCompletion = time.Now()
		l.haveLast = true
		if recipe.IsRateLimitError(callErr) {
			l.rateLimitHits++
			l.consecutiveSuccess = 0
			l.currentDelay = l.bo.NextBackOff()
		} else {
			l.consecutiveSuccess++
			if l.resetAfterSuccess > 0 && l.consecutiveSuccess >= l.resetAfterSuccess {
				l.currentDelay = 0
				l.consecutiveSuccess = 0
				l.bo.Reset()
			}
		}
		l.mu.Unlock()
		<-l.sem
	}, nil
}

// Stats returns a snapshot of the limiter's observational counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Acquisitions: l.acquisitions, TotalWait: l.totalWait, RateLimitHits: l.rateLimitHits}
}
