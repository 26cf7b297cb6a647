// Package ratelimit implements fixed-window send counters keyed by line,
// destination number or campaign. Every backend performs the check and the
// increment as one atomic operation per key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/metrics"
	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// MinLineWindow is the shortest window a line limiter may use
const MinLineWindow = time.Minute

// Decision is the outcome of one Hit
type Decision struct {
	Allowed         bool
	Count           int
	WindowStartedAt time.Time
	RetryAfter      time.Duration
}

// CounterStore is an atomic fixed-window counter
type CounterStore interface {
	// Hit resets the window when it has elapsed, rejects when count >= max
	// and otherwise increments.
	Hit(ctx context.Context, key string, window time.Duration, max int, now time.Time) (Decision, error)
	// Release gives back one unit taken by a Hit whose send did not happen
	Release(ctx context.Context, key string) error
}

// Limiter applies scoped limits on top of a CounterStore
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// New creates a limiter on the given counter store
func New(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock replaces the limiter clock; used by tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Key builds the counter key for a scope
func Key(scope, id string) string {
	return scope + ":" + id
}

// Allow takes one unit from the counter or returns a *RateLimitedError
func (l *Limiter) Allow(ctx context.Context, scope, id string, window time.Duration, max int) error {
	if max <= 0 || window <= 0 {
		return nil
	}
	key := Key(scope, id)
	decision, err := l.store.Hit(ctx, key, window, max, l.now())
	if err != nil {
		return fmt.Errorf("rate limit %s: %w", key, err)
	}
	if decision.Allowed {
		return nil
	}
	metrics.RateLimitRejections.WithLabelValues(scope).Inc()
	return &apperrors.RateLimitedError{
		Scope:      scope,
		Key:        key,
		Limit:      max,
		Window:     window,
		RetryAfter: decision.RetryAfter,
	}
}

// Release undoes one Allow for the scope and id
func (l *Limiter) Release(ctx context.Context, scope, id string) error {
	return l.store.Release(ctx, Key(scope, id))
}

// AllowLine applies the per-line limiter configured on an official line.
// Lines without the limiter enabled always pass.
func (l *Limiter) AllowLine(ctx context.Context, line *models.Line) error {
	if line == nil || !line.RateLimitEnabled || line.ID == 0 {
		return nil
	}
	window := time.Duration(line.RateLimitWindowSeconds) * time.Second
	if window < MinLineWindow {
		window = MinLineWindow
	}
	max := line.RateLimitMaxMessages
	if max < 1 {
		max = 1
	}
	return l.Allow(ctx, apperrors.ScopeLine, fmt.Sprintf("%d", line.ID), window, max)
}

// evaluate is the shared window arithmetic used by the in-process backends
func evaluate(state models.RateLimitState, window time.Duration, max int, now time.Time) (models.RateLimitState, Decision) {
	if state.WindowStartedAt.IsZero() || !now.Before(state.WindowStartedAt.Add(window)) {
		state.WindowStartedAt = now
		state.Count = 0
	}
	if state.Count >= max {
		retry := state.WindowStartedAt.Add(window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return state, Decision{Allowed: false, Count: state.Count, WindowStartedAt: state.WindowStartedAt, RetryAfter: retry}
	}
	state.Count++
	return state, Decision{Allowed: true, Count: state.Count, WindowStartedAt: state.WindowStartedAt}
}
