package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// Usage is a point-in-time view of outbound volume per gateway slug
type Usage struct {
	Counts   map[string]int `json:"counts"`
	LastUsed string         `json:"last_used,omitempty"`
}

// Count returns the sends recorded for slug
func (u Usage) Count(slug string) int {
	return u.Counts[slug]
}

// Clone returns a deep copy of u
func (u Usage) Clone() Usage {
	counts := make(map[string]int, len(u.Counts)+1)
	for k, v := range u.Counts {
		counts[k] = v
	}
	return Usage{Counts: counts, LastUsed: u.LastUsed}
}

// Record returns a copy of u with one more send on slug
func (u Usage) Record(slug string) Usage {
	next := u.Clone()
	next.Counts[slug]++
	next.LastUsed = slug
	return next
}

// UsageTracker counts outgoing messages per gateway over the rotation
// window. Counts come from the message store and are cached for refreshEvery.
type UsageTracker struct {
	store        storage.Store
	window       time.Duration
	refreshEvery time.Duration
	now          func() time.Time

	mu          sync.Mutex
	cached      Usage
	refreshedAt time.Time
}

func NewUsageTracker(store storage.Store, window time.Duration) *UsageTracker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &UsageTracker{
		store:        store,
		window:       window,
		refreshEvery: 30 * time.Second,
		now:          time.Now,
		cached:       Usage{Counts: map[string]int{}},
	}
}

// WithClock replaces the time source
func (t *UsageTracker) WithClock(now func() time.Time) *UsageTracker {
	t.now = now
	return t
}

// Window is the rotation window the counts cover
func (t *UsageTracker) Window() time.Duration {
	return t.window
}

// Snapshot returns the current usage, reloading it when the cache is stale
func (t *UsageTracker) Snapshot(ctx context.Context) (Usage, error) {
	t.mu.Lock()
	fresh := !t.refreshedAt.IsZero() && t.now().Sub(t.refreshedAt) < t.refreshEvery
	cached := t.cached
	t.mu.Unlock()

	if fresh {
		return cached.Clone(), nil
	}
	if err := t.Refresh(ctx); err != nil {
		return Usage{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cached.Clone(), nil
}

// Refresh reloads counts from the store
func (t *UsageTracker) Refresh(ctx context.Context) error {
	counts, err := t.store.CountOutgoingByGatewaySince(ctx, t.now().Add(-t.window))
	if err != nil {
		return fmt.Errorf("count gateway usage: %w", err)
	}
	if counts == nil {
		counts = map[string]int{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.cached = Usage{Counts: counts, LastUsed: t.cached.LastUsed}
	t.refreshedAt = t.now()
	return nil
}

// Record counts one send on slug against the cached usage. Concurrent
// sends each add their own increment.
func (t *UsageTracker) Record(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached.Counts == nil {
		t.cached.Counts = map[string]int{}
	}
	t.cached.Counts[slug]++
	t.cached.LastUsed = slug
}
