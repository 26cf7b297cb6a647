package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// MemoryCounter keeps counters in process memory. It does not survive a
// restart, so it is only meant for tests and single-instance development.
type MemoryCounter struct {
	mu     sync.Mutex
	states map[string]models.RateLimitState
}

// NewMemoryCounter creates an empty in-memory counter store
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{states: make(map[string]models.RateLimitState)}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, window time.Duration, max int, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, decision := evaluate(m.states[key], window, max, now)
	state.Key = key
	m.states[key] = state
	return decision, nil
}

func (m *MemoryCounter) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	if ok && state.Count > 0 {
		state.Count--
		m.states[key] = state
	}
	return nil
}

// State returns the stored counter for a key
func (m *MemoryCounter) State(key string) (models.RateLimitState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	return state, ok
}
