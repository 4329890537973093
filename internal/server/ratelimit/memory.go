package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many increments pass between opportunistic sweeps
// of expired entries. Eviction is lazy; there is no dedicated timer.
const sweepEvery = 256

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter is the in-process counter backend. Counts are local to
// one instance with no cross-instance consistency; use it only for
// single-instance deployments.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ops     int

	now func() time.Time
}

// NewMemoryCounter creates an in-process counter backend.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Incr increments the counter for key and returns the new value. The
// entry expires ttl after its first increment.
func (m *MemoryCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	e, ok := m.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{expiresAt: now.Add(ttl)}
		m.entries[key] = e
	}
	e.count++

	m.ops++
	if m.ops%sweepEvery == 0 {
		m.sweepLocked(now)
	}

	return e.count, nil
}

// sweepLocked drops expired entries. Caller holds mu.
func (m *MemoryCounter) sweepLocked(now time.Time) {
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

// Len reports the number of live entries, for observability.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
