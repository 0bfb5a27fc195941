package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/crestwell/leadpipe/internal/clock"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryKV is an in-process KV for tests and single-node deployments.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   clock.Clock
}

// NewMemoryKV returns an empty in-memory counter store.
func NewMemoryKV(clk clock.Clock) *MemoryKV {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryKV{entries: make(map[string]*memoryEntry), clock: clk}
}

// IncrWithTTL implements KV.
func (m *MemoryKV) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{}
		m.entries[key] = e
		e.expiresAt = now.Add(ttl)
	}
	e.value++
	return e.value, nil
}

// Decr implements KV.
func (m *MemoryKV) Decr(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.value > 0 {
		e.value--
	}
	return nil
}

// Value returns the current counter for key, treating expired keys as zero.
func (m *MemoryKV) Value(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.clock.Now().After(e.expiresAt) {
		return 0
	}
	return e.value
}
