package events

import (
	"context"
	"fmt"
	"sync"
)

// Memory records published events for test inspection.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemory returns an empty recording Publisher.
func NewMemory() *Memory {
	return &Memory{}
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, ev Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return fmt.Sprintf("memory-%d", len(m.events)), nil
}

// Events returns the recorded events in publish order.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByKind returns recorded events of one kind.
func (m *Memory) ByKind(kind string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
