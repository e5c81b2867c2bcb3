// Package lock serializes turns per session. A busy key is reported, not
// waited on.
package lock

import (
	"context"
	"sync"
)

// Unlock releases a held key.
type Unlock func()

// Locker hands out exclusive, non-blocking holds on string keys.
type Locker interface {
	// TryLock returns ok=false when key is already held.
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) TryLock(_ context.Context, key string) (Unlock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.held[key]; busy {
		return nil, false, nil
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true, nil
}
