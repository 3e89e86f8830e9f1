package memory

import (
	"context"
	"sync"
)

// Session owns one snapshot chain for a long-lived process. Operations are
// serialized and the current snapshot advances only when an operation
// succeeds.
type Session struct {
	mu      sync.Mutex
	current *Manager
}

// NewSession starts a session at initial
func NewSession(initial *Manager) *Session {
	return &Session{current: initial}
}

// Current returns the latest snapshot. Snapshots are immutable so the
// caller may keep using it while other operations run.
func (s *Session) Current() *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply runs fn against the current snapshot and installs its result
func (s *Session) Apply(ctx context.Context, fn func(ctx context.Context, m *Manager) (*Manager, error)) (*Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(ctx, s.current)
	if err != nil {
		return nil, err
	}
	s.current = next
	return next, nil
}
