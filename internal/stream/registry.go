package stream

import (
	"fmt"
	"sync"

	"knowflow/internal/types"
)

// Registry enforces one active stream per session. Overlapping responses in
// the same session are refused; the caller serialises.
type Registry struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]bool)}
}

// Acquire claims a session for one streaming response. The returned release
// must run when the stream ends.
func (r *Registry) Acquire(sessionID string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[sessionID] {
		return nil, fmt.Errorf("%w: session %s already has an active stream", types.ErrValidation, sessionID)
	}
	r.active[sessionID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, sessionID)
			r.mu.Unlock()
		})
	}, nil
}
