// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one work item. Returning a nil error completes the item
// and persists the returned result; a non-nil error settles it through the
// retry policy, except ErrDetach, which leaves the item running for an
// external reconciler to settle via Resolve. Handlers must be idempotent: a
// crashed worker's item runs again after lease expiry.
type Handler func(ctx context.Context, item *WorkItem) (any, error)

// Registry maps job types to handlers. Registration happens during startup,
// before any worker runs; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Registering the same type twice
// is a wiring bug and returns an error.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" {
		return fmt.Errorf("queue: job type is required")
	}
	if h == nil {
		return fmt.Errorf("queue: nil handler for %s", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("queue: handler already registered for %s", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Lookup returns the handler for a job type.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
