package transport

import (
	"context"
	"sync"
)

// InFlightRegistry tracks running invocations for explicit cancellation.
// It maps a tenant's trace IDs to their cancel functions, allowing a
// DELETE request to abort an execution that is still in progress.
// Cancelling taints the worker running it.
//
// Entries are keyed per tenant, so one tenant can never cancel another
// tenant's execution. All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[inflightKey]context.CancelFunc
}

type inflightKey struct {
	tenantID string
	traceID  string
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[inflightKey]context.CancelFunc),
	}
}

// Register adds an in-flight invocation. It returns false when the
// tenant already has an execution running under traceID.
func (r *InFlightRegistry) Register(tenantID, traceID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := inflightKey{tenantID, traceID}
	if _, dup := r.entries[key]; dup {
		return false
	}
	r.entries[key] = cancel
	return true
}

// Cancel cancels an in-flight invocation by calling its cancel function.
// Returns true if the invocation was found and cancelled, false if it was
// not registered (either already completed or never existed).
func (r *InFlightRegistry) Cancel(tenantID, traceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := inflightKey{tenantID, traceID}
	cancel, ok := r.entries[key]
	if !ok {
		return false
	}
	cancel()
	delete(r.entries, key)
	return true
}

// Remove removes an invocation from the registry without cancelling it.
// Called when the invocation completes normally.
func (r *InFlightRegistry) Remove(tenantID, traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, inflightKey{tenantID, traceID})
}

// Len returns the number of running invocations.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
