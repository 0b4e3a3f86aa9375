// Package registry maps collection names to their delivery handlers.
//
// The queue core never decodes mutation payloads. Each collection registers a
// pair of handlers that own the typed (de)serialization and the remote call;
// the registry is the only coupling point between the queue and the backend.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Handlers is the delivery pair for one collection. Both calls must be
// idempotent on the remote side: at-least-once delivery means a handler can
// observe the same payload twice after a crash between delivery and removal.
type Handlers struct {
	Upsert func(ctx context.Context, payload []byte) error
	Delete func(ctx context.Context, payload []byte) error
}

// Registry is a concurrency-safe collection-to-handlers map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handlers
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handlers),
	}
}

// Register installs the handler pair for a collection. Registering the same
// collection again replaces the previous pair silently; the most recent
// registration wins.
func (r *Registry) Register(collection string, h Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[collection] = h
}

// Resolve returns the handler pair for a collection, and whether one exists.
func (r *Registry) Resolve(collection string) (Handlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[collection]
	return h, ok
}

// Collections returns the registered collection names in sorted order.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
