// Package registry maps a job Kind to the Handler that executes it: a
// mutex-guarded map plus Register/Lookup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arjunv/jobdispatch/internal/store"
)

// ErrUnknownKind is returned by Lookup when no handler was registered for
// a kind; the worker pool routes this through the same retry/DLQ branch
// as any other handler failure.
var ErrUnknownKind = errors.New("registry: unknown job kind")

// Handler executes one job's business logic and returns the result to be
// stored on the job record. The handler's business logic itself is
// someone else's concern; this package only owns the kind-to-handler
// lookup.
type Handler func(ctx context.Context, job *store.Job) (store.JSONMap, error)

// Registry is safe for concurrent Register/Lookup, since the worker pool
// looks up a handler per job from many goroutines at once.
type Registry struct {
	mu       sync.RWMutex
	handlers map[store.Kind]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[store.Kind]Handler)}
}

// Register associates kind with fn, replacing any existing handler for
// that kind.
func (r *Registry) Register(kind store.Kind, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Lookup returns the handler for kind, or ErrUnknownKind.
func (r *Registry) Lookup(kind store.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return fn, nil
}

// Kinds reports which kinds currently have a registered handler.
func (r *Registry) Kinds() []store.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
