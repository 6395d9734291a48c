package api

import (
	"context"
	"sync"

	"taskmirror/engine"
)

// EngineFactory builds and starts an engine for one owner.
type EngineFactory func(ctx context.Context, ownerID string) (*engine.Engine, error)

// Registry hands out one running engine per owner, creating it on first use.
// Engines live until Close; an owner reconnecting reuses the same projection.
type Registry struct {
	factory EngineFactory

	mu      sync.Mutex
	engines map[string]*engine.Engine
	closed  bool
}

func NewRegistry(factory EngineFactory) *Registry {
	return &Registry{factory: factory, engines: make(map[string]*engine.Engine)}
}

// Engine returns the owner's engine, starting one when none is running yet.
// Concurrent first requests for the same owner race to create; the loser's
// engine is closed again.
func (r *Registry) Engine(ctx context.Context, ownerID string) (*engine.Engine, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, engine.ErrClosed
	}
	if e, ok := r.engines[ownerID]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	e, err := r.factory(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		e.Close()
		return nil, engine.ErrClosed
	}
	if existing, ok := r.engines[ownerID]; ok {
		r.mu.Unlock()
		e.Close()
		return existing, nil
	}
	r.engines[ownerID] = e
	r.mu.Unlock()
	return e, nil
}

// Close stops every running engine.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	engines := r.engines
	r.engines = make(map[string]*engine.Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}
