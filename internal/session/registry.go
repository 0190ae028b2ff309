package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"mindgraph/internal/store"
)

// Factory builds an unstarted session bound to a graph context.
type Factory func(graphID string) *Session

// Registry serializes access to the process-wide session. Concurrent
// callers observing no live session race to create one; the registry
// guarantees exactly one wins and everyone gets the same instance.
type Registry struct {
	factory Factory
	store   store.Store // nil disables resume lookups

	mu      sync.Mutex
	current *Session
}

// NewRegistry creates a registry. st may be nil.
func NewRegistry(factory Factory, st store.Store) *Registry {
	return &Registry{factory: factory, store: st}
}

// Get returns the live session, starting a fresh one if none exists or
// the previous one has stopped. A stopped session is never returned.
func (r *Registry) Get() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.State() != StateStopped {
		return r.current, nil
	}

	graphID := ""
	if r.current != nil {
		graphID = r.current.Info().GraphID
	}
	s := r.factory(graphID)
	if err := s.Start(); err != nil {
		return nil, err
	}
	r.current = s
	return s, nil
}

// Current returns the registered session without creating one. It may
// be nil or stopped.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reset discards the live session and starts a fresh one with the same
// graph context. Subscribers of the old session see its closed event
// and must resubscribe.
func (r *Registry) Reset() (*Session, error) {
	r.mu.Lock()
	old := r.current
	r.current = nil
	r.mu.Unlock()

	graphID := ""
	if old != nil {
		graphID = old.Info().GraphID
		if err := old.Stop(); err != nil {
			log.Printf("registry: stop on reset: %v", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.State() != StateStopped {
		// Another caller already created the replacement.
		return r.current, nil
	}
	s := r.factory(graphID)
	if err := s.Start(); err != nil {
		return nil, err
	}
	r.current = s
	return s, nil
}

// ResumeFrom replaces the live session with a fresh one whose graph
// context is carried over from a prior session. The context is taken
// from graphID if given, otherwise looked up from the stored record of
// priorID. The subprocess itself always starts fresh with a new id;
// ResumeFrom blocks until init so the caller gets a usable session.
func (r *Registry) ResumeFrom(ctx context.Context, priorID, graphID string) (*Session, error) {
	if graphID == "" && priorID != "" && r.store != nil {
		rec, err := r.store.GetSession(ctx, priorID)
		switch {
		case err == nil:
			graphID = rec.Context
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("no stored session %s: %w", priorID, err)
		default:
			return nil, fmt.Errorf("look up session %s: %w", priorID, err)
		}
	}

	r.mu.Lock()
	old := r.current
	r.current = nil
	r.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			log.Printf("registry: stop on resume: %v", err)
		}
	}

	s := r.factory(graphID)
	if err := s.Start(); err != nil {
		return nil, err
	}
	if err := s.WaitReady(ctx); err != nil {
		s.Stop()
		return nil, fmt.Errorf("resumed session did not initialize: %w", err)
	}

	r.mu.Lock()
	displaced := r.current
	r.current = s
	r.mu.Unlock()

	// A Get racing the stop/start window may have installed its own
	// session; resume wins, and the straggler is stopped so its process
	// does not leak.
	if displaced != nil && displaced != s {
		if err := displaced.Stop(); err != nil {
			log.Printf("registry: stop displaced session: %v", err)
		}
	}
	return s, nil
}

// StopAll stops the live session, if any. Used on server shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s != nil {
		if err := s.Stop(); err != nil {
			log.Printf("registry: stop on shutdown: %v", err)
		}
	}
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, or nil if SetDefault has
// not been called.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// SetDefault installs the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}
