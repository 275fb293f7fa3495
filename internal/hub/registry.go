package hub

import (
	"context"
	"fmt"
	"sync"
)

// Registry is the process-local index of hubs by session id. Creation is
// single-flight: concurrent callers for the same session share one pending
// construction and receive the same hub.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	hubs    map[string]*Hub
	pending map[string]*creation
}

type creation struct {
	done chan struct{}
	hub  *Hub
	err  error
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:    deps,
		hubs:    make(map[string]*Hub),
		pending: make(map[string]*creation),
	}
}

// Lookup returns a resident hub without creating one.
func (r *Registry) Lookup(sessionID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[sessionID]
	return h, ok
}

// GetOrCreate returns the session's hub, creating it if absent. The
// pending-creation map makes late callers share the in-flight result
// instead of racing a second construction.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (*Hub, error) {
	r.mu.Lock()
	if h, ok := r.hubs[sessionID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	if c, ok := r.pending[sessionID]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.hub, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	r.pending[sessionID] = c
	r.mu.Unlock()

	hub, err := r.create(ctx, sessionID)

	r.mu.Lock()
	delete(r.pending, sessionID)
	if err == nil {
		r.hubs[sessionID] = hub
	}
	r.mu.Unlock()

	c.hub = hub
	c.err = err
	close(c.done)
	return hub, err
}

// create loads the session context and constructs the hub with its
// eviction callback.
func (r *Registry) create(ctx context.Context, sessionID string) (*Hub, error) {
	sess, err := r.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session for hub: %w", err)
	}
	return New(sess, r.deps, r.removeEntry), nil
}

// removeEntry is the eviction callback; the hub has already torn itself
// down by the time it fires.
func (r *Registry) removeEntry(sessionID string) {
	r.mu.Lock()
	delete(r.hubs, sessionID)
	r.mu.Unlock()
}

// Remove stops migration monitoring and deletes the entry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	h, ok := r.hubs[sessionID]
	delete(r.hubs, sessionID)
	r.mu.Unlock()
	if ok {
		h.ctrl.Stop()
	}
}

// All returns a snapshot of resident hubs.
func (r *Registry) All() []*Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		out = append(out, h)
	}
	return out
}

// ReleaseAllLeases hands every resident session over on graceful shutdown
// so a replacement replica can adopt them immediately.
func (r *Registry) ReleaseAllLeases(ctx context.Context) {
	for _, h := range r.All() {
		h.ReleaseLeases(ctx)
	}
}
