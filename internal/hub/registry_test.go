package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/gateway/internal/store"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(testDeps(t))

	_, ok := r.Lookup("sess-1")
	assert.False(t, ok)

	h := New(testSession(store.ClientTypeWeb), r.deps, r.removeEntry)
	r.mu.Lock()
	r.hubs[h.SessionID()] = h
	r.mu.Unlock()

	got, ok := r.Lookup("sess-1")
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestGetOrCreateSharesPendingCreation(t *testing.T) {
	r := NewRegistry(testDeps(t))

	// A creation is already in flight; concurrent callers must wait on it
	// and receive the same hub instead of constructing a second one.
	c := &creation{done: make(chan struct{})}
	r.mu.Lock()
	r.pending["sess-1"] = c
	r.mu.Unlock()

	results := make(chan *Hub, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := r.GetOrCreate(context.Background(), "sess-1")
			require.NoError(t, err)
			results <- h
		}()
	}

	select {
	case <-results:
		t.Fatal("caller returned before the pending creation finished")
	case <-time.After(100 * time.Millisecond):
	}

	shared := New(testSession(store.ClientTypeWeb), r.deps, r.removeEntry)
	c.hub = shared
	close(c.done)

	for i := 0; i < 2; i++ {
		select {
		case h := <-results:
			assert.Same(t, shared, h)
		case <-time.After(time.Second):
			t.Fatal("caller never observed the shared hub")
		}
	}
}

func TestGetOrCreateWaiterRespectsContext(t *testing.T) {
	r := NewRegistry(testDeps(t))

	c := &creation{done: make(chan struct{})}
	r.mu.Lock()
	r.pending["sess-1"] = c
	r.mu.Unlock()
	defer close(c.done)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.GetOrCreate(ctx, "sess-1")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestEvictionRemovesRegistryEntry(t *testing.T) {
	r := NewRegistry(testDeps(t))

	h := New(testSession(store.ClientTypeWeb), r.deps, r.removeEntry)
	r.mu.Lock()
	r.hubs[h.SessionID()] = h
	r.mu.Unlock()

	h.SignalEvict()

	_, ok := r.Lookup("sess-1")
	assert.False(t, ok)
}

func TestRemoveStopsMigrationMonitoring(t *testing.T) {
	r := NewRegistry(testDeps(t))

	h := New(testSession(store.ClientTypeWeb), r.deps, r.removeEntry)
	r.mu.Lock()
	r.hubs[h.SessionID()] = h
	r.mu.Unlock()

	r.Remove("sess-1")
	_, ok := r.Lookup("sess-1")
	assert.False(t, ok)

	// A stopped controller refuses further flows.
	require.NoError(t, h.RunIdleSnapshot(context.Background()))
}
