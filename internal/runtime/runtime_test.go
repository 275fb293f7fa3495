package runtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureReadySharesInFlightBoot(t *testing.T) {
	r := &Runtime{sessionID: "sess-1", logger: slog.Default()}

	// A boot is in progress; late callers must join it rather than start a
	// second one.
	call := &ensureCall{done: make(chan struct{})}
	r.mu.Lock()
	r.inflight = call
	r.mu.Unlock()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- r.EnsureReady(context.Background(), EnsureOpts{Reason: ReasonClientConnect})
		}()
	}

	select {
	case err := <-results:
		t.Fatalf("caller returned before the in-flight boot finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	call.err = assert.AnError
	close(call.done)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, assert.AnError)
		case <-time.After(time.Second):
			t.Fatal("caller never observed the shared result")
		}
	}
}

func TestEnsureReadyWaiterRespectsContext(t *testing.T) {
	r := &Runtime{sessionID: "sess-1", logger: slog.Default()}

	call := &ensureCall{done: make(chan struct{})}
	r.mu.Lock()
	r.inflight = call
	r.mu.Unlock()
	defer close(call.done)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.EnsureReady(ctx, EnsureOpts{}) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestResetSandboxStateClearsBindings(t *testing.T) {
	r := &Runtime{
		sessionID:      "sess-1",
		logger:         slog.Default(),
		tunnelURL:      "http://127.0.0.1:9999",
		previewURL:     "http://127.0.0.1:9999/preview",
		sandboxID:      "box-1",
		agentSessionID: "as-1",
	}
	require.Equal(t, "box-1", r.SandboxID())

	r.ResetSandboxState()

	assert.Empty(t, r.TunnelURL())
	assert.Empty(t, r.PreviewURL())
	assert.Empty(t, r.SandboxID())
	assert.Empty(t, r.AgentSessionID())
	assert.False(t, r.Ready())
	assert.Nil(t, r.Client())
}
