package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/gateway/internal/opencode"
)

func testRuntime() *Runtime {
	return &Runtime{sessionID: "sess-1", logger: slog.Default()}
}

func TestEnsureAgentSessionKeepsVerifiedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/as-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(opencode.SessionInfo{ID: "as-1"})
	}))
	t.Cleanup(srv.Close)

	r := testRuntime()
	id, err := r.ensureAgentSession(t.Context(), opencode.NewClient(srv.URL), "as-1", false)
	require.NoError(t, err)
	assert.Equal(t, "as-1", id)
}

func TestEnsureAgentSessionKeepsIDOnNetworkError(t *testing.T) {
	// Nothing listens here: lookups fail with connection refused, which
	// must never rotate the stored id.
	r := testRuntime()
	id, err := r.ensureAgentSession(t.Context(), opencode.NewClient("http://127.0.0.1:1"), "as-1", false)
	require.NoError(t, err)
	assert.Equal(t, "as-1", id)
}

func TestCreateAgentSessionRetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			// Drop the connection mid-request: a network-class failure.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		_ = json.NewEncoder(w).Encode(opencode.SessionInfo{ID: "as-created"})
	}))
	srv.Start()
	t.Cleanup(srv.Close)

	r := testRuntime()
	info, err := r.createAgentSession(t.Context(), opencode.NewClient(srv.URL), false)
	require.NoError(t, err)
	assert.Equal(t, "as-created", info.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateAgentSessionStopsOnDefinitiveError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid config", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	r := testRuntime()
	_, err := r.createAgentSession(t.Context(), opencode.NewClient(srv.URL), false)
	require.Error(t, err)
	// Definitive upstream answers are not retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateAgentSessionAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj := w.(http.Hijacker)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	r := testRuntime()
	_, err := r.createAgentSession(t.Context(), opencode.NewClient(srv.URL), false)
	require.Error(t, err)
	assert.Equal(t, int32(createAttempts), calls.Load())
}
