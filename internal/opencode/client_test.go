package opencode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSessionEndpoints(t *testing.T) {
	var promptBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /session":
			_ = json.NewEncoder(w).Encode(SessionInfo{ID: "as-new"})
		case "GET /session/as-1":
			_ = json.NewEncoder(w).Encode(SessionInfo{ID: "as-1"})
		case "GET /session/gone":
			http.NotFound(w, r)
		case "GET /session":
			_ = json.NewEncoder(w).Encode([]SessionInfo{{ID: "as-1"}, {ID: "as-2"}})
		case "POST /session/as-1/prompt_async":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&promptBody))
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "{}")
		case "POST /session/as-1/abort":
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "{}")
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL + "/")
	ctx := t.Context()

	created, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "as-new", created.ID)

	got, err := c.GetSession(ctx, "as-1")
	require.NoError(t, err)
	assert.Equal(t, "as-1", got.ID)

	_, err = c.GetSession(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	listed, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, c.PromptAsync(ctx, "as-1", TextPrompt("hello", []string{"data:image/png;base64,aGk="})))
	parts, ok := promptBody["parts"].([]any)
	require.True(t, ok)
	assert.Len(t, parts, 2)

	require.NoError(t, c.Abort(ctx, "as-1"))
}

func TestIsNetworkError(t *testing.T) {
	assert.True(t, IsNetworkError(errors.New("dial tcp 10.0.0.1:4096: connect: connection refused")))
	assert.True(t, IsNetworkError(errors.New("read tcp: ECONNRESET")))
	assert.True(t, IsNetworkError(errors.New("fetch failed")))
	assert.True(t, IsNetworkError(fmt.Errorf("GET /session: %w", errors.New("unexpected EOF"))))

	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(fmt.Errorf("GET /session/x: %w", ErrNotFound)))
	assert.False(t, IsNetworkError(errors.New("status 500: internal")))
}

func TestTextPrompt(t *testing.T) {
	parts := TextPrompt("do it", nil)
	require.Len(t, parts, 1)
	assert.Equal(t, PartTypeText, parts[0].Type)

	parts = TextPrompt("look", []string{"data:image/png;base64,aGk="})
	require.Len(t, parts, 2)
	assert.Equal(t, PartTypeFile, parts[1].Type)
}
