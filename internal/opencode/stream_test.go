package opencode

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamCapture struct {
	mu         sync.Mutex
	events     []Event
	reason     DisconnectReason
	reported   bool
	disconnect chan struct{}
}

func newStreamCapture() *streamCapture {
	return &streamCapture{disconnect: make(chan struct{})}
}

func (c *streamCapture) onEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *streamCapture) onDisconnect(reason DisconnectReason, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reported {
		return
	}
	c.reported = true
	c.reason = reason
	close(c.disconnect)
}

func (c *streamCapture) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func sseServer(t *testing.T, fn func(w http.ResponseWriter, flush func())) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fn(w, flusher.Flush)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamParsesEvents(t *testing.T) {
	capture := newStreamCapture()
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		fmt.Fprint(w, ": comment line ignored\n")
		fmt.Fprint(w, "data: {\"type\":\"server.heartbeat\",\"properties\":{}}\n\n")
		fmt.Fprint(w, "data: not json at all\n\n")
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"a\"}}\n\n")
		flush()
	})

	s := NewEventStream(StreamConfig{}, capture.onEvent, capture.onDisconnect, nil)
	require.NoError(t, s.Connect(t.Context(), srv.URL))

	require.Eventually(t, func() bool {
		return len(capture.eventTypes()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"server.connected", "server.heartbeat", "session.idle"}, capture.eventTypes())

	// Server closing the stream reports stream_closed.
	select {
	case <-capture.disconnect:
		assert.Equal(t, ReasonStreamClosed, capture.reason)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reported")
	}
}

func TestStreamNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stream", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	s := NewEventStream(StreamConfig{}, nil, nil, nil)
	err := s.Connect(t.Context(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.False(t, s.Connected())
}

func TestStreamExplicitDisconnectIsSilent(t *testing.T) {
	capture := newStreamCapture()
	hold := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		flush()
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	s := NewEventStream(StreamConfig{}, capture.onEvent, capture.onDisconnect, nil)
	require.NoError(t, s.Connect(t.Context(), srv.URL))
	require.Eventually(t, func() bool {
		return len(capture.eventTypes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Disconnect()
	assert.False(t, s.Connected())

	// The hub asked for the stop; no disconnect callback fires.
	select {
	case <-capture.disconnect:
		t.Fatal("explicit disconnect must not report")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStreamHeartbeatTimeout(t *testing.T) {
	capture := newStreamCapture()
	hold := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		flush()
		<-hold // silence forever
	})
	t.Cleanup(func() { close(hold) })

	s := NewEventStream(StreamConfig{
		HeartbeatTimeout: 1500 * time.Millisecond,
		ReadTimeout:      10 * time.Second,
	}, capture.onEvent, capture.onDisconnect, nil)
	require.NoError(t, s.Connect(t.Context(), srv.URL))

	select {
	case <-capture.disconnect:
		assert.Equal(t, ReasonHeartbeatTimeout, capture.reason)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat watchdog never fired")
	}
	assert.False(t, s.Connected())
}

func TestStreamHeartbeatTimeoutDespiteChattyBytes(t *testing.T) {
	// A hung agent that keeps dribbling non-event bytes resets the read
	// clock but never the event clock; the heartbeat must still catch it.
	capture := newStreamCapture()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		flusher.Flush()

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n")
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)

	s := NewEventStream(StreamConfig{
		HeartbeatTimeout: 1500 * time.Millisecond,
		ReadTimeout:      10 * time.Second,
	}, capture.onEvent, capture.onDisconnect, nil)
	require.NoError(t, s.Connect(t.Context(), srv.URL))

	select {
	case <-capture.disconnect:
		assert.Equal(t, ReasonHeartbeatTimeout, capture.reason)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat watchdog never fired on a chatty but eventless stream")
	}
	assert.False(t, s.Connected())
}

func TestStreamReadTimeout(t *testing.T) {
	// Total byte silence with a long heartbeat window: the per-read
	// timeout fires first and is reported as read_timeout.
	capture := newStreamCapture()
	hold := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
		flush()
		<-hold
	})
	t.Cleanup(func() { close(hold) })

	s := NewEventStream(StreamConfig{
		HeartbeatTimeout: 10 * time.Second,
		ReadTimeout:      1500 * time.Millisecond,
	}, capture.onEvent, capture.onDisconnect, nil)
	require.NoError(t, s.Connect(t.Context(), srv.URL))

	select {
	case <-capture.disconnect:
		assert.Equal(t, ReasonReadTimeout, capture.reason)
	case <-time.After(5 * time.Second):
		t.Fatal("read watchdog never fired")
	}
	assert.False(t, s.Connected())
}

func TestStreamMultiLineData(t *testing.T) {
	capture := newStreamCapture()
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		// Split payload across two data: lines per the SSE framing rules.
		fmt.Fprint(w, "data: {\"type\":\"server.conn\ndata: ected\",\"properties\":{}}\n\n")
		flush()
	})

	s := NewEventStream(StreamConfig{}, capture.onEvent, capture.onDisconnect, nil)
	require.NoError(t, s.Connect(t.Context(), srv.URL))

	require.Eventually(t, func() bool {
		return len(capture.eventTypes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "server.connected", capture.eventTypes()[0])
}
