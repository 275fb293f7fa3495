// Package events is the session event bus: user activity and lifecycle
// notifications fanned out to in-process subscribers and, when enabled,
// published durably to Cloud Pub/Sub for downstream automation.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Session event types published on the bus.
const (
	TypeUserMessage        = "session.user_message"
	TypeSessionPaused      = "session.paused"
	TypeSessionStopped     = "session.stopped"
	TypeMigrationCompleted = "session.migration_completed"
)

// Emitter publishes session events. Both the in-memory Bus and the
// Pub/Sub-backed bus satisfy it.
type Emitter interface {
	Emit(eventType, sessionID string, data map[string]any)
}

// SessionEvent is the envelope of every bus event.
type SessionEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// JSON serializes the event.
func (e *SessionEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}

var eventSeq struct {
	mu sync.Mutex
	n  int64
}

func newSessionEvent(eventType, sessionID string, data map[string]any) *SessionEvent {
	eventSeq.mu.Lock()
	eventSeq.n++
	id := fmt.Sprintf("evt-%d-%d", time.Now().UnixNano(), eventSeq.n)
	eventSeq.mu.Unlock()

	return &SessionEvent{
		ID:        id,
		Type:      eventType,
		SessionID: sessionID,
		Time:      time.Now(),
		Data:      data,
	}
}

// Subscriber receives events; slow subscribers drop rather than block.
type Subscriber chan *SessionEvent

// Bus is the in-memory fan-out used in development and as the local leg of
// the Pub/Sub bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Subscriber]struct{}
	logger *slog.Logger
}

// NewBus creates an empty in-memory bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a buffered subscriber channel.
func (b *Bus) Subscribe(buffer int) Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := make(Subscriber, buffer)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
	b.mu.Unlock()
}

// Emit implements Emitter. Delivery to each subscriber is non-blocking: a
// full buffer drops the event for that subscriber only.
func (b *Bus) Emit(eventType, sessionID string, data map[string]any) {
	b.Publish(newSessionEvent(eventType, sessionID, data))
}

// Publish fans an already-built event out to subscribers.
func (b *Bus) Publish(event *SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			b.logger.Warn("dropping session event for slow subscriber", "event_type", event.Type, "session_id", event.SessionID)
		}
	}
}
