package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to in-process subscribers
type PubSubBus struct {
	*Bus // embedded — Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubBus creates a Pub/Sub-backed session event bus. The topic is
// created if it does not exist.
func NewPubSubBus(projectID, topicID string, logger *slog.Logger) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	// Ordering by session id keeps each session's events in sequence.
	topic.EnableMessageOrdering = true

	if logger == nil {
		logger = slog.Default()
	}
	bus := &PubSubBus{
		Bus:    NewBus(logger),
		client: client,
		topic:  topic,
		logger: logger,
	}
	logger.Info("session event bus connected to Pub/Sub", "project_id", projectID, "topic_id", topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out in-process.
func (pb *PubSubBus) Emit(eventType, sessionID string, data map[string]any) {
	event := newSessionEvent(eventType, sessionID, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *SessionEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Warn("failed to marshal session event", "event_id", event.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := pb.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: event.SessionID,
		Attributes: map[string]string{
			"type":      event.Type,
			"sessionId": event.SessionID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		pb.logger.Warn("failed to publish session event", "event_id", event.ID, "error", err)
		pb.topic.ResumePublish(event.SessionID)
	}
}

// Close flushes and shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	return pb.client.Close()
}
