package expiry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CloudTasksQueue schedules expiry jobs as named Cloud Tasks, which gives
// durable delayed delivery plus server-side dedup by task name. The task
// pushes an HTTP POST back to the gateway's internal expiry route.
//
// Cloud Tasks handles:
//   - Durable delay across gateway restarts
//   - Deduplication by task name within the dedup window
//   - Dead-lettering at the queue level
//
// Local development runs the RedisQueue instead.
type CloudTasksQueue struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	grace     time.Duration
	logger    *slog.Logger
}

// NewCloudTasksQueue creates the managed queue backend. targetURL is the
// absolute URL of the gateway's /internal/tasks/session-expiry route.
func NewCloudTasksQueue(projectID, locationID, queueID, targetURL string, grace time.Duration, logger *slog.Logger) (*CloudTasksQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	if grace == 0 {
		grace = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CloudTasksQueue{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		grace:     grace,
		logger:    logger,
	}, nil
}

// Close shuts down the underlying client.
func (q *CloudTasksQueue) Close() error {
	return q.client.Close()
}

func (q *CloudTasksQueue) taskName(sessionID string) string {
	return q.queuePath + "/tasks/" + JobID(sessionID)
}

// Schedule implements Scheduler: remove any pending task with the same
// name, then create the replacement at the new fire time.
func (q *CloudTasksQueue) Schedule(ctx context.Context, sessionID string, expiresAt *time.Time) error {
	if expiresAt == nil {
		return nil
	}
	fireAt := expiresAt.Add(-q.grace)
	if now := time.Now(); fireAt.Before(now) {
		fireAt = now
	}

	// Best-effort delete; a missing task is the common case.
	if err := q.deleteTask(ctx, sessionID); err != nil {
		q.logger.Debug("no pending expiry task to replace", "session_id", sessionID, "error", err)
	}

	payload, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return fmt.Errorf("marshal expiry payload: %w", err)
	}

	_, err = q.client.CreateTask(ctx, &taskspb.CreateTaskRequest{
		Parent: q.queuePath,
		Task: &taskspb.Task{
			Name:         q.taskName(sessionID),
			ScheduleTime: timestamppb.New(fireAt),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        q.targetURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       payload,
				},
			},
		},
	})
	if err != nil {
		// Named-task dedup: an identical re-schedule inside the dedup
		// window is already in place.
		if strings.Contains(err.Error(), "AlreadyExists") {
			q.logger.Debug("expiry task already scheduled", "session_id", sessionID)
			return nil
		}
		return fmt.Errorf("create expiry task: %w", err)
	}

	q.logger.Debug("scheduled session expiry task", "session_id", sessionID, "fire_at", fireAt)
	return nil
}

// Cancel implements Scheduler.
func (q *CloudTasksQueue) Cancel(ctx context.Context, sessionID string) error {
	if err := q.deleteTask(ctx, sessionID); err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return nil
		}
		return err
	}
	return nil
}

func (q *CloudTasksQueue) deleteTask(ctx context.Context, sessionID string) error {
	return q.client.DeleteTask(ctx, &taskspb.DeleteTaskRequest{Name: q.taskName(sessionID)})
}
