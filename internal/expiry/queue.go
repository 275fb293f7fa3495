// Package expiry schedules the delayed session-expiry jobs that fire
// shortly before a sandbox's TTL elapses. Jobs are deduped by a stable id
// per session; re-scheduling replaces the pending job. Delivery is
// at-least-once: a failed handler run is abandoned, because migration is
// idempotent and the orphan sweep converges later.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobIDPrefix builds the stable per-session job id.
const JobIDPrefix = "session_expiry__"

// JobID returns the dedup id for a session's expiry job.
func JobID(sessionID string) string {
	return JobIDPrefix + sessionID
}

// Handler processes one due expiry job.
type Handler func(ctx context.Context, sessionID string)

// Scheduler enqueues and cancels expiry jobs.
type Scheduler interface {
	// Schedule (re-)enqueues the session's expiry job to fire GRACE before
	// expiresAt, clamped at now. A nil expiresAt is a no-op.
	Schedule(ctx context.Context, sessionID string, expiresAt *time.Time) error
	// Cancel removes any pending job for the session.
	Cancel(ctx context.Context, sessionID string) error
}

const (
	zsetKey = "expiry:sessions"

	defaultPollInterval = 5 * time.Second
	popBatch            = 16
)

// popDueScript atomically pops members whose score has passed so only one
// replica executes each job.
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call("ZREM", KEYS[1], member)
end
return due
`)

// RedisQueue is the delayed queue over a Redis sorted set: member is the
// session id, score is the fire time. ZADD overwrites the score, which
// gives the remove-and-reinsert semantics for free.
type RedisQueue struct {
	rdb          *redis.Client
	grace        time.Duration
	pollInterval time.Duration
	handler      Handler
	logger       *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewRedisQueue creates the queue. handler runs for each due job.
func NewRedisQueue(rdb *redis.Client, grace, pollInterval time.Duration, handler Handler, logger *slog.Logger) *RedisQueue {
	if grace == 0 {
		grace = 5 * time.Minute
	}
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		rdb:          rdb,
		grace:        grace,
		pollInterval: pollInterval,
		handler:      handler,
		logger:       logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Schedule implements Scheduler.
func (q *RedisQueue) Schedule(ctx context.Context, sessionID string, expiresAt *time.Time) error {
	if expiresAt == nil {
		return nil
	}
	fireAt := expiresAt.Add(-q.grace)
	if now := time.Now(); fireAt.Before(now) {
		fireAt = now
	}
	err := q.rdb.ZAdd(ctx, zsetKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: sessionID,
	}).Err()
	if err != nil {
		return err
	}
	q.logger.Debug("scheduled session expiry", "session_id", sessionID, "fire_at", fireAt)
	return nil
}

// Cancel implements Scheduler.
func (q *RedisQueue) Cancel(ctx context.Context, sessionID string) error {
	return q.rdb.ZRem(ctx, zsetKey, sessionID).Err()
}

// Start runs the poller until Stop.
func (q *RedisQueue) Start() {
	go q.run()
}

// Stop halts the poller and waits for it to exit.
func (q *RedisQueue) Stop() {
	close(q.stop)
	<-q.done
}

func (q *RedisQueue) run() {
	defer close(q.done)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.drainDue()
		}
	}
}

func (q *RedisQueue) drainDue() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := popDueScript.Run(ctx, q.rdb, []string{zsetKey},
		time.Now().UnixMilli(), popBatch).StringSlice()
	if err != nil {
		q.logger.Warn("expiry queue poll failed", "error", err)
		return
	}

	for _, sessionID := range res {
		q.logger.Info("expiry job due", "session_id", sessionID, "job_id", JobID(sessionID))
		go func(id string) {
			jobCtx, jobCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer jobCancel()
			q.handler(jobCtx, id)
		}(sessionID)
	}
}
