package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	mu   sync.Mutex
	runs []string
}

func (c *captureHandler) handle(_ context.Context, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, sessionID)
}

func (c *captureHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

func setupQueue(t *testing.T) (*miniredis.Miniredis, *redis.Client, *captureHandler, *RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	handler := &captureHandler{}
	q := NewRedisQueue(rdb, 5*time.Minute, 20*time.Millisecond, handler.handle, nil)
	return mr, rdb, handler, q
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "session_expiry__sess-1", JobID("sess-1"))
}

func TestScheduleNilIsNoOp(t *testing.T) {
	_, rdb, _, q := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Schedule(ctx, "sess-1", nil))
	n, err := rdb.ZCard(ctx, zsetKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleDedupesByJobKey(t *testing.T) {
	_, rdb, _, q := setupQueue(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, "sess-1", &at))
	require.NoError(t, q.Schedule(ctx, "sess-1", &at))

	// Exactly one job per session, whatever the schedule count.
	n, err := rdb.ZCard(ctx, zsetKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Rescheduling moves the fire time instead of stacking jobs.
	later := at.Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, "sess-1", &later))
	score, err := rdb.ZScore(ctx, zsetKey, "sess-1").Result()
	require.NoError(t, err)
	assert.InDelta(t, float64(later.Add(-5*time.Minute).UnixMilli()), score, 1000)
}

func TestPastExpiryFiresPromptly(t *testing.T) {
	_, _, handler, q := setupQueue(t)
	ctx := context.Background()

	// Already inside the grace window: delay clamps to zero.
	at := time.Now().Add(-time.Second)
	require.NoError(t, q.Schedule(ctx, "sess-1", &at))

	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return handler.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRemovesJob(t *testing.T) {
	_, rdb, handler, q := setupQueue(t)
	ctx := context.Background()

	at := time.Now().Add(-time.Second)
	require.NoError(t, q.Schedule(ctx, "sess-1", &at))
	require.NoError(t, q.Cancel(ctx, "sess-1"))

	n, err := rdb.ZCard(ctx, zsetKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	q.Start()
	defer q.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, handler.count())
}

func TestFutureJobDoesNotFireEarly(t *testing.T) {
	_, _, handler, q := setupQueue(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	require.NoError(t, q.Schedule(ctx, "sess-1", &at))

	q.Start()
	defer q.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, handler.count())
}
