package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/gateway/internal/store"
)

func TestExtractPRURLs(t *testing.T) {
	text := `Opened https://github.com/acme/api/pull/42 and
also https://github.com/acme/api/pull/42 (again), plus
https://git.internal.io/platform/gateway/pull/7.`

	urls := ExtractPRURLs(text)
	assert.Equal(t, []string{
		"https://github.com/acme/api/pull/42",
		"https://git.internal.io/platform/gateway/pull/7",
	}, urls)

	assert.Empty(t, ExtractPRURLs("no links here"))
	assert.Empty(t, ExtractPRURLs("https://github.com/acme/api/issues/42"))
}

func TestRecordPRURLIdempotent(t *testing.T) {
	a := NewAccumulator(nil)

	a.RecordPRURL("https://github.com/acme/api/pull/1")
	a.RecordPRURL("https://github.com/acme/api/pull/1")
	assert.Len(t, a.AllPRURLs(), 1)

	var flushed []store.TelemetryDelta
	flushFn := func(_ context.Context, d store.TelemetryDelta) error {
		flushed = append(flushed, d)
		return nil
	}
	require.NoError(t, a.Flush(context.Background(), flushFn))
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"https://github.com/acme/api/pull/1"}, flushed[0].PRURLs)

	// The dedup set survives the flush: re-recording stays a no-op.
	a.RecordPRURL("https://github.com/acme/api/pull/1")
	require.NoError(t, a.Flush(context.Background(), flushFn))
	require.Len(t, flushed, 1, "second flush had nothing to send")
	assert.Len(t, a.AllPRURLs(), 1)
}

func TestFlushSubtractsSnapshotOnly(t *testing.T) {
	a := NewAccumulator(nil)
	a.RecordMessage()
	a.RecordMessage()
	a.RecordToolCall("call-1")

	inFlight := make(chan struct{})
	proceed := make(chan struct{})

	var flushes []store.TelemetryDelta
	var mu sync.Mutex
	flushFn := func(_ context.Context, d store.TelemetryDelta) error {
		mu.Lock()
		flushes = append(flushes, d)
		first := len(flushes) == 1
		mu.Unlock()
		if first {
			close(inFlight)
			<-proceed
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- a.Flush(context.Background(), flushFn) }()

	<-inFlight
	// Recorded mid-flush: must survive into the next delta.
	a.RecordMessage()
	a.RecordToolCall("call-2")
	// Coalesces into one queued rerun.
	require.NoError(t, a.Flush(context.Background(), flushFn))
	require.NoError(t, a.Flush(context.Background(), flushFn))
	close(proceed)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, flushes[0].MessagesExchanged)
	assert.Equal(t, 1, flushes[0].ToolCalls)
	assert.Equal(t, 1, flushes[1].MessagesExchanged)
	assert.Equal(t, 1, flushes[1].ToolCalls)
}

func TestFlushFailureRestoresDeltas(t *testing.T) {
	a := NewAccumulator(nil)
	a.RecordMessage()
	a.SetLatestTask("fix the build")

	err := a.Flush(context.Background(), func(context.Context, store.TelemetryDelta) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, a.Dirty())

	var got *store.TelemetryDelta
	require.NoError(t, a.Flush(context.Background(), func(_ context.Context, d store.TelemetryDelta) error {
		got = &d
		return nil
	}))
	require.NotNil(t, got)
	assert.Equal(t, 1, got.MessagesExchanged)
	require.NotNil(t, got.LatestTask)
	assert.Equal(t, "fix the build", *got.LatestTask)
}

func TestActiveTimeClock(t *testing.T) {
	a := NewAccumulator(nil)
	assert.False(t, a.Dirty())

	a.MarkRunning()
	assert.True(t, a.Dirty())
	time.Sleep(20 * time.Millisecond)
	a.MarkStopped()

	var got *store.TelemetryDelta
	require.NoError(t, a.Flush(context.Background(), func(_ context.Context, d store.TelemetryDelta) error {
		got = &d
		return nil
	}))
	require.NotNil(t, got)
	// Sub-second activity floors to zero seconds but was still drained.
	assert.GreaterOrEqual(t, got.ActiveSeconds, int64(0))
	assert.False(t, a.Dirty())
}

func TestRecordAssistantTextExtracts(t *testing.T) {
	a := NewAccumulator(nil)
	a.RecordAssistantText("done: https://github.com/acme/web/pull/9")
	a.RecordAssistantText("again https://github.com/acme/web/pull/9")
	assert.Equal(t, []string{"https://github.com/acme/web/pull/9"}, a.AllPRURLs())
}
