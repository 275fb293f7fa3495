// Package telemetry accumulates per-session usage counters in memory and
// flushes them to the store with single-flight coalescing. Counters are
// deltas; the all-time PR URL set is the only state that survives flushes,
// because it backs the idempotence of RecordPRURL.
package telemetry

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/proliferate-ai/gateway/internal/store"
)

// prURLPattern matches pull-request URLs in assistant output.
var prURLPattern = regexp.MustCompile(`https://[\w.-]+/[\w.-]+/[\w.-]+/pull/\d+`)

// ExtractPRURLs returns the deduplicated PR URLs found in text, in order
// of first appearance.
func ExtractPRURLs(text string) []string {
	matches := prURLPattern.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// FlushFunc persists one delta.
type FlushFunc func(ctx context.Context, delta store.TelemetryDelta) error

// Accumulator collects counters for one session.
type Accumulator struct {
	mu sync.Mutex

	toolCallIDs       map[string]struct{}
	messagesExchanged int
	pendingPRURLs     []string
	allPRURLs         map[string]struct{}
	latestTask        *string

	runningStartedAt *time.Time
	activeAccum      time.Duration

	flushing    bool
	rerunQueued bool

	logger *slog.Logger
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		toolCallIDs: make(map[string]struct{}),
		allPRURLs:   make(map[string]struct{}),
		logger:      logger,
	}
}

// RecordToolCall counts a tool invocation once per call id.
func (a *Accumulator) RecordToolCall(callID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolCallIDs[callID] = struct{}{}
}

// RecordMessage counts one exchanged message.
func (a *Accumulator) RecordMessage() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messagesExchanged++
}

// RecordPRURL records a pull-request URL. Idempotent for the lifetime of
// the accumulator: the all-time set persists across flushes.
func (a *Accumulator) RecordPRURL(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.allPRURLs[url]; seen {
		return
	}
	a.allPRURLs[url] = struct{}{}
	a.pendingPRURLs = append(a.pendingPRURLs, url)
}

// RecordAssistantText extracts artifacts (PR URLs) from assistant output.
func (a *Accumulator) RecordAssistantText(text string) {
	for _, url := range ExtractPRURLs(text) {
		a.RecordPRURL(url)
	}
}

// SetLatestTask remembers the most recent task description.
func (a *Accumulator) SetLatestTask(task string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latestTask = &task
}

// AllPRURLs returns a copy of the all-time PR URL set.
func (a *Accumulator) AllPRURLs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.allPRURLs))
	for u := range a.allPRURLs {
		out = append(out, u)
	}
	return out
}

// MarkRunning starts the active-time clock.
func (a *Accumulator) MarkRunning() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runningStartedAt == nil {
		now := time.Now()
		a.runningStartedAt = &now
	}
}

// MarkStopped stops the clock and banks the elapsed time.
func (a *Accumulator) MarkStopped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runningStartedAt != nil {
		a.activeAccum += time.Since(*a.runningStartedAt)
		a.runningStartedAt = nil
	}
}

// Dirty reports whether anything would be flushed.
func (a *Accumulator) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.toolCallIDs) > 0 || a.messagesExchanged > 0 ||
		len(a.pendingPRURLs) > 0 || a.latestTask != nil ||
		a.activeAccum > 0 || a.runningStartedAt != nil
}

// Flush persists the accumulated deltas through flushFn. Concurrent calls
// coalesce: while a flush is in progress, at most one rerun is queued and
// executed after the current one finishes. Values recorded during the
// flush are not lost — only the snapshotted amounts are subtracted.
func (a *Accumulator) Flush(ctx context.Context, flushFn FlushFunc) error {
	a.mu.Lock()
	if a.flushing {
		a.rerunQueued = true
		a.mu.Unlock()
		return nil
	}
	a.flushing = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.flushing = false
		rerun := a.rerunQueued
		a.rerunQueued = false
		a.mu.Unlock()
		if rerun {
			if err := a.Flush(ctx, flushFn); err != nil {
				a.logger.Warn("queued telemetry rerun failed", "error", err)
			}
		}
	}()

	snapshot, delta := a.takeSnapshot()
	if delta == nil {
		return nil
	}

	if err := flushFn(ctx, *delta); err != nil {
		a.restoreSnapshot(snapshot)
		return err
	}
	return nil
}

type flushSnapshot struct {
	toolCallIDs []string
	messages    int
	prURLs      []string
	latestTask  *string
	activeDur   time.Duration
}

// takeSnapshot drains the current deltas. The active-time clock restarts
// at the snapshot instant so no second is counted twice.
func (a *Accumulator) takeSnapshot() (*flushSnapshot, *store.TelemetryDelta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := a.activeAccum
	if a.runningStartedAt != nil {
		now := time.Now()
		active += now.Sub(*a.runningStartedAt)
		a.runningStartedAt = &now
	}
	a.activeAccum = 0

	if len(a.toolCallIDs) == 0 && a.messagesExchanged == 0 &&
		len(a.pendingPRURLs) == 0 && a.latestTask == nil && active == 0 {
		return nil, nil
	}

	snap := &flushSnapshot{
		messages:   a.messagesExchanged,
		prURLs:     a.pendingPRURLs,
		latestTask: a.latestTask,
		activeDur:  active,
	}
	for id := range a.toolCallIDs {
		snap.toolCallIDs = append(snap.toolCallIDs, id)
	}

	a.toolCallIDs = make(map[string]struct{})
	a.messagesExchanged = 0
	a.pendingPRURLs = nil
	a.latestTask = nil

	return snap, &store.TelemetryDelta{
		ToolCalls:         len(snap.toolCallIDs),
		MessagesExchanged: snap.messages,
		ActiveSeconds:     int64(active.Seconds()),
		PRURLs:            snap.prURLs,
		LatestTask:        snap.latestTask,
	}
}

// restoreSnapshot merges a failed flush back so nothing is dropped.
func (a *Accumulator) restoreSnapshot(snap *flushSnapshot) {
	if snap == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range snap.toolCallIDs {
		a.toolCallIDs[id] = struct{}{}
	}
	a.messagesExchanged += snap.messages
	a.pendingPRURLs = append(snap.prURLs, a.pendingPRURLs...)
	if a.latestTask == nil {
		a.latestTask = snap.latestTask
	}
	a.activeAccum += snap.activeDur
}
