// Package migration decides and executes sandbox snapshot, migrate, and
// terminate flows. Every mutating flow runs under the per-session migration
// lock and persists through CAS updates guarded by the observed sandbox id,
// so replicas racing on the same session converge instead of colliding.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proliferate-ai/gateway/internal/events"
	"github.com/proliferate-ai/gateway/internal/expiry"
	"github.com/proliferate-ai/gateway/internal/leases"
	"github.com/proliferate-ai/gateway/internal/metrics"
	"github.com/proliferate-ai/gateway/internal/protocol"
	"github.com/proliferate-ai/gateway/internal/runtime"
	"github.com/proliferate-ai/gateway/internal/sandbox"
	"github.com/proliferate-ai/gateway/internal/store"
	"github.com/proliferate-ai/gateway/internal/telemetry"
)

// Migration states.
const (
	StateNormal    = "normal"
	StateMigrating = "migrating"
)

const (
	expiryLockTTL = 60 * time.Second
	idleLockTTL   = 300 * time.Second

	drainTimeout = 30 * time.Second
	drainPoll    = 500 * time.Millisecond

	// MaxSnapshotFailures trips the circuit breaker: repeated snapshot
	// failures force-terminate to cap compute spend.
	MaxSnapshotFailures = 3
)

// HubHooks is the narrow surface the controller needs from its hub. The
// controller never reaches into hub internals.
type HubHooks interface {
	EffectiveClientCount() int
	ShouldIdleSnapshot() bool
	Broadcast(msg protocol.ServerMessage)
	SignalEvict()
	CancelReconnect()
	AssistantInProgress() bool
	CurrentAssistantMessageID() string
	ClearAssistant()
}

// Controller runs migration flows for one session.
type Controller struct {
	sessionID string
	st        *store.SessionStore
	ls        *leases.Store
	rt        *runtime.Runtime
	queue     expiry.Scheduler
	tel       *telemetry.Accumulator
	bus       events.Emitter
	resolve   sandbox.Resolver
	hub       HubHooks
	logger    *slog.Logger

	mu               sync.Mutex
	state            string
	snapshotFailures int
	stopped          bool
}

// NewController wires a controller.
func NewController(sessionID string, st *store.SessionStore, ls *leases.Store, rt *runtime.Runtime,
	queue expiry.Scheduler, tel *telemetry.Accumulator, bus events.Emitter,
	resolve sandbox.Resolver, hub HubHooks, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sessionID: sessionID,
		st:        st,
		ls:        ls,
		rt:        rt,
		queue:     queue,
		tel:       tel,
		bus:       bus,
		resolve:   resolve,
		hub:       hub,
		logger:    logger.With("session_id", sessionID),
		state:     StateNormal,
	}
}

// State returns the current migration state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SnapshotFailures returns the breaker counter.
func (c *Controller) SnapshotFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotFailures
}

// Stop marks the controller inactive; subsequent flows are no-ops.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// =============================================================================
// Expiry migration
// =============================================================================

// RunExpiryMigration handles a due expiry job: with effective clients the
// sandbox is snapshotted and replaced; without, the session pauses.
func (c *Controller) RunExpiryMigration(ctx context.Context) error {
	if c.isStopped() {
		return nil
	}
	createNew := c.hub.EffectiveClientCount() > 0

	err := c.ls.RunWithMigrationLock(ctx, c.sessionID, expiryLockTTL, func(ctx context.Context) error {
		if createNew {
			return c.migrateToNewSandbox(ctx)
		}
		return c.idleExpiry(ctx)
	})
	if errors.Is(err, leases.ErrMigrationInProgress) {
		c.logger.Info("expiry migration skipped, lock held elsewhere")
		return nil
	}
	if err != nil {
		metrics.MigrationsRun.WithLabelValues("expiry", "error").Inc()
		return err
	}
	metrics.MigrationsRun.WithLabelValues("expiry", "ok").Inc()
	return nil
}

// migrateToNewSandbox snapshots the expiring sandbox and boots a fresh one
// while clients stay connected.
func (c *Controller) migrateToNewSandbox(ctx context.Context) error {
	c.setState(StateMigrating)
	defer c.setState(StateNormal)

	c.hub.Broadcast(protocol.StatusMessage(protocol.StatusMigrating, "sandbox approaching expiry"))

	// Give the in-flight reply a chance to finish before cutting over.
	c.ensureAgentStopped(ctx, drainTimeout)

	provider, sandboxID, err := c.resolveSandbox(ctx)
	if err != nil {
		return err
	}
	if sandboxID == "" {
		c.logger.Info("no sandbox to migrate")
		return nil
	}

	snapshotID, err := provider.Snapshot(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("snapshot for migration: %w", err)
	}

	won, err := c.st.SetSnapshotIfSandbox(ctx, c.sessionID, sandboxID, snapshotID)
	if err != nil {
		return err
	}
	if !won {
		// Another actor advanced the session; leave its state alone.
		c.logger.Info("migration snapshot CAS lost, aborting mutation")
		return nil
	}

	c.rt.DisconnectStream()
	c.rt.ResetSandboxState()

	if err := c.rt.EnsureReady(ctx, runtime.EnsureOpts{
		Reason:            runtime.ReasonMigration,
		SkipMigrationLock: true,
	}); err != nil {
		return fmt.Errorf("boot replacement sandbox: %w", err)
	}

	if url := c.rt.PreviewURL(); url != "" {
		c.hub.Broadcast(protocol.ServerMessage{Type: protocol.ServerPreviewURL, URL: url})
	}
	c.hub.Broadcast(protocol.StatusMessage(protocol.StatusRunning, ""))
	c.bus.Emit(events.TypeMigrationCompleted, c.sessionID, map[string]any{
		"old_sandbox_id": sandboxID,
		"snapshot_id":    snapshotID,
	})
	c.logger.Info("migrated to new sandbox", "old_sandbox_id", sandboxID)
	return nil
}

// idleExpiry pauses an expiring sandbox nobody is watching.
func (c *Controller) idleExpiry(ctx context.Context) error {
	provider, sandboxID, err := c.resolveSandbox(ctx)
	if err != nil {
		return err
	}
	if sandboxID == "" {
		return nil
	}

	c.rt.DisconnectStream()

	snapshotID, keep, err := SnapshotForPause(ctx, provider, sandboxID, c.logger)
	if err != nil {
		return fmt.Errorf("snapshot for idle expiry: %w", err)
	}
	if !keep {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			c.logger.Warn("terminate after idle expiry snapshot failed", "error", err)
		}
	}

	won, err := c.st.PauseIfSandbox(ctx, c.sessionID, sandboxID, store.PauseUpdate{
		SnapshotID:  &snapshotID,
		KeepSandbox: keep,
		PauseReason: store.PauseReasonInactivity,
	})
	if err != nil {
		return err
	}
	if !won {
		c.logger.Info("idle expiry CAS lost, aborting mutation")
	}

	c.bus.Emit(events.TypeSessionPaused, c.sessionID, map[string]any{
		"reason": store.PauseReasonInactivity,
	})

	c.rt.ResetSandboxState()
	c.Stop()
	c.hub.SignalEvict()
	return nil
}

// =============================================================================
// Idle snapshot
// =============================================================================

// RunIdleSnapshot pauses the session after its idle window. Entry cancels
// pending reconnects; the breaker path force-terminates once failures
// accumulate.
func (c *Controller) RunIdleSnapshot(ctx context.Context) error {
	if c.isStopped() {
		return nil
	}
	c.hub.CancelReconnect()

	if !c.hub.ShouldIdleSnapshot() {
		return nil
	}

	c.mu.Lock()
	tripped := c.snapshotFailures >= MaxSnapshotFailures
	c.mu.Unlock()
	if tripped {
		c.logger.Warn("snapshot circuit breaker tripped, force-terminating",
			"failures", c.SnapshotFailures())
		return c.forceTerminate(ctx)
	}

	err := c.ls.RunWithMigrationLock(ctx, c.sessionID, idleLockTTL, c.idleSnapshotLocked)
	if errors.Is(err, leases.ErrMigrationInProgress) {
		c.logger.Info("idle snapshot skipped, lock held elsewhere")
		return nil
	}
	if err != nil {
		c.mu.Lock()
		c.snapshotFailures++
		c.mu.Unlock()
		metrics.SnapshotFailures.Inc()
		metrics.MigrationsRun.WithLabelValues("idle_snapshot", "error").Inc()
		c.rt.ResetSandboxState()
		c.hub.SignalEvict()
		return err
	}
	metrics.MigrationsRun.WithLabelValues("idle_snapshot", "ok").Inc()
	return nil
}

func (c *Controller) idleSnapshotLocked(ctx context.Context) error {
	// 1. Reload; the sandbox may already be gone.
	sess, err := c.st.GetSession(ctx, c.sessionID)
	if err != nil {
		return err
	}
	if sess.SandboxID == nil {
		c.logger.Info("idle snapshot aborted, no sandbox")
		c.rt.ResetSandboxState()
		c.hub.SignalEvict()
		return nil
	}
	sandboxID := *sess.SandboxID

	// 2. A client may have reappeared while we waited for the lock.
	if !c.hub.ShouldIdleSnapshot() {
		c.logger.Info("idle snapshot aborted, activity resumed")
		return nil
	}

	provider, ok := c.resolve(sess.SandboxProvider)
	if !ok {
		return fmt.Errorf("unknown sandbox provider %q", sess.SandboxProvider)
	}

	// 3. Disconnect before any provider mutation so a stream drop cannot
	// race a reconnect into the half-paused sandbox.
	c.rt.DisconnectStream()

	// 4. Snapshot with the strategy ladder.
	snapshotID, keep, err := SnapshotForPause(ctx, provider, sandboxID, c.logger)
	if err != nil {
		return fmt.Errorf("idle snapshot: %w", err)
	}

	// 5. Terminate unless the strategy keeps the sandbox alive.
	if !keep {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			c.logger.Warn("terminate after idle snapshot failed", "error", err)
		}
	}

	// 6. Best-effort telemetry flush.
	c.tel.MarkStopped()
	if err := c.tel.Flush(ctx, func(ctx context.Context, delta store.TelemetryDelta) error {
		return c.st.FlushTelemetry(ctx, c.sessionID, delta)
	}); err != nil {
		c.logger.Warn("telemetry flush during idle snapshot failed", "error", err)
	}

	// 7. CAS-pause; zero rows means another actor advanced the session.
	won, err := c.st.PauseIfSandbox(ctx, c.sessionID, sandboxID, store.PauseUpdate{
		SnapshotID:      &snapshotID,
		KeepSandbox:     keep,
		PauseReason:     store.PauseReasonInactivity,
		ClearLatestTask: true,
	})
	if err != nil {
		return err
	}
	if !won {
		c.logger.Info("idle snapshot CAS lost, cleaning local state only")
	}

	// 8. The pending expiry job is moot once paused.
	if err := c.queue.Cancel(ctx, c.sessionID); err != nil {
		c.logger.Warn("failed to cancel expiry job", "error", err)
	}

	// 9. Completion notification.
	c.bus.Emit(events.TypeSessionPaused, c.sessionID, map[string]any{
		"reason":      store.PauseReasonInactivity,
		"snapshot_id": snapshotID,
	})

	// 10. Clean local state and leave.
	c.rt.ResetSandboxState()
	c.mu.Lock()
	c.snapshotFailures = 0
	c.mu.Unlock()
	c.hub.SignalEvict()
	return nil
}

// =============================================================================
// Drain and force-terminate
// =============================================================================

// ensureAgentStopped waits for the in-flight assistant message, polling
// every 500 ms up to timeout; past the deadline the upstream session is
// aborted and the message cancelled. Abort errors are swallowed.
func (c *Controller) ensureAgentStopped(ctx context.Context, timeout time.Duration) {
	if !c.hub.AssistantInProgress() {
		return
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !c.hub.AssistantInProgress() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPoll):
		}
	}

	messageID := c.hub.CurrentAssistantMessageID()
	if client := c.rt.Client(); client != nil && c.rt.AgentSessionID() != "" {
		abortCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Abort(abortCtx, c.rt.AgentSessionID()); err != nil {
			c.logger.Warn("abort before migration failed", "error", err)
		}
		cancel()
	}
	c.hub.Broadcast(protocol.ServerMessage{
		Type:      protocol.ServerMessageCancelled,
		MessageID: messageID,
	})
	c.hub.ClearAssistant()
}

// forceTerminate is the breaker path: cut losses, stop the sandbox, and
// mark the session failed.
func (c *Controller) forceTerminate(ctx context.Context) error {
	c.rt.DisconnectStream()

	provider, sandboxID, err := c.resolveSandbox(ctx)
	if err != nil {
		c.logger.Warn("force-terminate could not resolve sandbox", "error", err)
	} else if sandboxID != "" {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			c.logger.Warn("force-terminate failed to remove sandbox", "error", err)
		}
	}

	c.tel.MarkStopped()
	if err := c.tel.Flush(ctx, func(ctx context.Context, delta store.TelemetryDelta) error {
		return c.st.FlushTelemetry(ctx, c.sessionID, delta)
	}); err != nil {
		c.logger.Warn("telemetry flush during force-terminate failed", "error", err)
	}

	if err := c.st.MarkStopped(ctx, c.sessionID, store.PauseReasonSnapshotFailed, store.OutcomeFailed); err != nil {
		return err
	}

	if err := c.queue.Cancel(ctx, c.sessionID); err != nil {
		c.logger.Warn("failed to cancel expiry job", "error", err)
	}

	c.bus.Emit(events.TypeSessionStopped, c.sessionID, map[string]any{
		"reason": store.PauseReasonSnapshotFailed,
	})

	metrics.MigrationsRun.WithLabelValues("force_terminate", "ok").Inc()
	c.rt.ResetSandboxState()
	c.Stop()
	c.hub.SignalEvict()
	return nil
}

// resolveSandbox prefers the live runtime binding and falls back to the
// session row for flows that run without a booted runtime.
func (c *Controller) resolveSandbox(ctx context.Context) (sandbox.Provider, string, error) {
	if provider := c.rt.Provider(); provider != nil && c.rt.SandboxID() != "" {
		return provider, c.rt.SandboxID(), nil
	}
	sess, err := c.st.GetSession(ctx, c.sessionID)
	if err != nil {
		return nil, "", err
	}
	provider, ok := c.resolve(sess.SandboxProvider)
	if !ok {
		return nil, "", fmt.Errorf("unknown sandbox provider %q", sess.SandboxProvider)
	}
	if sess.SandboxID == nil {
		return provider, "", nil
	}
	return provider, *sess.SandboxID, nil
}

// SnapshotForPause applies the pause strategy ladder: memory snapshot,
// then pause, then filesystem snapshot. The returned keep flag reports
// whether the sandbox stays alive behind the snapshot id. Shared with the
// orphan sweeper, which runs the same ladder without a hub.
func SnapshotForPause(ctx context.Context, provider sandbox.Provider, sandboxID string, logger *slog.Logger) (string, bool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if ms, ok := provider.(sandbox.MemorySnapshotter); ok && ms.SupportsMemorySnapshot() {
		snapshotID, err := ms.MemorySnapshot(ctx, sandboxID)
		if err == nil {
			return snapshotID, sandbox.IsMemorySnapshot(snapshotID), nil
		}
		logger.Warn("memory snapshot failed, trying pause", "error", err)
	}

	if p, ok := provider.(sandbox.Pauser); ok && p.SupportsPause() {
		err := p.Pause(ctx, sandboxID)
		if err == nil {
			return sandbox.MemorySnapshotPrefix + sandboxID, true, nil
		}
		logger.Warn("pause failed, trying filesystem snapshot", "error", err)
	}

	snapshotID, err := provider.Snapshot(ctx, sandboxID)
	if err != nil {
		return "", false, err
	}
	return snapshotID, false, nil
}
