// Package hub composes the per-session machinery: client connections, the
// runtime, the event processor, the migration controller, telemetry, and
// the two timers (lease renewal, idle snapshot). One hub exists per
// session per process; the registry enforces that.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/proliferate-ai/gateway/internal/billing"
	"github.com/proliferate-ai/gateway/internal/config"
	"github.com/proliferate-ai/gateway/internal/events"
	"github.com/proliferate-ai/gateway/internal/expiry"
	"github.com/proliferate-ai/gateway/internal/leases"
	"github.com/proliferate-ai/gateway/internal/metrics"
	"github.com/proliferate-ai/gateway/internal/migration"
	"github.com/proliferate-ai/gateway/internal/opencode"
	"github.com/proliferate-ai/gateway/internal/processor"
	"github.com/proliferate-ai/gateway/internal/protocol"
	"github.com/proliferate-ai/gateway/internal/runtime"
	"github.com/proliferate-ai/gateway/internal/sandbox"
	"github.com/proliferate-ai/gateway/internal/store"
	"github.com/proliferate-ai/gateway/internal/telemetry"
)

// ErrHubTerminated is returned when a hub refused work because it already
// self-terminated or was evicted.
var ErrHubTerminated = errors.New("hub terminated")

// Deps carries the process-wide collaborators every hub shares.
type Deps struct {
	Cfg        *config.Config
	Store      *store.SessionStore
	Leases     *leases.Store
	Queue      expiry.Scheduler
	Bus        events.Emitter
	Resolve    sandbox.Resolver
	Billing    billing.Policy
	InstanceID string
	Logger     *slog.Logger
}

// Hub routes one session's traffic and policy.
type Hub struct {
	sessionID      string
	clientType     string
	createdBy      *string
	organizationID string

	deps   Deps
	logger *slog.Logger

	rt   *runtime.Runtime
	proc *processor.Processor
	ctrl *migration.Controller
	tel  *telemetry.Accumulator

	mu               sync.Mutex
	clients          map[string]*clientConn
	externalTools    int
	idleTimer        *time.Timer
	reconnectTimer   *time.Timer
	reconnectAttempt int
	leaseHeld        bool
	lastRenew        time.Time
	leaseStop        chan struct{}
	evicted          bool

	onEvict func(sessionID string)
}

// New builds a hub for a loaded session row. onEvict is the registry's
// removal callback.
func New(sess *store.Session, deps Deps, onEvict func(sessionID string)) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		sessionID:      sess.ID,
		clientType:     sess.ClientType,
		createdBy:      sess.CreatedBy,
		organizationID: sess.OrganizationID,
		deps:           deps,
		logger:         logger.With("session_id", sess.ID),
		clients:        make(map[string]*clientConn),
		onEvict:        onEvict,
	}

	h.tel = telemetry.NewAccumulator(h.logger)
	h.proc = processor.New(h.onProcessorEmit, h.logger)
	h.rt = runtime.New(sess.ID, deps.Cfg, deps.Store, deps.Leases, deps.Resolve,
		deps.Billing, deps.Queue, runtime.Callbacks{
			OnEvent:            h.onUpstreamEvent,
			OnStreamDisconnect: h.onStreamDisconnect,
			BroadcastStatus:    h.BroadcastStatus,
		}, h.logger)
	h.ctrl = migration.NewController(sess.ID, deps.Store, deps.Leases, h.rt,
		deps.Queue, h.tel, deps.Bus, deps.Resolve, h, h.logger)

	metrics.ActiveHubs.Inc()
	return h
}

// SessionID returns the session this hub serves.
func (h *Hub) SessionID() string { return h.sessionID }

// IsHeadless reports the perpetual-client rule for automation sessions.
func (h *Hub) IsHeadless() bool { return h.clientType == store.ClientTypeAutomation }

// =============================================================================
// Client set
// =============================================================================

// AddClient registers a socket and boots the runtime for it.
func (h *Hub) AddClient(c *clientConn) {
	h.mu.Lock()
	h.clients[c.id] = c
	// Activity cancels a pending idle snapshot.
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
	h.mu.Unlock()
	trackClientGauge(1)

	h.logger.Info("client connected", "connection_id", c.id, "user_id", c.userID)
	go h.initClient(c)
}

// initClient runs the connect sequence: resuming → runtime boot → init
// replay → running.
func (h *Hub) initClient(c *clientConn) {
	h.Broadcast(protocol.StatusMessage(protocol.StatusResuming, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonClientConnect}); err != nil {
		h.logger.Warn("runtime boot for client failed", "connection_id", c.id, "error", err)
		if !errors.Is(err, billing.ErrDenied) {
			h.sendTo(c, protocol.ErrorMessage("failed to resume session"))
		}
		return
	}

	history := h.loadHistory(ctx)
	h.sendTo(c, protocol.ServerMessage{
		Type:             protocol.ServerInit,
		History:          history,
		PreviewTunnelURL: h.rt.PreviewURL(),
	})
	h.sendTo(c, protocol.StatusMessage(protocol.StatusRunning, ""))
}

// RemoveClient drops a socket; the last interactive client arms the idle
// snapshot timer unless the session is headless.
func (h *Hub) RemoveClient(c *clientConn) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	empty := len(h.clients) == 0
	h.mu.Unlock()
	trackClientGauge(-1)

	h.logger.Info("client disconnected", "connection_id", c.id)
	if empty && !h.IsHeadless() {
		h.armIdleTimer()
	}
}

// ClientCount returns the socket count.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// EffectiveClientCount counts sockets, with headless sessions always
// worth one.
func (h *Hub) EffectiveClientCount() int {
	n := h.ClientCount()
	if n == 0 && h.IsHeadless() {
		return 1
	}
	return n
}

// =============================================================================
// Idle snapshot timer
// =============================================================================

func (h *Hub) armIdleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return
	}
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	delay := h.deps.Cfg.IdleSnapshotDelay()
	h.idleTimer = time.AfterFunc(delay, h.onIdleTimer)
	h.logger.Info("idle snapshot timer armed", "delay", delay)
}

func (h *Hub) onIdleTimer() {
	if !h.ShouldIdleSnapshot() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), idleSnapshotBudget)
	defer cancel()
	if err := h.ctrl.RunIdleSnapshot(ctx); err != nil {
		h.logger.Warn("idle snapshot failed", "error", err)
	}
}

const idleSnapshotBudget = 6 * time.Minute

// ShouldIdleSnapshot gates idle pausing: no clients, no in-flight external
// tools, no running stream tools, and not headless.
func (h *Hub) ShouldIdleSnapshot() bool {
	h.mu.Lock()
	clients := len(h.clients)
	external := h.externalTools
	h.mu.Unlock()

	return clients == 0 &&
		external == 0 &&
		!h.proc.HasRunningTools() &&
		!h.IsHeadless()
}

// =============================================================================
// External tool tracking (HTTP hook)
// =============================================================================

// TrackToolCallStart counts an externally executed tool call; the counter
// gates idle snapshotting independently of the stream's tool state.
func (h *Hub) TrackToolCallStart() {
	h.mu.Lock()
	h.externalTools++
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
	h.mu.Unlock()
}

// TrackToolCallEnd decrements the external counter and re-arms the idle
// timer when the session is otherwise idle.
func (h *Hub) TrackToolCallEnd() {
	h.mu.Lock()
	if h.externalTools > 0 {
		h.externalTools--
	}
	rearm := h.externalTools == 0 && len(h.clients) == 0
	h.mu.Unlock()
	if rearm && !h.IsHeadless() {
		h.armIdleTimer()
	}
}

// =============================================================================
// Runtime boot + owner lease
// =============================================================================

// EnsureRuntimeReady acquires the owner lease on first use, then delegates
// to the runtime's single-flighted boot.
func (h *Hub) EnsureRuntimeReady(ctx context.Context, opts runtime.EnsureOpts) error {
	h.mu.Lock()
	if h.evicted {
		h.mu.Unlock()
		return ErrHubTerminated
	}
	needLease := !h.leaseHeld
	h.mu.Unlock()

	if needLease {
		ok, err := h.deps.Leases.AcquireOwnerLease(ctx, h.sessionID, h.deps.InstanceID)
		if err != nil {
			return err
		}
		if !ok {
			h.logger.Warn("owner lease held by another replica, self-terminating")
			h.selfTerminate("owner lease unavailable")
			return ErrHubTerminated
		}
		h.mu.Lock()
		if !h.leaseHeld {
			h.leaseHeld = true
			h.lastRenew = time.Now()
			h.leaseStop = make(chan struct{})
			go h.leaseLoop(h.leaseStop)
		}
		h.mu.Unlock()

		// Mark the runtime alive immediately so the sweeper never reads a
		// freshly-booted session as orphaned.
		if err := h.deps.Leases.SetRuntimeLease(ctx, h.sessionID); err != nil {
			h.logger.Warn("initial runtime lease set failed", "error", err)
		}
	}

	return h.rt.EnsureReady(ctx, opts)
}

// leaseLoop renews the owner lease at TTL/3 and refreshes the runtime
// lease alongside. Renewal lag beyond the TTL means this process was
// stalled long enough for another replica to take over: split-brain, so we
// step down instead of fighting.
func (h *Hub) leaseLoop(stop chan struct{}) {
	ttl := h.deps.Leases.OwnerTTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.mu.Lock()
			lag := time.Since(h.lastRenew)
			h.mu.Unlock()
			if lag > ttl {
				h.logger.Error("lease renewal lagged past TTL, assuming split-brain", "lag", lag)
				metrics.LeaseLost.Inc()
				h.selfTerminate("lease renewal lag")
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := h.deps.Leases.RenewOwnerLease(ctx, h.sessionID, h.deps.InstanceID)
			if err != nil {
				cancel()
				// Store unreachable: retryable; the lag check above is the
				// backstop.
				h.logger.Warn("owner lease renewal errored", "error", err)
				continue
			}
			if !ok {
				cancel()
				h.logger.Error("owner lease lost to another replica")
				metrics.LeaseLost.Inc()
				h.selfTerminate("owner lease lost")
				return
			}
			h.mu.Lock()
			h.lastRenew = time.Now()
			h.mu.Unlock()

			if err := h.deps.Leases.SetRuntimeLease(ctx, h.sessionID); err != nil {
				h.logger.Warn("runtime lease refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// =============================================================================
// Upstream stream plumbing
// =============================================================================

func (h *Hub) onUpstreamEvent(ev opencode.Event) {
	metrics.EventsProcessed.WithLabelValues(ev.Type).Inc()
	h.proc.HandleEvent(ev)
}

// onProcessorEmit is the processor's sink: harvest telemetry, then fan out.
func (h *Hub) onProcessorEmit(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.ServerMessageFrame:
		h.tel.RecordMessage()
	case protocol.ServerToolStart:
		h.tel.RecordToolCall(msg.ToolCallID)
	case protocol.ServerTextPartComplete:
		h.tel.RecordAssistantText(msg.Text)
	}
	h.Broadcast(msg)
}

// onStreamDisconnect drives the reconnect policy: while anyone is watching
// (headless counts as a perpetual client), keep retrying on the backoff
// vector.
func (h *Hub) onStreamDisconnect(reason opencode.DisconnectReason, err error) {
	h.mu.Lock()
	evicted := h.evicted
	h.mu.Unlock()
	if evicted {
		return
	}

	h.logger.Warn("event stream disconnected", "reason", string(reason), "error", err)
	if h.ClientCount() == 0 && !h.IsHeadless() {
		return
	}
	h.scheduleReconnect()
}

func (h *Hub) scheduleReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted || h.reconnectTimer != nil {
		return
	}

	delays := h.deps.Cfg.ReconnectDelays()
	idx := h.reconnectAttempt
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	delay := delays[idx]
	h.logger.Info("scheduling stream reconnect", "attempt", h.reconnectAttempt, "delay", delay)

	h.reconnectTimer = time.AfterFunc(delay, func() {
		h.mu.Lock()
		h.reconnectTimer = nil
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonAutoReconnect})
		switch {
		case err == nil:
			h.mu.Lock()
			h.reconnectAttempt = 0
			h.mu.Unlock()
		case errors.Is(err, runtime.ErrSessionInactive), errors.Is(err, ErrHubTerminated):
			h.logger.Info("reconnect abandoned", "error", err)
		default:
			h.logger.Warn("reconnect attempt failed", "error", err)
			h.mu.Lock()
			h.reconnectAttempt++
			h.mu.Unlock()
			h.scheduleReconnect()
		}
	})
}

// CancelReconnect stops any pending reconnect timer.
func (h *Hub) CancelReconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
}

// =============================================================================
// Migration controller hooks
// =============================================================================

// AssistantInProgress reports whether a reply is still streaming.
func (h *Hub) AssistantInProgress() bool { return h.proc.InProgress() }

// CurrentAssistantMessageID exposes the in-flight message id.
func (h *Hub) CurrentAssistantMessageID() string { return h.proc.CurrentAssistantMessageID() }

// ClearAssistant drops the in-flight assistant message state.
func (h *Hub) ClearAssistant() { h.proc.ClearCurrentAssistantMessageID() }

// RunExpiryMigration is called by the expiry worker.
func (h *Hub) RunExpiryMigration(ctx context.Context) error {
	return h.ctrl.RunExpiryMigration(ctx)
}

// RunIdleSnapshot is called by the orphan sweeper for locally-resident
// hubs.
func (h *Hub) RunIdleSnapshot(ctx context.Context) error {
	return h.ctrl.RunIdleSnapshot(ctx)
}

// MigrationState exposes the controller state for dispatch gating.
func (h *Hub) MigrationState() string { return h.ctrl.State() }

// SignalEvict removes the hub after a completed idle snapshot or pause.
// Remaining sockets (a race is possible) close with going-away.
func (h *Hub) SignalEvict() {
	h.teardown("session paused")
}

// =============================================================================
// Self-termination and shutdown
// =============================================================================

// selfTerminate steps this replica down from the session: leases stopped,
// timers cancelled, sockets closed with 1001, registry entry removed.
func (h *Hub) selfTerminate(reason string) {
	h.logger.Warn("hub self-terminating", "reason", reason)
	h.teardown(reason)
}

func (h *Hub) teardown(reason string) {
	h.mu.Lock()
	if h.evicted {
		h.mu.Unlock()
		return
	}
	h.evicted = true
	leaseStop := h.leaseStop
	h.leaseStop = nil
	held := h.leaseHeld
	h.leaseHeld = false
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
	if h.reconnectTimer != nil {
		h.reconnectTimer.Stop()
		h.reconnectTimer = nil
	}
	clients := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*clientConn)
	h.mu.Unlock()

	if leaseStop != nil {
		close(leaseStop)
	}
	h.ctrl.Stop()

	for _, c := range clients {
		c.close(closeGoingAway, reason)
		trackClientGauge(-1)
	}

	h.rt.DisconnectStream()

	if held {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.deps.Leases.ReleaseOwnerLease(ctx, h.sessionID, h.deps.InstanceID); err != nil {
			h.logger.Warn("failed to release owner lease", "error", err)
		}
		if err := h.deps.Leases.ClearRuntimeLease(ctx, h.sessionID); err != nil {
			h.logger.Warn("failed to clear runtime lease", "error", err)
		}
		cancel()
	}

	metrics.ActiveHubs.Dec()
	if h.onEvict != nil {
		h.onEvict(h.sessionID)
	}
}

// ReleaseLeases hands the session to a replacement replica on graceful
// shutdown: telemetry flushed best-effort, migration monitoring stopped,
// leases released.
func (h *Hub) ReleaseLeases(ctx context.Context) {
	if err := h.tel.Flush(ctx, func(ctx context.Context, delta store.TelemetryDelta) error {
		return h.deps.Store.FlushTelemetry(ctx, h.sessionID, delta)
	}); err != nil {
		h.logger.Warn("telemetry flush on shutdown failed", "error", err)
	}

	h.ctrl.Stop()

	h.mu.Lock()
	leaseStop := h.leaseStop
	h.leaseStop = nil
	held := h.leaseHeld
	h.leaseHeld = false
	h.mu.Unlock()
	if leaseStop != nil {
		close(leaseStop)
	}
	if held {
		if err := h.deps.Leases.ReleaseOwnerLease(ctx, h.sessionID, h.deps.InstanceID); err != nil {
			h.logger.Warn("failed to release owner lease on shutdown", "error", err)
		}
		if err := h.deps.Leases.ClearRuntimeLease(ctx, h.sessionID); err != nil {
			h.logger.Warn("failed to clear runtime lease on shutdown", "error", err)
		}
	}
}

// loadHistory replays the transcript for init frames.
func (h *Hub) loadHistory(ctx context.Context) []protocol.ChatMessage {
	client := h.rt.Client()
	agentSessionID := h.rt.AgentSessionID()
	if client == nil || agentSessionID == "" {
		return nil
	}
	messages, err := client.ListMessages(ctx, agentSessionID)
	if err != nil {
		h.logger.Warn("failed to load history", "error", err)
		return nil
	}

	history := make([]protocol.ChatMessage, 0, len(messages))
	for _, m := range messages {
		var content string
		for _, part := range m.Parts {
			if part.Type == opencode.PartTypeText {
				content += part.Text
			}
		}
		history = append(history, protocol.ChatMessage{
			ID:      m.Info.ID,
			Role:    m.Info.Role,
			Content: content,
		})
	}
	return history
}
