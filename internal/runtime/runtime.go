// Package runtime owns a session's sandbox and agent-session lifecycle:
// boot or resume the sandbox, preserve the agent transcript identity,
// connect the event stream, and persist the results. The hot path is
// EnsureReady, single-flighted so concurrent callers share one boot.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proliferate-ai/gateway/internal/billing"
	"github.com/proliferate-ai/gateway/internal/config"
	"github.com/proliferate-ai/gateway/internal/expiry"
	"github.com/proliferate-ai/gateway/internal/gitops"
	"github.com/proliferate-ai/gateway/internal/leases"
	"github.com/proliferate-ai/gateway/internal/opencode"
	"github.com/proliferate-ai/gateway/internal/protocol"
	"github.com/proliferate-ai/gateway/internal/sandbox"
	"github.com/proliferate-ai/gateway/internal/session"
	"github.com/proliferate-ai/gateway/internal/store"
)

// ErrSessionInactive aborts an auto-reconnect when the session has moved
// to paused or stopped underneath the runtime.
var ErrSessionInactive = errors.New("session is no longer active")

// ErrProviderUnknown is returned when the session's provider has no
// registered implementation.
var ErrProviderUnknown = errors.New("unknown sandbox provider")

// EnsureReason labels why a boot was requested.
type EnsureReason string

const (
	ReasonClientConnect EnsureReason = "client_connect"
	ReasonPrompt        EnsureReason = "prompt"
	ReasonAutoReconnect EnsureReason = "auto_reconnect"
	ReasonMigration     EnsureReason = "migration"
)

// EnsureOpts parameterizes one EnsureReady call.
type EnsureOpts struct {
	Reason EnsureReason
	// SkipMigrationLock bypasses the lock barrier for callers already
	// inside the migration critical section.
	SkipMigrationLock bool
}

// Callbacks is the narrow surface the runtime needs from its hub.
type Callbacks struct {
	OnEvent            func(opencode.Event)
	OnStreamDisconnect func(reason opencode.DisconnectReason, err error)
	BroadcastStatus    func(status, detail string)
}

// Runtime manages one session's sandbox and stream.
type Runtime struct {
	sessionID string
	cfg       *config.Config
	st        *store.SessionStore
	ls        *leases.Store
	resolve   sandbox.Resolver
	policy    billing.Policy
	queue     expiry.Scheduler
	cb        Callbacks
	logger    *slog.Logger

	mu       sync.Mutex
	inflight *ensureCall

	provider             sandbox.Provider
	stream               *opencode.EventStream
	client               *opencode.Client
	tunnelURL            string
	previewURL           string
	agentSessionID       string
	sandboxID            string
	restoredFromSnapshot bool
}

type ensureCall struct {
	done chan struct{}
	err  error
}

// New creates a runtime for one session.
func New(sessionID string, cfg *config.Config, st *store.SessionStore, ls *leases.Store,
	resolve sandbox.Resolver, policy billing.Policy, queue expiry.Scheduler,
	cb Callbacks, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		sessionID: sessionID,
		cfg:       cfg,
		st:        st,
		ls:        ls,
		resolve:   resolve,
		policy:    policy,
		queue:     queue,
		cb:        cb,
		logger:    logger.With("session_id", sessionID),
	}
}

// Ready reports whether the runtime satisfies tunnel + agent session +
// connected stream.
func (r *Runtime) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyLocked()
}

func (r *Runtime) readyLocked() bool {
	return r.tunnelURL != "" && r.agentSessionID != "" &&
		r.stream != nil && r.stream.Connected()
}

// TunnelURL returns the live tunnel URL, or "".
func (r *Runtime) TunnelURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnelURL
}

// PreviewURL returns the live preview URL, or "".
func (r *Runtime) PreviewURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previewURL
}

// AgentSessionID returns the bound agent session id, or "".
func (r *Runtime) AgentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentSessionID
}

// SandboxID returns the live sandbox id, or "".
func (r *Runtime) SandboxID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sandboxID
}

// Client returns the agent API client for the live tunnel, or nil.
func (r *Runtime) Client() *opencode.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// Provider returns the resolved provider once the runtime has booted.
func (r *Runtime) Provider() sandbox.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

// GitRunner builds a git runner for the live sandbox; nil when the
// provider cannot exec or the runtime is not booted.
func (r *Runtime) GitRunner() *gitops.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sandboxID == "" {
		return nil
	}
	exec, ok := r.provider.(sandbox.Executor)
	if !ok {
		return nil
	}
	return gitops.NewRunner(exec, r.sandboxID, r.cfg.Sandbox.WorkspacePath)
}

// EnsureReady boots the runtime if needed. Concurrent callers share one
// in-flight boot and observe the same result.
func (r *Runtime) EnsureReady(ctx context.Context, opts EnsureOpts) error {
	r.mu.Lock()
	if call := r.inflight; call != nil {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.readyLocked() {
		r.mu.Unlock()
		return nil
	}
	call := &ensureCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	call.err = r.ensure(ctx, opts)
	r.mu.Lock()
	r.inflight = nil
	r.mu.Unlock()
	close(call.done)
	return call.err
}

// ensure is the twelve-step boot sequence.
func (r *Runtime) ensure(ctx context.Context, opts EnsureOpts) error {
	// 1. Migration lock barrier.
	if !opts.SkipMigrationLock {
		if err := r.ls.WaitForMigrationLockRelease(ctx, r.sessionID); err != nil {
			return fmt.Errorf("wait for migration lock: %w", err)
		}
	}

	// 2. Context reload from persistence.
	sc, err := session.Build(ctx, r.st, r.cfg, r.sessionID)
	if err != nil {
		return err
	}
	sess := sc.Session
	if opts.Reason == ReasonAutoReconnect &&
		(sess.Status == store.StatusPaused || sess.Status == store.StatusStopped) {
		return ErrSessionInactive
	}
	if sess.Status != store.StatusRunning {
		if err := r.st.MarkResuming(ctx, r.sessionID); err != nil {
			r.logger.Warn("failed to mark session resuming", "error", err)
		}
	}

	// 3. Billing gate for configuration-backed sessions.
	if sess.ConfigurationID != nil {
		allowed, msg, err := r.policy.Check(ctx, sess.OrganizationID, billing.ActionSessionResume)
		if err != nil {
			// A broken billing service must not strand every session.
			r.logger.Warn("billing check unavailable, allowing resume", "error", err)
		} else if !allowed {
			if msg == "" {
				msg = "resume not allowed by billing policy"
			}
			r.cb.BroadcastStatus(protocol.StatusError, msg)
			return fmt.Errorf("%w: %s", billing.ErrDenied, msg)
		}
	}

	// 4. Provider dispatch and base snapshot resolution.
	provider, ok := r.resolve(sess.SandboxProvider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderUnknown, sess.SandboxProvider)
	}
	baseSnapshot, err := r.st.GetBaseSnapshot(ctx, r.cfg.Sandbox.VersionKey, provider.Name(), r.cfg.Sandbox.AppName)
	if err != nil {
		return err
	}

	// 5. Ensure sandbox.
	prevSandboxID := deref(sess.SandboxID)
	args := sandbox.EnsureArgs{
		SessionID:         r.sessionID,
		SnapshotID:        deref(sess.SnapshotID),
		BaseSnapshotID:    baseSnapshot,
		PreviousSandboxID: prevSandboxID,
		Env:               sc.EnvVars,
		Repos:             sc.Repos,
		TTL:               time.Duration(r.cfg.Sandbox.TTLMinutes) * time.Minute,
		WorkspacePath:     r.cfg.Sandbox.WorkspacePath,
	}
	result, err := provider.EnsureSandbox(ctx, args)
	if err != nil {
		if errors.Is(err, sandbox.ErrMemoryRestoreFailed) {
			// Clear the dead snapshot so the next attempt cold-starts.
			if clearErr := r.st.ClearSnapshot(context.Background(), r.sessionID); clearErr != nil {
				r.logger.Warn("failed to clear snapshot after restore failure", "error", clearErr)
			}
		}
		return fmt.Errorf("ensure sandbox: %w", err)
	}
	restored := args.SnapshotID != "" && !result.Recovered

	// 6. Expiry reconciliation.
	expiresAt := result.ExpiresAt
	if expiresAt == nil && result.Recovered && result.SandboxID == prevSandboxID {
		expiresAt = sess.SandboxExpiresAt
	}

	// 7. Post-thaw git freshness, best-effort.
	if restored {
		if exec, ok := provider.(sandbox.Executor); ok && len(sc.Repos) > 0 {
			runner := gitops.NewRunner(exec, result.SandboxID, r.cfg.Sandbox.WorkspacePath)
			if err := runner.PullFastForward(ctx, ""); err != nil {
				r.logger.Warn("post-thaw git pull failed", "error", err)
			}
		}
	}

	// 8. Persist the running state.
	if err := r.st.MarkRunning(ctx, r.sessionID, result.SandboxID, result.TunnelURL, result.PreviewURL, expiresAt); err != nil {
		return err
	}

	// 9. Schedule expiry, fire-and-forget.
	go func() {
		schedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.queue.Schedule(schedCtx, r.sessionID, expiresAt); err != nil {
			r.logger.Warn("failed to schedule expiry", "error", err)
		}
	}()

	client := opencode.NewClient(result.TunnelURL)

	// 10. Ensure agent session identity.
	agentSessionID, err := r.ensureAgentSession(ctx, client, deref(sess.AgentSessionID), restored)
	if err != nil {
		return fmt.Errorf("ensure agent session: %w", err)
	}

	// 11. Connect the event stream.
	stream := opencode.NewEventStream(opencode.StreamConfig{
		HeartbeatTimeout: time.Duration(r.cfg.Agent.HeartbeatTimeoutSec) * time.Second,
		ReadTimeout:      time.Duration(r.cfg.Agent.ReadTimeoutSec) * time.Second,
	}, r.cb.OnEvent, r.cb.OnStreamDisconnect, r.logger)
	if err := stream.Connect(ctx, result.TunnelURL); err != nil {
		return err
	}

	r.mu.Lock()
	r.provider = provider
	r.client = client
	r.stream = stream
	r.tunnelURL = result.TunnelURL
	r.previewURL = result.PreviewURL
	r.sandboxID = result.SandboxID
	r.agentSessionID = agentSessionID
	r.restoredFromSnapshot = restored
	r.mu.Unlock()

	// 12. Announce running.
	r.cb.BroadcastStatus(protocol.StatusRunning, "")
	r.logger.Info("runtime ready",
		"sandbox_id", result.SandboxID,
		"agent_session_id", agentSessionID,
		"recovered", result.Recovered)
	return nil
}

// DisconnectStream stops the stream without reconnect side effects.
func (r *Runtime) DisconnectStream() {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	if stream != nil {
		stream.Disconnect()
	}
}

// StreamConnected reports the stream state.
func (r *Runtime) StreamConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil && r.stream.Connected()
}

// ResetSandboxState drops all local sandbox bindings after a snapshot or
// terminate so the next EnsureReady boots from persistence.
func (r *Runtime) ResetSandboxState() {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.client = nil
	r.tunnelURL = ""
	r.previewURL = ""
	r.sandboxID = ""
	r.agentSessionID = ""
	r.restoredFromSnapshot = false
	r.mu.Unlock()
	if stream != nil {
		stream.Disconnect()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
