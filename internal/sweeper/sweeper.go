// Package sweeper reconciles session rows against runtime leases. A row
// that says running with no runtime lease behind it is an orphan — usually
// the residue of a crashed replica — and is safely paused.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/proliferate-ai/gateway/internal/events"
	"github.com/proliferate-ai/gateway/internal/expiry"
	"github.com/proliferate-ai/gateway/internal/hub"
	"github.com/proliferate-ai/gateway/internal/leases"
	"github.com/proliferate-ai/gateway/internal/metrics"
	"github.com/proliferate-ai/gateway/internal/migration"
	"github.com/proliferate-ai/gateway/internal/sandbox"
	"github.com/proliferate-ai/gateway/internal/store"
)

const (
	defaultInterval = 15 * time.Minute
	cleanupLockTTL  = 300 * time.Second
	sweepBudget     = 10 * time.Minute
)

// Sweeper periodically pauses orphaned sessions.
type Sweeper struct {
	st       *store.SessionStore
	ls       *leases.Store
	registry *hub.Registry
	resolve  sandbox.Resolver
	queue    expiry.Scheduler
	bus      events.Emitter
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a sweeper.
func New(st *store.SessionStore, ls *leases.Store, registry *hub.Registry,
	resolve sandbox.Resolver, queue expiry.Scheduler, bus events.Emitter,
	interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval == 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		st:       st,
		ls:       ls,
		registry: registry,
		resolve:  resolve,
		queue:    queue,
		bus:      bus,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for it.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
			s.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	ids, err := s.st.ListRunningSessionIDs(ctx)
	if err != nil {
		s.logger.Warn("orphan sweep could not list running sessions", "error", err)
		return
	}

	for _, sessionID := range ids {
		if err := s.sweepOne(ctx, sessionID); err != nil {
			s.logger.Warn("orphan sweep failed for session", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Sweeper) sweepOne(ctx context.Context, sessionID string) error {
	alive, err := s.ls.HasRuntimeLease(ctx, sessionID)
	if err != nil {
		return err
	}
	if alive {
		return nil
	}

	// A locally-resident hub knows how to pause itself cleanly.
	if h, ok := s.registry.Lookup(sessionID); ok {
		s.logger.Info("sweeping resident session without runtime lease", "session_id", sessionID)
		return h.RunIdleSnapshot(ctx)
	}

	// Truly orphaned across a restart: lock-guarded direct cleanup.
	err = s.ls.RunWithMigrationLock(ctx, sessionID, cleanupLockTTL, func(ctx context.Context) error {
		return s.cleanupOrphan(ctx, sessionID)
	})
	if errors.Is(err, leases.ErrMigrationInProgress) {
		// Someone else is already working on it.
		return nil
	}
	return err
}

// cleanupOrphan runs inside the migration lock. Every precondition is
// re-checked because the world may have moved while we waited.
func (s *Sweeper) cleanupOrphan(ctx context.Context, sessionID string) error {
	// The lease may have appeared while we took the lock.
	alive, err := s.ls.HasRuntimeLease(ctx, sessionID)
	if err != nil {
		return err
	}
	if alive {
		return nil
	}

	sess, err := s.st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusRunning {
		return nil
	}

	if sess.SandboxID == nil {
		// Running without a sandbox is a broken row, not a live workload.
		if err := s.st.MarkPausedNoSandbox(ctx, sessionID, store.PauseReasonOrphaned); err != nil {
			return err
		}
		s.bus.Emit(events.TypeSessionPaused, sessionID, map[string]any{
			"reason": store.PauseReasonOrphaned,
		})
		metrics.OrphansSwept.Inc()
		return nil
	}
	sandboxID := *sess.SandboxID

	provider, ok := s.resolve(sess.SandboxProvider)
	if !ok {
		s.logger.Warn("orphan has unknown provider, skipping", "session_id", sessionID, "provider", sess.SandboxProvider)
		return nil
	}

	snapshotID, keep, err := migration.SnapshotForPause(ctx, provider, sandboxID, s.logger)
	if err != nil {
		return err
	}
	if !keep {
		if err := provider.Terminate(ctx, sandboxID); err != nil {
			s.logger.Warn("terminate during orphan cleanup failed", "session_id", sessionID, "error", err)
		}
	}

	won, err := s.st.PauseIfSandbox(ctx, sessionID, sandboxID, store.PauseUpdate{
		SnapshotID:  &snapshotID,
		KeepSandbox: keep,
		PauseReason: store.PauseReasonOrphaned,
	})
	if err != nil {
		return err
	}
	if !won {
		s.logger.Info("orphan cleanup CAS lost", "session_id", sessionID)
		return nil
	}

	if err := s.queue.Cancel(ctx, sessionID); err != nil {
		s.logger.Warn("failed to cancel expiry job for orphan", "session_id", sessionID, "error", err)
	}

	s.bus.Emit(events.TypeSessionPaused, sessionID, map[string]any{
		"reason":      store.PauseReasonOrphaned,
		"snapshot_id": snapshotID,
	})
	metrics.OrphansSwept.Inc()
	s.logger.Info("paused orphaned session", "session_id", sessionID, "kept_sandbox", keep)
	return nil
}
