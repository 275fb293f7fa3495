// Package leases implements the cross-replica exclusivity primitives:
// the owner lease, the runtime lease, and the migration lock. All three are
// TTL'd keys in Redis; the check-and-set paths run as Lua so concurrent
// replicas cannot interleave between read and write.
package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrMigrationInProgress is returned by RunWithMigrationLock when another
// actor already holds the session's migration lock. Callers treat it as a
// benign "someone else is working" signal, not a failure.
var ErrMigrationInProgress = errors.New("migration already in progress")

const (
	ownerKeyPrefix     = "lease:owner:"
	runtimeKeyPrefix   = "lease:runtime:"
	migrationKeyPrefix = "lock:migration:"

	migrationPollInterval = 250 * time.Millisecond
)

// acquireScript sets the key iff it is empty or already holds our value.
var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

// renewScript extends the TTL iff the key still holds our value.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseScript deletes the key iff it still holds our value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// Store provides lease and lock operations for sessions. Every boolean
// result distinguishes "not held by me" (false, nil — fatal to the caller's
// invariant) from "store unreachable" (error — retryable).
type Store struct {
	rdb        *redis.Client
	ownerTTL   time.Duration
	runtimeTTL time.Duration
	logger     *slog.Logger
}

// NewStore creates a lease store over an existing Redis client.
func NewStore(rdb *redis.Client, ownerTTL, runtimeTTL time.Duration, logger *slog.Logger) *Store {
	if ownerTTL == 0 {
		ownerTTL = 30 * time.Second
	}
	if runtimeTTL == 0 {
		runtimeTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, ownerTTL: ownerTTL, runtimeTTL: runtimeTTL, logger: logger}
}

// OwnerTTL returns the configured owner lease TTL.
func (s *Store) OwnerTTL() time.Duration {
	return s.ownerTTL
}

// =============================================================================
// Owner lease — exactly one process may run a session's hub
// =============================================================================

// AcquireOwnerLease takes the owner lease for instanceID. Returns true iff
// the lease was empty or already held by this instance.
func (s *Store) AcquireOwnerLease(ctx context.Context, sessionID, instanceID string) (bool, error) {
	ok, err := acquireScript.Run(ctx, s.rdb,
		[]string{ownerKeyPrefix + sessionID},
		instanceID, s.ownerTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire owner lease: %w", err)
	}
	return ok == 1, nil
}

// RenewOwnerLease extends the lease iff it is still held by instanceID.
// A false result means the lease was lost: split-brain territory.
func (s *Store) RenewOwnerLease(ctx context.Context, sessionID, instanceID string) (bool, error) {
	ok, err := renewScript.Run(ctx, s.rdb,
		[]string{ownerKeyPrefix + sessionID},
		instanceID, s.ownerTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew owner lease: %w", err)
	}
	return ok == 1, nil
}

// ReleaseOwnerLease deletes the lease iff held by instanceID.
func (s *Store) ReleaseOwnerLease(ctx context.Context, sessionID, instanceID string) error {
	if _, err := releaseScript.Run(ctx, s.rdb,
		[]string{ownerKeyPrefix + sessionID},
		instanceID).Int(); err != nil {
		return fmt.Errorf("release owner lease: %w", err)
	}
	return nil
}

// =============================================================================
// Runtime lease — "some process believes this runtime is alive"
// =============================================================================

// SetRuntimeLease refreshes the short-TTL runtime marker.
func (s *Store) SetRuntimeLease(ctx context.Context, sessionID string) error {
	if err := s.rdb.Set(ctx, runtimeKeyPrefix+sessionID, "1", s.runtimeTTL).Err(); err != nil {
		return fmt.Errorf("set runtime lease: %w", err)
	}
	return nil
}

// HasRuntimeLease checks whether any process holds the runtime marker.
func (s *Store) HasRuntimeLease(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, runtimeKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("check runtime lease: %w", err)
	}
	return n > 0, nil
}

// ClearRuntimeLease deletes the runtime marker.
func (s *Store) ClearRuntimeLease(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, runtimeKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("clear runtime lease: %w", err)
	}
	return nil
}

// =============================================================================
// Migration lock — process-wide critical section per session
// =============================================================================

// RunWithMigrationLock acquires the session's migration lock with no
// retries, runs f, and releases on every exit path. Returns
// ErrMigrationInProgress when the lock is already held elsewhere. The TTL
// bounds worst-case work if the holder dies.
func (s *Store) RunWithMigrationLock(ctx context.Context, sessionID string, ttl time.Duration, f func(context.Context) error) error {
	key := migrationKeyPrefix + sessionID
	holder := uuid.NewString()

	acquired, err := s.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !acquired {
		return ErrMigrationInProgress
	}

	defer func() {
		// Holder-guarded delete; an expired-and-stolen lock is left alone.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := releaseScript.Run(releaseCtx, s.rdb, []string{key}, holder).Int(); err != nil {
			s.logger.Warn("failed to release migration lock", "session_id", sessionID, "error", err)
		}
	}()

	return f(ctx)
}

// WaitForMigrationLockRelease blocks until no actor holds the migration
// lock, polling by briefly acquiring and releasing it. Bounded by ctx.
func (s *Store) WaitForMigrationLockRelease(ctx context.Context, sessionID string) error {
	key := migrationKeyPrefix + sessionID
	holder := uuid.NewString()

	for {
		acquired, err := s.rdb.SetNX(ctx, key, holder, time.Second).Result()
		if err != nil {
			return fmt.Errorf("probe migration lock: %w", err)
		}
		if acquired {
			if _, err := releaseScript.Run(ctx, s.rdb, []string{key}, holder).Int(); err != nil {
				s.logger.Warn("failed to release migration lock probe", "session_id", sessionID, "error", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(migrationPollInterval):
		}
	}
}
