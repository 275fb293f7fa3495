// Package sandbox abstracts the ephemeral compute providers that host the
// coding agent. The core Provider interface is the required minimum;
// additional capabilities (pause, memory snapshots, exec) are optional
// interfaces discovered by type assertion.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/proliferate-ai/gateway/internal/store"
)

// MemorySnapshotPrefix marks snapshot ids whose sandbox is still alive
// (paused in place) rather than serialized to storage.
const MemorySnapshotPrefix = "mem:"

// ErrMemoryRestoreFailed marks a failed restore from a memory snapshot.
// The caller clears the persisted snapshot id and retries as a cold start.
var ErrMemoryRestoreFailed = errors.New("restore from memory snapshot failed")

// IsMemorySnapshot reports whether a snapshot id keeps its sandbox alive.
func IsMemorySnapshot(snapshotID string) bool {
	return strings.HasPrefix(snapshotID, MemorySnapshotPrefix)
}

// EnsureArgs carries everything a provider needs to produce a live sandbox.
type EnsureArgs struct {
	SessionID string
	// SnapshotID restores prior session state when set; BaseSnapshotID is
	// the immutable image used for cold starts.
	SnapshotID        string
	BaseSnapshotID    string
	PreviousSandboxID string
	Env               map[string]string
	Repos             []store.RepoSpec
	TTL               time.Duration
	WorkspacePath     string
}

// EnsureResult is the provider's view of the live sandbox.
type EnsureResult struct {
	SandboxID  string
	TunnelURL  string
	PreviewURL string
	SSHHost    string
	SSHPort    int
	// ExpiresAt is nil when the provider does not report a TTL.
	ExpiresAt *time.Time
	// Recovered is true when an existing sandbox was found alive and
	// reused instead of creating a new one.
	Recovered bool
}

// ExecResult is the outcome of a command run inside the sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Provider is the required capability set.
type Provider interface {
	Name() string
	EnsureSandbox(ctx context.Context, args EnsureArgs) (*EnsureResult, error)
	// Snapshot serializes the sandbox to a restorable image and returns
	// its id. The sandbox keeps running.
	Snapshot(ctx context.Context, sandboxID string) (string, error)
	Terminate(ctx context.Context, sandboxID string) error
}

// Pauser providers can freeze a sandbox in place.
type Pauser interface {
	SupportsPause() bool
	Pause(ctx context.Context, sandboxID string) error
}

// MemorySnapshotter providers can snapshot with live process state.
type MemorySnapshotter interface {
	SupportsMemorySnapshot() bool
	MemorySnapshot(ctx context.Context, sandboxID string) (string, error)
}

// Executor providers can run commands inside the sandbox.
type Executor interface {
	ExecCommand(ctx context.Context, sandboxID, workdir string, cmd []string) (*ExecResult, error)
}

// FileReader providers can read workspace files without exec.
type FileReader interface {
	ReadFiles(ctx context.Context, sandboxID string, paths []string) (map[string][]byte, error)
}

// ServiceTester providers can dry-run configured service commands.
type ServiceTester interface {
	TestServiceCommands(ctx context.Context, sandboxID string, commands []string) error
}

// AutoPauser providers pause idle sandboxes on their own.
type AutoPauser interface {
	SupportsAutoPause() bool
}

// Resolver maps a session's provider name to an implementation.
type Resolver func(name string) (Provider, bool)
