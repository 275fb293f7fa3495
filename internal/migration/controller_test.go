package migration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/gateway/internal/sandbox"
)

// fakeProvider implements the base Provider plus toggleable capabilities.
type fakeProvider struct {
	supportsMem   bool
	supportsPause bool

	memErr   error
	pauseErr error
	snapErr  error

	memCalls   int
	pauseCalls int
	snapCalls  int
	termCalls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) EnsureSandbox(context.Context, sandbox.EnsureArgs) (*sandbox.EnsureResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) Snapshot(context.Context, string) (string, error) {
	f.snapCalls++
	if f.snapErr != nil {
		return "", f.snapErr
	}
	return "fs-snap-1", nil
}

func (f *fakeProvider) Terminate(context.Context, string) error {
	f.termCalls++
	return nil
}

func (f *fakeProvider) SupportsMemorySnapshot() bool { return f.supportsMem }

func (f *fakeProvider) MemorySnapshot(_ context.Context, sandboxID string) (string, error) {
	f.memCalls++
	if f.memErr != nil {
		return "", f.memErr
	}
	return sandbox.MemorySnapshotPrefix + sandboxID, nil
}

func (f *fakeProvider) SupportsPause() bool { return f.supportsPause }

func (f *fakeProvider) Pause(context.Context, string) error {
	f.pauseCalls++
	return f.pauseErr
}

func TestSnapshotForPauseMemoryFirst(t *testing.T) {
	p := &fakeProvider{supportsMem: true, supportsPause: true}

	id, keep, err := SnapshotForPause(context.Background(), p, "box-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "mem:box-1", id)
	assert.True(t, keep)
	assert.Equal(t, 1, p.memCalls)
	assert.Zero(t, p.pauseCalls)
	assert.Zero(t, p.snapCalls)
}

func TestSnapshotForPauseFallsBackToPause(t *testing.T) {
	p := &fakeProvider{supportsMem: true, supportsPause: true, memErr: errors.New("criu broke")}

	id, keep, err := SnapshotForPause(context.Background(), p, "box-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "mem:box-1", id)
	assert.True(t, keep)
	assert.Equal(t, 1, p.memCalls)
	assert.Equal(t, 1, p.pauseCalls)
}

func TestSnapshotForPauseFilesystemLast(t *testing.T) {
	p := &fakeProvider{
		supportsMem:   true,
		supportsPause: true,
		memErr:        errors.New("no"),
		pauseErr:      errors.New("also no"),
	}

	id, keep, err := SnapshotForPause(context.Background(), p, "box-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fs-snap-1", id)
	assert.False(t, keep, "filesystem snapshot does not keep the sandbox")
	assert.Equal(t, 1, p.snapCalls)
}

func TestSnapshotForPauseCapabilityGating(t *testing.T) {
	// Capabilities declared unsupported are never attempted.
	p := &fakeProvider{supportsMem: false, supportsPause: false}

	id, keep, err := SnapshotForPause(context.Background(), p, "box-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fs-snap-1", id)
	assert.False(t, keep)
	assert.Zero(t, p.memCalls)
	assert.Zero(t, p.pauseCalls)
}

func TestSnapshotForPauseAllStrategiesFail(t *testing.T) {
	p := &fakeProvider{snapErr: errors.New("disk full")}

	_, _, err := SnapshotForPause(context.Background(), p, "box-1", nil)
	assert.ErrorContains(t, err, "disk full")
}
