package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	sessionLabel  = "gateway.session-id"
	agentPort     = "4096/tcp"
	defaultDomain = "127.0.0.1"
)

// DockerProvider runs sandboxes as containers on a local Docker engine.
// Filesystem snapshots are image commits; memory snapshots are in-place
// pauses. It is the reference provider for development and the on-prem
// deployment shape.
type DockerProvider struct {
	cli       *client.Client
	image     string
	workspace string
	logger    *slog.Logger
}

// NewDockerProvider connects to the local engine.
func NewDockerProvider(defaultImage, workspacePath string, logger *slog.Logger) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvider{cli: cli, image: defaultImage, workspace: workspacePath, logger: logger}, nil
}

func (p *DockerProvider) Name() string { return "docker" }

// EnsureSandbox reuses a still-running container for the session when one
// exists; otherwise it starts one from the session snapshot, falling back
// to the base image for cold starts.
func (p *DockerProvider) EnsureSandbox(ctx context.Context, args EnsureArgs) (*EnsureResult, error) {
	// Recovery: a prior container for this session may have survived a
	// gateway restart.
	if args.PreviousSandboxID != "" {
		if res, ok := p.recover(ctx, args); ok {
			return res, nil
		}
	}

	if IsMemorySnapshot(args.SnapshotID) {
		res, err := p.resumeFromPause(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMemoryRestoreFailed, err)
		}
		return res, nil
	}

	image := p.image
	if args.SnapshotID != "" {
		image = args.SnapshotID
	} else if args.BaseSnapshotID != "" {
		image = args.BaseSnapshotID
	}

	env := make([]string, 0, len(args.Env))
	for k, v := range args.Env {
		env = append(env, k+"="+v)
	}

	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Env:    env,
			Labels: map[string]string{sessionLabel: args.SessionID},
		},
		&container.HostConfig{
			PublishAllPorts: true,
			AutoRemove:      false,
		},
		nil, nil, "sandbox-"+args.SessionID+"-"+uuid.NewString()[:8])
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	return p.describe(ctx, created.ID, args, false)
}

// recover looks for the previous container still running.
func (p *DockerProvider) recover(ctx context.Context, args EnsureArgs) (*EnsureResult, bool) {
	inspect, err := p.cli.ContainerInspect(ctx, args.PreviousSandboxID)
	if err != nil || inspect.State == nil {
		return nil, false
	}
	if inspect.State.Paused {
		if err := p.cli.ContainerUnpause(ctx, args.PreviousSandboxID); err != nil {
			return nil, false
		}
	} else if !inspect.State.Running {
		return nil, false
	}
	res, err := p.describe(ctx, args.PreviousSandboxID, args, true)
	if err != nil {
		return nil, false
	}
	p.logger.Info("recovered running sandbox", "session_id", args.SessionID, "sandbox_id", res.SandboxID)
	return res, true
}

// resumeFromPause unpauses the container named by a mem: snapshot id.
func (p *DockerProvider) resumeFromPause(ctx context.Context, args EnsureArgs) (*EnsureResult, error) {
	containerID := strings.TrimPrefix(args.SnapshotID, MemorySnapshotPrefix)
	if err := p.cli.ContainerUnpause(ctx, containerID); err != nil {
		return nil, fmt.Errorf("unpause %s: %w", containerID, err)
	}
	return p.describe(ctx, containerID, args, true)
}

func (p *DockerProvider) describe(ctx context.Context, containerID string, args EnsureArgs, recovered bool) (*EnsureResult, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect sandbox: %w", err)
	}

	host := defaultDomain
	port := 0
	if inspect.NetworkSettings != nil {
		if bindings, ok := inspect.NetworkSettings.Ports[agentPort]; ok && len(bindings) > 0 {
			fmt.Sscanf(bindings[0].HostPort, "%d", &port)
		}
	}
	if port == 0 {
		return nil, fmt.Errorf("sandbox %s has no published agent port", containerID)
	}

	var expiresAt *time.Time
	if args.TTL > 0 {
		t := time.Now().Add(args.TTL)
		expiresAt = &t
	}

	return &EnsureResult{
		SandboxID:  containerID,
		TunnelURL:  fmt.Sprintf("http://%s:%d", host, port),
		PreviewURL: fmt.Sprintf("http://%s:%d/preview", host, port),
		SSHHost:    host,
		SSHPort:    port,
		ExpiresAt:  expiresAt,
		Recovered:  recovered,
	}, nil
}

// Snapshot commits the container's filesystem to an image.
func (p *DockerProvider) Snapshot(ctx context.Context, sandboxID string) (string, error) {
	ref := "gateway-snapshot:" + uuid.NewString()[:12]
	resp, err := p.cli.ContainerCommit(ctx, sandboxID, types.ContainerCommitOptions{
		Reference: ref,
		Pause:     true,
	})
	if err != nil {
		return "", fmt.Errorf("commit sandbox: %w", err)
	}
	p.logger.Info("committed sandbox snapshot", "sandbox_id", sandboxID, "snapshot_id", resp.ID)
	return ref, nil
}

// Terminate force-removes the container.
func (p *DockerProvider) Terminate(ctx context.Context, sandboxID string) error {
	err := p.cli.ContainerRemove(ctx, sandboxID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove sandbox: %w", err)
	}
	return nil
}

// SupportsPause implements Pauser.
func (p *DockerProvider) SupportsPause() bool { return true }

// Pause freezes the container in place.
func (p *DockerProvider) Pause(ctx context.Context, sandboxID string) error {
	if err := p.cli.ContainerPause(ctx, sandboxID); err != nil {
		return fmt.Errorf("pause sandbox: %w", err)
	}
	return nil
}

// SupportsMemorySnapshot implements MemorySnapshotter.
func (p *DockerProvider) SupportsMemorySnapshot() bool { return true }

// MemorySnapshot pauses the container and returns a mem: id that resolves
// back to it. Process state survives because the container never stops.
func (p *DockerProvider) MemorySnapshot(ctx context.Context, sandboxID string) (string, error) {
	if err := p.cli.ContainerPause(ctx, sandboxID); err != nil {
		return "", fmt.Errorf("pause for memory snapshot: %w", err)
	}
	return MemorySnapshotPrefix + sandboxID, nil
}

// ExecCommand implements Executor via docker exec, capturing both streams.
func (p *DockerProvider) ExecCommand(ctx context.Context, sandboxID, workdir string, cmd []string) (*ExecResult, error) {
	execCfg := types.ExecConfig{
		WorkingDir:   workdir,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := p.cli.ContainerExecCreate(ctx, sandboxID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

