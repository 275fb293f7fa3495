// Package gitops runs git operations inside the sandbox workspace through
// the provider's exec capability. Results are parsed into the wire shapes
// clients render; nothing here touches the gateway's own filesystem.
package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/proliferate-ai/gateway/internal/protocol"
	"github.com/proliferate-ai/gateway/internal/sandbox"
)

// Runner executes git commands in one sandbox workspace.
type Runner struct {
	exec      sandbox.Executor
	sandboxID string
	workspace string
}

// NewRunner binds a runner to a live sandbox. workspace is the default
// repo path; per-call paths override it.
func NewRunner(exec sandbox.Executor, sandboxID, workspace string) *Runner {
	return &Runner{exec: exec, sandboxID: sandboxID, workspace: workspace}
}

func (r *Runner) dir(workspacePath string) string {
	if workspacePath != "" {
		return workspacePath
	}
	return r.workspace
}

func (r *Runner) run(ctx context.Context, workspacePath string, args ...string) (*sandbox.ExecResult, error) {
	return r.exec.ExecCommand(ctx, r.sandboxID, r.dir(workspacePath), args)
}

// Status reports branch, ahead/behind, and working-tree files.
func (r *Runner) Status(ctx context.Context, workspacePath string) (*protocol.GitStatusResult, error) {
	res, err := r.run(ctx, workspacePath, "git", "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git status: %s", strings.TrimSpace(res.Stderr))
	}
	return parseStatus(res.Stdout), nil
}

// parseStatus decodes porcelain v2 output.
func parseStatus(out string) *protocol.GitStatusResult {
	status := &protocol.GitStatusResult{}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "# branch.head "):
			status.Branch = strings.TrimPrefix(line, "# branch.head ")
		case strings.HasPrefix(line, "# branch.ab "):
			fields := strings.Fields(strings.TrimPrefix(line, "# branch.ab "))
			if len(fields) == 2 {
				status.Ahead, _ = strconv.Atoi(strings.TrimPrefix(fields[0], "+"))
				behind, _ := strconv.Atoi(strings.TrimPrefix(fields[1], "-"))
				status.Behind = behind
			}
		case strings.HasPrefix(line, "1 ") || strings.HasPrefix(line, "2 "):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			xy := fields[1]
			path := fields[len(fields)-1]
			if len(xy) == 2 {
				if xy[0] != '.' {
					status.Staged = append(status.Staged, path)
				}
				if xy[1] != '.' {
					status.Modified = append(status.Modified, path)
				}
			}
		case strings.HasPrefix(line, "? "):
			status.Untracked = append(status.Untracked, strings.TrimPrefix(line, "? "))
		}
	}
	status.Clean = len(status.Staged) == 0 && len(status.Modified) == 0 && len(status.Untracked) == 0
	return status
}

// CreateBranch creates and checks out a branch.
func (r *Runner) CreateBranch(ctx context.Context, branchName, workspacePath string) *protocol.GitOpResult {
	res, err := r.run(ctx, workspacePath, "git", "checkout", "-b", branchName)
	return opResult("git_create_branch", res, err)
}

// Commit stages the requested files and commits. With no explicit file
// list, tracked changes are staged; includeUntracked stages everything.
func (r *Runner) Commit(ctx context.Context, message string, includeUntracked bool, files []string, workspacePath string) *protocol.GitOpResult {
	var addArgs []string
	switch {
	case len(files) > 0:
		addArgs = append([]string{"git", "add", "--"}, files...)
	case includeUntracked:
		addArgs = []string{"git", "add", "-A"}
	default:
		addArgs = []string{"git", "add", "-u"}
	}
	if res, err := r.run(ctx, workspacePath, addArgs...); err != nil || res.ExitCode != 0 {
		return opResult("git_commit", res, err)
	}

	res, err := r.run(ctx, workspacePath, "git", "commit", "-m", message)
	return opResult("git_commit", res, err)
}

// Push pushes the current branch, setting upstream on first push.
func (r *Runner) Push(ctx context.Context, workspacePath string) *protocol.GitOpResult {
	res, err := r.run(ctx, workspacePath, "git", "push", "-u", "origin", "HEAD")
	return opResult("git_push", res, err)
}

// CreatePR opens a pull request with the gh CLI available in the sandbox
// image. The PR URL is the last line of gh's stdout.
func (r *Runner) CreatePR(ctx context.Context, title, body, baseBranch, workspacePath string) *protocol.GitOpResult {
	args := []string{"gh", "pr", "create", "--title", title}
	if body != "" {
		args = append(args, "--body", body)
	} else {
		args = append(args, "--body", "")
	}
	if baseBranch != "" {
		args = append(args, "--base", baseBranch)
	}

	res, err := r.run(ctx, workspacePath, args...)
	result := opResult("git_create_pr", res, err)
	if result.OK && res != nil {
		lines := strings.Fields(strings.TrimSpace(res.Stdout))
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.HasPrefix(lines[i], "https://") {
				result.PRURL = lines[i]
				break
			}
		}
	}
	return result
}

// RunShell runs an arbitrary shell command in the workspace and returns
// combined output. Used for configured auto-start service commands.
func (r *Runner) RunShell(ctx context.Context, command string) (string, error) {
	res, err := r.run(ctx, "", "/bin/sh", "-c", command)
	if err != nil {
		return "", err
	}
	out := res.Stdout
	if res.Stderr != "" {
		out += res.Stderr
	}
	if res.ExitCode != 0 {
		return out, fmt.Errorf("command exited %d", res.ExitCode)
	}
	return out, nil
}

// PullFastForward runs the best-effort post-thaw freshness pull. Failures
// are reported, never fatal.
func (r *Runner) PullFastForward(ctx context.Context, workspacePath string) error {
	res, err := r.run(ctx, workspacePath, "git", "pull", "--ff-only")
	if err != nil {
		return fmt.Errorf("git pull --ff-only: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git pull --ff-only: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func opResult(op string, res *sandbox.ExecResult, err error) *protocol.GitOpResult {
	if err != nil {
		return &protocol.GitOpResult{Op: op, OK: false, Message: err.Error()}
	}
	out := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = out
		}
		return &protocol.GitOpResult{Op: op, OK: false, Output: out, Message: msg}
	}
	return &protocol.GitOpResult{Op: op, OK: true, Output: out}
}
