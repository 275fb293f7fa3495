package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proliferate-ai/gateway/internal/events"
	"github.com/proliferate-ai/gateway/internal/migration"
	"github.com/proliferate-ai/gateway/internal/opencode"
	"github.com/proliferate-ai/gateway/internal/protocol"
	"github.com/proliferate-ai/gateway/internal/runtime"
)

const dispatchTimeout = 2 * time.Minute

// handleClientMessage routes one inbound frame. The set is closed:
// ParseClientMessage already rejected unknown types.
func (h *Hub) handleClientMessage(c *clientConn, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.ClientPing:
		h.sendTo(c, protocol.Pong())
		return
	case protocol.ClientGetStatus:
		h.handleGetStatus(c)
		return
	case protocol.ClientGetMessages:
		h.handleGetMessages(c)
		return
	}

	// Everything past here mutates session state and needs a logged-in
	// caller.
	if c.userID == "" {
		h.sendTo(c, protocol.ErrorMessage("authentication required"))
		return
	}

	switch msg.Type {
	case protocol.ClientPrompt:
		go h.handlePrompt(c, msg)
	case protocol.ClientCancel:
		go h.handleCancel(c)
	case protocol.ClientSaveSnapshot:
		go h.handleSaveSnapshot(c)
	case protocol.ClientRunAutoStart:
		go h.handleRunAutoStart(c, msg)
	case protocol.ClientGetGitStatus:
		go h.handleGitStatus(c, msg)
	case protocol.ClientGitCreateBranch, protocol.ClientGitCommit,
		protocol.ClientGitPush, protocol.ClientGitCreatePR:
		if !h.authorizeGitWrite(c) {
			h.sendTo(c, protocol.ErrorMessage("only the session creator may run git mutations"))
			return
		}
		go h.handleGitWrite(c, msg)
	}
}

// authorizeGitWrite requires the caller to be the session creator when a
// creator is recorded.
func (h *Hub) authorizeGitWrite(c *clientConn) bool {
	if h.createdBy == nil {
		return true
	}
	return c.userID == *h.createdBy
}

// =============================================================================
// Prompt / cancel
// =============================================================================

func (h *Hub) handlePrompt(c *clientConn, msg *protocol.ClientMessage) {
	if h.MigrationState() != migration.StateNormal {
		h.sendTo(c, protocol.StatusMessage(protocol.StatusMigrating, "migration in progress, try again shortly"))
		return
	}
	if strings.TrimSpace(msg.Content) == "" && len(msg.Images) == 0 {
		h.sendTo(c, protocol.ErrorMessage("prompt is empty"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonPrompt}); err != nil {
		h.logger.Warn("prompt runtime boot failed", "error", err)
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}

	images := validImages(msg.Images)

	// The authenticated user wins over any client-supplied userId.
	userMessage := protocol.ChatMessage{
		ID:        uuid.NewString(),
		Role:      opencode.RoleUser,
		Content:   msg.Content,
		Images:    images,
		CreatedAt: time.Now(),
	}
	h.Broadcast(protocol.ServerMessage{
		Type:    protocol.ServerMessageFrame,
		Message: &userMessage,
	})
	h.tel.RecordMessage()
	h.tel.SetLatestTask(msg.Content)
	h.tel.MarkRunning()

	if h.clientType != "" {
		h.deps.Bus.Emit(events.TypeUserMessage, h.sessionID, map[string]any{
			"user_id":     c.userID,
			"client_type": h.clientType,
		})
	}

	h.proc.ResetForNewPrompt()
	h.proc.BindAgentSession(h.rt.AgentSessionID())

	client := h.rt.Client()
	if client == nil {
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}
	if err := client.PromptAsync(ctx, h.rt.AgentSessionID(), opencode.TextPrompt(msg.Content, images)); err != nil {
		h.logger.Warn("prompt submit failed", "error", err)
		h.sendTo(c, protocol.ErrorMessage("failed to send prompt"))
	}
}

// validImages keeps well-formed data URIs and drops the rest.
func validImages(images []string) []string {
	out := make([]string, 0, len(images))
	for _, img := range images {
		if !strings.HasPrefix(img, "data:") {
			continue
		}
		idx := strings.Index(img, ";base64,")
		if idx < 0 {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(img[idx+len(";base64,"):]); err != nil {
			continue
		}
		out = append(out, img)
	}
	return out
}

func (h *Hub) handleCancel(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonPrompt}); err != nil {
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}

	messageID := h.proc.CurrentAssistantMessageID()
	if client := h.rt.Client(); client != nil && h.rt.AgentSessionID() != "" {
		if err := client.Abort(ctx, h.rt.AgentSessionID()); err != nil {
			h.logger.Warn("upstream abort failed", "error", err)
		}
	}
	h.Broadcast(protocol.ServerMessage{
		Type:      protocol.ServerMessageCancelled,
		MessageID: messageID,
	})
	h.proc.ClearCurrentAssistantMessageID()
}

// =============================================================================
// Status / history
// =============================================================================

func (h *Hub) handleGetStatus(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := h.deps.Store.GetSession(ctx, h.sessionID)
	if err != nil {
		h.sendTo(c, protocol.ErrorMessage("failed to load session status"))
		return
	}
	h.sendTo(c, protocol.StatusMessage(sess.Status, ""))
}

func (h *Hub) handleGetMessages(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	history := h.loadHistory(ctx)
	h.sendTo(c, protocol.ServerMessage{
		Type:             protocol.ServerInit,
		History:          history,
		PreviewTunnelURL: h.rt.PreviewURL(),
	})
}

// =============================================================================
// Snapshot / auto-start
// =============================================================================

func (h *Hub) handleSaveSnapshot(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonPrompt}); err != nil {
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}

	provider := h.rt.Provider()
	sandboxID := h.rt.SandboxID()
	ok := false
	var snapshotID string
	if provider != nil && sandboxID != "" {
		id, err := provider.Snapshot(ctx, sandboxID)
		if err != nil {
			h.logger.Warn("manual snapshot failed", "error", err)
		} else {
			snapshotID = id
			if won, err := h.deps.Store.SetSnapshotIfSandbox(ctx, h.sessionID, sandboxID, id); err != nil {
				h.logger.Warn("manual snapshot persist failed", "error", err)
			} else {
				ok = won
			}
		}
	}
	h.sendTo(c, protocol.ServerMessage{
		Type:       protocol.ServerSnapshotResult,
		SnapshotID: snapshotID,
		OK:         &ok,
	})
}

func (h *Hub) handleRunAutoStart(c *clientConn, msg *protocol.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonPrompt}); err != nil {
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}

	runner := h.rt.GitRunner()
	if runner == nil {
		h.sendTo(c, protocol.ErrorMessage("provider does not support command execution"))
		return
	}

	commands := decodeAutoStartCommands(msg.Commands)
	if len(commands) == 0 {
		// No explicit commands: run the configured service commands.
		sessCtx, err := h.loadServiceCommands(ctx)
		if err != nil {
			h.sendTo(c, protocol.ErrorMessage("failed to load service commands"))
			return
		}
		commands = sessCtx
	}

	for _, command := range commands {
		out := h.runWorkspaceCommand(ctx, command)
		h.sendTo(c, protocol.ServerMessage{
			Type:   protocol.ServerAutoStartOutput,
			RunID:  msg.RunID,
			Output: out,
		})
	}
}

// =============================================================================
// Git commands
// =============================================================================

func (h *Hub) handleGitStatus(c *clientConn, msg *protocol.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonPrompt}); err != nil {
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}
	runner := h.rt.GitRunner()
	if runner == nil {
		h.sendTo(c, protocol.ErrorMessage("provider does not support command execution"))
		return
	}

	status, err := runner.Status(ctx, msg.WorkspacePath)
	if err != nil {
		h.sendTo(c, protocol.ErrorMessage(err.Error()))
		return
	}
	h.sendTo(c, protocol.ServerMessage{
		Type:      protocol.ServerGitStatus,
		GitStatus: status,
	})
}

func (h *Hub) handleGitWrite(c *clientConn, msg *protocol.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	if err := h.EnsureRuntimeReady(ctx, runtime.EnsureOpts{Reason: runtime.ReasonPrompt}); err != nil {
		h.sendTo(c, protocol.ErrorMessage("session is not ready"))
		return
	}
	runner := h.rt.GitRunner()
	if runner == nil {
		h.sendTo(c, protocol.ErrorMessage("provider does not support command execution"))
		return
	}

	var result *protocol.GitOpResult
	switch msg.Type {
	case protocol.ClientGitCreateBranch:
		if msg.BranchName == "" {
			h.sendTo(c, protocol.ErrorMessage("branchName is required"))
			return
		}
		result = runner.CreateBranch(ctx, msg.BranchName, msg.WorkspacePath)
	case protocol.ClientGitCommit:
		if msg.Message == "" {
			h.sendTo(c, protocol.ErrorMessage("commit message is required"))
			return
		}
		result = runner.Commit(ctx, msg.Message, msg.IncludeUntracked, msg.Files, msg.WorkspacePath)
	case protocol.ClientGitPush:
		result = runner.Push(ctx, msg.WorkspacePath)
	case protocol.ClientGitCreatePR:
		if msg.Title == "" {
			h.sendTo(c, protocol.ErrorMessage("title is required"))
			return
		}
		result = runner.CreatePR(ctx, msg.Title, msg.Body, msg.BaseBranch, msg.WorkspacePath)
	}

	if result != nil && result.PRURL != "" {
		h.tel.RecordPRURL(result.PRURL)
	}
	h.sendTo(c, protocol.ServerMessage{
		Type:      protocol.ServerGitResult,
		GitResult: result,
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Hub) runWorkspaceCommand(ctx context.Context, command string) string {
	runner := h.rt.GitRunner()
	if runner == nil {
		return "command execution unavailable"
	}
	out, err := runner.RunShell(ctx, command)
	if err != nil {
		return err.Error()
	}
	return out
}

func (h *Hub) loadServiceCommands(ctx context.Context) ([]string, error) {
	sess, err := h.deps.Store.GetSession(ctx, h.sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ConfigurationID == nil {
		return nil, nil
	}
	conf, err := h.deps.Store.GetConfiguration(ctx, *sess.ConfigurationID)
	if err != nil {
		return nil, err
	}
	return conf.ServiceCommands, nil
}

// decodeAutoStartCommands accepts either a JSON array of strings or a
// single string.
func decodeAutoStartCommands(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}
