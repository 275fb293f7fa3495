// Package processor maps upstream agent events onto the client-facing
// message protocol. It is pure state: no sockets, no I/O, one sink. The hub
// wires the sink to its broadcast path.
package processor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/proliferate-ai/gateway/internal/opencode"
	"github.com/proliferate-ai/gateway/internal/protocol"
)

// ToolState tracks the downstream emission state of one tool call.
type ToolState struct {
	StartEmitted bool
	ArgsEmitted  bool
	EndEmitted   bool
	Status       string
}

// Processor consumes upstream events for one session and emits client
// frames through the sink. All methods are safe for concurrent use: events
// arrive on the stream goroutine while the hub reads progress from others.
type Processor struct {
	mu     sync.Mutex
	sink   func(protocol.ServerMessage)
	logger *slog.Logger

	agentSessionID string

	currentAssistantMessageID string
	currentUserMessageID      string
	messageCompleted          bool
	pendingIdle               bool
	toolStates                map[string]*ToolState
	sentEventKeys             map[string]struct{}
}

// New creates a processor emitting into sink.
func New(sink func(protocol.ServerMessage), logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		sink:          sink,
		logger:        logger,
		toolStates:    make(map[string]*ToolState),
		sentEventKeys: make(map[string]struct{}),
	}
}

// BindAgentSession sets the agent session id whose events are accepted.
// Parts belonging to other agent sessions are dropped.
func (p *Processor) BindAgentSession(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentSessionID = id
}

// ResetForNewPrompt clears all per-prompt state before a prompt is sent.
func (p *Processor) ResetForNewPrompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentAssistantMessageID = ""
	p.currentUserMessageID = ""
	p.messageCompleted = false
	p.pendingIdle = false
	p.toolStates = make(map[string]*ToolState)
	p.sentEventKeys = make(map[string]struct{})
}

// ClearCurrentAssistantMessageID drops the in-flight assistant message.
// Driven by the hub on cancel; the processor never cancels on its own.
func (p *Processor) ClearCurrentAssistantMessageID() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentAssistantMessageID = ""
	p.messageCompleted = false
	p.pendingIdle = false
	p.toolStates = make(map[string]*ToolState)
}

// CurrentAssistantMessageID returns the id of the assistant message being
// streamed, or "" when none is.
func (p *Processor) CurrentAssistantMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAssistantMessageID
}

// InProgress reports whether an assistant message is still streaming.
func (p *Processor) InProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAssistantMessageID != "" && !p.messageCompleted
}

// HasRunningTools reports whether any tool call is still running.
func (p *Processor) HasRunningTools() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningToolsLocked()
}

func (p *Processor) runningToolsLocked() bool {
	for _, st := range p.toolStates {
		if st.Status == opencode.ToolStatusRunning || st.Status == opencode.ToolStatusPending {
			return true
		}
	}
	return false
}

// HandleEvent routes one upstream event. Unknown event types are ignored;
// malformed payloads are logged and dropped.
func (p *Processor) HandleEvent(ev opencode.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case opencode.EventServerConnected, opencode.EventServerHeartbeat:
		// Liveness only: the stream advanced its heartbeat clock when it
		// decoded these. Nothing to forward downstream.

	case opencode.EventMessageUpdated:
		var props opencode.MessageUpdatedProps
		if err := unmarshalProps(ev, &props); err != nil {
			p.logger.Warn("dropping malformed message.updated", "error", err)
			return
		}
		p.handleMessageUpdatedLocked(props.Info)

	case opencode.EventMessagePartUpdated:
		var props opencode.PartUpdatedProps
		if err := unmarshalProps(ev, &props); err != nil {
			p.logger.Warn("dropping malformed message.part.updated", "error", err)
			return
		}
		if err := props.Part.Validate(); err != nil {
			p.logger.Warn("dropping invalid part", "error", err)
			return
		}
		p.handlePartLocked(props.Part, props.Delta)

	case opencode.EventSessionIdle:
		var props opencode.SessionIdleProps
		if err := unmarshalProps(ev, &props); err != nil {
			p.logger.Warn("dropping malformed session.idle", "error", err)
			return
		}
		if !p.acceptsSessionLocked(props.SessionID) {
			return
		}
		p.handleIdleLocked()

	case opencode.EventSessionStatus:
		var props opencode.SessionStatusProps
		if err := unmarshalProps(ev, &props); err != nil {
			p.logger.Warn("dropping malformed session.status", "error", err)
			return
		}
		if !p.acceptsSessionLocked(props.SessionID) {
			return
		}
		// Only idle has documented semantics; other values appear in logs
		// without a defined meaning and are ignored.
		if props.Status.Type == "idle" {
			p.handleIdleLocked()
		}

	case opencode.EventSessionError:
		var props opencode.SessionErrorProps
		if err := unmarshalProps(ev, &props); err != nil {
			p.logger.Warn("dropping malformed session.error", "error", err)
			return
		}
		if props.Error != nil && props.Error.Name == opencode.ErrNameMessageAborted {
			// Expected on user cancel.
			return
		}
		p.emitLocked(protocol.ErrorMessage(props.Error.Message()))

	default:
		// Unknown upstream event types are silently ignored.
	}
}

func (p *Processor) handleMessageUpdatedLocked(info opencode.MessageInfo) {
	if !p.acceptsSessionLocked(info.SessionID) {
		return
	}
	// A user-role message identifies the echoed prompt; capture it once so
	// its parts are suppressed for the rest of the prompt.
	if info.Role == opencode.RoleUser && p.currentUserMessageID == "" {
		p.currentUserMessageID = info.ID
	}
}

func (p *Processor) handlePartLocked(part opencode.Part, delta string) {
	if !p.acceptsSessionLocked(part.SessionID) {
		return
	}
	if part.Type != opencode.PartTypeText && part.Type != opencode.PartTypeTool {
		return
	}

	// The first text part of a prompt is the echoed user message.
	if p.currentUserMessageID == "" && p.currentAssistantMessageID == "" && part.Type == opencode.PartTypeText {
		p.currentUserMessageID = part.MessageID
		return
	}
	if part.MessageID == p.currentUserMessageID {
		return
	}

	// First non-user part creates the assistant message shell. A shell is
	// created at most once per upstream message id, so stale re-deliveries
	// after completion cannot reopen a finished message.
	if p.currentAssistantMessageID == "" {
		if !p.markLocked("msg:" + part.MessageID + ":shell") {
			return
		}
		p.currentAssistantMessageID = part.MessageID
		p.messageCompleted = false
		p.emitLocked(protocol.ServerMessage{
			Type: protocol.ServerMessageFrame,
			Message: &protocol.ChatMessage{
				ID:      part.MessageID,
				Role:    opencode.RoleAssistant,
				Content: "",
			},
		})
	} else if part.MessageID != p.currentAssistantMessageID {
		// A second upstream message while one is current is a duplicate of
		// a text-only reply; suppress it entirely.
		return
	}

	switch part.Type {
	case opencode.PartTypeText:
		p.handleTextPartLocked(part, delta)
	case opencode.PartTypeTool:
		p.handleToolPartLocked(part)
	}
}

func (p *Processor) handleTextPartLocked(part opencode.Part, delta string) {
	if delta != "" {
		p.emitLocked(protocol.ServerMessage{
			Type:      protocol.ServerToken,
			MessageID: part.MessageID,
			PartID:    part.ID,
			Delta:     delta,
		})
		return
	}
	if part.Text == "" {
		return
	}
	if !p.markLocked(part.ID + ":text_complete") {
		return
	}
	p.emitLocked(protocol.ServerMessage{
		Type:      protocol.ServerTextPartComplete,
		MessageID: part.MessageID,
		PartID:    part.ID,
		Text:      part.Text,
	})
}

func (p *Processor) handleToolPartLocked(part opencode.Part) {
	callID := part.CallID
	if callID == "" {
		callID = part.ID
	}
	state, ok := p.toolStates[callID]
	if !ok {
		state = &ToolState{Status: opencode.ToolStatusRunning}
		p.toolStates[callID] = state
	}

	hasArgs := part.State != nil && len(part.State.Input) > 0

	if p.markLocked(part.ID + ":start") {
		state.StartEmitted = true
		msg := protocol.ServerMessage{
			Type:       protocol.ServerToolStart,
			MessageID:  part.MessageID,
			ToolCallID: callID,
			Tool:       part.Tool,
		}
		if hasArgs {
			msg.Args = part.State.Input
			p.markLocked(part.ID + ":args")
			state.ArgsEmitted = true
		}
		p.emitLocked(msg)
	} else if hasArgs && p.markLocked(part.ID+":args") {
		// Late-arriving args repeat the start frame with args attached.
		state.ArgsEmitted = true
		p.emitLocked(protocol.ServerMessage{
			Type:       protocol.ServerToolStart,
			MessageID:  part.MessageID,
			ToolCallID: callID,
			Tool:       part.Tool,
			Args:       part.State.Input,
		})
	}

	if part.State != nil && part.State.Metadata != nil && part.State.Metadata.Summary != "" {
		summary := part.State.Metadata.Summary
		key := fmt.Sprintf("%s:summary:%d", part.ID, len(summary))
		if p.markLocked(key) {
			p.emitLocked(protocol.ServerMessage{
				Type:       protocol.ServerToolMetadata,
				ToolCallID: callID,
				Summary:    summary,
			})
		}
	}

	if part.State == nil {
		return
	}
	switch part.State.Status {
	case opencode.ToolStatusCompleted, opencode.ToolStatusError:
		if p.markLocked(part.ID + ":end") {
			state.EndEmitted = true
			state.Status = part.State.Status
			p.emitLocked(protocol.ServerMessage{
				Type:       protocol.ServerToolEnd,
				ToolCallID: callID,
				ToolStatus: part.State.Status,
			})
			if p.pendingIdle && !p.runningToolsLocked() {
				p.completeMessageLocked()
			}
		}
	case opencode.ToolStatusRunning, opencode.ToolStatusPending:
		if !state.EndEmitted {
			state.Status = opencode.ToolStatusRunning
		}
	}
}

func (p *Processor) handleIdleLocked() {
	if p.runningToolsLocked() {
		p.pendingIdle = true
		return
	}
	p.completeMessageLocked()
}

// completeMessageLocked emits message_complete at most once per assistant
// message. When tools ran, the current id is cleared so the next assistant
// message can be created; a text-only message keeps its id, which swallows
// a duplicate upstream copy of the same reply.
func (p *Processor) completeMessageLocked() {
	p.pendingIdle = false
	if p.currentAssistantMessageID == "" {
		return
	}
	if p.markLocked(p.currentAssistantMessageID + ":complete") {
		p.emitLocked(protocol.ServerMessage{
			Type:      protocol.ServerMessageComplete,
			MessageID: p.currentAssistantMessageID,
		})
	}
	p.messageCompleted = true
	if len(p.toolStates) > 0 {
		p.currentAssistantMessageID = ""
		p.messageCompleted = false
		p.toolStates = make(map[string]*ToolState)
	}
}

func (p *Processor) acceptsSessionLocked(sessionID string) bool {
	if p.agentSessionID == "" || sessionID == "" {
		return true
	}
	return sessionID == p.agentSessionID
}

// markLocked records an event key; returns false if already sent.
func (p *Processor) markLocked(key string) bool {
	if _, seen := p.sentEventKeys[key]; seen {
		return false
	}
	p.sentEventKeys[key] = struct{}{}
	return true
}

func (p *Processor) emitLocked(msg protocol.ServerMessage) {
	if p.sink != nil {
		p.sink(msg)
	}
}

func unmarshalProps(ev opencode.Event, out any) error {
	if len(ev.Properties) == 0 {
		return fmt.Errorf("event %s has no properties", ev.Type)
	}
	return json.Unmarshal(ev.Properties, out)
}
