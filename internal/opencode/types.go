// Package opencode talks to the coding agent that runs inside each sandbox:
// a JSON HTTP API plus a server-sent event stream, both served on the
// sandbox's tunnel URL.
package opencode

import (
	"encoding/json"
	"fmt"
)

// Upstream event types delivered on the /event stream.
const (
	EventServerConnected    = "server.connected"
	EventServerHeartbeat    = "server.heartbeat"
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types.
const (
	PartTypeText = "text"
	PartTypeTool = "tool"
	PartTypeFile = "file"
)

// Tool part statuses.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// ErrNameMessageAborted is the upstream error name raised when a prompt is
// aborted; it is expected on user cancel and never surfaced to clients.
const ErrNameMessageAborted = "MessageAbortedError"

// Event is the envelope of every upstream event. Properties is decoded
// lazily by type so unknown events can be skipped without cost.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Part is one piece of a message: streamed text or a tool invocation.
type Part struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// Validate rejects parts that cannot be attributed to a message. Anything
// failing here is logged and dropped at the edge.
func (p *Part) Validate() error {
	if p.ID == "" || p.MessageID == "" || p.Type == "" {
		return fmt.Errorf("part missing id/messageID/type: id=%q messageID=%q type=%q", p.ID, p.MessageID, p.Type)
	}
	return nil
}

// ToolState is the upstream execution state of a tool part.
type ToolState struct {
	Status   string          `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata *ToolMetadata   `json:"metadata,omitempty"`
}

// ToolMetadata carries optional progress summaries for a running tool.
type ToolMetadata struct {
	Summary string `json:"summary,omitempty"`
}

// PartUpdatedProps is the payload of message.part.updated. Delta is set
// while text is streaming; the final update carries the full text only.
type PartUpdatedProps struct {
	Part  Part   `json:"part"`
	Delta string `json:"delta,omitempty"`
}

// MessageInfo identifies a message within an agent session.
type MessageInfo struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"`
	Time      MessageTime `json:"time"`
}

type MessageTime struct {
	Created   int64 `json:"created,omitempty"`
	Completed int64 `json:"completed,omitempty"`
}

// MessageUpdatedProps is the payload of message.updated.
type MessageUpdatedProps struct {
	Info MessageInfo `json:"info"`
}

// SessionIdleProps is the payload of session.idle.
type SessionIdleProps struct {
	SessionID string `json:"sessionID"`
}

// SessionStatusProps is the payload of session.status. Only
// Status.Type == "idle" has documented semantics; other values are ignored.
type SessionStatusProps struct {
	SessionID string     `json:"sessionID"`
	Status    StatusInfo `json:"status"`
}

type StatusInfo struct {
	Type string `json:"type"`
}

// SessionErrorProps is the payload of session.error.
type SessionErrorProps struct {
	SessionID string      `json:"sessionID,omitempty"`
	Error     *AgentError `json:"error,omitempty"`
}

// AgentError is the upstream error shape; Data.Message is the richest
// human-readable description available.
type AgentError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message,omitempty"`
	} `json:"data"`
}

// Message returns the best available description for the error.
func (e *AgentError) Message() string {
	if e == nil {
		return "unknown agent error"
	}
	if e.Data.Message != "" {
		return e.Data.Message
	}
	if e.Name != "" {
		return e.Name
	}
	return "unknown agent error"
}

// SessionInfo is an agent-session record from the upstream API.
type SessionInfo struct {
	ID    string      `json:"id"`
	Title string      `json:"title,omitempty"`
	Time  SessionTime `json:"time"`
}

type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// Message is a full message with its parts, as returned by the message
// listing endpoint and replayed to clients on init.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// PromptPart is one input part of an async prompt.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// TextPrompt builds a prompt made of one text part plus optional data-URI
// image parts.
func TextPrompt(text string, imageDataURIs []string) []PromptPart {
	parts := []PromptPart{{Type: PartTypeText, Text: text}}
	for _, uri := range imageDataURIs {
		parts = append(parts, PromptPart{Type: PartTypeFile, URL: uri})
	}
	return parts
}
