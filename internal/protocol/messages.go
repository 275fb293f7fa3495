// Package protocol defines the full-duplex JSON wire protocol between chat
// clients and the gateway. Inbound frames are a closed command set; outbound
// frames carry the synthetic message/token/tool stream plus status and
// command results.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session status values mirrored to clients.
const (
	StatusCreating  = "creating"
	StatusResuming  = "resuming"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusError     = "error"
	StatusMigrating = "migrating"
)

// Inbound frame types (client → gateway).
const (
	ClientPing            = "ping"
	ClientPrompt          = "prompt"
	ClientCancel          = "cancel"
	ClientGetStatus       = "get_status"
	ClientGetMessages     = "get_messages"
	ClientSaveSnapshot    = "save_snapshot"
	ClientRunAutoStart    = "run_auto_start"
	ClientGetGitStatus    = "get_git_status"
	ClientGitCreateBranch = "git_create_branch"
	ClientGitCommit       = "git_commit"
	ClientGitPush         = "git_push"
	ClientGitCreatePR     = "git_create_pr"
)

// Outbound frame types (gateway → client).
const (
	ServerPong             = "pong"
	ServerStatus           = "status"
	ServerInit             = "init"
	ServerPreviewURL       = "preview_url"
	ServerMessageFrame     = "message"
	ServerToken            = "token"
	ServerTextPartComplete = "text_part_complete"
	ServerToolStart        = "tool_start"
	ServerToolMetadata     = "tool_metadata"
	ServerToolEnd          = "tool_end"
	ServerMessageComplete  = "message_complete"
	ServerMessageCancelled = "message_cancelled"
	ServerError            = "error"
	ServerSnapshotResult   = "snapshot_result"
	ServerAutoStartOutput  = "auto_start_output"
	ServerGitStatus        = "git_status"
	ServerGitResult        = "git_result"
)

// ClientMessage is the union of every inbound frame. Type selects which
// fields are meaningful; unknown types are answered with an error frame.
type ClientMessage struct {
	Type    string   `json:"type"`
	Content string   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`
	// UserID is accepted on the wire for compatibility but never trusted;
	// the authenticated user always wins.
	UserID           string          `json:"userId,omitempty"`
	Message          string          `json:"message,omitempty"`
	RunID            string          `json:"runId,omitempty"`
	Commands         json.RawMessage `json:"commands,omitempty"`
	WorkspacePath    string          `json:"workspacePath,omitempty"`
	BranchName       string          `json:"branchName,omitempty"`
	IncludeUntracked bool            `json:"includeUntracked,omitempty"`
	Files            []string        `json:"files,omitempty"`
	Title            string          `json:"title,omitempty"`
	Body             string          `json:"body,omitempty"`
	BaseBranch       string          `json:"baseBranch,omitempty"`
}

// ParseClientMessage decodes an inbound frame and validates its type.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed client frame: %w", err)
	}
	switch msg.Type {
	case ClientPing, ClientPrompt, ClientCancel, ClientGetStatus,
		ClientGetMessages, ClientSaveSnapshot, ClientRunAutoStart,
		ClientGetGitStatus, ClientGitCreateBranch, ClientGitCommit,
		ClientGitPush, ClientGitCreatePR:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("client frame missing type")
	default:
		return nil, fmt.Errorf("unknown client frame type %q", msg.Type)
	}
}

// ChatMessage is one message of the conversation as clients render it.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// GitStatusResult reports working-tree state from the sandbox workspace.
type GitStatusResult struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
	Clean     bool     `json:"clean"`
}

// GitOpResult reports the outcome of a git mutation (branch/commit/push/pr).
type GitOpResult struct {
	Op      string `json:"op"`
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	PRURL   string `json:"prUrl,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerMessage is the union of every outbound frame. Only the fields for
// the given Type are populated; everything else is omitted on the wire.
type ServerMessage struct {
	Type string `json:"type"`

	// status / error
	Status string `json:"status,omitempty"`
	Detail string `json:"message,omitempty"`

	// init
	History          []ChatMessage `json:"history,omitempty"`
	PreviewTunnelURL string        `json:"previewTunnelUrl,omitempty"`

	// preview_url
	URL string `json:"url,omitempty"`

	// message
	Message *ChatMessage `json:"data,omitempty"`

	// token / text_part_complete
	MessageID string `json:"messageId,omitempty"`
	PartID    string `json:"partId,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Text      string `json:"text,omitempty"`

	// tool_start / tool_metadata / tool_end
	ToolCallID string          `json:"toolCallId,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	ToolStatus string          `json:"toolStatus,omitempty"`

	// save_snapshot result
	SnapshotID string `json:"snapshotId,omitempty"`
	OK         *bool  `json:"ok,omitempty"`

	// run_auto_start output
	RunID  string `json:"runId,omitempty"`
	Output string `json:"output,omitempty"`

	// git results
	GitStatus *GitStatusResult `json:"gitStatus,omitempty"`
	GitResult *GitOpResult     `json:"gitResult,omitempty"`
}

// Encode marshals an outbound frame.
func (m ServerMessage) Encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		// A ServerMessage is always marshalable; this guards programmer error.
		return []byte(`{"type":"error","message":"internal encoding failure"}`)
	}
	return data
}

// StatusMessage builds a status frame.
func StatusMessage(status, detail string) ServerMessage {
	return ServerMessage{Type: ServerStatus, Status: status, Detail: detail}
}

// ErrorMessage builds an error frame.
func ErrorMessage(detail string) ServerMessage {
	return ServerMessage{Type: ServerError, Detail: detail}
}

// Pong is the reply to a ping frame.
func Pong() ServerMessage {
	return ServerMessage{Type: ServerPong}
}
