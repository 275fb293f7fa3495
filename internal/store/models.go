// Package store is the relational authority for durable session state.
// Cross-replica transitions that depend on a prior observation go through
// CAS updates guarded by the last-seen sandbox id; zero rows affected is a
// valid, silent outcome meaning another actor advanced the session first.
package store

import (
	"encoding/json"
	"time"
)

// Session statuses.
const (
	StatusCreating  = "creating"
	StatusResuming  = "resuming"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusStopped   = "stopped"
	StatusError     = "error"
	StatusMigrating = "migrating"
)

// Session types.
const (
	SessionTypeCoding     = "coding"
	SessionTypeSetup      = "setup"
	SessionTypeCLI        = "cli"
	SessionTypeAutomation = "automation"
)

// Client types.
const (
	ClientTypeWeb        = "web"
	ClientTypeCLI        = "cli"
	ClientTypeSlack      = "slack"
	ClientTypeAutomation = "automation"
)

// Pause reasons.
const (
	PauseReasonInactivity     = "inactivity"
	PauseReasonOrphaned       = "orphaned"
	PauseReasonSnapshotFailed = "snapshot_failed"
)

// Outcomes.
const (
	OutcomeFailed = "failed"
)

// Session is one row of the sessions table.
type Session struct {
	ID               string
	OrganizationID   string
	CreatedBy        *string
	ConfigurationID  *string // nil for scratch sessions
	SessionType      string
	ClientType       string
	Status           string
	SandboxID        *string
	SandboxProvider  string
	SnapshotID       *string
	SandboxExpiresAt *time.Time
	AgentSessionID   *string
	TunnelURL        *string
	PreviewURL       *string
	PausedAt         *time.Time
	PauseReason      *string
	Metrics          json.RawMessage
	LatestTask       *string
	PRURLs           []string
	Outcome          *string
	ClientMetadata   json.RawMessage
	AgentConfig      json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsHeadless reports whether the session runs without interactive clients
// and must be treated as having a perpetual client.
func (s *Session) IsHeadless() bool {
	return s.ClientType == ClientTypeAutomation
}

// RepoSpec describes one repository mounted into the sandbox workspace.
type RepoSpec struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Configuration is the reusable boot recipe behind configuration-backed
// sessions.
type Configuration struct {
	ID                    string
	OrganizationID        string
	Repos                 []RepoSpec
	EnvVars               map[string]string
	SystemPrompt          string
	ServiceCommands       []string
	AgentConfig           json.RawMessage
	DepsInstalledSnapshot bool
}

// TelemetryDelta is one flush worth of accumulated counters.
type TelemetryDelta struct {
	ToolCalls         int
	MessagesExchanged int
	ActiveSeconds     int64
	PRURLs            []string
	LatestTask        *string
}

// SessionMetrics is the shape of the metrics JSON blob.
type SessionMetrics struct {
	ToolCalls         int   `json:"tool_calls"`
	MessagesExchanged int   `json:"messages_exchanged"`
	ActiveSeconds     int64 `json:"active_seconds"`
}
