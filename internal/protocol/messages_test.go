package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"prompt","content":"hi","userId":"spoofed"}`))
	require.NoError(t, err)
	assert.Equal(t, ClientPrompt, msg.Type)
	assert.Equal(t, "hi", msg.Content)
	// The field decodes but dispatch never trusts it.
	assert.Equal(t, "spoofed", msg.UserID)

	msg, err = ParseClientMessage([]byte(`{"type":"git_commit","message":"fix","includeUntracked":true,"files":["a.go"]}`))
	require.NoError(t, err)
	assert.Equal(t, ClientGitCommit, msg.Type)
	assert.True(t, msg.IncludeUntracked)
	assert.Equal(t, []string{"a.go"}, msg.Files)

	_, err = ParseClientMessage([]byte(`{"type":"drop_tables"}`))
	assert.ErrorContains(t, err, "unknown client frame type")

	_, err = ParseClientMessage([]byte(`{}`))
	assert.ErrorContains(t, err, "missing type")

	_, err = ParseClientMessage([]byte(`{"type":`))
	assert.ErrorContains(t, err, "malformed")
}

func TestServerMessageEncodeOmitsEmpty(t *testing.T) {
	data := StatusMessage(StatusRunning, "").Encode()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "status", decoded["type"])
	assert.Equal(t, "running", decoded["status"])
	_, hasHistory := decoded["history"]
	assert.False(t, hasHistory)
	_, hasDetail := decoded["message"]
	assert.False(t, hasDetail)
}

func TestTokenFrameShape(t *testing.T) {
	frame := ServerMessage{
		Type:      ServerToken,
		MessageID: "msg-1",
		PartID:    "part-1",
		Delta:     "he",
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame.Encode(), &decoded))
	assert.Equal(t, "token", decoded["type"])
	assert.Equal(t, "msg-1", decoded["messageId"])
	assert.Equal(t, "part-1", decoded["partId"])
	assert.Equal(t, "he", decoded["delta"])
}
