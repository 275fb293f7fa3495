package processor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proliferate-ai/gateway/internal/opencode"
	"github.com/proliferate-ai/gateway/internal/protocol"
)

type recorder struct {
	frames []protocol.ServerMessage
}

func (r *recorder) sink(msg protocol.ServerMessage) {
	r.frames = append(r.frames, msg)
}

func (r *recorder) types() []string {
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func (r *recorder) count(frameType string) int {
	n := 0
	for _, f := range r.frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func newTestProcessor(t *testing.T) (*Processor, *recorder) {
	t.Helper()
	rec := &recorder{}
	p := New(rec.sink, nil)
	p.BindAgentSession("agent-1")
	return p, rec
}

func partEvent(t *testing.T, part opencode.Part, delta string) opencode.Event {
	t.Helper()
	props, err := json.Marshal(opencode.PartUpdatedProps{Part: part, Delta: delta})
	require.NoError(t, err)
	return opencode.Event{Type: opencode.EventMessagePartUpdated, Properties: props}
}

func idleEvent(t *testing.T, sessionID string) opencode.Event {
	t.Helper()
	props, err := json.Marshal(opencode.SessionIdleProps{SessionID: sessionID})
	require.NoError(t, err)
	return opencode.Event{Type: opencode.EventSessionIdle, Properties: props}
}

func textPart(id, messageID, sessionID, text string) opencode.Part {
	return opencode.Part{ID: id, MessageID: messageID, SessionID: sessionID, Type: opencode.PartTypeText, Text: text}
}

func toolPart(id, messageID, sessionID, callID, status string, input json.RawMessage) opencode.Part {
	return opencode.Part{
		ID:        id,
		MessageID: messageID,
		SessionID: sessionID,
		Type:      opencode.PartTypeTool,
		Tool:      "bash",
		CallID:    callID,
		State:     &opencode.ToolState{Status: status, Input: input},
	}
}

func TestHappyPathTextPrompt(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	// Echoed user message: suppressed, id captured.
	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "hello"), ""))
	assert.Empty(t, rec.frames)

	// More parts of the user message stay suppressed.
	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "hello"), "hel"))
	assert.Empty(t, rec.frames)

	// Assistant reply: shell + tokens + completion.
	p.HandleEvent(partEvent(t, textPart("p-1", "msg-a", "agent-1", ""), "Hi"))
	p.HandleEvent(partEvent(t, textPart("p-1", "msg-a", "agent-1", ""), " there"))
	p.HandleEvent(partEvent(t, textPart("p-1", "msg-a", "agent-1", "Hi there"), ""))
	p.HandleEvent(idleEvent(t, "agent-1"))

	require.Equal(t, []string{
		protocol.ServerMessageFrame,
		protocol.ServerToken,
		protocol.ServerToken,
		protocol.ServerTextPartComplete,
		protocol.ServerMessageComplete,
	}, rec.types())

	shell := rec.frames[0]
	require.NotNil(t, shell.Message)
	assert.Equal(t, "msg-a", shell.Message.ID)
	assert.Equal(t, "assistant", shell.Message.Role)
	assert.Equal(t, "", shell.Message.Content)

	assert.Equal(t, "Hi", rec.frames[1].Delta)
	assert.Equal(t, " there", rec.frames[2].Delta)
	assert.Equal(t, "Hi there", rec.frames[3].Text)
	assert.Equal(t, "msg-a", rec.frames[4].MessageID)
	assert.False(t, p.InProgress())
}

func TestDuplicateTextOnlyMessageSuppressed(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "q"), ""))
	p.HandleEvent(partEvent(t, textPart("p-1", "msg-a", "agent-1", "done"), ""))
	p.HandleEvent(idleEvent(t, "agent-1"))

	// A duplicate upstream copy of the text-only reply with a new id must
	// not open a second assistant message.
	p.HandleEvent(partEvent(t, textPart("p-2", "msg-dup", "agent-1", "done"), ""))
	p.HandleEvent(idleEvent(t, "agent-1"))

	assert.Equal(t, 1, rec.count(protocol.ServerMessageFrame))
	assert.Equal(t, 1, rec.count(protocol.ServerMessageComplete))
}

func TestToolLifecycleAtMostOnce(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "run it"), ""))

	// Tool starts without args.
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusRunning, nil), ""))
	// Args arrive later: a second tool_start carries them.
	args := json.RawMessage(`{"command":"ls"}`)
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusRunning, args), ""))
	// Re-delivery of the same args produces nothing new.
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusRunning, args), ""))

	// Completion, delivered twice: exactly one tool_end.
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusCompleted, args), ""))
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusCompleted, args), ""))

	assert.Equal(t, 2, rec.count(protocol.ServerToolStart))
	assert.Equal(t, 1, rec.count(protocol.ServerToolEnd))

	starts := 0
	for _, f := range rec.frames {
		if f.Type == protocol.ServerToolStart {
			starts++
			if starts == 1 {
				assert.Nil(t, f.Args)
			} else {
				assert.JSONEq(t, `{"command":"ls"}`, string(f.Args))
			}
			assert.Equal(t, "call-1", f.ToolCallID)
		}
	}
}

func TestToolMetadataSummaryKeyedByLength(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()
	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "go"), ""))

	part := toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusRunning, nil)
	part.State.Metadata = &opencode.ToolMetadata{Summary: "reading"}
	p.HandleEvent(partEvent(t, part, ""))
	p.HandleEvent(partEvent(t, part, "")) // same summary, no new frame

	part.State.Metadata.Summary = "reading files"
	p.HandleEvent(partEvent(t, part, ""))

	assert.Equal(t, 2, rec.count(protocol.ServerToolMetadata))
}

func TestMessageCompleteWaitsForRunningTools(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()
	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "go"), ""))

	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusRunning, nil), ""))

	// Idle while the tool still runs: no completion yet.
	p.HandleEvent(idleEvent(t, "agent-1"))
	assert.Equal(t, 0, rec.count(protocol.ServerMessageComplete))
	assert.True(t, p.HasRunningTools())

	// Tool finishes: the pending idle completes the message.
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusCompleted, nil), ""))
	assert.Equal(t, 1, rec.count(protocol.ServerMessageComplete))

	// A message with tools clears the assistant id for the next message.
	assert.Equal(t, "", p.CurrentAssistantMessageID())

	// A stale re-delivery of the finished message must not reopen it.
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusCompleted, nil), ""))
	assert.Equal(t, 1, rec.count(protocol.ServerMessageFrame))
	assert.Equal(t, 1, rec.count(protocol.ServerToolEnd))
	assert.Equal(t, "", p.CurrentAssistantMessageID())
}

func TestOtherAgentSessionDropped(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	p.HandleEvent(partEvent(t, textPart("p-x", "msg-x", "agent-other", "hi"), "h"))
	p.HandleEvent(idleEvent(t, "agent-other"))
	assert.Empty(t, rec.frames)
}

func TestSessionErrorFrames(t *testing.T) {
	p, rec := newTestProcessor(t)

	aborted, err := json.Marshal(opencode.SessionErrorProps{
		Error: &opencode.AgentError{Name: opencode.ErrNameMessageAborted},
	})
	require.NoError(t, err)
	p.HandleEvent(opencode.Event{Type: opencode.EventSessionError, Properties: aborted})
	assert.Empty(t, rec.frames)

	boom := opencode.AgentError{Name: "ProviderAuthError"}
	boom.Data.Message = "provider credentials expired"
	props, err := json.Marshal(opencode.SessionErrorProps{Error: &boom})
	require.NoError(t, err)
	p.HandleEvent(opencode.Event{Type: opencode.EventSessionError, Properties: props})

	require.Equal(t, 1, rec.count(protocol.ServerError))
	assert.Equal(t, "provider credentials expired", rec.frames[0].Detail)
}

func TestMalformedAndUnknownEventsIgnored(t *testing.T) {
	p, rec := newTestProcessor(t)

	p.HandleEvent(opencode.Event{Type: "something.new", Properties: json.RawMessage(`{}`)})
	p.HandleEvent(opencode.Event{Type: opencode.EventMessagePartUpdated, Properties: json.RawMessage(`{"part":`)})
	// Part without id/messageID/type is dropped at the edge.
	p.HandleEvent(partEvent(t, opencode.Part{ID: "p-1", SessionID: "agent-1", Type: opencode.PartTypeText}, "x"))

	assert.Empty(t, rec.frames)
}

func TestIdleStatusEventCompletesLikeSessionIdle(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "go"), ""))
	p.HandleEvent(partEvent(t, textPart("p-1", "msg-a", "agent-1", "ok"), ""))

	props, err := json.Marshal(opencode.SessionStatusProps{
		SessionID: "agent-1",
		Status:    opencode.StatusInfo{Type: "idle"},
	})
	require.NoError(t, err)
	p.HandleEvent(opencode.Event{Type: opencode.EventSessionStatus, Properties: props})

	assert.Equal(t, 1, rec.count(protocol.ServerMessageComplete))

	// Non-idle statuses have no documented semantics and do nothing.
	other, err := json.Marshal(opencode.SessionStatusProps{
		SessionID: "agent-1",
		Status:    opencode.StatusInfo{Type: "busy"},
	})
	require.NoError(t, err)
	p.HandleEvent(opencode.Event{Type: opencode.EventSessionStatus, Properties: other})
	assert.Equal(t, 1, rec.count(protocol.ServerMessageComplete))
}

func TestClearAssistantAllowsNextMessage(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "go"), ""))
	p.HandleEvent(partEvent(t, textPart("p-1", "msg-a", "agent-1", ""), "partial"))
	require.True(t, p.InProgress())

	// Hub-driven cancel.
	p.ClearCurrentAssistantMessageID()
	assert.False(t, p.InProgress())

	// The next assistant part opens a fresh shell.
	p.HandleEvent(partEvent(t, textPart("p-2", "msg-b", "agent-1", ""), "again"))
	assert.Equal(t, 2, rec.count(protocol.ServerMessageFrame))
	assert.Equal(t, "msg-b", p.CurrentAssistantMessageID())
}

func TestResetForNewPromptClearsKeys(t *testing.T) {
	p, rec := newTestProcessor(t)
	p.ResetForNewPrompt()

	p.HandleEvent(partEvent(t, textPart("p-user", "msg-user", "agent-1", "one"), ""))
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a", "agent-1", "call-1", opencode.ToolStatusCompleted, nil), ""))
	firstCount := len(rec.frames)
	require.Greater(t, firstCount, 0)

	p.ResetForNewPrompt()

	// Same part ids are fresh again after a new prompt.
	p.HandleEvent(partEvent(t, textPart("p-user2", "msg-user2", "agent-1", "two"), ""))
	p.HandleEvent(partEvent(t, toolPart("p-t", "msg-a2", "agent-1", "call-1", opencode.ToolStatusCompleted, nil), ""))
	assert.Greater(t, len(rec.frames), firstCount)
}
