// ABOUTME: Tests for command parsing, payload validation, and event frame encoding
// ABOUTME: Malformed frames must be rejected before dispatch

package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid send", `{"type":"send_message","requestId":"r1","data":{"conversationId":"c1","content":"hi"}}`, false},
		{"no data", `{"type":"get_online_users"}`, false},
		{"unknown type", `{"type":"delete_everything"}`, true},
		{"missing type", `{"requestId":"r1"}`, true},
		{"not json", `hello`, true},
		{"oversized request id", `{"type":"typing_start","requestId":"` + strings.Repeat("x", 200) + `"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeData(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"get_messages","data":{"conversationId":"c1","cursor":42,"limit":10}}`))
	require.NoError(t, err)

	req, err := DecodeData[GetMessages](cmd)
	require.NoError(t, err)
	assert.Equal(t, "c1", req.ConversationID)
	require.NotNil(t, req.Cursor)
	assert.Equal(t, int64(42), *req.Cursor)
	assert.Equal(t, 10, req.Limit)
}

func TestDecodeData_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing conversation", `{"type":"join_conversation","data":{}}`},
		{"null data", `{"type":"join_conversation","data":null}`},
		{"negative cursor", `{"type":"get_messages","data":{"conversationId":"c1","cursor":-1}}`},
		{"wrong field type", `{"type":"create_conversation","data":{"participantId":7}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.raw))
			require.NoError(t, err)

			switch cmd.Type {
			case CmdGetMessages:
				_, err = DecodeData[GetMessages](cmd)
			case CmdCreateConversation:
				_, err = DecodeData[CreateConversation](cmd)
			default:
				_, err = DecodeData[ConversationRef](cmd)
			}
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeEvent_RoundTripsFrame(t *testing.T) {
	raw, err := EncodeEvent("conversation-c1", TypingStatus{ConversationID: "c1", UserID: "alice", IsTyping: true})
	require.NoError(t, err)

	frame, err := DecodeEventFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "conversation-c1", frame.Channel)
	assert.Equal(t, EventTyping, frame.Event)

	var data map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, true, data["isTyping"])
	assert.Equal(t, "alice", data["userId"])
}

func TestDecodeEventFrame_RejectsIncomplete(t *testing.T) {
	_, err := DecodeEventFrame([]byte(`{"type":"event","channel":"presence"}`))
	assert.Error(t, err)
}

func TestFromMessage_EmbedsSender(t *testing.T) {
	msg := &store.Message{
		ID:             9,
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        lo.ToPtr("hello"),
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Sender:         &store.User{ID: "alice", Name: "Alice", Image: "https://img/a"},
	}

	out, err := json.Marshal(FromMessage(msg))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 9,
		"conversationId": "c1",
		"senderId": "alice",
		"content": "hello",
		"createdAt": "2026-01-02T03:04:05Z",
		"sender": {"id": "alice", "name": "Alice", "image": "https://img/a"}
	}`, string(out))
}

func TestFromMessage_MissingSenderFallsBackToID(t *testing.T) {
	out := FromMessage(&store.Message{ID: 1, SenderID: "ghost", AttachmentURL: lo.ToPtr("https://cdn/x")})
	assert.Equal(t, "ghost", out.Sender.ID)
	assert.Nil(t, out.Content)
}

func TestErrorReply(t *testing.T) {
	out, err := json.Marshal(ErrorReply("r9", CodeNotFound, "conversation not found"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","requestId":"r9","error":{"code":"not_found","message":"conversation not found"}}`, string(out))
}
