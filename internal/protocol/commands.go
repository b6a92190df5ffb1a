// ABOUTME: Inbound client command frames and reply frames for the realtime socket
// ABOUTME: Commands are parsed and validated before they reach any handler

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound command types.
const (
	CmdCreateConversation = "create_conversation"
	CmdListConversations  = "list_conversations"
	CmdJoinConversation   = "join_conversation"
	CmdLeaveConversation  = "leave_conversation"
	CmdSendMessage        = "send_message"
	CmdGetMessages        = "get_messages"
	CmdMarkAsRead         = "mark_as_read"
	CmdTypingStart        = "typing_start"
	CmdTypingStop         = "typing_stop"
	CmdGetOnlineUsers     = "get_online_users"
)

// Reply frame types.
const (
	FrameTypeAck   = "ack"
	FrameTypeError = "error"
)

// Error codes carried in error replies.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// ErrMalformed is returned for frames that cannot be parsed or fail validation.
var ErrMalformed = errors.New("malformed command")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Command is a client request frame.
type Command struct {
	Type      string          `json:"type" validate:"required,oneof=create_conversation list_conversations join_conversation leave_conversation send_message get_messages mark_as_read typing_start typing_stop get_online_users"`
	RequestID string          `json:"requestId" validate:"max=128"`
	Data      json.RawMessage `json:"data"`
}

// CreateConversation asks for the conversation with ParticipantID.
type CreateConversation struct {
	ParticipantID string `json:"participantId" validate:"required,max=128"`
}

// ConversationRef names a conversation; used by join, leave, mark_as_read and typing.
type ConversationRef struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
}

// SendMessage carries a new message. Whether the pair of optional fields is
// acceptable is decided by the message gateway.
type SendMessage struct {
	ConversationID string  `json:"conversationId" validate:"required,max=64"`
	Content        *string `json:"content"`
	AttachmentURL  *string `json:"attachmentUrl" validate:"omitempty,max=2048"`
}

// GetMessages requests a page of history.
type GetMessages struct {
	ConversationID string `json:"conversationId" validate:"required,max=64"`
	Cursor         *int64 `json:"cursor" validate:"omitempty,gt=0"`
	Limit          int    `json:"limit" validate:"gte=0"`
}

// ParseCommand decodes and validates a command frame.
func ParseCommand(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return &cmd, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &cmd, nil
}

// DecodeData unmarshals the command payload into T and validates it.
// A missing payload decodes as the zero value before validation.
func DecodeData[T any](cmd *Command) (T, error) {
	var out T
	if len(cmd.Data) > 0 && string(cmd.Data) != "null" {
		if err := json.Unmarshal(cmd.Data, &out); err != nil {
			return out, fmt.Errorf("%w: %s data: %v", ErrMalformed, cmd.Type, err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s data: %v", ErrMalformed, cmd.Type, err)
	}
	return out, nil
}

// Validate checks a request body decoded outside the socket path (HTTP API).
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ErrorBody is the payload of an error reply.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply answers a command.
type Reply struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// Ack builds a success reply.
func Ack(requestID string, data any) Reply {
	return Reply{Type: FrameTypeAck, RequestID: requestID, Data: data}
}

// ErrorReply builds an error reply.
func ErrorReply(requestID, code, message string) Reply {
	return Reply{Type: FrameTypeError, RequestID: requestID, Error: &ErrorBody{Code: code, Message: message}}
}
