// ABOUTME: Error taxonomy for conversation operations
// ABOUTME: Sentinels are wrapped with detail and mapped to client-facing codes at the edges

package conversation

import (
	"errors"
	"net/http"

	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrValidation means the request was malformed; nothing was changed.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrUnauthorized means the caller is not a participant.
	ErrUnauthorized = errors.New("not a participant")

	// ErrConflict is the pair-uniqueness race. GetOrCreateConversation
	// resolves it by re-reading; it never reaches callers.
	ErrConflict = store.ErrDuplicateConversation
)

// ErrorCode maps an error to the code sent in error replies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeValidation
	case errors.Is(err, ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return protocol.CodeUnauthorized
	default:
		return protocol.CodeInternal
	}
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case protocol.CodeValidation:
		return http.StatusBadRequest
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the error text safe to show a client. Internal errors are
// replaced by a generic message; the caller logs the real one.
func PublicMessage(err error) string {
	if ErrorCode(err) == protocol.CodeInternal {
		return "internal error"
	}
	return err.Error()
}
