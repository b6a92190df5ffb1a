// ABOUTME: HTTP API handlers for conversations, history, sends, read state and presence
// ABOUTME: Mirrors the websocket commands for clients that prefer plain requests

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/protocol"
)

// maxBodyBytes caps request bodies; the largest legal body is a message.
const maxBodyBytes = 64 << 10

// SendMessageRequest is the JSON request body for
// POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content       *string `json:"content"`
	AttachmentURL *string `json:"attachmentUrl"`
}

// sendJSON writes v with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes an error response with the given status and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps a service error onto a status. Internal failures are
// logged and reported generically.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := conversation.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	g.sendJSONError(w, status, conversation.PublicMessage(err))
}

// decodeBody decodes and validates a JSON body into dst. On failure it has
// already written the response and returns false.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := protocol.Validate(dst); err != nil {
		g.sendServiceError(w, r, err)
		return false
	}
	return true
}

// parseHistoryQuery reads the optional cursor and limit query parameters.
func parseHistoryQuery(r *http.Request) (cursor *int64, limit int, err error) {
	q := r.URL.Query()
	if s := q.Get("cursor"); s != "" {
		c, err := strconv.ParseInt(s, 10, 64)
		if err != nil || c < 1 {
			return nil, 0, fmt.Errorf("%w: cursor must be a positive integer", conversation.ErrValidation)
		}
		cursor = &c
	}
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			return nil, 0, fmt.Errorf("%w: limit must be a non-negative integer", conversation.ErrValidation)
		}
	}
	return cursor, limit, nil
}

// handleCreateConversation handles POST /api/conversations.
// Returns the existing conversation when the pair already has one.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var req protocol.CreateConversation
	if !g.decodeBody(w, r, &req) {
		return
	}

	conv, err := g.convs.GetOrCreateConversation(r.Context(), caller.UserID, req.ParticipantID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, protocol.FromConversation(conv))
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	summaries, err := g.convs.ListConversations(r.Context(), caller.UserID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversation.WireList(summaries))
}

// handleGetMessages handles GET /api/conversations/{id}/messages?cursor=&limit=.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	cursor, limit, err := parseHistoryQuery(r)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	page, err := g.messages.GetMessages(r.Context(), conversation.HistoryRequest{
		ConversationID: r.PathValue("id"),
		RequesterID:    caller.UserID,
		Cursor:         cursor,
		Limit:          limit,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, page.Wire())
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	var body SendMessageRequest
	if !g.decodeBody(w, r, &body) {
		return
	}
	req := protocol.SendMessage{
		ConversationID: r.PathValue("id"),
		Content:        body.Content,
		AttachmentURL:  body.AttachmentURL,
	}
	if err := protocol.Validate(req); err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	msg, err := g.messages.SendMessage(r.Context(), conversation.SendRequest{
		ConversationID: req.ConversationID,
		SenderID:       caller.UserID,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, protocol.FromMessage(msg))
}

// handleMarkAsRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())

	if err := g.messages.MarkAsRead(r.Context(), r.PathValue("id"), caller.UserID); err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePresence handles GET /api/presence.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	users, err := g.tracker.OnlineUsers(r.Context())
	if err != nil {
		g.sendServiceError(w, r, fmt.Errorf("listing online users: %w", err))
		return
	}
	if users == nil {
		users = []string{}
	}
	g.sendJSON(w, http.StatusOK, protocol.OnlineUsers{UserIDs: users})
}
