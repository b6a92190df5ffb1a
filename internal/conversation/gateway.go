// ABOUTME: MessageGateway: validated send, keyset history, and read receipts
// ABOUTME: Events are published only after the store commits; publish failures never fail the call

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/readstate"
	"github.com/2389/coven-chat/internal/store"
)

// Default limits, used when GatewayOptions leaves a field zero.
const (
	DefaultMaxContentLength = 4000
	DefaultPageSize         = 50
	DefaultMaxPageSize      = 100
)

// Publisher is the part of the channel bus the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev protocol.Event) error
}

// TypingClearer turns off an active typing indicator.
type TypingClearer interface {
	Clear(ctx context.Context, conversationID, userID string)
}

// GatewayOptions tunes message limits. Typing is optional; when set, sending
// a message clears the sender's indicator.
type GatewayOptions struct {
	MaxContentLength int
	DefaultPageSize  int
	MaxPageSize      int
	Typing           TypingClearer
}

// MessageGateway is the single write path for messages.
type MessageGateway struct {
	store     store.Store
	publisher Publisher
	readState *readstate.Manager
	typing    TypingClearer

	maxContent  int
	defaultPage int
	maxPage     int

	logger *slog.Logger
}

// NewMessageGateway creates a gateway. Pass nil logger for default.
func NewMessageGateway(s store.Store, pub Publisher, rs *readstate.Manager, opts GatewayOptions, logger *slog.Logger) *MessageGateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &MessageGateway{
		store:       s,
		publisher:   pub,
		readState:   rs,
		typing:      opts.Typing,
		maxContent:  opts.MaxContentLength,
		defaultPage: opts.DefaultPageSize,
		maxPage:     opts.MaxPageSize,
		logger:      logger.With("component", "message_gateway"),
	}
	if g.maxContent <= 0 {
		g.maxContent = DefaultMaxContentLength
	}
	if g.maxPage <= 0 {
		g.maxPage = DefaultMaxPageSize
	}
	if g.defaultPage <= 0 {
		g.defaultPage = DefaultPageSize
	}
	g.defaultPage = min(g.defaultPage, g.maxPage)
	return g
}

// SendRequest is a message to append to a conversation.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        *string
	AttachmentURL  *string
}

// SendMessage validates and stores a message, then announces it on the
// conversation channel and each participant's user channel. The returned
// message carries its assigned ID and the sender's identity.
func (g *MessageGateway) SendMessage(ctx context.Context, req SendRequest) (*store.Message, error) {
	content := trimmed(req.Content)
	attachment := trimmed(req.AttachmentURL)

	if content == nil && attachment == nil {
		return nil, fmt.Errorf("%w: message needs content or an attachment", ErrValidation)
	}
	if content != nil && utf8.RuneCountInString(*content) > g.maxContent {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrValidation, g.maxContent)
	}
	if attachment != nil {
		if err := validateAttachmentURL(*attachment); err != nil {
			return nil, err
		}
	}

	participants, err := g.membership(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        content,
		AttachmentURL:  attachment,
		CreatedAt:      time.Now().UTC(),
	}
	if err := g.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, req.ConversationID)
		}
		return nil, fmt.Errorf("saving message: %w", err)
	}

	g.logger.Debug("message stored",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID)

	// The message is committed; the sender's request may be gone by now but
	// everyone else still gets the events.
	pubCtx := context.WithoutCancel(ctx)
	wire := protocol.FromMessage(msg)
	g.publish(pubCtx, bus.ConversationChannel(msg.ConversationID), protocol.NewMessage{Message: wire})
	for _, p := range participants {
		g.publish(pubCtx, bus.UserChannel(p.UserID), protocol.ConversationUpdated{
			ConversationID: msg.ConversationID,
			LastMessage:    wire,
		})
	}
	if g.typing != nil {
		g.typing.Clear(pubCtx, msg.ConversationID, msg.SenderID)
	}

	return msg, nil
}

// HistoryRequest selects a page of a conversation's messages.
type HistoryRequest struct {
	ConversationID string
	RequesterID    string
	Cursor         *int64 // return messages older than this ID; nil for newest
	Limit          int    // 0 for the default page size
}

// MessagePage is a page of messages, newest first. NextCursor is nil on the
// last page.
type MessagePage struct {
	Messages   []*store.Message
	NextCursor *int64
}

// Wire renders the page for clients.
func (p *MessagePage) Wire() protocol.MessagePage {
	return protocol.MessagePage{
		Messages:   protocol.FromMessages(p.Messages),
		NextCursor: p.NextCursor,
	}
}

// GetMessages returns one page of history. Pages are keyed on message ID, so
// messages sent between page requests never cause skips or repeats.
func (g *MessageGateway) GetMessages(ctx context.Context, req HistoryRequest) (*MessagePage, error) {
	if req.Cursor != nil && *req.Cursor <= 0 {
		return nil, fmt.Errorf("%w: cursor must be positive", ErrValidation)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrValidation)
	}
	if _, err := g.membership(ctx, req.ConversationID, req.RequesterID); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit == 0 {
		limit = g.defaultPage
	}
	limit = min(limit, g.maxPage)

	params := store.ListMessagesParams{
		ConversationID: req.ConversationID,
		Limit:          limit + 1,
	}
	if req.Cursor != nil {
		params.Before = *req.Cursor
	}

	msgs, err := g.store.ListMessages(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	page := &MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		next := page.Messages[limit-1].ID
		page.NextCursor = &next
	}
	return page, nil
}

// MarkAsRead records that userID has seen the latest message. A read_state
// event goes out only when the flag actually changes.
func (g *MessageGateway) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	if _, err := g.membership(ctx, conversationID, userID); err != nil {
		return err
	}

	changed, err := g.readState.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if changed {
		g.publish(context.WithoutCancel(ctx), bus.ConversationChannel(conversationID), protocol.ReadState{
			ConversationID: conversationID,
			UserID:         userID,
		})
	}
	return nil
}

// membership returns the conversation's participants after checking that
// userID is one of them.
func (g *MessageGateway) membership(ctx context.Context, conversationID, userID string) ([]store.Participant, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	participants, err := g.store.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if !isParticipant(participants, userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, conversationID)
	}
	return participants, nil
}

func (g *MessageGateway) publish(ctx context.Context, channel string, ev protocol.Event) {
	if err := g.publisher.Publish(ctx, channel, ev); err != nil {
		g.logger.Warn("failed to publish event",
			"channel", channel,
			"event", ev.EventName(),
			"error", err)
	}
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func validateAttachmentURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: attachment must be an absolute URL", ErrValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: attachment URL must use http or https", ErrValidation)
	}
	return nil
}
