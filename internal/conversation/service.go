// ABOUTME: Conversation service: get-or-create pairs, membership checks, and listings
// ABOUTME: Pair uniqueness is enforced by the store; losing a creation race re-reads the winner

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/readstate"
	"github.com/2389/coven-chat/internal/store"
)

// Service manages conversations between pairs of users.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a new conversation Service
func New(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "conversation"),
	}
}

// Summary is one entry of a user's conversation list.
type Summary struct {
	*store.ConversationListing
	Unread bool
}

// RecordIdentity stores the caller's display identity so messages and
// listings can embed it.
func (s *Service) RecordIdentity(ctx context.Context, user store.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if err := s.store.UpsertUser(ctx, &user); err != nil {
		return fmt.Errorf("recording identity: %w", err)
	}
	return nil
}

// GetOrCreateConversation returns the conversation between userA and userB,
// creating it on first use. Concurrent calls for the same unordered pair,
// in this or another process, all return the same conversation.
func (s *Service) GetOrCreateConversation(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", ErrValidation)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", ErrValidation)
	}

	conv, err := s.store.GetConversationByPair(ctx, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv, userA, userB); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		// Another request created the pair between our lookup and insert.
		existing, lookupErr := s.store.GetConversationByPair(ctx, userA, userB)
		if lookupErr != nil {
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, fmt.Errorf("re-reading conversation after conflict: %w", lookupErr)
		}
		s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
		return existing, nil
	}

	// Re-read so participants carry their stored identities.
	created, err := s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("reading created conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversation_id", created.ID)
	return created, nil
}

// GetConversationForMember returns the conversation if userID participates in it.
func (s *Service) GetConversationForMember(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}
	if !isParticipant(conv.Participants, userID) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, conversationID)
	}
	return conv, nil
}

// ListConversations returns the user's conversations with the other
// participant and the last message, most recently active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Summary, error) {
	listings, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]Summary, 0, len(listings))
	for _, l := range listings {
		summaries = append(summaries, Summary{
			ConversationListing: l,
			Unread:              readstate.IsUnread(l.Self),
		})
	}
	return summaries, nil
}

// WireList renders summaries for clients, with the number of unread
// conversations.
func WireList(summaries []Summary) protocol.ConversationList {
	listings := lo.Map(summaries, func(s Summary, _ int) *store.ConversationListing {
		return s.ConversationListing
	})
	return protocol.ConversationList{
		Conversations: lo.Map(summaries, func(s Summary, _ int) protocol.ConversationSummary {
			return protocol.FromListing(s.ConversationListing, s.Unread)
		}),
		UnreadCount: readstate.UnreadCount(listings),
	}
}

func isParticipant(participants []store.Participant, userID string) bool {
	for _, p := range participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
