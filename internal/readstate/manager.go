// ABOUTME: Per-participant read state: has the user seen the latest message
// ABOUTME: Sends clear the peer's flag inside the store transaction; reads set it here

package readstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/2389/coven-chat/internal/store"
)

// Manager owns the has_seen_latest transitions that are not part of sending.
//
//	seen --peer sends--> unseen   (store.AppendMessage)
//	unseen --MarkRead--> seen
//	seen --MarkRead--> seen       (no-op)
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a read-state manager. Pass nil logger for default.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		logger: logger.With("component", "readstate"),
	}
}

// MarkRead sets has_seen_latest for the user and reports whether it was
// previously unset. Returns store.ErrNotFound if the user is not a
// participant.
func (m *Manager) MarkRead(ctx context.Context, conversationID, userID string) (bool, error) {
	changed, err := m.store.SetSeenLatest(ctx, conversationID, userID, true)
	if err != nil {
		return false, fmt.Errorf("marking read: %w", err)
	}
	if changed {
		m.logger.Debug("marked read", "conversation_id", conversationID, "user_id", userID)
	}
	return changed, nil
}

// IsUnread reports whether the participant has an unseen message.
func IsUnread(p store.Participant) bool {
	return !p.HasSeenLatest
}

// UnreadCount counts listings whose own participant row is unread.
func UnreadCount(listings []*store.ConversationListing) int {
	return lo.CountBy(listings, func(l *store.ConversationListing) bool {
		return IsUnread(l.Self)
	})
}
