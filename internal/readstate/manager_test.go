// ABOUTME: Tests for read-state transitions and unread helpers
// ABOUTME: Runs against the in-memory store

package readstate

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func TestMarkRead_Transitions(t *testing.T) {
	s := store.NewMockStore()
	ctx := t.Context()
	m := NewManager(s, nil)

	conv := &store.Conversation{ID: "c1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(ctx, conv, "alice", "bob"))

	changed, err := m.MarkRead(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.False(t, changed, "fresh participants have seen everything")

	require.NoError(t, s.AppendMessage(ctx, &store.Message{ConversationID: "c1", SenderID: "alice", Content: lo.ToPtr("hi")}))

	participants, err := s.GetParticipants(ctx, "c1")
	require.NoError(t, err)
	peer, ok := lo.Find(participants, func(p store.Participant) bool { return p.UserID != "alice" })
	require.True(t, ok)
	assert.Equal(t, "bob", peer.UserID)
	assert.True(t, IsUnread(peer))

	changed, err = m.MarkRead(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.MarkRead(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = m.MarkRead(ctx, "c1", "mallory")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnreadCount(t *testing.T) {
	listings := []*store.ConversationListing{
		{Self: store.Participant{HasSeenLatest: true}},
		{Self: store.Participant{HasSeenLatest: false}},
		{Self: store.Participant{HasSeenLatest: false}},
	}
	assert.Equal(t, 2, UnreadCount(listings))
	assert.Equal(t, 0, UnreadCount(nil))
}
