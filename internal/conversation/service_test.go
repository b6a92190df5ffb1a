// ABOUTME: Tests for the conversation service
// ABOUTME: Runs against a temporary SQLite database so pair uniqueness is the real index

package conversation

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateConversation_ReturnsSameConversationForEitherOrder(t *testing.T) {
	s := createTestStore(t)
	svc := New(s, nil)
	ctx := t.Context()

	first, err := svc.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, first.Participants, 2)

	second, err := svc.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateConversation_ConcurrentCallers(t *testing.T) {
	s := createTestStore(t)
	svc := New(s, nil)
	ctx := t.Context()

	const racers = 10
	ids := make([]string, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := svc.GetOrCreateConversation(ctx, a, b)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}()
	}
	wg.Wait()

	for i := range racers {
		require.NoError(t, errs[i])
	}
	assert.Len(t, lo.Uniq(ids), 1, "every caller should get the same conversation")

	listings, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, listings, 1)
}

func TestGetOrCreateConversation_Validation(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	ctx := t.Context()

	tests := []struct {
		name string
		a, b string
	}{
		{"self", "alice", "alice"},
		{"self after trim", "alice", " alice "},
		{"empty participant", "alice", ""},
		{"blank participant", "   ", "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetOrCreateConversation(ctx, tt.a, tt.b)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestGetConversationForMember(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	ctx := t.Context()

	conv, err := svc.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	got, err := svc.GetConversationForMember(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = svc.GetConversationForMember(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.GetConversationForMember(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetConversationForMember(ctx, "", "alice")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListConversations_UnreadAndOrder(t *testing.T) {
	s := createTestStore(t)
	svc := New(s, nil)
	ctx := t.Context()

	require.NoError(t, svc.RecordIdentity(ctx, store.User{ID: "bob", Name: "Bob"}))

	withBob, err := svc.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, err := svc.GetOrCreateConversation(ctx, "alice", "carol")
	require.NoError(t, err)

	// bob writes last, so his conversation sorts first and is unread for alice.
	require.NoError(t, s.AppendMessage(ctx, &store.Message{
		ConversationID: withCarol.ID, SenderID: "alice", Content: lo.ToPtr("hi carol"),
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendMessage(ctx, &store.Message{
		ConversationID: withBob.ID, SenderID: "bob", Content: lo.ToPtr("hi alice"),
		CreatedAt: time.Now().UTC().Add(time.Millisecond),
	}))

	summaries, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, withBob.ID, summaries[0].Conversation.ID)
	assert.True(t, summaries[0].Unread)
	assert.Equal(t, "Bob", summaries[0].Peer.User.Name)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "hi alice", *summaries[0].LastMessage.Content)

	assert.Equal(t, withCarol.ID, summaries[1].Conversation.ID)
	assert.False(t, summaries[1].Unread, "own message does not make a conversation unread")
}

func TestRecordIdentity_RequiresID(t *testing.T) {
	svc := New(store.NewMockStore(), nil)
	err := svc.RecordIdentity(t.Context(), store.User{Name: "nobody"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{ErrValidation, "validation", 400},
		{ErrNotFound, "not_found", 404},
		{ErrUnauthorized, "unauthorized", 403},
		{assert.AnError, "internal", 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
		assert.Equal(t, tt.status, HTTPStatus(tt.err), tt.err.Error())
	}
	assert.Equal(t, "internal error", PublicMessage(assert.AnError))
}

func TestWireList_CountsUnread(t *testing.T) {
	now := time.Now().UTC()
	conv := func(id string) *store.Conversation { return &store.Conversation{ID: id, UpdatedAt: now} }
	summaries := []Summary{
		{ConversationListing: &store.ConversationListing{Conversation: conv("c1"), Self: store.Participant{UserID: "alice"}, Peer: store.Participant{UserID: "bob"}}, Unread: true},
		{ConversationListing: &store.ConversationListing{Conversation: conv("c2"), Self: store.Participant{UserID: "alice", HasSeenLatest: true}, Peer: store.Participant{UserID: "carol"}}},
	}

	list := WireList(summaries)
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, 1, list.UnreadCount)
	assert.Equal(t, "bob", list.Conversations[0].Peer.ID)
	assert.True(t, list.Conversations[0].Unread)
	assert.Nil(t, list.Conversations[1].LastMessage)
	assert.Empty(t, WireList(nil).Conversations)
}
