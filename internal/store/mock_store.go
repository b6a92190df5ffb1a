// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation           // keyed by conversation ID
	pairIndex     map[[2]string]string               // keyed by ordered pair -> conversation ID
	participants  map[string]map[string]*Participant // conversationID -> userID -> participant
	messages      map[string][]*Message              // keyed by conversationID, ascending ID
	nextMessageID int64
	appendErr     error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[[2]string]string),
		participants:  make(map[string]map[string]*Participant),
		messages:      make(map[string][]*Message),
	}
}

// FailAppends makes every subsequent AppendMessage return err. Pass nil to
// restore normal behavior.
func (m *MockStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// UpsertUser stores or replaces a user.
func (m *MockStore) UpsertUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = time.Now().UTC()
	}
	u := *user
	m.users[user.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// userLocked returns the stored identity or a stub. Caller holds m.mu.
func (m *MockStore) userLocked(id string) *User {
	if u, ok := m.users[id]; ok {
		out := *u
		return &out
	}
	return &User{ID: id}
}

// CreateConversation stores a conversation for the ordered pair.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation, userA, userB string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	low, high := OrderedPair(userA, userB)
	key := [2]string{low, high}
	if _, exists := m.pairIndex[key]; exists {
		return ErrDuplicateConversation
	}

	m.pairIndex[key] = conv.ID
	stored := &Conversation{ID: conv.ID, CreatedAt: conv.CreatedAt, UpdatedAt: conv.UpdatedAt}
	m.conversations[conv.ID] = stored

	m.participants[conv.ID] = make(map[string]*Participant, 2)
	for _, userID := range []string{low, high} {
		m.participants[conv.ID][userID] = &Participant{
			ConversationID: conv.ID,
			UserID:         userID,
			HasSeenLatest:  true,
			JoinedAt:       conv.CreatedAt,
		}
	}

	conv.Participants = m.participantsLocked(conv.ID)
	return nil
}

// participantsLocked returns copies ordered by user ID. Caller holds m.mu.
func (m *MockStore) participantsLocked(conversationID string) []Participant {
	var out []Participant
	for _, p := range m.participants[conversationID] {
		cp := *p
		cp.User = m.userLocked(p.UserID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *MockStore) conversationLocked(id string) (*Conversation, error) {
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	out.Participants = m.participantsLocked(id)
	return &out, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversationLocked(id)
}

// GetConversationByPair retrieves the conversation between two users.
func (m *MockStore) GetConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	low, high := OrderedPair(userA, userB)
	id, ok := m.pairIndex[[2]string{low, high}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.conversationLocked(id)
}

// GetParticipants returns a conversation's participants.
func (m *MockStore) GetParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participantsLocked(conversationID), nil
}

// ListConversations returns the user's conversations, most recently active first.
func (m *MockStore) ListConversations(ctx context.Context, userID string) ([]*ConversationListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var listings []*ConversationListing
	for convID, members := range m.participants {
		self, ok := members[userID]
		if !ok {
			continue
		}
		conv, err := m.conversationLocked(convID)
		if err != nil {
			return nil, err
		}

		listing := &ConversationListing{Conversation: conv}
		for _, p := range conv.Participants {
			if p.UserID == self.UserID {
				listing.Self = p
			} else {
				listing.Peer = p
			}
		}
		if msgs := m.messages[convID]; len(msgs) > 0 {
			last := *msgs[len(msgs)-1]
			last.Sender = m.userLocked(last.SenderID)
			listing.LastMessage = &last
		}
		listings = append(listings, listing)
	}

	sort.Slice(listings, func(i, j int) bool {
		a, b := listings[i].Conversation, listings[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	return listings, nil
}

// AppendMessage stores a message and updates conversation activity and read state.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	m.nextMessageID++
	msg.ID = m.nextMessageID
	msg.Sender = m.userLocked(msg.SenderID)

	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	conv.UpdatedAt = msg.CreatedAt

	for userID, p := range m.participants[msg.ConversationID] {
		if userID != msg.SenderID {
			p.HasSeenLatest = false
		}
	}
	return nil
}

// ListMessages returns a page of messages, newest first.
func (m *MockStore) ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[params.ConversationID]
	var out []*Message
	for i := len(msgs) - 1; i >= 0 && len(out) < params.Limit; i-- {
		if params.Before > 0 && msgs[i].ID >= params.Before {
			continue
		}
		cp := *msgs[i]
		cp.Sender = m.userLocked(cp.SenderID)
		out = append(out, &cp)
	}
	return out, nil
}

// SetSeenLatest sets a participant's read flag and reports whether it changed.
func (m *MockStore) SetSeenLatest(ctx context.Context, conversationID, userID string, seen bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.participants[conversationID][userID]
	if !ok {
		return false, ErrNotFound
	}
	if p.HasSeenLatest == seen {
		return false, nil
	}
	p.HasSeenLatest = seen
	return true, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the mock store.
func (m *MockStore) Close() error { return nil }

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
