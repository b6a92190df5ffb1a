// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines User, Conversation, Participant, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation for the same
// unordered participant pair already exists
var ErrDuplicateConversation = errors.New("conversation already exists for participant pair")

// User is the identity shown next to messages and in conversation lists.
// Rows are upserted from verified token claims; the id is the token subject.
type User struct {
	ID        string
	Name      string
	Image     string
	UpdatedAt time.Time
}

// Conversation is a two-party direct message thread.
type Conversation struct {
	ID           string
	CreatedAt    time.Time
	UpdatedAt    time.Time // last activity, bumped on every message
	Participants []Participant
}

// Participant links a user to a conversation and tracks whether they have
// seen the latest message.
type Participant struct {
	ConversationID string
	UserID         string
	HasSeenLatest  bool
	JoinedAt       time.Time
	User           *User
}

// Message is an immutable chat message. ID is assigned by the database and
// strictly increases in insertion order, which makes it the pagination cursor.
type Message struct {
	ID             int64
	ConversationID string
	SenderID       string
	Content        *string
	AttachmentURL  *string
	CreatedAt      time.Time
	Sender         *User
}

// ConversationListing is one row of a user's conversation list.
type ConversationListing struct {
	Conversation *Conversation
	Self         Participant
	Peer         Participant
	LastMessage  *Message
}

// ListMessagesParams selects a page of messages, newest first.
type ListMessagesParams struct {
	ConversationID string
	Before         int64 // exclusive upper bound on message ID; 0 means newest
	Limit          int
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Users
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, userA, userB string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, userA, userB string) (*Conversation, error)
	GetParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	ListConversations(ctx context.Context, userID string) ([]*ConversationListing, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, params ListMessagesParams) ([]*Message, error)

	// Read state
	SetSeenLatest(ctx context.Context, conversationID, userID string, seen bool) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// OrderedPair returns the two user IDs in canonical order so that the
// unordered pair {a, b} maps to exactly one (low, high) key.
func OrderedPair(a, b string) (low, high string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
