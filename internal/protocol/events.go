// ABOUTME: Outbound realtime events and their JSON wire form
// ABOUTME: Events are encoded once per publish into an event frame shared by every subscriber

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/2389/coven-chat/internal/store"
)

// Event names carried in the "event" field of an event frame.
const (
	EventNewMessage          = "new_message"
	EventTyping              = "typing"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventOnlineUsers         = "online_users"
	EventReadState           = "read_state"
	EventConversationUpdated = "conversation_updated"
)

// Event is anything that can be published on a channel.
type Event interface {
	EventName() string
}

// User is the public identity embedded in messages and listings.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        *string   `json:"content,omitempty"`
	AttachmentURL  *string   `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Sender         User      `json:"sender"`
}

// Participant is the wire form of a conversation member.
type Participant struct {
	User          User `json:"user"`
	HasSeenLatest bool `json:"hasSeenLatest"`
}

// Conversation is the wire form of a conversation.
type Conversation struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Participants []Participant `json:"participants"`
}

// ConversationSummary is one entry of a conversation list.
type ConversationSummary struct {
	ID          string    `json:"id"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Peer        User      `json:"peer"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	Unread      bool      `json:"unread"`
}

// ConversationList is a user's conversation list.
type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
	UnreadCount   int                   `json:"unreadCount"`
}

// MessagePage is a page of messages, newest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *int64    `json:"nextCursor"`
}

// NewMessage announces a committed message on its conversation channel.
type NewMessage struct {
	Message Message `json:"message"`
}

func (NewMessage) EventName() string { return EventNewMessage }

// TypingStatus relays a typing indicator change.
type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func (TypingStatus) EventName() string { return EventTyping }

// UserOnline is published when a user's first connection registers.
type UserOnline struct {
	UserID string `json:"userId"`
}

func (UserOnline) EventName() string { return EventUserOnline }

// UserOffline is published when a user's last connection goes away.
type UserOffline struct {
	UserID string `json:"userId"`
}

func (UserOffline) EventName() string { return EventUserOffline }

// OnlineUsers is the presence snapshot sent to a newly registered connection.
type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

func (OnlineUsers) EventName() string { return EventOnlineUsers }

// ReadState is a read receipt: UserID has seen the latest message.
type ReadState struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (ReadState) EventName() string { return EventReadState }

// ConversationUpdated tells a participant's clients to refresh a list entry.
type ConversationUpdated struct {
	ConversationID string  `json:"conversationId"`
	LastMessage    Message `json:"lastMessage"`
}

func (ConversationUpdated) EventName() string { return EventConversationUpdated }

// EventFrame is the envelope written to clients for every channel event.
type EventFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// FrameTypeEvent marks an EventFrame.
const FrameTypeEvent = "event"

// EncodeEvent renders the event frame for ev on channel.
func EncodeEvent(channel string, ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.EventName(), err)
	}
	return json.Marshal(EventFrame{
		Type:    FrameTypeEvent,
		Channel: channel,
		Event:   ev.EventName(),
		Data:    data,
	})
}

// DecodeEventFrame parses a frame produced by EncodeEvent.
func DecodeEventFrame(b []byte) (*EventFrame, error) {
	var f EventFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decoding event frame: %w", err)
	}
	if f.Type != FrameTypeEvent || f.Channel == "" || f.Event == "" {
		return nil, fmt.Errorf("decoding event frame: missing type, channel or event")
	}
	return &f, nil
}

// FromUser converts a stored user, tolerating nil.
func FromUser(u *store.User, fallbackID string) User {
	if u == nil {
		return User{ID: fallbackID}
	}
	return User{ID: u.ID, Name: u.Name, Image: u.Image}
}

// FromMessage converts a stored message.
func FromMessage(m *store.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		CreatedAt:      m.CreatedAt,
		Sender:         FromUser(m.Sender, m.SenderID),
	}
}

// FromMessages converts a page of stored messages.
func FromMessages(msgs []*store.Message) []Message {
	return lo.Map(msgs, func(m *store.Message, _ int) Message {
		return FromMessage(m)
	})
}

// FromConversation converts a stored conversation with its participants.
func FromConversation(c *store.Conversation) Conversation {
	return Conversation{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Participants: lo.Map(c.Participants, func(p store.Participant, _ int) Participant {
			return Participant{User: FromUser(p.User, p.UserID), HasSeenLatest: p.HasSeenLatest}
		}),
	}
}

// FromListing converts a conversation list row.
func FromListing(l *store.ConversationListing, unread bool) ConversationSummary {
	s := ConversationSummary{
		ID:        l.Conversation.ID,
		UpdatedAt: l.Conversation.UpdatedAt,
		Peer:      FromUser(l.Peer.User, l.Peer.UserID),
		Unread:    unread,
	}
	if l.LastMessage != nil {
		s.LastMessage = lo.ToPtr(FromMessage(l.LastMessage))
	}
	return s
}
