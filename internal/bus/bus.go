// ABOUTME: Channel bus abstraction for publish/subscribe fanout of realtime events
// ABOUTME: Delivery is at-most-once; callers never know which backend carries events

package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/coven-chat/internal/protocol"
)

// ErrTransport wraps failures to hand an event to a subscriber or broker.
// Callers log it and move on; a committed message is never rolled back.
var ErrTransport = errors.New("transport error")

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

// PresenceChannel carries user_online and user_offline for every client.
const PresenceChannel = "presence"

// ConversationChannel names the channel for a conversation's events.
func ConversationChannel(conversationID string) string {
	return "conversation-" + conversationID
}

// UserChannel names a user's private channel (list updates).
func UserChannel(userID string) string {
	return "user-" + userID
}

// Envelope is one encoded event as it travels to subscribers. Payload is the
// complete event frame, encoded once per publish.
type Envelope struct {
	Channel string
	Event   string
	Payload []byte
}

// Subscriber receives envelopes. Deliver must not block; implementations
// queue the payload and return.
type Subscriber interface {
	ID() string
	Deliver(env Envelope) error
}

// Bus is a named-channel publish/subscribe fanout.
type Bus interface {
	// Publish delivers ev to every current subscriber of channel. There is no
	// buffering or replay for subscribers that join later.
	Publish(ctx context.Context, channel string, ev protocol.Event) error

	// Subscribe adds sub to channel. The subscription ends when ctx is done
	// or Unsubscribe is called, whichever happens first.
	Subscribe(ctx context.Context, channel string, sub Subscriber) (*Subscription, error)

	Close() error
}

// Subscription is a handle to one channel membership.
type Subscription struct {
	channel string
	id      string
	once    sync.Once
	remove  func()
	stop    func() bool
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe ends the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.remove()
	})
}

// newSubscription wires remove to run once, either on Unsubscribe or when
// ctx is done.
func newSubscription(ctx context.Context, channel, id string, remove func()) *Subscription {
	sub := &Subscription{channel: channel, id: id, remove: remove}
	sub.stop = context.AfterFunc(ctx, func() {
		sub.once.Do(sub.remove)
	})
	return sub
}
