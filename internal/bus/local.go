// ABOUTME: In-process fan-out for channel subscribers
// ABOUTME: LocalBus uses it directly; NATSBus uses it to deliver messages relayed from the broker

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/protocol"
)

// fanout tracks subscribers per channel and delivers envelopes to them.
type fanout struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscriber // channel -> subID -> subscriber
	closed      bool
	logger      *slog.Logger
}

func newFanout(logger *slog.Logger) *fanout {
	return &fanout{
		subscribers: make(map[string]map[string]Subscriber),
		logger:      logger,
	}
}

// add registers sub and reports whether it is the channel's first subscriber.
func (f *fanout) add(channel string, sub Subscriber) (subID string, first bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return "", false, ErrClosed
	}

	subID = uuid.New().String()
	subs, ok := f.subscribers[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		f.subscribers[channel] = subs
	}
	subs[subID] = sub

	f.logger.Debug("subscriber added",
		"channel", channel,
		"subscriber", sub.ID(),
		"sub_id", subID)

	return subID, !ok, nil
}

// remove drops a subscription and reports whether the channel is now empty.
func (f *fanout) remove(channel, subID string) (last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[channel]
	if !ok {
		return false
	}
	if _, exists := subs[subID]; !exists {
		return false
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(f.subscribers, channel)
		last = true
	}

	f.logger.Debug("subscriber removed",
		"channel", channel,
		"sub_id", subID)

	return last
}

// deliver hands env to every subscriber of its channel. A failing subscriber
// does not affect the others.
func (f *fanout) deliver(env Envelope) {
	f.mu.RLock()
	subs, ok := f.subscribers[env.Channel]
	if !ok || len(subs) == 0 {
		f.mu.RUnlock()
		return
	}

	// Copy targets under read lock to avoid holding lock during delivery
	targets := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	f.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.Deliver(env); err != nil {
			f.logger.Debug("dropped event for subscriber",
				"channel", env.Channel,
				"event", env.Event,
				"subscriber", sub.ID(),
				"error", fmt.Errorf("%w: %w", ErrTransport, err))
		}
	}
}

// count returns the number of subscribers on channel.
func (f *fanout) count(channel string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[channel])
}

// close drops every subscription and rejects new ones.
func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for channel := range f.subscribers {
		delete(f.subscribers, channel)
	}
}

// LocalBus is a single-process Bus.
type LocalBus struct {
	fan    *fanout
	logger *slog.Logger
}

// NewLocalBus creates an in-process bus. Pass nil logger for default.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "backend", "local")
	return &LocalBus{
		fan:    newFanout(logger),
		logger: logger,
	}
}

// Publish encodes ev once and delivers it to current subscribers of channel.
func (b *LocalBus) Publish(ctx context.Context, channel string, ev protocol.Event) error {
	payload, err := protocol.EncodeEvent(channel, ev)
	if err != nil {
		return err
	}

	b.fan.mu.RLock()
	closed := b.fan.closed
	b.fan.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	b.fan.deliver(Envelope{Channel: channel, Event: ev.EventName(), Payload: payload})
	return nil
}

// Subscribe adds sub to channel until ctx is done or the subscription is
// explicitly ended.
func (b *LocalBus) Subscribe(ctx context.Context, channel string, sub Subscriber) (*Subscription, error) {
	if sub == nil {
		return nil, errors.New("nil subscriber")
	}
	subID, _, err := b.fan.add(channel, sub)
	if err != nil {
		return nil, err
	}
	return newSubscription(ctx, channel, subID, func() {
		b.fan.remove(channel, subID)
	}), nil
}

// SubscriberCount reports how many subscriptions channel has.
func (b *LocalBus) SubscriberCount(channel string) int {
	return b.fan.count(channel)
}

// Close shuts down the bus and drops every subscription.
func (b *LocalBus) Close() error {
	b.fan.close()
	b.logger.Debug("bus closed")
	return nil
}

var _ Bus = (*LocalBus)(nil)
