// ABOUTME: NATS-backed Bus that shares channel events between chat processes
// ABOUTME: One broker subscription per channel with local subscribers, fanned out in-process

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/coven-chat/internal/protocol"
)

const (
	eventHeader  = "Coven-Event"
	flushTimeout = 2 * time.Second
)

// NATSBus relays every publish through NATS so that subscribers in any
// process receive it. Each process holds one NATS subscription per channel
// that has at least one local subscriber.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	fan    *fanout
	logger *slog.Logger

	mu   sync.Mutex // serializes first/last subscriber transitions
	subs map[string]*nats.Subscription
}

// NewNATSBus connects to url. Subjects are prefix + "." + channel.
func NewNATSBus(url, prefix string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus", "backend", "nats")

	nc, err := nats.Connect(url,
		nats.Name("coven-chat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	logger.Info("connected to nats", "url", nc.ConnectedUrl(), "prefix", prefix)
	return NewNATSBusFromConn(nc, prefix, logger), nil
}

// NewNATSBusFromConn wraps an existing connection. The bus owns nc and
// drains it on Close.
func NewNATSBusFromConn(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{
		nc:     nc,
		prefix: prefix,
		fan:    newFanout(logger),
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}
}

// subject maps a channel name to a single NATS subject token, replacing
// characters that have meaning in subjects.
func (b *NATSBus) subject(channel string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, channel)
	return b.prefix + "." + token
}

// Publish sends ev to the broker; delivery happens when it comes back on
// every subscribed process, including this one.
func (b *NATSBus) Publish(ctx context.Context, channel string, ev protocol.Event) error {
	payload, err := protocol.EncodeEvent(channel, ev)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(b.subject(channel))
	msg.Header.Set(eventHeader, ev.EventName())
	msg.Data = payload

	if err := b.nc.PublishMsg(msg); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%w: publishing %s on %s: %w", ErrTransport, ev.EventName(), channel, err)
	}
	return nil
}

// Subscribe adds sub to channel, creating the broker subscription for the
// first local subscriber. It returns once the broker has acknowledged
// interest, so events published after Subscribe returns are delivered.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, sub Subscriber) (*Subscription, error) {
	if sub == nil {
		return nil, errors.New("nil subscriber")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subID, first, err := b.fan.add(channel, sub)
	if err != nil {
		return nil, err
	}

	if first {
		ns, err := b.nc.Subscribe(b.subject(channel), func(m *nats.Msg) {
			b.fan.deliver(Envelope{
				Channel: channel,
				Event:   m.Header.Get(eventHeader),
				Payload: m.Data,
			})
		})
		if err == nil {
			err = b.nc.FlushTimeout(flushTimeout)
			if err != nil {
				_ = ns.Unsubscribe()
			}
		}
		if err != nil {
			b.fan.remove(channel, subID)
			return nil, fmt.Errorf("%w: subscribing to %s: %w", ErrTransport, channel, err)
		}
		b.subs[channel] = ns
	}

	return newSubscription(ctx, channel, subID, func() {
		b.unsubscribe(channel, subID)
	}), nil
}

func (b *NATSBus) unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.fan.remove(channel, subID) {
		return
	}
	ns, ok := b.subs[channel]
	if !ok {
		return
	}
	delete(b.subs, channel)
	if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.logger.Warn("failed to drop nats subscription", "channel", channel, "error", err)
	}
}

// Close drops every subscription and drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.fan.close()
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("draining nats connection: %w", err)
	}
	b.logger.Debug("bus closed")
	return nil
}

var _ Bus = (*NATSBus)(nil)
