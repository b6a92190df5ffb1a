// ABOUTME: Tests for the channel bus backends
// ABOUTME: Covers fanout, isolation of failing subscribers, ctx cleanup, and NATS relay

package bus

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/protocol"
)

// recorder is a Subscriber that buffers envelopes on a channel.
type recorder struct {
	id  string
	ch  chan Envelope
	err error
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan Envelope, 16)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(env Envelope) error {
	if r.err != nil {
		return r.err
	}
	select {
	case r.ch <- env:
		return nil
	default:
		return errors.New("full")
	}
}

func (r *recorder) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for envelope", r.id)
		return Envelope{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case env := <-r.ch:
		t.Fatalf("%s: unexpected envelope %s on %s", r.id, env.Event, env.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "conversation-abc", ConversationChannel("abc"))
	assert.Equal(t, "user-u1", UserChannel("u1"))
	assert.Equal(t, "presence", PresenceChannel)
}

// runBusSuite exercises the Bus contract. settle waits for asynchronous
// backends to deliver.
func runBusSuite(t *testing.T, newBus func(t *testing.T) Bus) {
	t.Run("PublishFansOutToChannelSubscribers", func(t *testing.T) {
		b := newBus(t)
		ctx := t.Context()

		a, c, other := newRecorder("a"), newRecorder("c"), newRecorder("other")
		_, err := b.Subscribe(ctx, ConversationChannel("c1"), a)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, ConversationChannel("c1"), c)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, ConversationChannel("c2"), other)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, ConversationChannel("c1"), protocol.TypingStatus{ConversationID: "c1", UserID: "u", IsTyping: true}))

		for _, r := range []*recorder{a, c} {
			env := r.next(t)
			assert.Equal(t, "conversation-c1", env.Channel)
			assert.Equal(t, protocol.EventTyping, env.Event)

			frame, err := protocol.DecodeEventFrame(env.Payload)
			require.NoError(t, err)
			assert.Equal(t, "conversation-c1", frame.Channel)
		}
		other.none(t)
	})

	t.Run("FailingSubscriberDoesNotBlockOthers", func(t *testing.T) {
		b := newBus(t)
		ctx := t.Context()

		broken := newRecorder("broken")
		broken.err = errors.New("socket closed")
		healthy := newRecorder("healthy")

		_, err := b.Subscribe(ctx, PresenceChannel, broken)
		require.NoError(t, err)
		_, err = b.Subscribe(ctx, PresenceChannel, healthy)
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, PresenceChannel, protocol.UserOnline{UserID: "u1"}))
		assert.Equal(t, protocol.EventUserOnline, healthy.next(t).Event)
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		b := newBus(t)
		ctx := t.Context()

		r := newRecorder("r")
		sub, err := b.Subscribe(ctx, PresenceChannel, r)
		require.NoError(t, err)
		assert.Equal(t, PresenceChannel, sub.Channel())

		sub.Unsubscribe()
		sub.Unsubscribe() // idempotent

		require.NoError(t, b.Publish(ctx, PresenceChannel, protocol.UserOffline{UserID: "u1"}))
		r.none(t)
	})

	t.Run("ContextCancelEndsSubscription", func(t *testing.T) {
		b := newBus(t)

		subCtx, cancel := context.WithCancel(t.Context())
		r := newRecorder("r")
		_, err := b.Subscribe(subCtx, PresenceChannel, r)
		require.NoError(t, err)

		cancel()
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, b.Publish(t.Context(), PresenceChannel, protocol.UserOffline{UserID: "u1"}))
		r.none(t)
	})

	t.Run("NoReplayForLateSubscribers", func(t *testing.T) {
		b := newBus(t)
		ctx := t.Context()

		require.NoError(t, b.Publish(ctx, PresenceChannel, protocol.UserOnline{UserID: "early"}))

		r := newRecorder("late")
		_, err := b.Subscribe(ctx, PresenceChannel, r)
		require.NoError(t, err)
		r.none(t)
	})

	t.Run("ClosedBusRejectsSubscribe", func(t *testing.T) {
		b := newBus(t)
		require.NoError(t, b.Close())

		_, err := b.Subscribe(t.Context(), PresenceChannel, newRecorder("r"))
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestLocalBus(t *testing.T) {
	runBusSuite(t, func(t *testing.T) Bus {
		b := NewLocalBus(nil)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestLocalBus_SubscriberCountTracksLifecycle(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub1, err := b.Subscribe(ctx, "conversation-x", newRecorder("1"))
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "conversation-x", newRecorder("2"))
	require.NoError(t, err)
	assert.Equal(t, 2, b.SubscriberCount("conversation-x"))

	sub1.Unsubscribe()
	assert.Equal(t, 1, b.SubscriberCount("conversation-x"))

	cancel()
	assert.Eventually(t, func() bool {
		return b.SubscriberCount("conversation-x") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLocalBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe(ctx, PresenceChannel, newRecorder("r"))
			if err == nil {
				sub.Unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(ctx, PresenceChannel, protocol.UserOnline{UserID: "u"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.SubscriberCount(PresenceChannel))
}

func TestNATSBus(t *testing.T) {
	url := os.Getenv("COVEN_TEST_NATS_URL")
	if url == "" {
		t.Skip("COVEN_TEST_NATS_URL not set")
	}

	runBusSuite(t, func(t *testing.T) Bus {
		b, err := NewNATSBus(url, "coven.test."+time.Now().Format("150405.000000000"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	})
}

func TestNATSBus_SubjectSanitizesChannel(t *testing.T) {
	b := &NATSBus{prefix: "coven.chat"}
	assert.Equal(t, "coven.chat.user-a_b_c", b.subject("user-a.b*c"))
	assert.Equal(t, "coven.chat.conversation-123", b.subject("conversation-123"))
}
