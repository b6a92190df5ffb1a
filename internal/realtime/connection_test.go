// ABOUTME: Tests for the outbound queue of a single connection
// ABOUTME: A client that stops reading must be dropped without holding up publishers

package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/bus/bustest"
	"github.com/2389/coven-chat/internal/protocol"
)

// newStalledConnection returns the server side of a websocket whose client
// never reads, with its writer running. The client conn is returned so a
// test can inspect how the server ended the connection.
func newStalledConnection(t *testing.T, opts Options) (*Connection, *websocket.Conn) {
	t.Helper()

	conns := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newConnection(ws, "slow", opts.withDefaults(), slog.Default())
		go conn.writeLoop()
		conns <- conn
	}))
	t.Cleanup(server.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close(websocket.CloseNormalClosure, "") })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func bigMessageEvent(t *testing.T) protocol.NewMessage {
	t.Helper()
	content := strings.Repeat("x", 1<<20)
	return protocol.NewMessage{Message: protocol.Message{
		ID:             1,
		ConversationID: "c1",
		SenderID:       "alice",
		Content:        &content,
	}}
}

func TestConnection_FullQueueDisconnectsWithoutBlocking(t *testing.T) {
	opts := Options{SendBuffer: 4, WriteWait: 3 * time.Second}
	conn, client := newStalledConnection(t, opts)

	payload, err := protocol.EncodeEvent(bus.ConversationChannel("c1"), bigMessageEvent(t))
	require.NoError(t, err)

	// Deliveries are paced so the writer drains until the socket stalls;
	// the overflow then happens while the writer is stuck mid-write.
	var deliverErr error
	for i := 0; i < 200 && deliverErr == nil; i++ {
		start := time.Now()
		deliverErr = conn.Deliver(bus.Envelope{Channel: bus.ConversationChannel("c1"), Payload: payload})
		assert.Less(t, time.Since(start), time.Second, "delivery %d blocked", i)
		time.Sleep(20 * time.Millisecond)
	}
	require.ErrorIs(t, deliverErr, errSlowConsumer)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection should be marked done after overflow")
	}
	assert.ErrorIs(t, conn.Deliver(bus.Envelope{Payload: payload}), errConnClosed)

	// The client eventually sees the socket end once it reads what was queued.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(15*time.Second)))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("server never closed the slow connection")
			}
			break
		}
	}
}

func TestConnection_SlowSubscriberDoesNotDelayOthers(t *testing.T) {
	conn, _ := newStalledConnection(t, Options{SendBuffer: 4, WriteWait: 3 * time.Second})

	b := bus.NewLocalBus(nil)
	t.Cleanup(func() { _ = b.Close() })

	channel := bus.ConversationChannel("c1")
	_, err := b.Subscribe(t.Context(), channel, conn)
	require.NoError(t, err)
	other := bustest.Subscribe(t, b, channel)

	ev := bigMessageEvent(t)
	published := 0
	for published < 200 {
		start := time.Now()
		require.NoError(t, b.Publish(t.Context(), channel, ev))
		assert.Less(t, time.Since(start), time.Second, "publish %d blocked", published)
		published++

		select {
		case <-conn.Done():
		case <-time.After(20 * time.Millisecond):
			continue
		}
		break
	}

	select {
	case <-conn.Done():
	default:
		t.Fatal("slow subscriber was never disconnected")
	}

	for range published {
		frame := other.Next(t)
		assert.Equal(t, protocol.EventNewMessage, frame.Event)
	}
}
