// ABOUTME: WebSocket connection with a bounded outbound queue and a single writer goroutine
// ABOUTME: Bus delivery only enqueues; a client that cannot keep up is disconnected

package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/bus"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Connection wraps a websocket and serializes outbound writes through a
// buffered queue. It implements bus.Subscriber.
type Connection struct {
	id     string
	userID string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	opts   Options
	logger *slog.Logger
}

func newConnection(ws *websocket.Conn, userID string, opts Options, logger *slog.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		opts:   opts,
		logger: logger.With("conn_id", id, "user_id", userID),
	}
}

// ID identifies the connection in presence and bus bookkeeping.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Connection) UserID() string { return c.userID }

// Deliver queues a bus event for the client.
func (c *Connection) Deliver(env bus.Envelope) error {
	return c.enqueue(env.Payload)
}

// enqueue never blocks. When the queue is full the client is too slow to
// keep up and is disconnected rather than allowed to stall publishers.
func (c *Connection) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("closing slow consumer", "buffer", cap(c.send))
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return errSlowConsumer
	}
}

// Done is closed once the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close marks the connection done and returns without waiting on the
// socket. The close frame and socket teardown run on their own goroutine,
// since WriteControl waits for a writer that may be stuck on a stalled
// client. Safe to call more than once and from any goroutine.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		go c.closeSocket(code, reason)
	})
}

func (c *Connection) closeSocket(code int, reason string) {
	deadline := time.Now().Add(c.opts.WriteWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

// writeLoop is the only goroutine that writes data frames.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

// prepareRead applies the frame size limit and the pong-driven read deadline.
func (c *Connection) prepareRead() {
	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
}
