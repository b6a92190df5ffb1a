// ABOUTME: WebSocket endpoint: upgrades authenticated requests and runs one session per connection
// ABOUTME: Tracks live connections so shutdown can close them and wait for presence cleanup

package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/typing"
)

// Options tunes connection behaviour. Zero fields take the defaults below.
type Options struct {
	SendBuffer     int
	MaxFrameBytes  int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	CommandTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	return o
}

// Deps are the services a session dispatches to.
type Deps struct {
	Conversations *conversation.Service
	Messages      *conversation.MessageGateway
	Presence      *presence.Tracker
	Typing        *typing.Coordinator
	Bus           bus.Bus
}

// Handler serves the realtime WebSocket endpoint. It must sit behind
// auth.HTTPAuthMiddleware so unauthenticated requests are rejected before
// the upgrade.
type Handler struct {
	deps     Deps
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates the WebSocket handler. Pass nil logger for default.
func NewHandler(deps Deps, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deps: deps,
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with a bearer token, never cookies, so a
			// cross-origin page gains nothing it could not do with fetch.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "realtime"),
	}
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(ws, id.UserID, h.opts, h.logger)
	if !h.track(conn) {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(conn)

	// Session lifetime is the connection's, not the request's.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sess := newSession(ctx, cancel, conn, h.deps, h.opts)
	sess.run()
}

func (h *Handler) track(conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn.ID()] = conn
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(conn *Connection) {
	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()
	h.wg.Done()
}

// ConnectionCount returns the number of live connections on this process.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection and waits for their sessions to finish
// cleanup, or for ctx to end.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("realtime connections closed", "count", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
