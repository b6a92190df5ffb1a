// ABOUTME: Ephemeral typing indicators with automatic expiry
// ABOUTME: One timer per (conversation, user); a re-armed timer supersedes the previous one

package typing

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/protocol"
)

// DefaultTimeout is how long an indicator stays on without a refresh.
const DefaultTimeout = 3 * time.Second

const keyLockCount = 32

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	timer      *time.Timer
	generation uint64
}

// Coordinator publishes typing indicators on conversation channels and
// clears them after a period of inactivity.
//
// Every state change for a key and its publish happen under that key's
// lock, so subscribers see a key's events in the order its state changed.
// keyLocks are always taken before mu.
type Coordinator struct {
	keyLocks [keyLockCount]sync.Mutex

	mu      sync.Mutex
	active  map[key]*entry
	nextGen uint64
	closed  bool

	timeout time.Duration
	bus     bus.Bus
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. A zero timeout uses DefaultTimeout.
func NewCoordinator(b bus.Bus, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		active:  make(map[key]*entry),
		timeout: timeout,
		bus:     b,
		logger:  logger.With("component", "typing"),
	}
}

func (c *Coordinator) lockKey(k key) func() {
	h := fnv.New32a()
	h.Write([]byte(k.conversationID))
	h.Write([]byte{0})
	h.Write([]byte(k.userID))
	l := &c.keyLocks[h.Sum32()%keyLockCount]
	l.Lock()
	return l.Unlock
}

// StartTyping publishes isTyping=true and (re)arms the expiry timer. Repeated
// calls within the timeout publish again but only the latest timer fires.
func (c *Coordinator) StartTyping(ctx context.Context, conversationID, userID string) {
	k := key{conversationID: conversationID, userID: userID}
	defer c.lockKey(k)()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if e, ok := c.active[k]; ok {
		e.timer.Stop()
	}
	c.nextGen++
	gen := c.nextGen
	c.active[k] = &entry{
		generation: gen,
		timer: time.AfterFunc(c.timeout, func() {
			c.expire(k, gen)
		}),
	}
	c.mu.Unlock()

	c.publish(ctx, k, true)
}

// StopTyping cancels any pending expiry and publishes isTyping=false now.
func (c *Coordinator) StopTyping(ctx context.Context, conversationID, userID string) {
	k := key{conversationID: conversationID, userID: userID}
	defer c.lockKey(k)()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if e, ok := c.active[k]; ok {
		e.timer.Stop()
		delete(c.active, k)
	}
	c.mu.Unlock()

	c.publish(ctx, k, false)
}

// Clear is StopTyping for callers that only want to turn off an active
// indicator, such as sending a message. It publishes nothing if the user
// was not typing.
func (c *Coordinator) Clear(ctx context.Context, conversationID, userID string) {
	k := key{conversationID: conversationID, userID: userID}
	defer c.lockKey(k)()

	c.mu.Lock()
	e, ok := c.active[k]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(c.active, k)
	c.mu.Unlock()

	c.publish(ctx, k, false)
}

// IsTyping reports whether an indicator is currently armed.
func (c *Coordinator) IsTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[key{conversationID: conversationID, userID: userID}]
	return ok
}

// expire fires from a timer. A timer that was superseded or cancelled after
// it started running finds a different generation (or none) and does nothing.
func (c *Coordinator) expire(k key, gen uint64) {
	defer c.lockKey(k)()

	c.mu.Lock()
	e, ok := c.active[k]
	if !ok || e.generation != gen || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.active, k)
	c.mu.Unlock()

	c.logger.Debug("typing expired", "conversation_id", k.conversationID, "user_id", k.userID)
	c.publish(context.Background(), k, false)
}

// Close stops every timer without publishing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for k, e := range c.active {
		e.timer.Stop()
		delete(c.active, k)
	}
}

func (c *Coordinator) publish(ctx context.Context, k key, isTyping bool) {
	ev := protocol.TypingStatus{
		ConversationID: k.conversationID,
		UserID:         k.userID,
		IsTyping:       isTyping,
	}
	if err := c.bus.Publish(ctx, bus.ConversationChannel(k.conversationID), ev); err != nil {
		c.logger.Warn("failed to publish typing status",
			"conversation_id", k.conversationID,
			"user_id", k.userID,
			"error", err)
	}
}
