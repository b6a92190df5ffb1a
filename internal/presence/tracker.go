// ABOUTME: Connection-level presence tracking with per-user serialization
// ABOUTME: Publishes user_online on a user's first connection and user_offline on the last

package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/protocol"
)

const shardCount = 32

// shard owns the connection sets for the users that hash to it. Holding the
// shard lock serializes every transition for those users.
type shard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // userID -> connIDs
}

// Tracker maps users to their live connections. A user is online while the
// registry has at least one holder for them.
type Tracker struct {
	shards   [shardCount]*shard
	registry Registry
	bus      bus.Bus
	logger   *slog.Logger
}

// NewTracker creates a tracker that announces transitions on the presence channel.
func NewTracker(registry Registry, b bus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		registry: registry,
		bus:      b,
		logger:   logger.With("component", "presence"),
	}
	for i := range t.shards {
		t.shards[i] = &shard{conns: make(map[string]map[string]struct{})}
	}
	return t
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

// OnConnect registers connID for userID. Registering the same connection
// twice is a no-op. The first connection of an offline user publishes
// user_online.
func (t *Tracker) OnConnect(ctx context.Context, userID, connID string) error {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.conns[userID]
	if ok {
		if _, dup := set[connID]; dup {
			return nil
		}
		set[connID] = struct{}{}
		t.logger.Debug("connection added", "user_id", userID, "conn_id", connID, "connections", len(set))
		return nil
	}

	online, err := t.registry.Acquire(ctx, userID)
	if err != nil {
		return fmt.Errorf("registering presence: %w", err)
	}
	sh.conns[userID] = map[string]struct{}{connID: {}}
	t.logger.Debug("connection added", "user_id", userID, "conn_id", connID, "connections", 1)

	if online {
		t.logger.Info("user online", "user_id", userID)
		t.publish(ctx, protocol.UserOnline{UserID: userID})
	}
	return nil
}

// OnDisconnect removes connID. Removing an unknown connection is a no-op.
// When the user's last connection anywhere goes away, user_offline is
// published exactly once.
func (t *Tracker) OnDisconnect(ctx context.Context, userID, connID string) {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.conns[userID]
	if !ok {
		return
	}
	if _, known := set[connID]; !known {
		return
	}
	delete(set, connID)
	t.logger.Debug("connection removed", "user_id", userID, "conn_id", connID, "connections", len(set))
	if len(set) > 0 {
		return
	}
	delete(sh.conns, userID)
	t.release(ctx, userID)
}

func (t *Tracker) release(ctx context.Context, userID string) {
	offline, err := t.registry.Release(ctx, userID)
	if err != nil {
		t.logger.Error("failed to release presence", "user_id", userID, "error", err)
		return
	}
	if offline {
		t.logger.Info("user offline", "user_id", userID)
		t.publish(ctx, protocol.UserOffline{UserID: userID})
	}
}

// OnlineUsers returns the sorted IDs of every online user.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := t.registry.Online(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing online users: %w", err)
	}
	return users, nil
}

// IsOnline reports whether userID has a live connection anywhere.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return t.registry.IsOnline(ctx, userID)
}

// ConnectionCount returns how many connections this process holds for userID.
func (t *Tracker) ConnectionCount(userID string) int {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.conns[userID])
}

// Close releases every user this process still holds so a shared registry
// does not keep them online after shutdown.
func (t *Tracker) Close(ctx context.Context) error {
	for _, sh := range t.shards {
		sh.mu.Lock()
		for userID := range sh.conns {
			delete(sh.conns, userID)
			t.release(ctx, userID)
		}
		sh.mu.Unlock()
	}
	return t.registry.Close()
}

func (t *Tracker) publish(ctx context.Context, ev protocol.Event) {
	if err := t.bus.Publish(ctx, bus.PresenceChannel, ev); err != nil {
		t.logger.Warn("failed to publish presence event", "event", ev.EventName(), "error", err)
	}
}
