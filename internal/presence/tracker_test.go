// ABOUTME: Tests for presence tracking over local and Redis registries
// ABOUTME: Verifies single online/offline transitions across connections and processes

package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/bus/bustest"
	"github.com/2389/coven-chat/internal/protocol"
)

const quiet = 50 * time.Millisecond

func newLocalTracker(t *testing.T) (*Tracker, *bus.LocalBus) {
	t.Helper()
	b := bus.NewLocalBus(nil)
	t.Cleanup(func() { b.Close() })
	return NewTracker(NewLocalRegistry(), b, nil), b
}

func newRedisRegistry(t *testing.T, mr *miniredis.Miniredis) *RedisRegistry {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisRegistryFromClient(client, "coven:presence", nil)
}

func TestTracker_MultiConnectionTransitions(t *testing.T) {
	tr, b := newLocalTracker(t)
	ctx := t.Context()
	rec := bustest.Subscribe(t, b, bus.PresenceChannel)

	require.NoError(t, tr.OnConnect(ctx, "alice", "c1"))
	var online protocol.UserOnline
	rec.NextData(t, protocol.EventUserOnline, &online)
	assert.Equal(t, "alice", online.UserID)

	require.NoError(t, tr.OnConnect(ctx, "alice", "c2"))
	rec.None(t, quiet)
	assert.Equal(t, 2, tr.ConnectionCount("alice"))

	tr.OnDisconnect(ctx, "alice", "c1")
	rec.None(t, quiet)

	users, err := tr.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	tr.OnDisconnect(ctx, "alice", "c2")
	var offline protocol.UserOffline
	rec.NextData(t, protocol.EventUserOffline, &offline)
	assert.Equal(t, "alice", offline.UserID)

	users, err = tr.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestTracker_DuplicateAndUnknownConnections(t *testing.T) {
	tr, b := newLocalTracker(t)
	ctx := t.Context()
	rec := bustest.Subscribe(t, b, bus.PresenceChannel)

	require.NoError(t, tr.OnConnect(ctx, "bob", "c1"))
	rec.Next(t)

	// Same connection registered twice counts once.
	require.NoError(t, tr.OnConnect(ctx, "bob", "c1"))
	assert.Equal(t, 1, tr.ConnectionCount("bob"))

	// Unknown connection and unknown user are no-ops.
	tr.OnDisconnect(ctx, "bob", "nope")
	tr.OnDisconnect(ctx, "nobody", "c9")
	rec.None(t, quiet)

	tr.OnDisconnect(ctx, "bob", "c1")
	assert.Equal(t, protocol.EventUserOffline, rec.Next(t).Event)

	// A second disconnect of the same connection does not re-announce.
	tr.OnDisconnect(ctx, "bob", "c1")
	rec.None(t, quiet)
}

func TestTracker_ConcurrentConnectDisconnect(t *testing.T) {
	tr, b := newLocalTracker(t)
	ctx := t.Context()
	rec := bustest.Subscribe(t, b, bus.PresenceChannel)

	const conns = 50
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			assert.NoError(t, tr.OnConnect(ctx, "carol", connID))
			tr.OnDisconnect(ctx, "carol", connID)
		}(i)
	}
	wg.Wait()

	// Every online must be followed by exactly one offline, and the final
	// state is offline.
	var onlines, offlines int
	for _, frame := range rec.Drain(t) {
		switch frame.Event {
		case protocol.EventUserOnline:
			onlines++
			assert.Equal(t, onlines, offlines+1, "online twice without offline")
		case protocol.EventUserOffline:
			offlines++
			assert.Equal(t, onlines, offlines, "offline without online")
		}
	}
	assert.Equal(t, onlines, offlines)
	assert.GreaterOrEqual(t, onlines, 1)

	online, err := tr.IsOnline(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestTracker_RedisRegistrySharedAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := t.Context()

	busA, busB := bus.NewLocalBus(nil), bus.NewLocalBus(nil)
	t.Cleanup(func() { busA.Close(); busB.Close() })
	trA := NewTracker(newRedisRegistry(t, mr), busA, nil)
	trB := NewTracker(newRedisRegistry(t, mr), busB, nil)

	recA := bustest.Subscribe(t, busA, bus.PresenceChannel)
	recB := bustest.Subscribe(t, busB, bus.PresenceChannel)

	require.NoError(t, trA.OnConnect(ctx, "dave", "a1"))
	assert.Equal(t, protocol.EventUserOnline, recA.Next(t).Event)

	// Second process: user already online, no announcement.
	require.NoError(t, trB.OnConnect(ctx, "dave", "b1"))
	recB.None(t, quiet)

	online, err := trB.IsOnline(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, online)

	trA.OnDisconnect(ctx, "dave", "a1")
	recA.None(t, quiet)

	users, err := trA.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, users)

	trB.OnDisconnect(ctx, "dave", "b1")
	assert.Equal(t, protocol.EventUserOffline, recB.Next(t).Event)

	users, err = trB.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestTracker_CloseReleasesHeldUsers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := t.Context()

	b := bus.NewLocalBus(nil)
	defer b.Close()
	tr := NewTracker(newRedisRegistry(t, mr), b, nil)

	require.NoError(t, tr.OnConnect(ctx, "erin", "c1"))
	require.NoError(t, tr.OnConnect(ctx, "frank", "c2"))

	observer := newRedisRegistry(t, mr)
	defer observer.Close()
	users, err := observer.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"erin", "frank"}, users)

	require.NoError(t, tr.Close(ctx))

	users, err = observer.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestTracker_RegistryFailureLeavesUserOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := t.Context()

	b := bus.NewLocalBus(nil)
	defer b.Close()
	tr := NewTracker(newRedisRegistry(t, mr), b, nil)

	mr.SetError("ERR simulated failure")
	err := tr.OnConnect(ctx, "gina", "c1")
	require.Error(t, err)
	assert.Equal(t, 0, tr.ConnectionCount("gina"))

	mr.SetError("")
	require.NoError(t, tr.OnConnect(ctx, "gina", "c1"))
	assert.Equal(t, 1, tr.ConnectionCount("gina"))
}

func TestLocalRegistry(t *testing.T) {
	r := NewLocalRegistry()
	ctx := t.Context()

	first, _ := r.Acquire(ctx, "u")
	second, _ := r.Acquire(ctx, "u")
	assert.True(t, first)
	assert.False(t, second)

	gone, _ := r.Release(ctx, "u")
	assert.False(t, gone)
	gone, _ = r.Release(ctx, "u")
	assert.True(t, gone)

	gone, _ = r.Release(ctx, "u")
	assert.False(t, gone, "releasing an absent user is a no-op")
}

func TestLocalRegistry_OnlineIsSorted(t *testing.T) {
	ctx := t.Context()
	r := NewLocalRegistry()
	for _, u := range []string{"mallory", "alice", "zoe", "bob"} {
		_, err := r.Acquire(ctx, u)
		require.NoError(t, err)
	}

	users, err := r.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "mallory", "zoe"}, users)
}
