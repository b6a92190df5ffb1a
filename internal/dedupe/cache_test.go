// ABOUTME: Tests for the TTL key cache
// ABOUTME: Drives expiry with a fake clock instead of sleeping

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size)
	c.now = clock.Now
	return c, clock
}

func TestCheckAndMark_SeenWithinWindow(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	assert.False(t, c.CheckAndMark("a"))
	assert.True(t, c.CheckAndMark("a"))

	clock.Advance(59 * time.Second)
	assert.True(t, c.CheckAndMark("a"), "re-marking refreshes the window")

	clock.Advance(59 * time.Second)
	assert.True(t, c.CheckAndMark("a"))
}

func TestCheckAndMark_Expires(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	clock.Advance(time.Minute)

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.CheckAndMark("a"))
}

func TestCheckAndMark_EvictsOldestAtCapacity(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for _, k := range []string{"a", "b", "c"} {
		c.CheckAndMark(k)
		clock.Advance(time.Second)
	}
	c.CheckAndMark("a") // a becomes newest
	c.CheckAndMark("d") // evicts b

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("b"), "b was evicted")
	assert.True(t, c.CheckAndMark("a"))
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)

	c.CheckAndMark("a")
	c.Forget("a")
	c.Forget("never-marked")

	assert.False(t, c.CheckAndMark("a"))
}

func TestCheckAndMark_ConcurrentFirstMarkWinsOnce(t *testing.T) {
	c := New(time.Hour, 1000)

	for i := range 20 {
		key := fmt.Sprintf("k%d", i)
		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !c.CheckAndMark(key) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, fresh, key)
	}
}
