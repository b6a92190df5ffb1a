// ABOUTME: Online-user registries shared by presence trackers
// ABOUTME: LocalRegistry serves one process; RedisRegistry counts holders across processes

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Registry counts, per user, how many holders (processes) currently have at
// least one live connection for that user. Acquire and Release report the
// global online/offline transitions.
type Registry interface {
	// Acquire adds a holder and reports whether the user just came online.
	Acquire(ctx context.Context, userID string) (bool, error)
	// Release removes a holder and reports whether the user just went offline.
	Release(ctx context.Context, userID string) (bool, error)
	Online(ctx context.Context) ([]string, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	Close() error
}

// LocalRegistry is an in-process Registry.
type LocalRegistry struct {
	mu      sync.Mutex
	holders map[string]int
}

// NewLocalRegistry creates an empty in-process registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{holders: make(map[string]int)}
}

func (r *LocalRegistry) Acquire(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holders[userID]++
	return r.holders[userID] == 1, nil
}

func (r *LocalRegistry) Release(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.holders[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(r.holders, userID)
		return true, nil
	}
	r.holders[userID] = n - 1
	return false, nil
}

func (r *LocalRegistry) Online(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := lo.Keys(r.holders)
	slices.Sort(users)
	return users, nil
}

func (r *LocalRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holders[userID] > 0, nil
}

func (r *LocalRegistry) Close() error { return nil }

// releaseScript decrements a holder count and removes the field at zero so
// that HKEYS only ever lists online users.
var releaseScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

// RedisRegistry keeps holder counts in one Redis hash (user -> holders).
type RedisRegistry struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

// NewRedisRegistry connects to the Redis server at url.
func NewRedisRegistry(url, key string, logger *slog.Logger) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return NewRedisRegistryFromClient(client, key, logger), nil
}

// NewRedisRegistryFromClient wraps an existing client. The registry owns it.
func NewRedisRegistryFromClient(client *redis.Client, key string, logger *slog.Logger) *RedisRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRegistry{
		client: client,
		key:    key,
		logger: logger.With("component", "presence_registry", "backend", "redis"),
	}
}

func (r *RedisRegistry) Acquire(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.HIncrBy(ctx, r.key, userID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Release(ctx context.Context, userID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: release %s: %w", userID, err)
	}
	if n < 0 {
		r.logger.Warn("holder count went negative", "user_id", userID, "count", n)
	}
	return n <= 0, nil
}

func (r *RedisRegistry) Online(ctx context.Context) ([]string, error) {
	users, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: list online: %w", err)
	}
	slices.Sort(users)
	return users, nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: is online %s: %w", userID, err)
	}
	return ok, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var (
	_ Registry = (*LocalRegistry)(nil)
	_ Registry = (*RedisRegistry)(nil)
)
