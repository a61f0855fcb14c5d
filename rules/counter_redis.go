package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore is a CounterStore shared by simulator instances through
// Redis. Each window is its own key, expired by Redis after two windows.
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounterStore wraps client. Keys are namespaced with prefix.
func NewRedisCounterStore(client redis.UniversalClient, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "mailsim"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

// NewRedisClient connects to the Redis instance at url and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Increment implements CounterStore.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	k := s.key(key, window, now)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", k, err)
	}
	return incr.Val(), nil
}

// Count implements CounterStore.
func (s *RedisCounterStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	k := s.key(key, window, now)

	n, err := s.client.Get(ctx, k).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", k, err)
	}
	return n, nil
}

// releaseScript decrements a window key only while it exists and is
// positive, so a late release never resurrects an expired window.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Release implements CounterStore.
func (s *RedisCounterStore) Release(ctx context.Context, key string, window time.Duration, now time.Time) error {
	k := s.key(key, window, now)
	if err := releaseScript.Run(ctx, s.client, []string{k}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", k, err)
	}
	return nil
}

func (s *RedisCounterStore) key(key string, window time.Duration, now time.Time) string {
	return s.prefix + ":" + key + ":" + strconv.FormatInt(windowStart(now, window), 10)
}
