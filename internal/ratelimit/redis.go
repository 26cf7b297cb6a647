package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript performs the whole fixed-window check-and-increment in Redis.
// KEYS[1] hash key; ARGV now_ms, window_ms, max.
// Returns {allowed, window_start_ms, count}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local start = tonumber(redis.call('HGET', KEYS[1], 'start') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if start == 0 or now - start >= window then
  start = now
  count = 0
end
if count >= max then
  return {0, start, count}
end
count = count + 1
redis.call('HSET', KEYS[1], 'start', start, 'count', count)
redis.call('PEXPIRE', KEYS[1], window)
return {1, start, count}
`)

var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count > 0 then
  redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return count
`)

// RedisCounter keeps counters in Redis hashes that expire with their window
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a counter store on a Redis client
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "wa-relay:ratelimit:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisCounter) Hit(ctx context.Context, key string, window time.Duration, max int, now time.Time) (Decision, error) {
	res, err := hitScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), window.Milliseconds(), max).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}

	start := time.UnixMilli(res[1])
	decision := Decision{
		Allowed:         res[0] == 1,
		Count:           int(res[2]),
		WindowStartedAt: start,
	}
	if !decision.Allowed {
		decision.RetryAfter = start.Add(window).Sub(now)
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
	}
	return decision, nil
}

func (r *RedisCounter) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.client, []string{r.prefix + key}).Err()
}
