package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ratelimit:login:"

// incrementScript mirrors MemoryStore.Increment inside Redis so the read, the
// window roll-over and the increment happen atomically.
// KEYS[1] bucket; ARGV: now_ms, window_ms, block_ms, max_attempts.
var incrementScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at') or '0')
if reset <= now then
  count = 0
  reset = now + tonumber(ARGV[2])
end
count = count + 1
if count == tonumber(ARGV[4]) then
  reset = now + tonumber(ARGV[3])
end
redis.call('HSET', KEYS[1], 'count', count, 'reset_at', reset)
redis.call('PEXPIREAT', KEYS[1], reset)
return {count, reset}
`)

// RedisStore shares buckets between processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ CounterStore = (*RedisStore)(nil)

// NewRedisStore wraps client. An empty prefix selects "ratelimit:login:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Increment(ctx context.Context, key string, now time.Time, p Policy) (Bucket, error) {
	res, err := incrementScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), p.Window.Milliseconds(), p.Block.Milliseconds(), p.MaxAttempts,
	).Int64Slice()
	if err != nil {
		return Bucket{}, fmt.Errorf("ratelimit increment: %w", err)
	}
	if len(res) != 2 {
		return Bucket{}, fmt.Errorf("ratelimit increment: unexpected reply %v", res)
	}
	return Bucket{Count: int(res[0]), ResetAt: time.UnixMilli(res[1])}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string, now time.Time) (Bucket, bool, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+key, "count", "reset_at").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Bucket{}, false, nil
		}
		return Bucket{}, false, fmt.Errorf("ratelimit get: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Bucket{}, false, nil
	}
	count, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return Bucket{}, false, fmt.Errorf("ratelimit get: bad count: %w", err)
	}
	resetMs, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return Bucket{}, false, fmt.Errorf("ratelimit get: bad reset: %w", err)
	}
	b := Bucket{Count: count, ResetAt: time.UnixMilli(resetMs)}
	if !now.Before(b.ResetAt) {
		return Bucket{}, false, nil
	}
	return b, true, nil
}

func (r *RedisStore) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
