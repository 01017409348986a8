package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redisHarness struct {
	mr    *miniredis.Miniredis
	store *RedisStore
	clk   *clock
}

func newRedisHarness(t *testing.T) *redisHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := &clock{t: time.Date(2026, 2, 10, 7, 0, 0, 0, time.UTC)}
	mr.SetTime(clk.now())
	return &redisHarness{mr: mr, store: NewRedisStore(client, ""), clk: clk}
}

// advance moves the limiter clock and the server clock together so
// PEXPIREAT deadlines fire when the bucket resets.
func (h *redisHarness) advance(d time.Duration) {
	h.clk.advance(d)
	h.mr.SetTime(h.clk.now())
	h.mr.FastForward(d)
}

func (h *redisHarness) limiter(t *testing.T) *Limiter {
	t.Helper()
	lim, err := New(h.store, DefaultPolicy(), WithClock(h.clk.now))
	require.NoError(t, err)
	return lim
}

func TestRedisBlockAfterMaxAttempts(t *testing.T) {
	h := newRedisHarness(t)
	lim := h.limiter(t)
	ctx := context.Background()
	const ip = "203.0.113.7"

	for i := 0; i < 5; i++ {
		allowed, _, err := lim.Check(ctx, ip)
		require.NoError(t, err)
		require.True(t, allowed, "attempt %d should be allowed", i+1)
		_, err = lim.RecordAttempt(ctx, ip)
		require.NoError(t, err)
	}

	allowed, retry, err := lim.Check(ctx, ip)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 3600, retry)

	h.advance(16 * time.Minute)
	allowed, retry, err = lim.Check(ctx, ip)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 44*60, retry)

	h.advance(44 * time.Minute)
	allowed, _, err = lim.Check(ctx, ip)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.False(t, h.mr.Exists(defaultRedisPrefix+ip), "expired bucket is evicted by the server")
}

func TestRedisWindowResetsBelowCap(t *testing.T) {
	h := newRedisHarness(t)
	lim := h.limiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := lim.RecordAttempt(ctx, "10.0.0.1")
		require.NoError(t, err)
	}
	assert.Equal(t, 15*time.Minute, h.mr.TTL(defaultRedisPrefix+"10.0.0.1"))

	// Move to the exact reset instant; the server has not evicted yet.
	h.clk.advance(15 * time.Minute)
	b, err := lim.RecordAttempt(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count, "expired window starts over")
	assert.True(t, b.ResetAt.Equal(h.clk.now().Add(15*time.Minute)), "reset at %v", b.ResetAt)
}

func TestRedisKeysAreIndependent(t *testing.T) {
	h := newRedisHarness(t)
	lim := h.limiter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := lim.RecordAttempt(ctx, "10.0.0.1")
		require.NoError(t, err)
	}
	allowed, _, _ := lim.Check(ctx, "10.0.0.1")
	assert.False(t, allowed)
	allowed, _, _ = lim.Check(ctx, "10.0.0.2")
	assert.True(t, allowed)

	require.NoError(t, lim.Reset(ctx, "10.0.0.1"))
	allowed, _, _ = lim.Check(ctx, "10.0.0.1")
	assert.True(t, allowed)
	assert.False(t, h.mr.Exists(defaultRedisPrefix+"10.0.0.1"))
}

func TestRedisConcurrentIncrementsAreNotLost(t *testing.T) {
	h := newRedisHarness(t)
	now := h.clk.now()
	p := Policy{MaxAttempts: 1000, Window: time.Hour, Block: time.Hour}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.store.Increment(context.Background(), "k", now, p)
		}()
	}
	wg.Wait()

	b, ok, err := h.store.Get(context.Background(), "k", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, b.Count)
	assert.True(t, b.ResetAt.Equal(now.Add(time.Hour)), "reset at %v", b.ResetAt)
}

func TestRedisGetMissingAndCustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "test:")
	now := time.Date(2026, 2, 10, 7, 0, 0, 0, time.UTC)
	mr.SetTime(now)

	_, ok, err := store.Get(context.Background(), "nobody", now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Increment(context.Background(), "10.0.0.9", now, DefaultPolicy())
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:10.0.0.9"))
	assert.Equal(t, "1", mr.HGet("test:10.0.0.9", "count"))

	// A bucket past its reset instant reads as absent even before eviction.
	_, ok, err = store.Get(context.Background(), "10.0.0.9", now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreReportsServerErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "")
	mr.Close()

	_, err := store.Increment(context.Background(), "k", time.Now(), DefaultPolicy())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ratelimit increment")
	_, _, err = store.Get(context.Background(), "k", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ratelimit get")
}
