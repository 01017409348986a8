package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(t *testing.T) (*Limiter, *MemoryStore, *clock) {
	t.Helper()
	store := NewMemoryStore()
	clk := &clock{t: time.Date(2026, 2, 10, 7, 0, 0, 0, time.UTC)}
	lim, err := New(store, DefaultPolicy(), WithClock(clk.now))
	require.NoError(t, err)
	return lim, store, clk
}

func TestBlockAfterMaxAttempts(t *testing.T) {
	lim, _, clk := newLimiter(t)
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

	// The block outlasts the original window.
	clk.advance(16 * time.Minute)
	allowed, retry, _ = lim.Check(ctx, ip)
	assert.False(t, allowed)
	assert.Equal(t, 44*60, retry)

	clk.advance(44 * time.Minute)
	allowed, _, _ = lim.Check(ctx, ip)
	assert.True(t, allowed)
}

func TestWindowResetsBelowCap(t *testing.T) {
	lim, store, clk := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = lim.RecordAttempt(ctx, "10.0.0.1")
	}
	clk.advance(15 * time.Minute)

	b, err := lim.RecordAttempt(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count, "expired window starts over")
	assert.Equal(t, clk.now().Add(15*time.Minute), b.ResetAt)
	assert.Equal(t, 1, store.Len())
}

func TestKeysAreIndependent(t *testing.T) {
	lim, _, _ := newLimiter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = lim.RecordAttempt(ctx, "10.0.0.1")
	}
	allowed, _, _ := lim.Check(ctx, "10.0.0.1")
	assert.False(t, allowed)
	allowed, _, _ = lim.Check(ctx, "10.0.0.2")
	assert.True(t, allowed)

	require.NoError(t, lim.Reset(ctx, "10.0.0.1"))
	allowed, _, _ = lim.Check(ctx, "10.0.0.1")
	assert.True(t, allowed)
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	p := Policy{MaxAttempts: 1000, Window: time.Hour, Block: time.Hour}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Increment(context.Background(), "k", now, p)
		}()
	}
	wg.Wait()

	b, ok, err := store.Get(context.Background(), "k", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, b.Count)
	assert.Equal(t, now.Add(time.Hour), b.ResetAt)
}

func TestSweepAndLazyEviction(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	p := DefaultPolicy()
	_, _ = store.Increment(context.Background(), "a", now, p)
	_, _ = store.Increment(context.Background(), "b", now.Add(10*time.Minute), p)

	assert.Equal(t, 1, store.Sweep(now.Add(16*time.Minute)))
	assert.Equal(t, 1, store.Len())

	_, ok, _ := store.Get(context.Background(), "b", now.Add(26*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, DefaultPolicy())
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), Policy{MaxAttempts: 5})
	assert.Error(t, err)
}
