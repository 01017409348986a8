// Package ratelimit throttles login attempts per client address with a fixed
// window that hardens into a longer block once the cap is reached.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// Policy parameterises the window. Reaching MaxAttempts inside Window moves
// the bucket's reset time to Block after that attempt.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Block       time.Duration
}

// DefaultPolicy is five attempts per fifteen minutes with a one hour block.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Window: 15 * time.Minute, Block: 60 * time.Minute}
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 || p.Window <= 0 || p.Block <= 0 {
		return errors.New("ratelimit: policy values must be positive")
	}
	return nil
}

// Bucket is the counter state for one key.
type Bucket struct {
	Count   int
	ResetAt time.Time
}

// CounterStore holds buckets. Increment must be atomic per key: concurrent
// callers may never lose an increment or restart a live window.
type CounterStore interface {
	// Increment adds one attempt, opening a new window when the current one has
	// expired at now, and returns the resulting bucket.
	Increment(ctx context.Context, key string, now time.Time, p Policy) (Bucket, error)
	// Get returns the live bucket for key, or ok=false when none exists at now.
	Get(ctx context.Context, key string, now time.Time) (b Bucket, ok bool, err error)
	Reset(ctx context.Context, key string) error
}

// ShouldBlock applies the window rules to a bucket that has just been
// incremented. Stores call it so every backend hardens the window identically.
func ShouldBlock(b Bucket, p Policy) bool {
	return b.Count == p.MaxAttempts
}

// Limiter is the entry point used by the login flow.
type Limiter struct {
	store  CounterStore
	policy Policy
	now    func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New constructs a Limiter over store.
func New(store CounterStore, policy Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: counter store is required")
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	l := &Limiter{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the limiter's configured window.
func (l *Limiter) Policy() Policy { return l.policy }

// Check reports whether another attempt from key is allowed. When it is not,
// retryAfter is the whole number of seconds until the bucket resets (at least 1).
func (l *Limiter) Check(ctx context.Context, key string) (allowed bool, retryAfter int, err error) {
	key = normalizeKey(key)
	now := l.now()
	b, ok, err := l.store.Get(ctx, key, now)
	if err != nil {
		return false, 0, err
	}
	if !ok || b.Count < l.policy.MaxAttempts {
		return true, 0, nil
	}
	return false, secondsUntil(now, b.ResetAt), nil
}

// RecordAttempt counts one attempt from key.
func (l *Limiter) RecordAttempt(ctx context.Context, key string) (Bucket, error) {
	return l.store.Increment(ctx, normalizeKey(key), l.now(), l.policy)
}

// Reset forgets key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, normalizeKey(key))
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}

func secondsUntil(now, t time.Time) int {
	s := int(math.Ceil(t.Sub(now).Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
