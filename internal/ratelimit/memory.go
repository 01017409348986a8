package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process CounterStore guarded by a mutex.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]Bucket
}

var _ CounterStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]Bucket)}
}

func (m *MemoryStore) Increment(_ context.Context, key string, now time.Time, p Policy) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || !now.Before(b.ResetAt) {
		b = Bucket{ResetAt: now.Add(p.Window)}
	}
	b.Count++
	if ShouldBlock(b, p) {
		b.ResetAt = now.Add(p.Block)
	}
	m.buckets[key] = b
	return b, nil
}

func (m *MemoryStore) Get(_ context.Context, key string, now time.Time) (Bucket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		return Bucket{}, false, nil
	}
	if !now.Before(b.ResetAt) {
		delete(m.buckets, key)
		return Bucket{}, false, nil
	}
	return b, true, nil
}

func (m *MemoryStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, key)
	return nil
}

// Sweep evicts every bucket expired at now and returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if !now.Before(b.ResetAt) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
