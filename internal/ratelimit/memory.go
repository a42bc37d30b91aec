package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxBuckets bounds the per-key state; the LRU evicts the coldest keys
// beyond it.
const maxBuckets = 10000

type bucket struct {
	windowStart time.Time
	count       int
}

// Memory is the in-process fixed-window limiter.
type Memory struct {
	cfg     Config
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
	now     func() time.Time
}

// NewMemory builds the in-process backend.
func NewMemory(cfg Config) (*Memory, error) {
	cache, err := lru.New[string, *bucket](maxBuckets)
	if err != nil {
		return nil, err
	}
	return &Memory{cfg: cfg, buckets: cache, now: time.Now}, nil
}

// Check implements Store.
func (m *Memory) Check(_ context.Context, key string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decide(key, false), nil
}

// Consume implements Store.
func (m *Memory) Consume(_ context.Context, key string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decide(key, true), nil
}

// Reset implements Store.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets.Remove(key)
	return nil
}

func (m *Memory) decide(key string, consume bool) *Decision {
	now := m.now()
	window := m.cfg.window()
	limit := m.cfg.limit()

	b, ok := m.buckets.Get(key)
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		m.buckets.Add(key, b)
	}

	allowed := b.count < limit
	if consume && allowed {
		b.count++
	}
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.windowStart.Add(window),
	}
}
