// Package ratelimit provides fixed-window request limiting behind one
// interface with three backends: in-process LRU buckets, the
// rate_limit_log table for multi-node setups without extra
// infrastructure, and Redis for multi-node setups with it.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a check or consume.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Store is the limiter interface. Consume counts the request; Check
// only inspects the window.
type Store interface {
	Check(ctx context.Context, key string) (*Decision, error)
	Consume(ctx context.Context, key string) (*Decision, error)
	Reset(ctx context.Context, key string) error
}

// Config sizes the window.
type Config struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

func (c Config) limit() int {
	if c.Limit > 0 {
		return c.Limit
	}
	return 100
}

func (c Config) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return time.Minute
}
