package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/summa-ledger/summad/internal/core/ledger"
)

// Redis is the fixed-window limiter on a shared Redis. INCR plus a
// first-increment EXPIRE makes the window atomic across nodes.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedis builds the Redis backend.
func NewRedis(client redis.UniversalClient, cfg Config) *Redis {
	return &Redis{client: client, cfg: cfg, prefix: "summa:ratelimit:"}
}

// Check implements Store.
func (r *Redis) Check(ctx context.Context, key string) (*Decision, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.prefix+key)
	ttlCmd := pipe.TTL(ctx, r.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "rate limit check failed", err)
	}

	count, _ := getCmd.Int()
	ttl, _ := ttlCmd.Result()
	if ttl < 0 {
		ttl = r.cfg.window()
	}
	return r.decision(count, ttl), nil
}

// Consume implements Store.
func (r *Redis) Consume(ctx context.Context, key string) (*Decision, error) {
	full := r.prefix + key
	count, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "rate limit consume failed", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, full, r.cfg.window()).Err(); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "rate limit expire failed", err)
		}
	}
	ttl, err := r.client.TTL(ctx, full).Result()
	if err != nil || ttl < 0 {
		ttl = r.cfg.window()
	}

	d := r.decision(int(count), ttl)
	// count already includes this request, so the post-increment bound is
	// inclusive where decision's pre-increment bound is strict.
	d.Allowed = int(count) <= r.cfg.limit()
	return d, nil
}

// Reset implements Store.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return ledger.WrapError(ledger.CodeInternal, "rate limit reset failed", err)
	}
	return nil
}

func (r *Redis) decision(count int, ttl time.Duration) *Decision {
	limit := r.cfg.limit()
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   count < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(ttl),
	}
}
