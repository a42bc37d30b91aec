package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisDecisionBoundaryMatchesMemory(t *testing.T) {
	// decision takes a pre-consumption count, same convention as the
	// memory backend: the limit-th request is the last one allowed.
	r := NewRedis(nil, Config{Limit: 3, Window: time.Minute})

	d := r.decision(0, time.Minute)
	require.True(t, d.Allowed)
	require.Equal(t, 3, d.Remaining)

	d = r.decision(2, time.Minute)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d = r.decision(3, time.Minute)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)

	d = r.decision(5, time.Minute)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}

func TestRedisDecisionResetAt(t *testing.T) {
	r := NewRedis(nil, Config{Limit: 1, Window: time.Minute})
	before := time.Now().UTC()
	d := r.decision(0, 30*time.Second)
	require.WithinDuration(t, before.Add(30*time.Second), d.ResetAt, 2*time.Second)
}
