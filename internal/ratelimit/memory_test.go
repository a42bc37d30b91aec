package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMemory(t *testing.T, limit int, window time.Duration) (*Memory, *time.Time) {
	t.Helper()
	m, err := NewMemory(Config{Limit: limit, Window: window})
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryConsumeWithinLimit(t *testing.T) {
	m, _ := testMemory(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := m.Consume(ctx, "tenant-a")
		require.NoError(t, err)
		require.True(t, d.Allowed, i)
		require.Equal(t, 3, d.Limit)
		require.Equal(t, 2-i, d.Remaining)
	}

	d, err := m.Consume(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
}

func TestMemoryWindowResets(t *testing.T) {
	m, now := testMemory(t, 1, time.Minute)
	ctx := context.Background()

	d, _ := m.Consume(ctx, "k")
	require.True(t, d.Allowed)
	d, _ = m.Consume(ctx, "k")
	require.False(t, d.Allowed)

	*now = now.Add(time.Minute)
	d, _ = m.Consume(ctx, "k")
	require.True(t, d.Allowed)
}

func TestMemoryCheckDoesNotConsume(t *testing.T) {
	m, _ := testMemory(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := m.Check(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, 2, d.Remaining)
	}
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m, _ := testMemory(t, 1, time.Minute)
	ctx := context.Background()

	d, _ := m.Consume(ctx, "a")
	require.True(t, d.Allowed)
	d, _ = m.Consume(ctx, "a")
	require.False(t, d.Allowed)

	d, _ = m.Consume(ctx, "b")
	require.True(t, d.Allowed)
}

func TestMemoryReset(t *testing.T) {
	m, _ := testMemory(t, 1, time.Minute)
	ctx := context.Background()

	_, _ = m.Consume(ctx, "k")
	d, _ := m.Consume(ctx, "k")
	require.False(t, d.Allowed)

	require.NoError(t, m.Reset(ctx, "k"))
	d, _ = m.Consume(ctx, "k")
	require.True(t, d.Allowed)
}

func TestMemoryResetAt(t *testing.T) {
	m, now := testMemory(t, 5, time.Minute)
	d, _ := m.Consume(context.Background(), "k")
	require.Equal(t, now.Add(time.Minute), d.ResetAt)
}
