package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"5s":  5 * time.Second,
		"30s": 30 * time.Second,
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"6h":  6 * time.Hour,
		"1d":  24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	for input, want := range cases {
		got, err := ParseInterval(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
}

func TestParseIntervalRejectsMalformed(t *testing.T) {
	for _, input := range []string{"", "5", "s", "5x", "-1m", "1.5h", "m5"} {
		_, err := ParseInterval(input)
		require.Error(t, err, input)
	}
}

func TestWorkerConcurrencyDefaultsToOne(t *testing.T) {
	w := Worker{ID: "outbox"}
	require.Equal(t, 1, w.concurrency())
	w.Concurrency = 4
	require.Equal(t, 4, w.concurrency())
}

func TestHolderID(t *testing.T) {
	a := HolderID("node-1", 100)
	b := HolderID("node-1", 200)
	c := HolderID("node-2", 100)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.Contains(t, a, "node-1")
}
