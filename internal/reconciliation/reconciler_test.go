package reconciliation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoubleEntrySumsInSourceCurrency(t *testing.T) {
	// A converted leg carries original_amount in the source currency;
	// summing raw amounts would flag every cross-currency transfer and,
	// since the watermark only advances on a clean daily run, stall
	// incremental reconciliation for good.
	require.Equal(t, 2, strings.Count(doubleEntrySQL, "COALESCE(e.original_amount, e.amount)"))
	require.Equal(t, 1, countPlaceholders(doubleEntrySQL))
}

func TestDoubleEntryCoversCommittedHolds(t *testing.T) {
	// A committed hold posts regular entry legs under the hold's own
	// transaction id; excluding hold headers would leave those legs
	// unchecked. Inflight holds have no entries, so the join already
	// drops them.
	require.NotContains(t, doubleEntrySQL, "is_hold")
}

func TestCountPlaceholders(t *testing.T) {
	require.Equal(t, 0, countPlaceholders("SELECT 1"))
	require.Equal(t, 1, countPlaceholders("SELECT x FROM t WHERE created_at >= $1"))
	require.Equal(t, 2, countPlaceholders("WHERE a >= $1 AND b >= $1"))
	// Only $1 counts: the collect queries take a single since argument.
	require.Equal(t, 0, countPlaceholders("WHERE a = $2"))
	require.Equal(t, 0, countPlaceholders("price is $"))
}
