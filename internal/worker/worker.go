// Package worker runs the background jobs of the ledger: interval-driven
// handlers with optional database-backed leases so only one node of a
// fleet runs a given job at a time.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/summa-ledger/summad/internal/core/ledger"
)

// Worker is one scheduled job.
type Worker struct {
	// ID is the stable identity of the job; it keys the lease row.
	ID string
	// Interval between ticks.
	Interval time.Duration
	// LeaseRequired serializes the job across nodes via worker_lease.
	LeaseRequired bool
	// Concurrency runs multiple instances of the handler per tick;
	// consumers that poll with SKIP LOCKED partition naturally. Zero
	// means one.
	Concurrency int
	// Handler does the work. Errors are logged and swallowed; the next
	// tick retries.
	Handler func(ctx context.Context) error
}

func (w *Worker) concurrency() int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	return 1
}

// ParseInterval reads interval strings of the form 5s, 1m, 1h, 6h or 1d.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ledger.NewError(ledger.CodeInvalidArgument, "interval is required")
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, ledger.NewError(ledger.CodeInvalidArgument, fmt.Sprintf("malformed interval %q", s))
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, ledger.NewError(ledger.CodeInvalidArgument, fmt.Sprintf("unknown interval unit in %q", s))
}
