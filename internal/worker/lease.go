package worker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Leases arbitrates job ownership across nodes through the worker_lease
// table. A lease lasts 1.5× the worker interval; crash recovery is the
// timeout itself.
type Leases struct {
	db     *sqldb.DB
	holder string
}

// NewLeases builds a lease store. holder identifies this node, typically
// hostname plus a per-process suffix.
func NewLeases(db *sqldb.DB, holder string) *Leases {
	return &Leases{db: db, holder: holder}
}

// Acquire tries to take the lease for workerID. The upsert only steals a
// lease whose lease_until has passed; no row returned means another node
// holds it and this tick is skipped.
func (l *Leases) Acquire(ctx context.Context, workerID string, interval time.Duration) (bool, error) {
	leaseUntil := time.Now().UTC().Add(interval + interval/2)
	var got string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO worker_lease (worker_id, lease_holder, lease_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE
			SET lease_holder = $2, lease_until = EXCLUDED.lease_until
			WHERE worker_lease.lease_until < now()
		RETURNING lease_holder`, workerID, l.holder, leaseUntil).Scan(&got)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, ledger.WrapError(ledger.CodeInternal, "failed to acquire lease", err)
	}
	return got == l.holder, nil
}

// Refresh extends a held lease while a long handler runs.
func (l *Leases) Refresh(ctx context.Context, workerID string, interval time.Duration) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE worker_lease SET lease_until = $3
		WHERE worker_id = $1 AND lease_holder = $2`,
		workerID, l.holder, time.Now().UTC().Add(interval+interval/2))
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to refresh lease", err)
	}
	return nil
}

// Release gives the lease up early on graceful shutdown.
func (l *Leases) Release(ctx context.Context, workerID string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM worker_lease
		WHERE worker_id = $1 AND lease_holder = $2`, workerID, l.holder)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to release lease", err)
	}
	return nil
}
