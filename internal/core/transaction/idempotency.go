package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// lookupIdempotent returns the stored response for (ledger, key) when a
// live record exists. Expired rows are ignored; the cleanup worker prunes
// them.
func lookupIdempotent(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, key string) (*Result, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `
		SELECT response
		FROM idempotency_key
		WHERE ledger_id = $1 AND "key" = $2 AND expires_at > now()`,
		ledgerID, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to read idempotency key", err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "corrupt idempotency record", err)
	}
	return &r, nil
}

// storeIdempotent persists the response under (ledger, key). A duplicate
// insert means a concurrent request with the same key committed first;
// that surfaces as CONFLICT so the caller retries and hits the replay
// path.
func storeIdempotent(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, key string, r *Result, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to encode idempotency record", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_key (ledger_id, "key", response, status_code, expires_at)
		VALUES ($1, $2, $3, 201, $4)`,
		ledgerID, key, raw, time.Now().UTC().Add(ttl))
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return ledger.WrapError(ledger.CodeConflict, "concurrent request with the same idempotency key", err)
		}
		return ledger.WrapError(ledger.CodeInternal, "failed to store idempotency key", err)
	}
	return nil
}

// PruneIdempotencyKeys deletes expired idempotency records. Returns the
// number removed; called by the cleanup worker.
func PruneIdempotencyKeys(ctx context.Context, ex sqldb.Executor) (int64, error) {
	res, err := ex.ExecContext(ctx, `DELETE FROM idempotency_key WHERE expires_at <= now()`)
	if err != nil {
		return 0, ledger.WrapError(ledger.CodeInternal, "failed to prune idempotency keys", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
