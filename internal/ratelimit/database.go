package ratelimit

import (
	"context"
	"time"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Database is the sliding-window limiter backed by rate_limit_log. Each
// consumed request is one row; the window is the trailing interval.
type Database struct {
	db  *sqldb.DB
	cfg Config
}

// NewDatabase builds the table-backed backend.
func NewDatabase(db *sqldb.DB, cfg Config) *Database {
	return &Database{db: db, cfg: cfg}
}

// Check implements Store.
func (d *Database) Check(ctx context.Context, key string) (*Decision, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_log
		WHERE "key" = $1 AND created_at >= now() - `+d.interval(), key).Scan(&count)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "rate limit check failed", err)
	}
	return d.decision(count, false), nil
}

// Consume implements Store. The count runs under FOR UPDATE so two
// concurrent requests for the same key serialize on the window rows.
func (d *Database) Consume(ctx context.Context, key string) (*Decision, error) {
	var decision *Decision
	err := d.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM (
				SELECT id FROM rate_limit_log
				WHERE "key" = $1 AND created_at >= now() - `+d.interval()+`
				FOR UPDATE
			) w`, key).Scan(&count)
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "rate limit count failed", err)
		}
		if count >= d.cfg.limit() {
			decision = d.decision(count, false)
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limit_log ("key") VALUES ($1)`, key); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "rate limit insert failed", err)
		}
		decision = d.decision(count+1, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Reset implements Store.
func (d *Database) Reset(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM rate_limit_log WHERE "key" = $1`, key); err != nil {
		return ledger.WrapError(ledger.CodeInternal, "rate limit reset failed", err)
	}
	return nil
}

// Prune drops rows older than the window; called by the cleanup worker.
func (d *Database) Prune(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM rate_limit_log WHERE created_at < now() - `+d.interval())
	if err != nil {
		return 0, ledger.WrapError(ledger.CodeInternal, "rate limit prune failed", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (d *Database) interval() string {
	return d.db.Dialect().Interval(d.cfg.window())
}

func (d *Database) decision(count int, consumed bool) *Decision {
	limit := d.cfg.limit()
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:   consumed || count < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(d.cfg.window()),
	}
}
