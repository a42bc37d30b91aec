// Package reconciliation re-proves the ledger's invariants out of band:
// double-entry balance per transaction, balance projection per account,
// version monotonicity, and block hash linkage. Runs are watermarked so
// the daily pass only re-checks what changed.
package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// fullScanEvery makes every Nth daily run walk the entire account set
// instead of only accounts touched since the watermark.
const fullScanEvery = 7

// maxReported caps how many mismatches a step records and logs.
const maxReported = 20

// RunType distinguishes the two cadences.
type RunType string

const (
	RunDaily RunType = "daily"
	RunFast  RunType = "fast"
)

// StepResult is one step's diagnostics.
type StepResult struct {
	Name       string   `json:"name"`
	Mismatches int64    `json:"mismatches"`
	Samples    []string `json:"samples,omitempty"`
	TookMs     int64    `json:"tookMs"`
}

// RunResult is a persisted reconciliation run.
type RunResult struct {
	ID              uuid.UUID    `json:"id"`
	RunType         RunType      `json:"runType"`
	Status          string       `json:"status"`
	TotalMismatches int64        `json:"totalMismatches"`
	Steps           []StepResult `json:"steps"`
	StartedAt       time.Time    `json:"startedAt"`
	FinishedAt      time.Time    `json:"finishedAt"`
}

// Reconciler runs the checks.
type Reconciler struct {
	db  *sqldb.DB
	log *zap.Logger
}

// New builds a reconciler.
func New(db *sqldb.DB, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{db: db, log: log}
}

// Run executes one reconciliation pass. Daily runs start from the
// watermark and advance it on success; fast runs cover a fixed trailing
// two hour window and leave the watermark alone.
func (r *Reconciler) Run(ctx context.Context, runType RunType) (*RunResult, error) {
	started := time.Now().UTC()

	var since time.Time
	var runCount int64
	if runType == RunDaily {
		wm, err := r.loadWatermark(ctx)
		if err != nil {
			return nil, err
		}
		since = wm.lastEntryAt
		runCount = wm.runCount
	} else {
		since = started.Add(-2 * time.Hour)
	}

	result := &RunResult{ID: uuid.New(), RunType: runType, StartedAt: started}

	steps := []struct {
		name string
		fn   func(context.Context, time.Time) (*StepResult, error)
	}{
		{"double_entry", r.checkDoubleEntry},
		{"duplicate_entries", r.checkDuplicateEntries},
	}
	if runType == RunDaily {
		steps = append(steps,
			struct {
				name string
				fn   func(context.Context, time.Time) (*StepResult, error)
			}{"version_monotonicity", r.checkVersionMonotonicity},
		)
		if runCount%fullScanEvery == 0 {
			steps = append(steps, struct {
				name string
				fn   func(context.Context, time.Time) (*StepResult, error)
			}{"balance_projection_full", r.checkBalancesFull})
		} else {
			steps = append(steps, struct {
				name string
				fn   func(context.Context, time.Time) (*StepResult, error)
			}{"balance_projection", r.checkBalancesTouched})
		}
		steps = append(steps, struct {
			name string
			fn   func(context.Context, time.Time) (*StepResult, error)
		}{"system_accounts", r.checkSystemAccounts})
	}
	steps = append(steps, struct {
		name string
		fn   func(context.Context, time.Time) (*StepResult, error)
	}{"block_linkage", r.checkBlocks})

	for _, step := range steps {
		sr, err := step.fn(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("reconciliation step %s: %w", step.name, err)
		}
		sr.Name = step.name
		result.Steps = append(result.Steps, *sr)
		result.TotalMismatches += sr.Mismatches
	}

	result.FinishedAt = time.Now().UTC()
	result.Status = "ok"
	if result.TotalMismatches > 0 {
		result.Status = "mismatches_found"
		for _, s := range result.Steps {
			for _, sample := range s.Samples {
				r.log.Error("reconciliation mismatch",
					zap.String("step", s.Name), zap.String("detail", sample))
			}
		}
	}

	if err := r.persist(ctx, result); err != nil {
		return nil, err
	}
	if runType == RunDaily && result.Status == "ok" {
		if err := r.advanceWatermark(ctx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// doubleEntrySQL sums each transaction's legs in the source currency:
// converted legs carry original_amount, so a cross-currency transfer
// nets to zero the same as a plain one. Hold headers are included —
// a committed hold posts regular legs under its own id, and an inflight
// hold has no entries to sum. Transactions with hot legs still staged
// are skipped until the coalescer settles them.
const doubleEntrySQL = `
	SELECT t.id::text
	FROM transaction_record t
	JOIN entry_record e ON e.transaction_id = t.id
	WHERE e.created_at > $1
	  AND t.id NOT IN (
		SELECT transaction_id FROM hot_account_entry WHERE status = 'pending'
	  )
	GROUP BY t.id
	HAVING SUM(CASE WHEN e.entry_type = 'CREDIT'
	                THEN COALESCE(e.original_amount, e.amount)
	                ELSE -COALESCE(e.original_amount, e.amount) END) <> 0`

// checkDoubleEntry flags transactions whose entries do not net to zero.
func (r *Reconciler) checkDoubleEntry(ctx context.Context, since time.Time) (*StepResult, error) {
	return r.collect(ctx, doubleEntrySQL, since)
}

// checkDuplicateEntries flags repeated (transaction, account, direction)
// rows among non-hot entries.
func (r *Reconciler) checkDuplicateEntries(ctx context.Context, since time.Time) (*StepResult, error) {
	return r.collect(ctx, `
		SELECT transaction_id::text || '/' || account_id::text || '/' || entry_type
		FROM entry_record
		WHERE NOT is_hot AND created_at > $1
		GROUP BY transaction_id, account_id, entry_type
		HAVING COUNT(*) > 1`, since)
}

// checkVersionMonotonicity flags gaps in per-account version numbering.
func (r *Reconciler) checkVersionMonotonicity(ctx context.Context, _ time.Time) (*StepResult, error) {
	return r.collect(ctx, `
		SELECT account_id::text || '@' || version::text
		FROM (
			SELECT account_id, version,
			       LAG(version) OVER (PARTITION BY account_id ORDER BY version) AS prev
			FROM account_balance_version
		) x
		WHERE prev IS NOT NULL AND version <> prev + 1`, time.Time{})
}

const balanceMismatchSQL = `
	SELECT a.id::text || ' balance=' || v.balance::text || ' entries=' || COALESCE(e.net, 0)::text
	FROM account_balance a
	JOIN LATERAL (
		SELECT balance FROM account_balance_version v
		WHERE v.account_id = a.id ORDER BY v.version DESC LIMIT 1
	) v ON true
	LEFT JOIN (
		SELECT account_id,
		       SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END) AS net
		FROM entry_record
		GROUP BY account_id
	) e ON e.account_id = a.id
	WHERE a.holder_type <> 'system'`

// checkBalancesTouched re-projects balances only for accounts touched
// since the watermark.
func (r *Reconciler) checkBalancesTouched(ctx context.Context, since time.Time) (*StepResult, error) {
	return r.collect(ctx, balanceMismatchSQL+`
		  AND a.id IN (SELECT DISTINCT account_id FROM entry_record WHERE created_at > $1)
		  AND v.balance <> COALESCE(e.net, 0)`, since)
}

// checkBalancesFull walks every account with keyset pagination.
func (r *Reconciler) checkBalancesFull(ctx context.Context, _ time.Time) (*StepResult, error) {
	start := time.Now()
	out := &StepResult{}
	lastID := uuid.Nil
	for {
		rows, err := r.db.QueryContext(ctx, balanceMismatchSQL+`
			  AND a.id > $1
			  AND v.balance <> COALESCE(e.net, 0)
			ORDER BY a.id ASC
			LIMIT 1000`, lastID)
		if err != nil {
			return nil, err
		}
		n := 0
		var lastDetail string
		for rows.Next() {
			if err := rows.Scan(&lastDetail); err != nil {
				rows.Close()
				return nil, err
			}
			out.Mismatches++
			if len(out.Samples) < maxReported {
				out.Samples = append(out.Samples, lastDetail)
			}
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if n < 1000 {
			break
		}
		// Keyset cursor: the account id prefixes the detail string.
		id, err := uuid.Parse(lastDetail[:36])
		if err != nil {
			break
		}
		lastID = id
	}
	out.TookMs = time.Since(start).Milliseconds()
	return out, nil
}

// checkSystemAccounts verifies that each system account's latest balance
// matches its settled entry net, tolerating staged hot rows.
func (r *Reconciler) checkSystemAccounts(ctx context.Context, _ time.Time) (*StepResult, error) {
	return r.collect(ctx, `
		SELECT a.id::text || ' balance=' || v.balance::text
		       || ' settled=' || COALESCE(e.net, 0)::text
		       || ' pending=' || COALESCE(h.net, 0)::text
		FROM account_balance a
		JOIN LATERAL (
			SELECT balance FROM account_balance_version v
			WHERE v.account_id = a.id ORDER BY v.version DESC LIMIT 1
		) v ON true
		LEFT JOIN (
			SELECT account_id,
			       SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END) AS net
			FROM entry_record GROUP BY account_id
		) e ON e.account_id = a.id
		LEFT JOIN (
			SELECT account_id,
			       SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END) AS net
			FROM hot_account_entry WHERE status = 'pending' GROUP BY account_id
		) h ON h.account_id = a.id
		WHERE a.holder_type = 'system'
		  AND v.balance <> COALESCE(e.net, 0)`, time.Time{})
}

// checkBlocks recomputes every block checkpoint sealed since the window.
func (r *Reconciler) checkBlocks(ctx context.Context, since time.Time) (*StepResult, error) {
	start := time.Now()
	results, err := chain.VerifyRecentBlocks(ctx, r.db, since)
	if err != nil {
		return nil, err
	}
	out := &StepResult{TookMs: time.Since(start).Milliseconds()}
	for _, b := range results {
		if !b.Valid {
			out.Mismatches++
			if len(out.Samples) < maxReported {
				out.Samples = append(out.Samples,
					fmt.Sprintf("block %d: %s", b.BlockSequence, b.Reason))
			}
		}
	}
	return out, nil
}

// collect runs a query whose rows are mismatch descriptions.
func (r *Reconciler) collect(ctx context.Context, query string, since time.Time) (*StepResult, error) {
	start := time.Now()
	out := &StepResult{}

	var args []any
	if !since.IsZero() || countPlaceholders(query) > 0 {
		args = append(args, since)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, err
		}
		out.Mismatches++
		if len(out.Samples) < maxReported {
			out.Samples = append(out.Samples, detail)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.TookMs = time.Since(start).Milliseconds()
	return out, nil
}

func countPlaceholders(query string) int {
	n := 0
	for i := 0; i+1 < len(query); i++ {
		if query[i] == '$' && query[i+1] == '1' {
			n++
		}
	}
	return n
}

type watermark struct {
	lastEntryAt time.Time
	runCount    int64
}

func (r *Reconciler) loadWatermark(ctx context.Context) (*watermark, error) {
	var wm watermark
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT last_entry_at, run_count FROM reconciliation_watermark WHERE id = 1`).
		Scan(&last, &wm.runCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &watermark{}, nil
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to load watermark", err)
	}
	if last.Valid {
		wm.lastEntryAt = last.Time
	}
	return &wm, nil
}

// advanceWatermark moves the cursor to the newest entry and bumps the
// run counter. Only called after a clean run.
func (r *Reconciler) advanceWatermark(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_watermark (id, last_entry_at, run_count, updated_at)
		VALUES (1, (SELECT MAX(created_at) FROM entry_record), 1, now())
		ON CONFLICT (id) DO UPDATE
			SET last_entry_at = EXCLUDED.last_entry_at,
			    run_count = reconciliation_watermark.run_count + 1,
			    updated_at = now()`)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to advance watermark", err)
	}
	return nil
}

func (r *Reconciler) persist(ctx context.Context, result *RunResult) error {
	details, err := json.Marshal(result.Steps)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to encode run details", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_result
			(id, run_type, status, total_mismatches, details, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		result.ID, result.RunType, result.Status, result.TotalMismatches,
		details, result.StartedAt, result.FinishedAt)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to persist run", err)
	}
	return nil
}

// Latest returns the most recent run of a type, or nil when none exist.
func (r *Reconciler) Latest(ctx context.Context, runType RunType) (*RunResult, error) {
	var result RunResult
	var details []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, run_type, status, total_mismatches, details, started_at, finished_at
		FROM reconciliation_result
		WHERE run_type = $1
		ORDER BY finished_at DESC
		LIMIT 1`, runType).
		Scan(&result.ID, &result.RunType, &result.Status, &result.TotalMismatches,
			&details, &result.StartedAt, &result.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to load run", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &result.Steps); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "corrupt run details", err)
		}
	}
	return &result, nil
}
