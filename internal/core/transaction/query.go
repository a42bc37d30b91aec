package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// txColumns joins the immutable header with its latest status and the
// refunded total derived from posted reversal children.
const txColumns = `
	t.id, t.ledger_id, t.type, t.reference, t.amount, t.currency,
	COALESCE(t.description, ''), COALESCE(t.category, ''),
	COALESCE(t.correlation_id, ''), t.source_account_id,
	t.destination_account_id, t.is_hold, t.hold_expires_at, t.parent_id,
	t.is_reversal, t.effective_date, t.created_at, t.metadata,
	s.status,
	COALESCE((
		SELECT SUM(r.amount) FROM transaction_record r
		WHERE r.parent_id = t.id AND r.is_reversal
	), 0)`

const txJoin = `
	FROM transaction_record t
	JOIN LATERAL (
		SELECT status FROM transaction_status s
		WHERE s.transaction_id = t.id
		ORDER BY s.created_at DESC
		LIMIT 1
	) s ON true`

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var rec ledger.Transaction
	var metadata []byte
	err := row.Scan(
		&rec.ID, &rec.LedgerID, &rec.Type, &rec.Reference, &rec.Amount,
		&rec.Currency, &rec.Description, &rec.Category, &rec.CorrelationID,
		&rec.SourceAccountID, &rec.DestinationAccountID, &rec.IsHold,
		&rec.HoldExpiresAt, &rec.ParentID, &rec.IsReversal,
		&rec.EffectiveDate, &rec.CreatedAt, &metadata,
		&rec.Status, &rec.RefundedAmount,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "corrupt transaction metadata", err)
		}
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// getForUpdate loads the transaction with its parent row locked. A nil
// ledgerID skips the tenancy filter (background workers operate across
// ledgers).
func (s *Service) getForUpdate(ctx context.Context, tx *sqldb.Tx, ledgerID, id uuid.UUID) (*ledger.Transaction, error) {
	where := "t.id = $1"
	args := []any{id}
	if ledgerID != uuid.Nil {
		where += " AND t.ledger_id = $2"
		args = append(args, ledgerID)
	}
	rec, err := scanTransaction(tx.QueryRowContext(ctx,
		"SELECT "+txColumns+txJoin+" WHERE "+where+" FOR UPDATE OF t", args...))
	if err != nil {
		return nil, notFoundOr(err, "transaction not found")
	}
	return rec, nil
}

// Get loads one transaction with its derived status and refunded total.
func (s *Service) Get(ctx context.Context, ledgerID, id uuid.UUID) (*ledger.Transaction, error) {
	rec, err := scanTransaction(s.db.QueryRowContext(ctx,
		"SELECT "+txColumns+txJoin+" WHERE t.id = $1 AND t.ledger_id = $2", id, ledgerID))
	if err != nil {
		return nil, notFoundOr(err, "transaction not found")
	}
	return rec, nil
}

// GetByReference loads one transaction by its per-ledger reference.
func (s *Service) GetByReference(ctx context.Context, ledgerID uuid.UUID, reference string) (*ledger.Transaction, error) {
	rec, err := scanTransaction(s.db.QueryRowContext(ctx,
		"SELECT "+txColumns+txJoin+" WHERE t.ledger_id = $1 AND t.reference = $2", ledgerID, reference))
	if err != nil {
		return nil, notFoundOr(err, "transaction not found")
	}
	return rec, nil
}

// Entries returns the double-entry rows of one transaction in sequence
// order.
func (s *Service) Entries(ctx context.Context, txID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, entry_type, amount,
		       balance_before, balance_after, account_version,
		       sequence_number, COALESCE(hash, ''), COALESCE(prev_hash, ''),
		       original_amount, COALESCE(original_currency, ''),
		       exchange_rate, created_at
		FROM entry_record
		WHERE transaction_id = $1
		ORDER BY sequence_number ASC`, txID)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to list entries", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.EntryType,
			&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.AccountVersion,
			&e.SequenceNumber, &e.Hash, &e.PrevHash,
			&e.OriginalAmount, &e.OriginalCurrency, &e.ExchangeRate,
			&e.CreatedAt); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "failed to scan entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "error iterating entries", err)
	}
	return entries, nil
}

// ListActiveHolds returns inflight holds for a ledger, soonest expiry
// first.
func (s *Service) ListActiveHolds(ctx context.Context, ledgerID uuid.UUID, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+txColumns+txJoin+`
		WHERE t.ledger_id = $1 AND t.is_hold AND s.status = 'inflight'
		ORDER BY t.hold_expires_at ASC NULLS LAST
		LIMIT $2`, ledgerID, limit)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to list holds", err)
	}
	defer rows.Close()

	var holds []ledger.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "failed to scan hold", err)
		}
		holds = append(holds, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "error iterating holds", err)
	}
	return holds, nil
}

// ListInput pages a ledger's transactions, newest first.
type ListInput struct {
	LedgerID uuid.UUID
	HolderID string
	Limit    int
	Offset   int
}

// List pages through a ledger's transactions in reverse chronological
// order, optionally filtered to those touching one holder's account.
func (s *Service) List(ctx context.Context, in ListInput) ([]ledger.Transaction, error) {
	if in.LedgerID == uuid.Nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "ledgerId is required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	where := "t.ledger_id = $1"
	args := []any{in.LedgerID}
	if in.HolderID != "" {
		args = append(args, in.LedgerID, in.HolderID)
		where += ` AND (t.source_account_id IN (
				SELECT id FROM account_balance WHERE ledger_id = $2 AND holder_id = $3
			) OR t.destination_account_id IN (
				SELECT id FROM account_balance WHERE ledger_id = $2 AND holder_id = $3
			))`
	}
	args = append(args, limit, in.Offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+txColumns+txJoin+" WHERE "+where+`
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $`+strconv.Itoa(len(args)-1)+" OFFSET $"+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to list transactions", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "failed to scan transaction", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "error iterating transactions", err)
	}
	return out, nil
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.NewError(ledger.CodeNotFound, msg)
	}
	var le *ledger.Error
	if errors.As(err, &le) {
		return le
	}
	return ledger.WrapError(ledger.CodeInternal, "query failed", err)
}
