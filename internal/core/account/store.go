package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// joinedColumns is the select list of the parent + latest-version join.
// scanState must stay in sync with it.
const joinedColumns = `
	a.id, a.ledger_id, a.holder_id, a.holder_type, a.currency,
	a.allow_overdraft, a.overdraft_limit,
	COALESCE(a.account_type, ''), COALESCE(a.account_code, ''),
	a.parent_account_id, COALESCE(a.normal_balance, ''),
	COALESCE(a.indicator, ''), a.metadata, a.created_at,
	v.version, v.balance, v.credit_balance, v.debit_balance,
	v.pending_credit, v.pending_debit, v.status,
	COALESCE(v.checksum, ''), COALESCE(v.freeze_reason, ''),
	COALESCE(v.frozen_by, ''), v.frozen_at,
	COALESCE(v.close_reason, ''), COALESCE(v.closed_by, ''), v.closed_at,
	v.change_type, v.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*ledger.AccountState, error) {
	var st ledger.AccountState
	var metadata []byte
	err := row.Scan(
		&st.Account.ID, &st.Account.LedgerID, &st.Account.HolderID,
		&st.Account.HolderType, &st.Account.Currency,
		&st.Account.AllowOverdraft, &st.Account.OverdraftLimit,
		&st.Account.AccountType, &st.Account.AccountCode,
		&st.Account.ParentAccountID, &st.Account.NormalBalance,
		&st.Account.Indicator, &metadata, &st.Account.CreatedAt,
		&st.Version.Version, &st.Version.Balance,
		&st.Version.CreditBalance, &st.Version.DebitBalance,
		&st.Version.PendingCredit, &st.Version.PendingDebit,
		&st.Version.Status, &st.Version.Checksum,
		&st.Version.FreezeReason, &st.Version.FrozenBy, &st.Version.FrozenAt,
		&st.Version.CloseReason, &st.Version.ClosedBy, &st.Version.ClosedAt,
		&st.Version.ChangeType, &st.Version.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.NewError(ledger.CodeNotFound, "account not found")
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to scan account row", err)
	}
	st.Version.AccountID = st.Account.ID
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Account.Metadata); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "corrupt account metadata", err)
		}
	}
	return &st, nil
}

// insertVersion signs and persists one version row. A duplicate
// (account_id, version) means another writer won the race and surfaces
// as CONFLICT for the caller to retry.
func (m *Manager) insertVersion(ctx context.Context, ex sqldb.Executor, v *ledger.AccountVersion) error {
	v.Checksum = m.sum.Compute(v)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO account_balance_version
			(account_id, version, balance, credit_balance, debit_balance,
			 pending_credit, pending_debit, status, checksum,
			 freeze_reason, frozen_by, frozen_at,
			 close_reason, closed_by, closed_at, change_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''),
		        NULLIF($10, ''), NULLIF($11, ''), $12,
		        NULLIF($13, ''), NULLIF($14, ''), $15, $16)`,
		v.AccountID, v.Version, v.Balance, v.CreditBalance, v.DebitBalance,
		v.PendingCredit, v.PendingDebit, v.Status, v.Checksum,
		v.FreezeReason, v.FrozenBy, v.FrozenAt,
		v.CloseReason, v.ClosedBy, v.ClosedAt, v.ChangeType)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return ledger.WrapError(ledger.CodeConflict,
				"concurrent balance update on account "+v.AccountID.String(), err)
		}
		return ledger.WrapError(ledger.CodeInternal, "failed to insert balance version", err)
	}
	return nil
}

// updateCached mirrors the version row onto the parent's cached_*
// columns. Only called when the denormalized fast path is enabled.
func (m *Manager) updateCached(ctx context.Context, ex sqldb.Executor, v *ledger.AccountVersion) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE account_balance SET
			cached_version = $2, cached_balance = $3,
			cached_credit_balance = $4, cached_debit_balance = $5,
			cached_pending_credit = $6, cached_pending_debit = $7,
			cached_status = $8, cached_checksum = NULLIF($9, '')
		WHERE id = $1`,
		v.AccountID, v.Version, v.Balance, v.CreditBalance, v.DebitBalance,
		v.PendingCredit, v.PendingDebit, v.Status, v.Checksum)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to refresh cached balance", err)
	}
	return nil
}

// AppendVersion persists the next version row for an account, updating
// the denormalized mirror when that path is enabled. The transaction
// pipeline calls this once per leg.
func (m *Manager) AppendVersion(ctx context.Context, tx *sqldb.Tx, v *ledger.AccountVersion) error {
	if err := m.insertVersion(ctx, tx, v); err != nil {
		return err
	}
	if m.opts.UseDenormalizedBalance {
		return m.updateCached(ctx, tx, v)
	}
	return nil
}

func fetchAccountByID(ctx context.Context, ex sqldb.Executor, id uuid.UUID) (*ledger.AccountState, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT `+joinedColumns+`
		FROM account_balance a
		JOIN LATERAL (
			SELECT * FROM account_balance_version v
			WHERE v.account_id = a.id
			ORDER BY v.version DESC
			LIMIT 1
		) v ON true
		WHERE a.id = $1`, id)
	return scanState(row)
}
