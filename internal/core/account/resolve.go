package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// LockMode selects how mutating reads guard against concurrent writers.
type LockMode string

const (
	// LockWait blocks on the parent row lock until the holder commits.
	LockWait LockMode = "wait"
	// LockNoWait fails fast with CONFLICT when the row is locked.
	LockNoWait LockMode = "nowait"
	// LockOptimistic takes no lock; the unique (account_id, version)
	// constraint detects the conflict at insert time.
	LockOptimistic LockMode = "optimistic"
)

// ParseLockMode validates a configured lock mode string.
func ParseLockMode(s string) (LockMode, error) {
	switch LockMode(s) {
	case LockWait, LockNoWait, LockOptimistic:
		return LockMode(s), nil
	case "":
		return LockWait, nil
	}
	return "", ledger.NewError(ledger.CodeInvalidArgument, fmt.Sprintf("unknown lock mode %q", s))
}

func (m LockMode) lockClause() string {
	switch m {
	case LockNoWait:
		return " FOR UPDATE OF a NOWAIT"
	case LockOptimistic:
		return ""
	default:
		return " FOR UPDATE OF a"
	}
}

// Find reads the joined account state by holder key without locking.
func (m *Manager) Find(ctx context.Context, ledgerID uuid.UUID, holderID, currency string) (*ledger.AccountState, error) {
	st, err := findIn(ctx, m.db, ledgerID, holderID, currency)
	if err != nil {
		return nil, err
	}
	if err := m.sum.Verify(&st.Version); err != nil {
		return nil, err
	}
	return st, nil
}

// FindTx is Find inside the caller's transaction, still without taking a
// lock. Multi-account operations use it to learn an account id before
// acquiring every lock in id order.
func (m *Manager) FindTx(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, holderID, currency string) (*ledger.AccountState, error) {
	st, err := findIn(ctx, tx, ledgerID, holderID, currency)
	if err != nil {
		return nil, err
	}
	if err := m.sum.Verify(&st.Version); err != nil {
		return nil, err
	}
	return st, nil
}

// Get reads the joined account state by id without locking.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*ledger.AccountState, error) {
	st, err := fetchAccountByID(ctx, m.db, id)
	if err != nil {
		return nil, err
	}
	if err := m.sum.Verify(&st.Version); err != nil {
		return nil, err
	}
	return st, nil
}

func findIn(ctx context.Context, ex sqldb.Executor, ledgerID uuid.UUID, holderID, currency string) (*ledger.AccountState, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT `+joinedColumns+`
		FROM account_balance a
		JOIN LATERAL (
			SELECT * FROM account_balance_version v
			WHERE v.account_id = a.id
			ORDER BY v.version DESC
			LIMIT 1
		) v ON true
		WHERE a.ledger_id = $1 AND a.holder_id = $2 AND a.currency = $3`,
		ledgerID, holderID, currency)
	return scanState(row)
}

// ResolveForUpdate is the sole path by which a mutating operation sees an
// account: it locks per mode, joins the latest version (or serves it from
// the cached_* mirror on the fast path) and verifies the checksum.
func (m *Manager) ResolveForUpdate(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, holderID, currency string, mode LockMode) (*ledger.AccountState, error) {
	return m.resolve(ctx, tx, mode,
		"a.ledger_id = $1 AND a.holder_id = $2 AND a.currency = $3",
		ledgerID, holderID, currency)
}

// ResolveByIDForUpdate is ResolveForUpdate keyed by account id.
func (m *Manager) ResolveByIDForUpdate(ctx context.Context, tx *sqldb.Tx, accountID uuid.UUID, mode LockMode) (*ledger.AccountState, error) {
	return m.resolve(ctx, tx, mode, "a.id = $1", accountID)
}

func (m *Manager) resolve(ctx context.Context, tx *sqldb.Tx, mode LockMode, where string, args ...any) (*ledger.AccountState, error) {
	if mode == "" {
		mode = m.opts.LockMode
	}

	var st *ledger.AccountState
	var err error
	if m.opts.UseDenormalizedBalance {
		st, err = resolveCached(ctx, tx, mode, where, args...)
	} else {
		row := tx.QueryRowContext(ctx, `
			SELECT `+joinedColumns+`
			FROM account_balance a
			JOIN LATERAL (
				SELECT * FROM account_balance_version v
				WHERE v.account_id = a.id
				ORDER BY v.version DESC
				LIMIT 1
			) v ON true
			WHERE `+where+mode.lockClause(), args...)
		st, err = scanState(row)
	}
	if err != nil {
		if sqldb.IsLockNotAvailable(err) {
			return nil, ledger.WrapError(ledger.CodeConflict, "account is locked by another operation", err)
		}
		return nil, err
	}
	if err := m.sum.Verify(&st.Version); err != nil {
		return nil, err
	}
	return st, nil
}

// resolveCached serves the version snapshot from the parent's cached_*
// mirror, skipping the lateral join. Accounts written before the mirror
// was enabled have NULL cached_version and fall back to the join.
func resolveCached(ctx context.Context, tx *sqldb.Tx, mode LockMode, where string, args ...any) (*ledger.AccountState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT a.id, a.ledger_id, a.holder_id, a.holder_type, a.currency,
		       a.allow_overdraft, a.overdraft_limit,
		       COALESCE(a.account_type, ''), COALESCE(a.account_code, ''),
		       a.parent_account_id, COALESCE(a.normal_balance, ''),
		       COALESCE(a.indicator, ''), a.metadata, a.created_at,
		       a.cached_version, a.cached_balance,
		       a.cached_credit_balance, a.cached_debit_balance,
		       a.cached_pending_credit, a.cached_pending_debit,
		       a.cached_status, COALESCE(a.cached_checksum, '')
		FROM account_balance a
		WHERE `+where+mode.lockClause(), args...)

	var st ledger.AccountState
	var metadata []byte
	var version, balance, credit, debit, pendingCredit, pendingDebit sql.NullInt64
	var status sql.NullString
	err := row.Scan(
		&st.Account.ID, &st.Account.LedgerID, &st.Account.HolderID,
		&st.Account.HolderType, &st.Account.Currency,
		&st.Account.AllowOverdraft, &st.Account.OverdraftLimit,
		&st.Account.AccountType, &st.Account.AccountCode,
		&st.Account.ParentAccountID, &st.Account.NormalBalance,
		&st.Account.Indicator, &metadata, &st.Account.CreatedAt,
		&version, &balance, &credit, &debit,
		&pendingCredit, &pendingDebit, &status, &st.Version.Checksum,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.NewError(ledger.CodeNotFound, "account not found")
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to scan account row", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Account.Metadata); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "corrupt account metadata", err)
		}
	}
	if !version.Valid {
		// Mirror not yet populated for this account.
		full, err := fetchAccountByID(ctx, tx, st.Account.ID)
		if err != nil {
			return nil, err
		}
		return full, nil
	}

	st.Version = ledger.AccountVersion{
		AccountID:     st.Account.ID,
		Version:       version.Int64,
		Balance:       balance.Int64,
		CreditBalance: credit.Int64,
		DebitBalance:  debit.Int64,
		PendingCredit: pendingCredit.Int64,
		PendingDebit:  pendingDebit.Int64,
		Status:        ledger.AccountStatus(status.String),
		Checksum:      st.Version.Checksum,
	}
	return &st, nil
}
