package account

import (
	"context"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/events"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// LifecycleInput identifies the account and carries the audit fields of a
// freeze/unfreeze/close request.
type LifecycleInput struct {
	LedgerID      uuid.UUID
	HolderID      string
	Currency      string
	Reason        string
	Actor         string
	CorrelationID string

	// TransferToHolderID receives the remaining balance on close. Only
	// consulted when the closing account holds funds.
	TransferToHolderID string
}

func (in *LifecycleInput) normalize(defaultCurrency string) error {
	if in.LedgerID == uuid.Nil {
		return ledger.NewError(ledger.CodeInvalidArgument, "ledgerId is required")
	}
	if in.HolderID == "" {
		return ledger.NewError(ledger.CodeInvalidArgument, "holderId is required")
	}
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}
	return nil
}

// Freeze transitions the account to frozen. Freezing a frozen account is
// a no-op returning the current state; a closed account cannot be frozen.
func (m *Manager) Freeze(ctx context.Context, in LifecycleInput) (*ledger.AccountState, error) {
	if err := in.normalize(m.opts.currency()); err != nil {
		return nil, err
	}
	var out *ledger.AccountState
	err := m.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		st, err := m.ResolveForUpdate(ctx, tx, in.LedgerID, in.HolderID, in.Currency, LockWait)
		if err != nil {
			return err
		}
		switch st.Version.Status {
		case ledger.AccountFrozen:
			out = st
			return nil
		case ledger.AccountClosed:
			return ledger.NewError(ledger.CodeAccountClosed, "cannot freeze a closed account")
		}

		next := nextVersion(st, ledger.ChangeFreeze)
		next.Status = ledger.AccountFrozen
		next.FreezeReason = in.Reason
		next.FrozenBy = in.Actor
		next.FrozenAt = touchTime()
		if err := m.AppendVersion(ctx, tx, next); err != nil {
			return err
		}
		if err := m.emitLifecycle(ctx, tx, st, "account.frozen", in); err != nil {
			return err
		}
		out = refreshed(st, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unfreeze transitions a frozen account back to active. Unfreezing an
// active account is a no-op.
func (m *Manager) Unfreeze(ctx context.Context, in LifecycleInput) (*ledger.AccountState, error) {
	if err := in.normalize(m.opts.currency()); err != nil {
		return nil, err
	}
	var out *ledger.AccountState
	err := m.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		st, err := m.ResolveForUpdate(ctx, tx, in.LedgerID, in.HolderID, in.Currency, LockWait)
		if err != nil {
			return err
		}
		switch st.Version.Status {
		case ledger.AccountActive:
			out = st
			return nil
		case ledger.AccountClosed:
			return ledger.NewError(ledger.CodeAccountClosed, "cannot unfreeze a closed account")
		}

		next := nextVersion(st, ledger.ChangeUnfreeze)
		next.Status = ledger.AccountActive
		if err := m.AppendVersion(ctx, tx, next); err != nil {
			return err
		}
		if err := m.emitLifecycle(ctx, tx, st, "account.unfrozen", in); err != nil {
			return err
		}
		out = refreshed(st, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close terminally closes the account. A positive balance must be swept
// to TransferToHolderID (same currency) in the same transaction before
// the close version is appended. Closing a closed account is a no-op.
func (m *Manager) Close(ctx context.Context, in LifecycleInput) (*ledger.AccountState, error) {
	if err := in.normalize(m.opts.currency()); err != nil {
		return nil, err
	}
	var out *ledger.AccountState
	err := m.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		st, err := m.ResolveForUpdate(ctx, tx, in.LedgerID, in.HolderID, in.Currency, LockWait)
		if err != nil {
			return err
		}
		if st.Version.Status == ledger.AccountClosed {
			out = st
			return nil
		}
		if st.Version.PendingDebit != 0 || st.Version.PendingCredit != 0 {
			return ledger.NewError(ledger.CodeConflict, "account has pending holds")
		}

		if st.Version.Balance > 0 {
			if in.TransferToHolderID == "" {
				return ledger.NewError(ledger.CodeInvalidArgument,
					"transferToHolderId is required to close an account holding funds")
			}
			if m.sweep == nil {
				return ledger.NewError(ledger.CodeInternal, "sweep transfers are not configured")
			}
			err := m.sweep(ctx, tx, in.LedgerID, in.HolderID, in.TransferToHolderID,
				in.Currency, st.Version.Balance)
			if err != nil {
				return err
			}
			// The sweep appended versions; re-read to chain the close
			// version after them.
			st, err = m.ResolveForUpdate(ctx, tx, in.LedgerID, in.HolderID, in.Currency, LockWait)
			if err != nil {
				return err
			}
		}

		next := nextVersion(st, ledger.ChangeClose)
		next.Status = ledger.AccountClosed
		next.CloseReason = in.Reason
		next.ClosedBy = in.Actor
		next.ClosedAt = touchTime()
		if err := m.AppendVersion(ctx, tx, next); err != nil {
			return err
		}
		if err := m.emitLifecycle(ctx, tx, st, "account.closed", in); err != nil {
			return err
		}
		out = refreshed(st, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// nextVersion copies the balance numbers of the current state into a new
// version row template.
func nextVersion(st *ledger.AccountState, change ledger.ChangeType) *ledger.AccountVersion {
	return &ledger.AccountVersion{
		AccountID:     st.Account.ID,
		Version:       st.Version.Version + 1,
		Balance:       st.Version.Balance,
		CreditBalance: st.Version.CreditBalance,
		DebitBalance:  st.Version.DebitBalance,
		PendingCredit: st.Version.PendingCredit,
		PendingDebit:  st.Version.PendingDebit,
		Status:        st.Version.Status,
		ChangeType:    change,
	}
}

func refreshed(st *ledger.AccountState, v *ledger.AccountVersion) *ledger.AccountState {
	return &ledger.AccountState{Account: st.Account, Version: *v}
}

func (m *Manager) emitLifecycle(ctx context.Context, tx *sqldb.Tx, st *ledger.AccountState, eventType string, in LifecycleInput) error {
	_, err := events.Emit(ctx, tx, "ledger-account-lifecycle", chain.AppendInput{
		AggregateType: chain.AggregateAccount,
		AggregateID:   st.Account.ID.String(),
		EventType:     eventType,
		EventData: map[string]any{
			"accountId": st.Account.ID.String(),
			"ledgerId":  st.Account.LedgerID.String(),
			"holderId":  st.Account.HolderID,
			"reason":    in.Reason,
			"actor":     in.Actor,
		},
		CorrelationID: in.CorrelationID,
	})
	return err
}
