package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// HoldInput reserves funds on a holder's account without moving them.
type HoldInput struct {
	LedgerID            uuid.UUID
	HolderID            string
	Amount              int64
	Currency            string
	Reference           string
	Description         string
	ExpiresInMinutes    int
	DestinationHolderID string
	Metadata            map[string]any
	IdempotencyKey      string
	CorrelationID       string
}

// Hold creates an inflight hold: pendingDebit rises on the source (and
// pendingCredit on the destination when one is named); the settled
// balance does not change and no entries are written until commit.
func (s *Service) Hold(ctx context.Context, in HoldInput) (*Result, error) {
	if err := requirePositive(in.Amount); err != nil {
		return nil, err
	}
	if in.HolderID == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "holderId is required")
	}
	if in.Reference == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "reference is required")
	}
	if in.Currency == "" {
		in.Currency = s.accounts.Options().DefaultCurrency
	}
	expiry := s.cfg.holdExpiry()
	if in.ExpiresInMinutes > 0 {
		expiry = time.Duration(in.ExpiresInMinutes) * time.Minute
	}
	expiresAt := time.Now().UTC().Add(expiry)

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		holders := []string{in.HolderID}
		if in.DestinationHolderID != "" {
			holders = append(holders, in.DestinationHolderID)
		}
		states, err := s.lockOrdered(ctx, tx, in.LedgerID, in.Currency, holders)
		if err != nil {
			return nil, err
		}
		src := states[in.HolderID]
		if err := requireActive(src); err != nil {
			return nil, err
		}
		if err := requireCurrency(src, in.Currency); err != nil {
			return nil, err
		}
		if err := overdraftGate(src, in.Amount, false); err != nil {
			return nil, err
		}

		var destID *uuid.UUID
		if in.DestinationHolderID != "" {
			dst := states[in.DestinationHolderID]
			if err := requireActive(dst); err != nil {
				return nil, err
			}
			destID = &dst.Account.ID
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      in.LedgerID,
			Type:          ledger.TypeDebit,
			Reference:     in.Reference,
			Amount:        in.Amount,
			Currency:      in.Currency,
			Description:   in.Description,
			CorrelationID: in.CorrelationID,
			SourceID:      &src.Account.ID,
			DestinationID: destID,
			IsHold:        true,
			HoldExpiresAt: &expiresAt,
			Metadata:      in.Metadata,
		}, ledger.StatusInflight)
		if err != nil {
			return nil, err
		}

		if err := s.bumpPending(ctx, tx, src, in.Amount, 0, ledger.ChangeHold); err != nil {
			return nil, err
		}
		if in.DestinationHolderID != "" {
			if err := s.bumpPending(ctx, tx, states[in.DestinationHolderID], 0, in.Amount, ledger.ChangeHold); err != nil {
				return nil, err
			}
		}

		if err := s.emit(ctx, tx, "ledger-transaction-hold", "transaction.hold.created", rec); err != nil {
			return nil, err
		}
		return &Result{Transaction: *rec}, nil
	})
}

// CommitInput settles a hold, fully or for a smaller amount.
type CommitInput struct {
	LedgerID       uuid.UUID
	HoldID         uuid.UUID
	Amount         *int64
	IdempotencyKey string
	CorrelationID  string
}

// CommitHold posts a hold: pending counters release in full, the
// committed amount (defaulting to the held amount) moves as a normal
// double-entry pair, and the hold transitions to posted. When the hold
// named no destination the configured suspense account receives the
// funds.
func (s *Service) CommitHold(ctx context.Context, in CommitInput) (*Result, error) {
	if in.HoldID == uuid.Nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "holdId is required")
	}
	if in.Amount != nil {
		if err := requirePositive(*in.Amount); err != nil {
			return nil, err
		}
	}

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		hold, err := s.getForUpdate(ctx, tx, in.LedgerID, in.HoldID)
		if err != nil {
			return nil, err
		}
		if !hold.IsHold {
			return nil, ledger.NewError(ledger.CodeInvalidArgument, "transaction is not a hold")
		}
		if hold.Status != ledger.StatusInflight {
			return nil, ledger.NewError(ledger.CodeConflict,
				fmt.Sprintf("hold in status %s cannot be committed", hold.Status))
		}

		amount := hold.Amount
		if in.Amount != nil {
			amount = *in.Amount
		}
		if amount > hold.Amount {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				fmt.Sprintf("commit amount %d exceeds held amount %d", amount, hold.Amount))
		}

		destID := hold.DestinationAccountID
		if destID == nil {
			suspense := s.accounts.Options().SystemAccounts.Suspense
			if suspense == "" {
				return nil, ledger.NewError(ledger.CodeInvalidArgument,
					"hold has no destination and no suspense account is configured")
			}
			// Unlocked lookup: the lock is taken below, in id order with
			// the source, so commits cannot deadlock against transfers
			// touching the suspense account.
			st, err := s.accounts.FindTx(ctx, tx, in.LedgerID, suspense, hold.Currency)
			if err != nil {
				return nil, err
			}
			destID = &st.Account.ID
		}

		states, err := s.lockByID(ctx, tx, *hold.SourceAccountID, *destID)
		if err != nil {
			return nil, err
		}
		src, dst := states[*hold.SourceAccountID], states[*destID]

		// Release the reservation in full, then move the committed
		// amount through normal entry legs.
		if err := s.bumpPending(ctx, tx, src, -hold.Amount, 0, ledger.ChangeCommit); err != nil {
			return nil, err
		}
		if hold.DestinationAccountID != nil {
			if err := s.bumpPending(ctx, tx, dst, 0, -hold.Amount, ledger.ChangeCommit); err != nil {
				return nil, err
			}
		}

		result := &Result{}
		debit, err := s.applyLeg(ctx, tx, src, hold.ID, ledger.EntryDebit, amount, ledger.ChangeCommit, nil)
		if err != nil {
			return nil, err
		}
		credit, err := s.applyLeg(ctx, tx, dst, hold.ID, ledger.EntryCredit, amount, ledger.ChangeCommit, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range []*ledger.Entry{debit, credit} {
			if e != nil {
				result.Entries = append(result.Entries, *e)
			}
		}

		if err := s.appendStatus(ctx, tx, hold.ID, ledger.StatusPosted, "hold committed"); err != nil {
			return nil, err
		}
		hold.Status = ledger.StatusPosted
		result.Transaction = *hold

		if err := s.emit(ctx, tx, "ledger-transaction-posted", "transaction.hold.committed", hold); err != nil {
			return nil, err
		}
		return result, nil
	})
}

// VoidInput cancels a hold.
type VoidInput struct {
	LedgerID       uuid.UUID
	HoldID         uuid.UUID
	Reason         string
	IdempotencyKey string
	CorrelationID  string
}

// VoidHold cancels an inflight hold: pending counters clear, no entries
// are written and the hold transitions to voided.
func (s *Service) VoidHold(ctx context.Context, in VoidInput) (*Result, error) {
	if in.HoldID == uuid.Nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "holdId is required")
	}
	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		return s.releaseHold(ctx, tx, in.LedgerID, in.HoldID, ledger.StatusVoided, ledger.ChangeVoid, in.Reason)
	})
}

// ExpireHolds voids every inflight hold whose expiry has passed. Runs
// from the background worker; returns the number expired.
func (s *Service) ExpireHolds(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	var ids []uuid.UUID
	err := s.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT t.id
			FROM transaction_record t
			JOIN LATERAL (
				SELECT status FROM transaction_status s
				WHERE s.transaction_id = t.id
				ORDER BY s.created_at DESC
				LIMIT 1
			) s ON true
			WHERE t.is_hold AND t.hold_expires_at < now() AND s.status = 'inflight'
			ORDER BY t.hold_expires_at ASC
			LIMIT $1
			FOR UPDATE OF t SKIP LOCKED`, batchSize)
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to scan expired holds", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return ledger.WrapError(ledger.CodeInternal, "failed to scan hold id", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
			_, err := s.releaseHold(ctx, tx, uuid.Nil, id, ledger.StatusExpired, ledger.ChangeExpire, "hold expired")
			return err
		})
		if err != nil {
			// A racing commit or void is fine; anything else is logged
			// and the next tick retries.
			if ledger.IsCode(err, ledger.CodeConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// releaseHold is the shared void/expire path.
func (s *Service) releaseHold(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, holdID uuid.UUID, status ledger.TransactionStatus, change ledger.ChangeType, reason string) (*Result, error) {
	hold, err := s.getForUpdate(ctx, tx, ledgerID, holdID)
	if err != nil {
		return nil, err
	}
	if !hold.IsHold {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "transaction is not a hold")
	}
	if hold.Status != ledger.StatusInflight {
		return nil, ledger.NewError(ledger.CodeConflict,
			fmt.Sprintf("hold in status %s cannot be released", hold.Status))
	}

	ids := []uuid.UUID{*hold.SourceAccountID}
	if hold.DestinationAccountID != nil {
		ids = append(ids, *hold.DestinationAccountID)
	}
	states, err := s.lockByID(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}
	if err := s.bumpPending(ctx, tx, states[*hold.SourceAccountID], -hold.Amount, 0, change); err != nil {
		return nil, err
	}
	if hold.DestinationAccountID != nil {
		if err := s.bumpPending(ctx, tx, states[*hold.DestinationAccountID], 0, -hold.Amount, change); err != nil {
			return nil, err
		}
	}
	if err := s.appendStatus(ctx, tx, hold.ID, status, reason); err != nil {
		return nil, err
	}
	hold.Status = status
	if err := s.emit(ctx, tx, "ledger-transaction-hold", "transaction.hold."+string(status), hold); err != nil {
		return nil, err
	}
	return &Result{Transaction: *hold}, nil
}

// bumpPending appends a version row adjusting only the pending counters.
func (s *Service) bumpPending(ctx context.Context, tx *sqldb.Tx, st *ledger.AccountState, deltaDebit, deltaCredit int64, change ledger.ChangeType) error {
	next := ledger.AccountVersion{
		AccountID:     st.Account.ID,
		Version:       st.Version.Version + 1,
		Balance:       st.Version.Balance,
		CreditBalance: st.Version.CreditBalance,
		DebitBalance:  st.Version.DebitBalance,
		PendingCredit: st.Version.PendingCredit + deltaCredit,
		PendingDebit:  st.Version.PendingDebit + deltaDebit,
		Status:        st.Version.Status,
		ChangeType:    change,
	}
	if next.PendingCredit < 0 || next.PendingDebit < 0 {
		return ledger.NewError(ledger.CodeConflict,
			"pending counters out of sync on account "+st.Account.ID.String())
	}
	if err := s.accounts.AppendVersion(ctx, tx, &next); err != nil {
		return err
	}
	st.Version = next
	return nil
}
