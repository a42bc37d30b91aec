package transaction

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// RefundInput reverses a posted transaction, fully or partially.
type RefundInput struct {
	LedgerID       uuid.UUID
	TransactionID  uuid.UUID
	Amount         *int64
	Reason         string
	Metadata       map[string]any
	IdempotencyKey string
	CorrelationID  string
}

// Refund creates an inverse transaction linked to the parent via
// parentId. The amount defaults to the unrefunded remainder; partial
// refunds accumulate, and the parent transitions to reversed once fully
// refunded.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*Result, error) {
	if in.TransactionID == uuid.Nil {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "transactionId is required")
	}
	if in.Reason == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "reason is required")
	}
	if in.Amount != nil {
		if err := requirePositive(*in.Amount); err != nil {
			return nil, err
		}
	}

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		parent, err := s.getForUpdate(ctx, tx, in.LedgerID, in.TransactionID)
		if err != nil {
			return nil, err
		}
		if parent.Status != ledger.StatusPosted && parent.Status != ledger.StatusReversed {
			return nil, ledger.NewError(ledger.CodeConflict,
				fmt.Sprintf("transaction in status %s cannot be refunded", parent.Status))
		}
		if parent.IsHold {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				"holds are voided, not refunded")
		}
		if parent.IsReversal {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				"a refund cannot be refunded")
		}
		if parent.SourceAccountID == nil || parent.DestinationAccountID == nil {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				"fan-out transfers cannot be refunded as a whole")
		}

		remaining := parent.Amount - parent.RefundedAmount
		amount := remaining
		if in.Amount != nil {
			amount = *in.Amount
		}
		if amount <= 0 || amount > remaining {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				fmt.Sprintf("refund amount %d exceeds unrefunded remainder %d", amount, remaining))
		}

		// Inverse legs: the original destination is debited back, the
		// original source credited.
		states, err := s.lockByID(ctx, tx, *parent.DestinationAccountID, *parent.SourceAccountID)
		if err != nil {
			return nil, err
		}
		from := states[*parent.DestinationAccountID]
		to := states[*parent.SourceAccountID]
		if err := requireActive(from); err != nil {
			return nil, err
		}
		if err := overdraftGate(from, amount, false); err != nil {
			return nil, err
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      in.LedgerID,
			Type:          parent.Type,
			Reference:     fmt.Sprintf("refund-%s-%d", parent.Reference, parent.RefundedAmount+amount),
			Amount:        amount,
			Currency:      parent.Currency,
			Description:   in.Reason,
			Category:      "refund",
			CorrelationID: in.CorrelationID,
			SourceID:      parent.DestinationAccountID,
			DestinationID: parent.SourceAccountID,
			ParentID:      &parent.ID,
			IsReversal:    true,
			Metadata:      in.Metadata,
		}, ledger.StatusPosted)
		if err != nil {
			return nil, err
		}

		result := &Result{Transaction: *rec}
		debit, err := s.applyLeg(ctx, tx, from, rec.ID, ledger.EntryDebit, amount, ledger.ChangeRefund, nil)
		if err != nil {
			return nil, err
		}
		credit, err := s.applyLeg(ctx, tx, to, rec.ID, ledger.EntryCredit, amount, ledger.ChangeRefund, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range []*ledger.Entry{debit, credit} {
			if e != nil {
				result.Entries = append(result.Entries, *e)
			}
		}

		if parent.RefundedAmount+amount == parent.Amount {
			if err := s.appendStatus(ctx, tx, parent.ID, ledger.StatusReversed, "fully refunded"); err != nil {
				return nil, err
			}
		}
		if err := s.emit(ctx, tx, "ledger-transaction-posted", "transaction.refund.posted", rec); err != nil {
			return nil, err
		}
		return result, nil
	})
}

// lockByID locks the given accounts in ascending id order, returning them
// keyed by id.
func (s *Service) lockByID(ctx context.Context, tx *sqldb.Tx, ids ...uuid.UUID) (map[uuid.UUID]*ledger.AccountState, error) {
	unique := make([]uuid.UUID, 0, len(ids))
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	for i := 0; i < len(unique); i++ {
		for j := i + 1; j < len(unique); j++ {
			if unique[j].String() < unique[i].String() {
				unique[i], unique[j] = unique[j], unique[i]
			}
		}
	}
	states := make(map[uuid.UUID]*ledger.AccountState, len(unique))
	for _, id := range unique {
		st, err := s.accounts.ResolveByIDForUpdate(ctx, tx, id, s.cfg.LockMode)
		if err != nil {
			return nil, err
		}
		states[id] = st
	}
	return states, nil
}
