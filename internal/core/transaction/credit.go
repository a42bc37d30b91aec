package transaction

import (
	"context"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// CreditInput funds a holder's account from a system account.
type CreditInput struct {
	LedgerID            uuid.UUID
	HolderID            string
	Amount              int64
	Currency            string
	Reference           string
	Description         string
	Category            string
	SourceSystemAccount string
	Metadata            map[string]any
	IdempotencyKey      string
	CorrelationID       string
}

// Credit debits the system source (the world account by default) and
// credits the holder.
func (s *Service) Credit(ctx context.Context, in CreditInput) (*Result, error) {
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
	source := in.SourceSystemAccount
	if source == "" {
		source = s.accounts.Options().SystemAccounts.World
	}
	if source == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "no source system account configured")
	}

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		states, err := s.lockOrdered(ctx, tx, in.LedgerID, in.Currency, []string{source, in.HolderID})
		if err != nil {
			return nil, err
		}
		src, dst := states[source], states[in.HolderID]
		if !src.Account.IsSystem() {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				source+" is not a system account")
		}
		if err := requireActive(dst); err != nil {
			return nil, err
		}
		if err := requireCurrency(dst, in.Currency); err != nil {
			return nil, err
		}
		if err := overdraftGate(src, in.Amount, false); err != nil {
			return nil, err
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      in.LedgerID,
			Type:          ledger.TypeCredit,
			Reference:     in.Reference,
			Amount:        in.Amount,
			Currency:      in.Currency,
			Description:   in.Description,
			Category:      in.Category,
			CorrelationID: in.CorrelationID,
			SourceID:      &src.Account.ID,
			DestinationID: &dst.Account.ID,
			Metadata:      in.Metadata,
		}, ledger.StatusPosted)
		if err != nil {
			return nil, err
		}

		result := &Result{Transaction: *rec}
		legs := []struct {
			st        *ledger.AccountState
			entryType ledger.EntryType
		}{
			{src, ledger.EntryDebit},
			{dst, ledger.EntryCredit},
		}
		for _, leg := range legs {
			entry, err := s.applyLeg(ctx, tx, leg.st, rec.ID, leg.entryType, in.Amount, ledger.ChangeCredit, nil)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				result.Entries = append(result.Entries, *entry)
			}
		}

		if err := s.emit(ctx, tx, "ledger-transaction-posted", "transaction.credit.posted", rec); err != nil {
			return nil, err
		}
		return result, nil
	})
}
