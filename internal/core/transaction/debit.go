package transaction

import (
	"context"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// DebitInput withdraws from a holder's account into a system account.
type DebitInput struct {
	LedgerID                 uuid.UUID
	HolderID                 string
	Amount                   int64
	Currency                 string
	Reference                string
	Description              string
	Category                 string
	DestinationSystemAccount string
	AllowOverdraft           bool
	Metadata                 map[string]any
	IdempotencyKey           string
	CorrelationID            string
}

// Debit debits the holder and credits the system destination (the world
// account by default). AllowOverdraft lets this debit pass the overdraft
// gate even when the account itself does not allow it.
func (s *Service) Debit(ctx context.Context, in DebitInput) (*Result, error) {
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
	dest := in.DestinationSystemAccount
	if dest == "" {
		dest = s.accounts.Options().SystemAccounts.World
	}
	if dest == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "no destination system account configured")
	}

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		states, err := s.lockOrdered(ctx, tx, in.LedgerID, in.Currency, []string{in.HolderID, dest})
		if err != nil {
			return nil, err
		}
		src, dst := states[in.HolderID], states[dest]
		if !dst.Account.IsSystem() {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				dest+" is not a system account")
		}
		if err := requireActive(src); err != nil {
			return nil, err
		}
		if err := requireCurrency(src, in.Currency); err != nil {
			return nil, err
		}
		if err := overdraftGate(src, in.Amount, in.AllowOverdraft); err != nil {
			return nil, err
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      in.LedgerID,
			Type:          ledger.TypeDebit,
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
			entry, err := s.applyLeg(ctx, tx, leg.st, rec.ID, leg.entryType, in.Amount, ledger.ChangeDebit, nil)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				result.Entries = append(result.Entries, *entry)
			}
		}

		if err := s.emit(ctx, tx, "ledger-transaction-posted", "transaction.debit.posted", rec); err != nil {
			return nil, err
		}
		return result, nil
	})
}
