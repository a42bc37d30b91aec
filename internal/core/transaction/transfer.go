package transaction

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// TransferInput moves funds between two holder accounts.
type TransferInput struct {
	LedgerID            uuid.UUID
	SourceHolderID      string
	DestinationHolderID string
	Amount              int64
	Currency            string
	// DestinationCurrency and ExchangeRate enable a cross-currency
	// transfer: the destination leg posts round(amount × rate) in the
	// destination currency, recording the original amount on the entry.
	DestinationCurrency string
	ExchangeRate        *float64
	Reference           string
	Description         string
	Category            string
	AllowOverdraft      bool
	Metadata            map[string]any
	IdempotencyKey      string
	CorrelationID       string
}

// Transfer debits the source holder and credits the destination holder
// atomically.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (*Result, error) {
	if err := requirePositive(in.Amount); err != nil {
		return nil, err
	}
	if in.SourceHolderID == "" || in.DestinationHolderID == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "source and destination holders are required")
	}
	if in.SourceHolderID == in.DestinationHolderID {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "cannot transfer to the same holder")
	}
	if in.Reference == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "reference is required")
	}
	if in.Currency == "" {
		in.Currency = s.accounts.Options().DefaultCurrency
	}

	destCurrency := in.DestinationCurrency
	if destCurrency == "" {
		destCurrency = in.Currency
	}
	var conv *fx
	destAmount := in.Amount
	if destCurrency != in.Currency {
		if in.ExchangeRate == nil || *in.ExchangeRate <= 0 {
			return nil, ledger.NewError(ledger.CodeCurrencyMismatch,
				"exchangeRate is required for cross-currency transfers")
		}
		destAmount = int64(math.Round(float64(in.Amount) * *in.ExchangeRate))
		if destAmount <= 0 {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				"converted amount rounds to zero")
		}
		conv = &fx{
			originalAmount:   in.Amount,
			originalCurrency: in.Currency,
			exchangeRate:     *in.ExchangeRate,
		}
	}

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		states, err := s.lockParties(ctx, tx, in.LedgerID, []party{
			{holder: in.SourceHolderID, currency: in.Currency},
			{holder: in.DestinationHolderID, currency: destCurrency},
		})
		if err != nil {
			return nil, err
		}
		src, dst := states[in.SourceHolderID], states[in.DestinationHolderID]
		if err := requireActive(src); err != nil {
			return nil, err
		}
		if err := requireActive(dst); err != nil {
			return nil, err
		}
		if err := requireCurrency(src, in.Currency); err != nil {
			return nil, err
		}
		if err := requireCurrency(dst, destCurrency); err != nil {
			return nil, err
		}
		if err := overdraftGate(src, in.Amount, in.AllowOverdraft); err != nil {
			return nil, err
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      in.LedgerID,
			Type:          ledger.TypeTransfer,
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
		debit, err := s.applyLeg(ctx, tx, src, rec.ID, ledger.EntryDebit, in.Amount, ledger.ChangeDebit, nil)
		if err != nil {
			return nil, err
		}
		credit, err := s.applyLeg(ctx, tx, dst, rec.ID, ledger.EntryCredit, destAmount, ledger.ChangeCredit, conv)
		if err != nil {
			return nil, err
		}
		for _, e := range []*ledger.Entry{debit, credit} {
			if e != nil {
				result.Entries = append(result.Entries, *e)
			}
		}

		if err := s.emit(ctx, tx, "ledger-transaction-posted", "transaction.transfer.posted", rec); err != nil {
			return nil, err
		}
		return result, nil
	})
}

// Destination is one fan-out leg of a multi-transfer.
type Destination struct {
	HolderID string `json:"holderId"`
	Amount   int64  `json:"amount"`
}

// MultiTransferInput fans funds out from one source to many holders
// atomically.
type MultiTransferInput struct {
	LedgerID       uuid.UUID
	SourceHolderID string
	Destinations   []Destination
	Currency       string
	Reference      string
	Description    string
	Category       string
	AllowOverdraft bool
	Metadata       map[string]any
	IdempotencyKey string
	CorrelationID  string
}

// MultiTransfer debits the source by the sum of all destination amounts
// and credits each destination individually; all legs post or none do.
func (s *Service) MultiTransfer(ctx context.Context, in MultiTransferInput) (*Result, error) {
	if in.SourceHolderID == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "source holder is required")
	}
	if len(in.Destinations) == 0 {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "at least one destination is required")
	}
	if in.Reference == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "reference is required")
	}
	if in.Currency == "" {
		in.Currency = s.accounts.Options().DefaultCurrency
	}

	var total int64
	holders := []string{in.SourceHolderID}
	for i, d := range in.Destinations {
		if err := requirePositive(d.Amount); err != nil {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				fmt.Sprintf("destination %d: amount must be a positive integer", i))
		}
		if d.HolderID == "" {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				fmt.Sprintf("destination %d: holderId is required", i))
		}
		if d.HolderID == in.SourceHolderID {
			return nil, ledger.NewError(ledger.CodeInvalidArgument,
				fmt.Sprintf("destination %d: cannot transfer to the source", i))
		}
		total += d.Amount
		holders = append(holders, d.HolderID)
	}

	return s.run(ctx, in.LedgerID, in.IdempotencyKey, func(tx *sqldb.Tx) (*Result, error) {
		states, err := s.lockOrdered(ctx, tx, in.LedgerID, in.Currency, holders)
		if err != nil {
			return nil, err
		}
		src := states[in.SourceHolderID]
		if err := requireActive(src); err != nil {
			return nil, err
		}
		if err := requireCurrency(src, in.Currency); err != nil {
			return nil, err
		}
		for _, d := range in.Destinations {
			dst := states[d.HolderID]
			if err := requireActive(dst); err != nil {
				return nil, err
			}
			if err := requireCurrency(dst, in.Currency); err != nil {
				return nil, err
			}
		}
		if err := overdraftGate(src, total, in.AllowOverdraft); err != nil {
			return nil, err
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      in.LedgerID,
			Type:          ledger.TypeTransfer,
			Reference:     in.Reference,
			Amount:        total,
			Currency:      in.Currency,
			Description:   in.Description,
			Category:      in.Category,
			CorrelationID: in.CorrelationID,
			SourceID:      &src.Account.ID,
			Metadata:      in.Metadata,
		}, ledger.StatusPosted)
		if err != nil {
			return nil, err
		}

		result := &Result{Transaction: *rec}
		debit, err := s.applyLeg(ctx, tx, src, rec.ID, ledger.EntryDebit, total, ledger.ChangeDebit, nil)
		if err != nil {
			return nil, err
		}
		if debit != nil {
			result.Entries = append(result.Entries, *debit)
		}
		for _, d := range in.Destinations {
			credit, err := s.applyLeg(ctx, tx, states[d.HolderID], rec.ID, ledger.EntryCredit, d.Amount, ledger.ChangeCredit, nil)
			if err != nil {
				return nil, err
			}
			if credit != nil {
				result.Entries = append(result.Entries, *credit)
			}
		}

		if err := s.emit(ctx, tx, "ledger-transaction-posted", "transaction.transfer.posted", rec); err != nil {
			return nil, err
		}
		return result, nil
	})
}

// Sweep returns an account.SweepFunc that moves a closing account's
// remaining balance inside the caller's transaction, reusing the
// transfer legs without opening a new one.
func (s *Service) Sweep() func(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, sourceHolderID, destHolderID, currency string, amount int64) error {
	return func(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, sourceHolderID, destHolderID, currency string, amount int64) error {
		states, err := s.lockOrdered(ctx, tx, ledgerID, currency, []string{sourceHolderID, destHolderID})
		if err != nil {
			return err
		}
		src, dst := states[sourceHolderID], states[destHolderID]
		if err := requireCurrency(dst, currency); err != nil {
			return err
		}
		if dst.Version.Status == ledger.AccountClosed {
			return ledger.NewError(ledger.CodeAccountClosed, "sweep destination is closed")
		}

		rec, err := s.insertHeader(ctx, tx, header{
			LedgerID:      ledgerID,
			Type:          ledger.TypeTransfer,
			Reference:     "close-sweep-" + uuid.NewString(),
			Amount:        amount,
			Currency:      currency,
			Description:   "balance sweep on account close",
			Category:      "sweep",
			SourceID:      &src.Account.ID,
			DestinationID: &dst.Account.ID,
		}, ledger.StatusPosted)
		if err != nil {
			return err
		}
		if _, err := s.applyLeg(ctx, tx, src, rec.ID, ledger.EntryDebit, amount, ledger.ChangeClose, nil); err != nil {
			return err
		}
		if _, err := s.applyLeg(ctx, tx, dst, rec.ID, ledger.EntryCredit, amount, ledger.ChangeCredit, nil); err != nil {
			return err
		}
		return s.emit(ctx, tx, "ledger-transaction-posted", "transaction.sweep.posted", rec)
	}
}
