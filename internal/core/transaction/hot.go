package transaction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// stageHot parks a hot-account leg in hot_account_entry instead of
// bumping the version. The coalescer settles staged rows into real
// entries with a single version bump, which is what lets accounts like
// the world absorb every external credit without serializing traffic.
func (s *Service) stageHot(ctx context.Context, tx *sqldb.Tx, accountID, txID uuid.UUID, entryType ledger.EntryType, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO hot_account_entry (id, account_id, transaction_id, entry_type, amount, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`,
		uuid.New(), accountID, txID, entryType, amount)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to stage hot entry", err)
	}
	return nil
}

// CoalesceHotEntries settles pending hot-account rows: per account it
// locks the parent, drains up to batchSize staged rows, writes one
// entry_record per row against a single new version, and marks the rows
// settled. Returns the number of rows settled across all accounts.
func (s *Service) CoalesceHotEntries(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var accountIDs []uuid.UUID
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT account_id FROM hot_account_entry WHERE status = 'pending'`)
	if err != nil {
		return 0, ledger.WrapError(ledger.CodeInternal, "failed to find hot accounts", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, ledger.WrapError(ledger.CodeInternal, "failed to scan hot account id", err)
		}
		accountIDs = append(accountIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, ledger.WrapError(ledger.CodeInternal, "error iterating hot accounts", err)
	}

	settled := 0
	for _, accountID := range accountIDs {
		n, err := s.coalesceAccount(ctx, accountID, batchSize)
		if err != nil {
			s.log.Error("hot account coalesce failed",
				zap.String("account", accountID.String()), zap.Error(err))
			continue
		}
		settled += n
	}
	return settled, nil
}

type stagedEntry struct {
	id        uuid.UUID
	txID      uuid.UUID
	entryType ledger.EntryType
	amount    int64
}

func (s *Service) coalesceAccount(ctx context.Context, accountID uuid.UUID, batchSize int) (int, error) {
	var settled int
	err := s.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		st, err := s.accounts.ResolveByIDForUpdate(ctx, tx, accountID, account.LockWait)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, transaction_id, entry_type, amount
			FROM hot_account_entry
			WHERE account_id = $1 AND status = 'pending'
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, accountID, batchSize)
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to read staged entries", err)
		}
		var staged []stagedEntry
		for rows.Next() {
			var e stagedEntry
			if err := rows.Scan(&e.id, &e.txID, &e.entryType, &e.amount); err != nil {
				rows.Close()
				return ledger.WrapError(ledger.CodeInternal, "failed to scan staged entry", err)
			}
			staged = append(staged, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "error iterating staged entries", err)
		}
		if len(staged) == 0 {
			return nil
		}

		// One version bump absorbs the whole batch; each staged row still
		// becomes its own entry so the double-entry record stays exact.
		next := ledger.AccountVersion{
			AccountID:     st.Account.ID,
			Version:       st.Version.Version + 1,
			Balance:       st.Version.Balance,
			CreditBalance: st.Version.CreditBalance,
			DebitBalance:  st.Version.DebitBalance,
			PendingCredit: st.Version.PendingCredit,
			PendingDebit:  st.Version.PendingDebit,
			Status:        st.Version.Status,
			ChangeType:    ledger.ChangeCredit,
		}

		running := st.Version.Balance
		for _, e := range staged {
			before := running
			if e.entryType == ledger.EntryCredit {
				running += e.amount
				next.CreditBalance += e.amount
			} else {
				running -= e.amount
				next.DebitBalance += e.amount
			}
			_, err := s.insertEntry(ctx, tx, entryRow{
				transactionID:  e.txID,
				accountID:      accountID,
				entryType:      e.entryType,
				amount:         e.amount,
				balanceBefore:  before,
				balanceAfter:   running,
				accountVersion: next.Version,
				isHot:          true,
			})
			if err != nil {
				return err
			}
		}
		next.Balance = running

		if err := s.accounts.AppendVersion(ctx, tx, &next); err != nil {
			return err
		}
		// One summary event per batch keeps the account chain covering hot
		// balance history without reintroducing per-entry contention.
		if _, err := chain.AppendEvent(ctx, tx, chain.AppendInput{
			AggregateType: chain.AggregateAccount,
			AggregateID:   accountID.String(),
			EventType:     "account.coalesced",
			EventData: map[string]any{
				"accountId":    accountID.String(),
				"entryCount":   len(staged),
				"balanceAfter": running,
				"version":      next.Version,
			},
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, e := range staged {
			if _, err := tx.ExecContext(ctx, `
				UPDATE hot_account_entry SET status = 'settled', settled_at = $2
				WHERE id = $1`, e.id, now); err != nil {
				return ledger.WrapError(ledger.CodeInternal, "failed to settle staged entry", err)
			}
		}
		settled = len(staged)
		return nil
	})
	return settled, err
}
