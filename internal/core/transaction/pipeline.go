// Package transaction implements the monetary pipeline: credit, debit,
// transfer, multi-transfer, refund and the hold/commit/void flow. Every
// operation runs the same transactional template: resolve and lock
// accounts in id order, validate, write the immutable header, apply
// double-entry legs as chained entry rows plus version bumps, then emit
// the event and outbox row before commit.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/events"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Config tunes pipeline behavior.
type Config struct {
	LockMode           account.LockMode
	IdempotencyTTL     time.Duration
	MaxConflictRetries int
	DefaultHoldExpiry  time.Duration
	// HotAccounts lists holder ids whose writes are staged and coalesced
	// by the background worker instead of bumping a version per entry.
	HotAccounts map[string]bool
}

func (c *Config) idempotencyTTL() time.Duration {
	if c.IdempotencyTTL > 0 {
		return c.IdempotencyTTL
	}
	return 24 * time.Hour
}

func (c *Config) retries() int {
	if c.MaxConflictRetries > 0 {
		return c.MaxConflictRetries
	}
	return 3
}

func (c *Config) holdExpiry() time.Duration {
	if c.DefaultHoldExpiry > 0 {
		return c.DefaultHoldExpiry
	}
	return 30 * time.Minute
}

// Service drives the pipeline.
type Service struct {
	db       *sqldb.DB
	accounts *account.Manager
	cfg      Config
	log      *zap.Logger
}

// NewService builds the pipeline service.
func NewService(db *sqldb.DB, accounts *account.Manager, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, accounts: accounts, cfg: cfg, log: log}
}

// Result is the response of a pipeline operation. It is what idempotency
// replays return verbatim.
type Result struct {
	Transaction ledger.Transaction `json:"transaction"`
	Entries     []ledger.Entry     `json:"entries,omitempty"`
}

// header carries the fields every operation writes into
// transaction_record.
type header struct {
	ID            uuid.UUID
	LedgerID      uuid.UUID
	Type          ledger.TransactionType
	Reference     string
	Amount        int64
	Currency      string
	Description   string
	Category      string
	CorrelationID string
	SourceID      *uuid.UUID
	DestinationID *uuid.UUID
	IsHold        bool
	HoldExpiresAt *time.Time
	ParentID      *uuid.UUID
	IsReversal    bool
	Metadata      map[string]any
}

// run executes fn under the transactional template, replaying the stored
// response on an idempotency hit and retrying optimistic-lock conflicts.
func (s *Service) run(ctx context.Context, ledgerID uuid.UUID, idempotencyKey string, fn func(*sqldb.Tx) (*Result, error)) (*Result, error) {
	var result *Result
	attempt := func() error {
		return s.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
			if idempotencyKey != "" {
				stored, err := lookupIdempotent(ctx, tx, ledgerID, idempotencyKey)
				if err != nil {
					return err
				}
				if stored != nil {
					result = stored
					return nil
				}
			}
			r, err := fn(tx)
			if err != nil {
				return err
			}
			if idempotencyKey != "" {
				if err := storeIdempotent(ctx, tx, ledgerID, idempotencyKey, r, s.cfg.idempotencyTTL()); err != nil {
					return err
				}
			}
			result = r
			return nil
		})
	}

	var err error
	for i := 0; i < s.cfg.retries(); i++ {
		err = attempt()
		if err == nil {
			return result, nil
		}
		if !shouldRetry(err) {
			return nil, err
		}
		s.log.Debug("retrying after conflict", zap.Int("attempt", i+1), zap.Error(err))
	}
	return nil, err
}

// shouldRetry reports whether a failed attempt is worth re-running.
// Conflicts are retryable under every lock mode, not just optimistic:
// concurrent chain appends and idempotency-key races surface as CONFLICT
// too, and the retry either replays the stored response or re-runs
// against fresh state.
func shouldRetry(err error) bool {
	return ledger.IsCode(err, ledger.CodeConflict)
}

// party identifies one account involved in an operation.
type party struct {
	holder   string
	currency string
}

// lockOrdered resolves every requested holder unlocked, then re-resolves
// with the configured lock in ascending account-id order so concurrent
// multi-account operations cannot deadlock. Returned states are keyed by
// holder id.
func (s *Service) lockOrdered(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, currency string, holders []string) (map[string]*ledger.AccountState, error) {
	parties := make([]party, len(holders))
	for i, h := range holders {
		parties[i] = party{holder: h, currency: currency}
	}
	return s.lockParties(ctx, tx, ledgerID, parties)
}

// lockParties is lockOrdered for accounts in differing currencies, which
// cross-currency transfers need.
func (s *Service) lockParties(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, parties []party) (map[string]*ledger.AccountState, error) {
	seen := map[string]uuid.UUID{}
	for _, p := range parties {
		if _, ok := seen[p.holder]; ok {
			continue
		}
		st, err := s.accounts.ResolveForUpdate(ctx, tx, ledgerID, p.holder, p.currency, account.LockOptimistic)
		if err != nil {
			return nil, err
		}
		seen[p.holder] = st.Account.ID
	}

	type pair struct {
		holder string
		id     uuid.UUID
	}
	ordered := make([]pair, 0, len(seen))
	for h, id := range seen {
		ordered = append(ordered, pair{h, id})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id.String() < ordered[j].id.String() })

	states := make(map[string]*ledger.AccountState, len(ordered))
	for _, p := range ordered {
		st, err := s.accounts.ResolveByIDForUpdate(ctx, tx, p.id, s.cfg.LockMode)
		if err != nil {
			return nil, err
		}
		states[p.holder] = st
	}
	return states, nil
}

// requireActive validates the account status for a mutating leg.
func requireActive(st *ledger.AccountState) error {
	switch st.Version.Status {
	case ledger.AccountFrozen:
		return ledger.NewError(ledger.CodeAccountFrozen,
			"account for holder "+st.Account.HolderID+" is frozen")
	case ledger.AccountClosed:
		return ledger.NewError(ledger.CodeAccountClosed,
			"account for holder "+st.Account.HolderID+" is closed")
	}
	return nil
}

// overdraftGate rejects a debit that would take the account below its
// floor. System accounts are unconstrained. For user accounts the floor
// is 0, or −overdraftLimit when overdraft is allowed; an allowed account
// with limit 0 is unlimited. Held funds count against the floor.
func overdraftGate(st *ledger.AccountState, amount int64, allowOverdraft bool) error {
	if st.Account.IsSystem() {
		return nil
	}
	available := st.Version.Balance - st.Version.PendingDebit - amount
	allowed := allowOverdraft || st.Account.AllowOverdraft
	switch {
	case available >= 0:
		return nil
	case !allowed:
		return ledger.NewError(ledger.CodeInsufficientBalance,
			"insufficient balance for holder "+st.Account.HolderID)
	case st.Account.OverdraftLimit > 0 && available < -st.Account.OverdraftLimit:
		return ledger.NewError(ledger.CodeInsufficientBalance,
			"overdraft limit exceeded for holder "+st.Account.HolderID)
	}
	return nil
}

func requireCurrency(st *ledger.AccountState, currency string) error {
	if st.Account.Currency != currency {
		return ledger.NewError(ledger.CodeCurrencyMismatch,
			"account for holder "+st.Account.HolderID+" is denominated in "+st.Account.Currency)
	}
	return nil
}

func requirePositive(amount int64) error {
	if amount <= 0 {
		return ledger.NewError(ledger.CodeInvalidArgument, "amount must be a positive integer")
	}
	return nil
}

// insertHeader writes the immutable transaction_record plus its first
// status row.
func (s *Service) insertHeader(ctx context.Context, tx *sqldb.Tx, h header, status ledger.TransactionStatus) (*ledger.Transaction, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	metadata, err := metadataJSON(h.Metadata)
	if err != nil {
		return nil, err
	}

	rec := &ledger.Transaction{}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transaction_record
			(id, ledger_id, type, reference, amount, currency, description,
			 category, correlation_id, source_account_id,
			 destination_account_id, is_hold, hold_expires_at, parent_id,
			 is_reversal, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''),
		        NULLIF($9, ''), $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, effective_date, created_at`,
		h.ID, h.LedgerID, h.Type, h.Reference, h.Amount, h.Currency,
		h.Description, h.Category, h.CorrelationID, h.SourceID,
		h.DestinationID, h.IsHold, h.HoldExpiresAt, h.ParentID,
		h.IsReversal, metadata).
		Scan(&rec.ID, &rec.EffectiveDate, &rec.CreatedAt)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return nil, ledger.NewError(ledger.CodeAlreadyExists,
				"reference "+h.Reference+" already used")
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to insert transaction", err)
	}

	rec.LedgerID = h.LedgerID
	rec.Type = h.Type
	rec.Reference = h.Reference
	rec.Amount = h.Amount
	rec.Currency = h.Currency
	rec.Description = h.Description
	rec.Category = h.Category
	rec.CorrelationID = h.CorrelationID
	rec.SourceAccountID = h.SourceID
	rec.DestinationAccountID = h.DestinationID
	rec.IsHold = h.IsHold
	rec.HoldExpiresAt = h.HoldExpiresAt
	rec.ParentID = h.ParentID
	rec.IsReversal = h.IsReversal
	rec.Metadata = h.Metadata

	if err := s.appendStatus(ctx, tx, rec.ID, status, ""); err != nil {
		return nil, err
	}
	rec.Status = status
	return rec, nil
}

func (s *Service) appendStatus(ctx context.Context, tx *sqldb.Tx, txID uuid.UUID, status ledger.TransactionStatus, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_status (id, transaction_id, status, reason)
		VALUES ($1, $2, $3, NULLIF($4, ''))`,
		uuid.New(), txID, status, reason)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to append transaction status", err)
	}
	return nil
}

// fx carries the original-currency detail recorded on a converted leg.
type fx struct {
	originalAmount   int64
	originalCurrency string
	exchangeRate     float64
}

// applyLeg posts one double-entry leg: it chains and inserts the entry
// row, bumps the account version and keeps the in-memory state current
// for subsequent legs in the same transaction. Hot accounts are staged
// instead (see stageHot).
func (s *Service) applyLeg(ctx context.Context, tx *sqldb.Tx, st *ledger.AccountState, txID uuid.UUID, entryType ledger.EntryType, amount int64, change ledger.ChangeType, conv *fx) (*ledger.Entry, error) {
	if s.isHot(st) {
		return nil, s.stageHot(ctx, tx, st.Account.ID, txID, entryType, amount)
	}

	before := st.Version.Balance
	var after int64
	next := ledger.AccountVersion{
		AccountID:     st.Account.ID,
		Version:       st.Version.Version + 1,
		CreditBalance: st.Version.CreditBalance,
		DebitBalance:  st.Version.DebitBalance,
		PendingCredit: st.Version.PendingCredit,
		PendingDebit:  st.Version.PendingDebit,
		Status:        st.Version.Status,
		ChangeType:    change,
	}
	if entryType == ledger.EntryCredit {
		after = before + amount
		next.CreditBalance += amount
	} else {
		after = before - amount
		next.DebitBalance += amount
	}
	next.Balance = after

	entry, err := s.insertEntry(ctx, tx, entryRow{
		transactionID:  txID,
		accountID:      st.Account.ID,
		entryType:      entryType,
		amount:         amount,
		balanceBefore:  before,
		balanceAfter:   after,
		accountVersion: next.Version,
		conv:           conv,
	})
	if err != nil {
		return nil, err
	}

	if err := s.accounts.AppendVersion(ctx, tx, &next); err != nil {
		return nil, err
	}
	if _, err := chain.AppendEvent(ctx, tx, accountEventInput(entry)); err != nil {
		return nil, err
	}
	st.Version = next
	return entry, nil
}

// accountEventInput mirrors a posted leg onto the account's own event
// chain, so per-account verification covers balance history and not just
// lifecycle changes. These events are chain-only: the transaction event
// already feeds the outbox, and mirroring legs there would deliver every
// movement twice.
func accountEventInput(entry *ledger.Entry) chain.AppendInput {
	eventType := "account.debited"
	if entry.EntryType == ledger.EntryCredit {
		eventType = "account.credited"
	}
	return chain.AppendInput{
		AggregateType: chain.AggregateAccount,
		AggregateID:   entry.AccountID.String(),
		EventType:     eventType,
		EventData: map[string]any{
			"accountId":     entry.AccountID.String(),
			"transactionId": entry.TransactionID.String(),
			"entryId":       entry.ID.String(),
			"entryType":     string(entry.EntryType),
			"amount":        entry.Amount,
			"balanceAfter":  entry.BalanceAfter,
			"version":       entry.AccountVersion,
		},
	}
}

type entryRow struct {
	transactionID  uuid.UUID
	accountID      uuid.UUID
	entryType      ledger.EntryType
	amount         int64
	balanceBefore  int64
	balanceAfter   int64
	accountVersion int64
	isHot          bool
	conv           *fx
}

// insertEntry chains the entry onto the account's entry log and writes
// it. The global sequence number is database-assigned.
func (s *Service) insertEntry(ctx context.Context, tx *sqldb.Tx, row entryRow) (*ledger.Entry, error) {
	var prevHash string
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(hash, '')
		FROM entry_record
		WHERE account_id = $1
		ORDER BY sequence_number DESC
		LIMIT 1`, row.accountID).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to read entry chain head", err)
	}

	entry := &ledger.Entry{
		ID:             uuid.New(),
		TransactionID:  row.transactionID,
		AccountID:      row.accountID,
		EntryType:      row.entryType,
		Amount:         row.amount,
		BalanceBefore:  row.balanceBefore,
		BalanceAfter:   row.balanceAfter,
		AccountVersion: row.accountVersion,
		PrevHash:       prevHash,
	}
	canonical, err := chain.CanonicalJSON(map[string]any{
		"transactionId":  entry.TransactionID.String(),
		"accountId":      entry.AccountID.String(),
		"entryType":      string(entry.EntryType),
		"amount":         entry.Amount,
		"balanceBefore":  entry.BalanceBefore,
		"balanceAfter":   entry.BalanceAfter,
		"accountVersion": entry.AccountVersion,
	})
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to canonicalize entry", err)
	}
	entry.Hash = chain.HashEvent(prevHash, canonical)

	var origAmount *int64
	origCurrency := ""
	var rate *float64
	if row.conv != nil {
		origAmount = &row.conv.originalAmount
		origCurrency = row.conv.originalCurrency
		rate = &row.conv.exchangeRate
		entry.OriginalAmount = origAmount
		entry.OriginalCurrency = origCurrency
		entry.ExchangeRate = rate
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO entry_record
			(id, transaction_id, account_id, entry_type, amount,
			 balance_before, balance_after, account_version,
			 hash, prev_hash, original_amount, original_currency,
			 exchange_rate, is_hot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''),
		        $11, NULLIF($12, ''), $13, $14)
		RETURNING sequence_number, created_at`,
		entry.ID, entry.TransactionID, entry.AccountID, entry.EntryType,
		entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.AccountVersion, entry.Hash, entry.PrevHash,
		origAmount, origCurrency, rate, row.isHot).
		Scan(&entry.SequenceNumber, &entry.CreatedAt)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to insert entry", err)
	}
	return entry, nil
}

func (s *Service) isHot(st *ledger.AccountState) bool {
	return st.Account.IsSystem() && s.cfg.HotAccounts[st.Account.HolderID]
}

// emit writes the transaction event and its outbox row.
func (s *Service) emit(ctx context.Context, tx *sqldb.Tx, topic, eventType string, rec *ledger.Transaction) error {
	data := map[string]any{
		"transactionId": rec.ID.String(),
		"ledgerId":      rec.LedgerID.String(),
		"type":          string(rec.Type),
		"reference":     rec.Reference,
		"amount":        rec.Amount,
		"currency":      rec.Currency,
		"status":        string(rec.Status),
	}
	if rec.ParentID != nil {
		data["parentId"] = rec.ParentID.String()
	}
	_, err := events.Emit(ctx, tx, topic, chain.AppendInput{
		AggregateType: chain.AggregateTransaction,
		AggregateID:   rec.ID.String(),
		EventType:     eventType,
		EventData:     data,
		CorrelationID: rec.CorrelationID,
	})
	return err
}

func metadataJSON(md map[string]any) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	raw, err := chain.CanonicalJSON(md)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInvalidArgument, "metadata is not serializable", err)
	}
	return raw, nil
}
