//go:build integration

package transaction_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/summa-ledger/summad/internal/core/account"
	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/core/transaction"
	"github.com/summa-ledger/summad/internal/reconciliation"
	"github.com/summa-ledger/summad/internal/schema"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// The suite needs a reachable Postgres: point SUMMA_TEST_DB_HOST at one
// and run with -tags integration. Every fixture migrates into its own
// schema and drops it afterwards, so runs never interfere.

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type fixture struct {
	db       *sqldb.DB
	accounts *account.Manager
	txs      *transaction.Service
	rec      *reconciliation.Reconciler
	ledgerID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	host := os.Getenv("SUMMA_TEST_DB_HOST")
	if host == "" {
		t.Skip("SUMMA_TEST_DB_HOST not set")
	}

	ctx := context.Background()
	cfg := &sqldb.Config{
		Host:     host,
		Port:     5432,
		Database: envOr("SUMMA_TEST_DB_NAME", "summa_test"),
		Username: envOr("SUMMA_TEST_DB_USER", "postgres"),
		Password: os.Getenv("SUMMA_TEST_DB_PASSWORD"),
		Schema:   fmt.Sprintf("summa_it_%d", time.Now().UnixNano()),
		SSLMode:  "disable",
	}
	db, err := sqldb.Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(),
			"DROP SCHEMA IF EXISTS "+cfg.Schema+" CASCADE")
		db.Close()
	})
	require.NoError(t, schema.NewMigrator(db, schema.Default(), nil).Up(ctx))

	sum := account.NewChecksummer("integration-secret")
	accounts := account.NewManager(db, sum, account.Options{
		DefaultCurrency: "USD",
		SystemAccounts: account.SystemAccounts{
			World:    "@world",
			Fees:     "@fees",
			Suspense: "@suspense",
		},
	}, nil)

	ledgerID := uuid.New()
	require.NoError(t, accounts.EnsureLedger(ctx, ledgerID, t.Name()))
	require.NoError(t, accounts.EnsureSystemAccounts(ctx, ledgerID))

	return &fixture{
		db:       db,
		accounts: accounts,
		txs:      transaction.NewService(db, accounts, transaction.Config{}, nil),
		rec:      reconciliation.New(db, nil),
		ledgerID: ledgerID,
	}
}

func (f *fixture) createAccount(t *testing.T, holder string) *ledger.AccountState {
	t.Helper()
	st, _, err := f.accounts.Create(context.Background(), account.CreateInput{
		LedgerID:   f.ledgerID,
		HolderID:   holder,
		HolderType: ledger.HolderIndividual,
		Currency:   "USD",
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) credit(t *testing.T, holder string, amount int64, ref string) *transaction.Result {
	t.Helper()
	res, err := f.txs.Credit(context.Background(), transaction.CreditInput{
		LedgerID: f.ledgerID, HolderID: holder, Amount: amount, Reference: ref,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) state(t *testing.T, holder string) *ledger.AccountState {
	t.Helper()
	st, err := f.accounts.Find(context.Background(), f.ledgerID, holder, "USD")
	require.NoError(t, err)
	return st
}

func (f *fixture) versionCount(t *testing.T, accountID uuid.UUID) int {
	t.Helper()
	var n int
	err := f.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM account_balance_version WHERE account_id = $1`, accountID).
		Scan(&n)
	require.NoError(t, err)
	return n
}

func (f *fixture) entryCount(t *testing.T, txID uuid.UUID) int {
	t.Helper()
	var n int
	err := f.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM entry_record WHERE transaction_id = $1`, txID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestScenarioCreditDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1 := f.createAccount(t, "H1")
	f.credit(t, "H1", 10000, "r1")
	require.Equal(t, int64(10000), f.state(t, "H1").Version.Balance)

	_, err := f.txs.Debit(ctx, transaction.DebitInput{
		LedgerID: f.ledgerID, HolderID: "H1", Amount: 3000, Reference: "r2",
	})
	require.NoError(t, err)
	require.Equal(t, int64(7000), f.state(t, "H1").Version.Balance)

	var credits, debits int64
	err = f.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE entry_type = 'CREDIT'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE entry_type = 'DEBIT'), 0)
		FROM entry_record WHERE account_id = $1`, h1.Account.ID).Scan(&credits, &debits)
	require.NoError(t, err)
	require.Equal(t, int64(10000), credits)
	require.Equal(t, int64(3000), debits)

	// The account's own chain records creation plus one event per leg.
	v, err := chain.VerifyHashChain(ctx, f.db, chain.AggregateAccount, h1.Account.ID.String())
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, int64(3), v.EventCount)
}

func TestScenarioTransferConservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAccount(t, "H1")
	f.createAccount(t, "H2")
	f.credit(t, "H1", 50000, "fund-h1")

	_, err := f.txs.Transfer(ctx, transaction.TransferInput{
		LedgerID:            f.ledgerID,
		SourceHolderID:      "H1",
		DestinationHolderID: "H2",
		Amount:              20000,
		Reference:           "r3",
	})
	require.NoError(t, err)

	b1 := f.state(t, "H1").Version.Balance
	b2 := f.state(t, "H2").Version.Balance
	require.Equal(t, int64(30000), b1)
	require.Equal(t, int64(20000), b2)
	require.Equal(t, int64(50000), b1+b2)

	// The sealed block recomputes from its member events.
	_, err = chain.CreateBlockCheckpoint(ctx, f.db, &f.ledgerID)
	require.NoError(t, err)
	blocks, err := chain.VerifyRecentBlocks(ctx, f.db, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, blocks)
	for _, b := range blocks {
		require.True(t, b.Valid, b.Reason)
	}
}

func TestScenarioOverdraftGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1 := f.createAccount(t, "H1")
	f.credit(t, "H1", 5000, "fund")
	versionsBefore := f.versionCount(t, h1.Account.ID)

	_, err := f.txs.Debit(ctx, transaction.DebitInput{
		LedgerID: f.ledgerID, HolderID: "H1", Amount: 10000, Reference: "over",
	})
	require.True(t, ledger.IsCode(err, ledger.CodeInsufficientBalance))

	require.Equal(t, int64(5000), f.state(t, "H1").Version.Balance)
	require.Equal(t, versionsBefore, f.versionCount(t, h1.Account.ID))
}

func TestScenarioIdempotentDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAccount(t, "H1")
	f.credit(t, "H1", 10000, "fund")

	in := transaction.DebitInput{
		LedgerID: f.ledgerID, HolderID: "H1", Amount: 1000,
		Reference: "r4", IdempotencyKey: "k1",
	}
	first, err := f.txs.Debit(ctx, in)
	require.NoError(t, err)
	replay, err := f.txs.Debit(ctx, in)
	require.NoError(t, err)

	require.Equal(t, first.Transaction.ID, replay.Transaction.ID)
	require.Equal(t, 2, f.entryCount(t, first.Transaction.ID))
	require.Equal(t, int64(9000), f.state(t, "H1").Version.Balance)
}

func TestScenarioHoldLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAccount(t, "H1")
	f.credit(t, "H1", 10000, "fund")

	held, err := f.txs.Hold(ctx, transaction.HoldInput{
		LedgerID: f.ledgerID, HolderID: "H1", Amount: 4000,
		Reference: "h1", ExpiresInMinutes: 1,
	})
	require.NoError(t, err)
	st := f.state(t, "H1")
	require.Equal(t, int64(10000), st.Version.Balance)
	require.Equal(t, int64(4000), st.Version.PendingDebit)

	// Partial commit: the reservation releases in full, 3000 moves to the
	// suspense account.
	amount := int64(3000)
	committed, err := f.txs.CommitHold(ctx, transaction.CommitInput{
		LedgerID: f.ledgerID, HoldID: held.Transaction.ID, Amount: &amount,
	})
	require.NoError(t, err)
	st = f.state(t, "H1")
	require.Equal(t, int64(7000), st.Version.Balance)
	require.Zero(t, st.Version.PendingDebit)
	require.Len(t, committed.Entries, 2)
	require.Equal(t, 2, f.entryCount(t, held.Transaction.ID))

	suspense, err := f.accounts.Find(ctx, f.ledgerID, "@suspense", "USD")
	require.NoError(t, err)
	require.Equal(t, int64(3000), suspense.Version.Balance)

	_, err = f.txs.VoidHold(ctx, transaction.VoidInput{
		LedgerID: f.ledgerID, HoldID: held.Transaction.ID, Reason: "too late",
	})
	require.True(t, ledger.IsCode(err, ledger.CodeConflict))
}

func TestScenarioTamperDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1 := f.createAccount(t, "H1")
	f.credit(t, "H1", 10000, "fund")

	_, err := f.db.ExecContext(ctx,
		`ALTER TABLE account_balance_version DISABLE TRIGGER trg_account_balance_version_immutable`)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx, `
		UPDATE account_balance_version SET balance = balance + 999
		WHERE account_id = $1
		  AND version = (SELECT MAX(version) FROM account_balance_version WHERE account_id = $1)`,
		h1.Account.ID)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx,
		`ALTER TABLE account_balance_version ENABLE TRIGGER trg_account_balance_version_immutable`)
	require.NoError(t, err)

	_, err = f.accounts.Get(ctx, h1.Account.ID)
	require.True(t, ledger.IsCode(err, ledger.CodeChainIntegrityViolation))
}

func TestScenarioReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h1 := f.createAccount(t, "H1")
	f.credit(t, "H1", 10000, "r1")
	_, err := f.txs.Debit(ctx, transaction.DebitInput{
		LedgerID: f.ledgerID, HolderID: "H1", Amount: 3000, Reference: "r2",
	})
	require.NoError(t, err)

	run, err := f.rec.Run(ctx, reconciliation.RunDaily)
	require.NoError(t, err)
	require.Equal(t, "ok", run.Status)
	require.Zero(t, run.TotalMismatches)

	// An orphan single-leg entry breaks double entry for exactly one
	// transaction.
	orphan := uuid.New()
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO transaction_record (id, ledger_id, type, reference, amount, currency)
		VALUES ($1, $2, 'credit', 'orphan', 500, 'USD')`, orphan, f.ledgerID)
	require.NoError(t, err)
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO entry_record
			(id, transaction_id, account_id, entry_type, amount,
			 balance_before, balance_after, account_version)
		VALUES ($1, $2, $3, 'CREDIT', 500, 0, 500, 999)`,
		uuid.New(), orphan, h1.Account.ID)
	require.NoError(t, err)

	run, err = f.rec.Run(ctx, reconciliation.RunFast)
	require.NoError(t, err)
	require.Equal(t, "mismatches_found", run.Status)
	for _, step := range run.Steps {
		if step.Name == "double_entry" {
			require.Equal(t, int64(1), step.Mismatches)
		}
	}
	require.Equal(t, int64(1), run.TotalMismatches)
}

func TestScenarioCrossCurrencyReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAccount(t, "H1")
	_, _, err := f.accounts.Create(ctx, account.CreateInput{
		LedgerID:   f.ledgerID,
		HolderID:   "H2",
		HolderType: ledger.HolderIndividual,
		Currency:   "EUR",
	})
	require.NoError(t, err)
	f.credit(t, "H1", 50000, "fund")

	rate := 0.9
	_, err = f.txs.Transfer(ctx, transaction.TransferInput{
		LedgerID:            f.ledgerID,
		SourceHolderID:      "H1",
		DestinationHolderID: "H2",
		Amount:              10000,
		Currency:            "USD",
		DestinationCurrency: "EUR",
		ExchangeRate:        &rate,
		Reference:           "fx1",
	})
	require.NoError(t, err)

	// Converted legs net to zero in the source currency, so the run stays
	// clean and the daily watermark keeps advancing.
	run, err := f.rec.Run(ctx, reconciliation.RunFast)
	require.NoError(t, err)
	require.Equal(t, "ok", run.Status)
	require.Zero(t, run.TotalMismatches)
}
