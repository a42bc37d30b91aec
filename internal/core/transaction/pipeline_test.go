package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
)

func userState(balance, pendingDebit int64) *ledger.AccountState {
	return &ledger.AccountState{
		Account: ledger.Account{
			HolderID:   "alice",
			HolderType: ledger.HolderIndividual,
			Currency:   "USD",
		},
		Version: ledger.AccountVersion{
			Balance:      balance,
			PendingDebit: pendingDebit,
			Status:       ledger.AccountActive,
		},
	}
}

func TestRequireActive(t *testing.T) {
	st := userState(100, 0)
	require.NoError(t, requireActive(st))

	st.Version.Status = ledger.AccountFrozen
	require.True(t, ledger.IsCode(requireActive(st), ledger.CodeAccountFrozen))

	st.Version.Status = ledger.AccountClosed
	require.True(t, ledger.IsCode(requireActive(st), ledger.CodeAccountClosed))
}

func TestOverdraftGateFloorZero(t *testing.T) {
	st := userState(100, 0)
	require.NoError(t, overdraftGate(st, 100, false))
	require.True(t, ledger.IsCode(overdraftGate(st, 101, false), ledger.CodeInsufficientBalance))
}

func TestOverdraftGateHeldFundsCount(t *testing.T) {
	st := userState(100, 40)
	require.NoError(t, overdraftGate(st, 60, false))
	require.True(t, ledger.IsCode(overdraftGate(st, 61, false), ledger.CodeInsufficientBalance))
}

func TestOverdraftGateWithLimit(t *testing.T) {
	st := userState(100, 0)
	st.Account.AllowOverdraft = true
	st.Account.OverdraftLimit = 50

	require.NoError(t, overdraftGate(st, 150, false))
	err := overdraftGate(st, 151, false)
	require.True(t, ledger.IsCode(err, ledger.CodeInsufficientBalance))
	require.Contains(t, err.Error(), "overdraft limit exceeded")
}

func TestOverdraftGateAllowedWithoutLimitIsUnbounded(t *testing.T) {
	st := userState(0, 0)
	st.Account.AllowOverdraft = true
	require.NoError(t, overdraftGate(st, 1_000_000, false))
}

func TestOverdraftGatePerRequestOverride(t *testing.T) {
	// allowOverdraft on the request enables overdraft even when the
	// account itself is not flagged.
	st := userState(10, 0)
	require.NoError(t, overdraftGate(st, 500, true))
	require.Error(t, overdraftGate(st, 500, false))
}

func TestOverdraftGateSkipsSystemAccounts(t *testing.T) {
	st := userState(0, 0)
	st.Account.HolderType = ledger.HolderSystem
	require.NoError(t, overdraftGate(st, 1_000_000_000, false))
}

func TestRequireCurrency(t *testing.T) {
	st := userState(0, 0)
	require.NoError(t, requireCurrency(st, "USD"))
	require.True(t, ledger.IsCode(requireCurrency(st, "EUR"), ledger.CodeCurrencyMismatch))
}

func TestRequirePositive(t *testing.T) {
	require.NoError(t, requirePositive(1))
	require.True(t, ledger.IsCode(requirePositive(0), ledger.CodeInvalidArgument))
	require.True(t, ledger.IsCode(requirePositive(-5), ledger.CodeInvalidArgument))
}

func TestShouldRetryOnlyConflicts(t *testing.T) {
	// Every CONFLICT is retryable, whatever the lock mode: version bumps,
	// chain-append races and idempotency-key races all surface as one.
	require.True(t, shouldRetry(ledger.NewError(ledger.CodeConflict, "version conflict")))
	require.True(t, shouldRetry(ledger.WrapError(ledger.CodeConflict,
		"concurrent request with the same idempotency key", errors.New("duplicate key"))))

	require.False(t, shouldRetry(ledger.NewError(ledger.CodeInsufficientBalance, "no funds")))
	require.False(t, shouldRetry(ledger.NewError(ledger.CodeNotFound, "account not found")))
	require.False(t, shouldRetry(errors.New("connection reset")))
}

func TestAccountEventInputMirrorsLeg(t *testing.T) {
	entry := &ledger.Entry{
		ID:             uuid.New(),
		TransactionID:  uuid.New(),
		AccountID:      uuid.New(),
		EntryType:      ledger.EntryCredit,
		Amount:         250,
		BalanceAfter:   1250,
		AccountVersion: 7,
	}

	in := accountEventInput(entry)
	require.Equal(t, chain.AggregateAccount, in.AggregateType)
	require.Equal(t, entry.AccountID.String(), in.AggregateID)
	require.Equal(t, "account.credited", in.EventType)
	require.Equal(t, entry.TransactionID.String(), in.EventData["transactionId"])
	require.Equal(t, entry.ID.String(), in.EventData["entryId"])
	require.Equal(t, int64(250), in.EventData["amount"])
	require.Equal(t, int64(1250), in.EventData["balanceAfter"])
	require.Equal(t, int64(7), in.EventData["version"])

	entry.EntryType = ledger.EntryDebit
	require.Equal(t, "account.debited", accountEventInput(entry).EventType)
}

func TestRefundRequiresReason(t *testing.T) {
	s := NewService(nil, nil, Config{}, nil)

	_, err := s.Refund(context.Background(), RefundInput{TransactionID: uuid.New()})
	require.True(t, ledger.IsCode(err, ledger.CodeInvalidArgument))
	require.Contains(t, err.Error(), "reason is required")
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	require.Equal(t, 24*time.Hour, c.idempotencyTTL())
	require.Equal(t, 3, c.retries())
	require.Equal(t, 30*time.Minute, c.holdExpiry())

	c = Config{IdempotencyTTL: time.Hour, MaxConflictRetries: 5, DefaultHoldExpiry: time.Minute}
	require.Equal(t, time.Hour, c.idempotencyTTL())
	require.Equal(t, 5, c.retries())
	require.Equal(t, time.Minute, c.holdExpiry())
}
