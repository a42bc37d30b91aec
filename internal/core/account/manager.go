package account

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/events"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// SystemAccounts names the well-known system holders of a ledger.
type SystemAccounts struct {
	World    string `mapstructure:"world"`
	Fees     string `mapstructure:"fees"`
	Suspense string `mapstructure:"suspense"`
}

// Options tunes manager behavior. Zero value means wait locking, no
// denormalized mirror, USD.
type Options struct {
	LockMode               LockMode
	UseDenormalizedBalance bool
	DefaultCurrency        string
	SystemAccounts         SystemAccounts
}

func (o *Options) currency() string {
	if o.DefaultCurrency == "" {
		return "USD"
	}
	return o.DefaultCurrency
}

// SweepFunc moves a closing account's remaining balance to another
// holder inside the caller's transaction. Wired at assembly time so the
// manager stays ignorant of the transaction pipeline.
type SweepFunc func(ctx context.Context, tx *sqldb.Tx, ledgerID uuid.UUID, sourceHolderID, destHolderID, currency string, amount int64) error

// Manager is the account state machine.
type Manager struct {
	db    *sqldb.DB
	sum   *Checksummer
	opts  Options
	sweep SweepFunc
	log   *zap.Logger
}

// NewManager builds a manager. sweep may be nil, in which case closing a
// funded account fails.
func NewManager(db *sqldb.DB, sum *Checksummer, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{db: db, sum: sum, opts: opts, log: log}
}

// SetSweep installs the close-with-sweep transfer function.
func (m *Manager) SetSweep(fn SweepFunc) { m.sweep = fn }

// Checksummer exposes the version signer to the transaction pipeline.
func (m *Manager) Checksummer() *Checksummer { return m.sum }

// Options returns the manager's effective options.
func (m *Manager) Options() Options { return m.opts }

// CreateInput describes a new account.
type CreateInput struct {
	LedgerID       uuid.UUID
	HolderID       string
	HolderType     ledger.HolderType
	Currency       string
	AllowOverdraft bool
	OverdraftLimit int64
	AccountType    string
	AccountCode    string
	Metadata       map[string]any
	CorrelationID  string
}

func (in *CreateInput) validate(defaultCurrency string) error {
	if in.LedgerID == uuid.Nil {
		return ledger.NewError(ledger.CodeInvalidArgument, "ledgerId is required")
	}
	if in.HolderID == "" {
		return ledger.NewError(ledger.CodeInvalidArgument, "holderId is required")
	}
	if in.HolderType == "" {
		in.HolderType = ledger.HolderIndividual
	}
	if !in.HolderType.Valid() {
		return ledger.NewError(ledger.CodeInvalidArgument,
			fmt.Sprintf("unknown holder type %q", in.HolderType))
	}
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}
	if in.OverdraftLimit < 0 {
		return ledger.NewError(ledger.CodeInvalidArgument, "overdraftLimit cannot be negative")
	}
	return nil
}

// advisoryKey folds identifying parts into the 64-bit advisory lock
// keyspace.
func advisoryKey(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// Create returns the account for (ledger, holder, currency), creating it
// if absent. The fast path is a plain read; the slow path serializes
// concurrent creators on an advisory lock, re-checks, and inserts the
// parent row, the v1 version snapshot and the created event in one
// transaction. The second return reports whether a row was inserted.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*ledger.AccountState, bool, error) {
	if err := in.validate(m.opts.currency()); err != nil {
		return nil, false, err
	}

	existing, err := m.Find(ctx, in.LedgerID, in.HolderID, in.Currency)
	if err == nil {
		return existing, false, nil
	}
	if !ledger.IsCode(err, ledger.CodeNotFound) {
		return nil, false, err
	}

	var created *ledger.AccountState
	err = m.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		key := advisoryKey("account", in.LedgerID.String(), in.HolderID, in.Currency)
		if err := tx.AdvisoryLock(ctx, key); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to acquire creation lock", err)
		}

		// Re-check under the lock: a concurrent creator may have won.
		st, err := findIn(ctx, tx, in.LedgerID, in.HolderID, in.Currency)
		if err == nil {
			created = st
			return nil
		}
		if !ledger.IsCode(err, ledger.CodeNotFound) {
			return err
		}

		st, err = m.insertAccount(ctx, tx, in)
		if err != nil {
			return err
		}
		created = st
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return created, created.Version.ChangeType == ledger.ChangeCreate && created.Version.Version == 1, nil
}

func (m *Manager) insertAccount(ctx context.Context, tx *sqldb.Tx, in CreateInput) (*ledger.AccountState, error) {
	id := uuid.New()
	metadata, err := metadataJSON(in.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_balance
			(id, ledger_id, holder_id, holder_type, currency,
			 allow_overdraft, overdraft_limit, account_type, account_code,
			 metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		id, in.LedgerID, in.HolderID, in.HolderType, in.Currency,
		in.AllowOverdraft, in.OverdraftLimit, in.AccountType, in.AccountCode,
		metadata)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return nil, ledger.NewError(ledger.CodeAlreadyExists,
				"account already exists for holder "+in.HolderID)
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to insert account", err)
	}

	v := &ledger.AccountVersion{
		AccountID:  id,
		Version:    1,
		Status:     ledger.AccountActive,
		ChangeType: ledger.ChangeCreate,
	}
	if err := m.AppendVersion(ctx, tx, v); err != nil {
		return nil, err
	}

	_, err = events.Emit(ctx, tx, "ledger-account-created", chain.AppendInput{
		AggregateType: chain.AggregateAccount,
		AggregateID:   id.String(),
		EventType:     "account.created",
		EventData: map[string]any{
			"accountId":  id.String(),
			"ledgerId":   in.LedgerID.String(),
			"holderId":   in.HolderID,
			"holderType": string(in.HolderType),
			"currency":   in.Currency,
		},
		CorrelationID: in.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	return fetchAccountByID(ctx, tx, id)
}

// EnsureLedger upserts the ledger row accounts attach to. Runs at boot
// before any account exists.
func (m *Manager) EnsureLedger(ctx context.Context, ledgerID uuid.UUID, name string) error {
	if name == "" {
		name = "default"
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO ledger (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, ledgerID, name)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to ensure ledger", err)
	}
	return nil
}

// EnsureSystemAccounts creates the configured world, fees and suspense
// accounts when missing. The world account runs with overdraft allowed
// since it funds every external credit.
func (m *Manager) EnsureSystemAccounts(ctx context.Context, ledgerID uuid.UUID) error {
	sys := m.opts.SystemAccounts
	holders := []struct {
		id        string
		overdraft bool
	}{
		{sys.World, true},
		{sys.Fees, false},
		{sys.Suspense, false},
	}
	for _, h := range holders {
		if h.id == "" {
			continue
		}
		_, created, err := m.Create(ctx, CreateInput{
			LedgerID:       ledgerID,
			HolderID:       h.id,
			HolderType:     ledger.HolderSystem,
			Currency:       m.opts.currency(),
			AllowOverdraft: h.overdraft,
		})
		if err != nil {
			return err
		}
		if created {
			m.log.Info("created system account",
				zap.String("holder", h.id),
				zap.String("ledger", ledgerID.String()))
		}
	}
	return nil
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

// touchTime is a small helper returning a pointer to now, used by the
// lifecycle transitions.
func touchTime() *time.Time {
	t := time.Now().UTC()
	return &t
}
