// Package ledger defines the shared domain model of the summa ledger:
// accounts with append-only balance versions, immutable transaction
// headers, double-entry rows, hash-chained events and block checkpoints.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// HolderType classifies the owner of an account.
type HolderType string

const (
	HolderIndividual   HolderType = "individual"
	HolderOrganization HolderType = "organization"
	HolderSystem       HolderType = "system"
)

// Valid reports whether t is a known holder type.
func (t HolderType) Valid() bool {
	switch t {
	case HolderIndividual, HolderOrganization, HolderSystem:
		return true
	}
	return false
}

// AccountStatus is the lifecycle state carried by each balance version.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// ChangeType names the operation that produced a balance version row.
type ChangeType string

const (
	ChangeCreate   ChangeType = "create"
	ChangeCredit   ChangeType = "credit"
	ChangeDebit    ChangeType = "debit"
	ChangeHold     ChangeType = "hold"
	ChangeCommit   ChangeType = "commit"
	ChangeVoid     ChangeType = "void"
	ChangeFreeze   ChangeType = "freeze"
	ChangeUnfreeze ChangeType = "unfreeze"
	ChangeClose    ChangeType = "close"
	ChangeRefund   ChangeType = "refund"
	ChangeExpire   ChangeType = "expire"
)

// TransactionType is the kind of a transaction header.
type TransactionType string

const (
	TypeCredit     TransactionType = "credit"
	TypeDebit      TransactionType = "debit"
	TypeTransfer   TransactionType = "transfer"
	TypeJournal    TransactionType = "journal"
	TypeCorrection TransactionType = "correction"
	TypeAdjustment TransactionType = "adjustment"
)

// TransactionStatus is one state in the transaction status machine.
//
//	pending → inflight → posted | voided | expired
//	posted  → reversed (via refund linkage)
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusInflight TransactionStatus = "inflight"
	StatusPosted   TransactionStatus = "posted"
	StatusVoided   TransactionStatus = "voided"
	StatusExpired  TransactionStatus = "expired"
	StatusReversed TransactionStatus = "reversed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusVoided, StatusExpired, StatusReversed:
		return true
	}
	return false
}

// EntryType is the direction of a double-entry row.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// Account is the immutable parent row of an account. One exists per
// (ledger, holder, currency). Everything that changes over time lives in
// AccountVersion rows; the optional Cached* fields mirror the latest
// version when the denormalized fast path is enabled.
type Account struct {
	ID              uuid.UUID      `json:"id"`
	LedgerID        uuid.UUID      `json:"ledgerId"`
	HolderID        string         `json:"holderId"`
	HolderType      HolderType     `json:"holderType"`
	Currency        string         `json:"currency"`
	AllowOverdraft  bool           `json:"allowOverdraft"`
	OverdraftLimit  int64          `json:"overdraftLimit"`
	AccountType     string         `json:"accountType,omitempty"`
	AccountCode     string         `json:"accountCode,omitempty"`
	ParentAccountID *uuid.UUID     `json:"parentAccountId,omitempty"`
	NormalBalance   string         `json:"normalBalance,omitempty"`
	Indicator       string         `json:"indicator,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// IsSystem reports whether the account belongs to the system holder class.
func (a *Account) IsSystem() bool { return a.HolderType == HolderSystem }

// AccountVersion is one append-only balance snapshot. (AccountID, Version)
// is unique and Version strictly increases per account.
type AccountVersion struct {
	AccountID     uuid.UUID     `json:"accountId"`
	Version       int64         `json:"version"`
	Balance       int64         `json:"balance"`
	CreditBalance int64         `json:"creditBalance"`
	DebitBalance  int64         `json:"debitBalance"`
	PendingCredit int64         `json:"pendingCredit"`
	PendingDebit  int64         `json:"pendingDebit"`
	Status        AccountStatus `json:"status"`
	Checksum      string        `json:"checksum,omitempty"`
	FreezeReason  string        `json:"freezeReason,omitempty"`
	FrozenBy      string        `json:"frozenBy,omitempty"`
	FrozenAt      *time.Time    `json:"frozenAt,omitempty"`
	CloseReason   string        `json:"closeReason,omitempty"`
	ClosedBy      string        `json:"closedBy,omitempty"`
	ClosedAt      *time.Time    `json:"closedAt,omitempty"`
	ChangeType    ChangeType    `json:"changeType"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Available is the balance a debit may draw on: settled balance minus
// funds reserved by holds.
func (v *AccountVersion) Available() int64 { return v.Balance - v.PendingDebit }

// AccountState is the joined read model: the immutable parent plus its
// latest version snapshot.
type AccountState struct {
	Account Account        `json:"account"`
	Version AccountVersion `json:"version"`
}

// Transaction is the immutable header of a monetary movement.
// Reference is unique per ledger. RefundedAmount is derived from reversal
// children at read time; the stored row never changes.
type Transaction struct {
	ID                   uuid.UUID         `json:"id"`
	LedgerID             uuid.UUID         `json:"ledgerId"`
	Type                 TransactionType   `json:"type"`
	Reference            string            `json:"reference"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Description          string            `json:"description,omitempty"`
	Category             string            `json:"category,omitempty"`
	CorrelationID        string            `json:"correlationId,omitempty"`
	SourceAccountID      *uuid.UUID        `json:"sourceAccountId,omitempty"`
	DestinationAccountID *uuid.UUID        `json:"destinationAccountId,omitempty"`
	IsHold               bool              `json:"isHold"`
	HoldExpiresAt        *time.Time        `json:"holdExpiresAt,omitempty"`
	ParentID             *uuid.UUID        `json:"parentId,omitempty"`
	IsReversal           bool              `json:"isReversal"`
	EffectiveDate        time.Time         `json:"effectiveDate"`
	CreatedAt            time.Time         `json:"createdAt"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	Status               TransactionStatus `json:"status"`
	RefundedAmount       int64             `json:"refundedAmount"`
}

// Entry is one double-entry row: (transaction, account, direction).
// Entries carry the per-account hash chain in the v2 layout; Sequence is
// globally monotonic, AccountVersion equals the version row the entry
// produced.
type Entry struct {
	ID               uuid.UUID `json:"id"`
	TransactionID    uuid.UUID `json:"transactionId"`
	AccountID        uuid.UUID `json:"accountId"`
	EntryType        EntryType `json:"entryType"`
	Amount           int64     `json:"amount"`
	BalanceBefore    int64     `json:"balanceBefore"`
	BalanceAfter     int64     `json:"balanceAfter"`
	AccountVersion   int64     `json:"accountVersion"`
	SequenceNumber   int64     `json:"sequenceNumber"`
	Hash             string    `json:"hash,omitempty"`
	PrevHash         string    `json:"prevHash,omitempty"`
	OriginalAmount   *int64    `json:"originalAmount,omitempty"`
	OriginalCurrency string    `json:"originalCurrency,omitempty"`
	ExchangeRate     *float64  `json:"exchangeRate,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Event is one hash-chained row of a per-aggregate event stream.
// EventHash = SHA256(prevHash ‖ canonical(eventData)).
type Event struct {
	ID             uuid.UUID      `json:"id"`
	AggregateType  string         `json:"aggregateType"`
	AggregateID    string         `json:"aggregateId"`
	EventType      string         `json:"eventType"`
	EventData      map[string]any `json:"eventData"`
	SequenceNumber int64          `json:"sequenceNumber"`
	PrevHash       string         `json:"prevHash,omitempty"`
	EventHash      string         `json:"eventHash"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// BlockCheckpoint seals a contiguous range of events.
// BlockHash = SHA256(prevBlockHash ‖ eventsHash), where eventsHash is the
// SHA256 over the member event hashes concatenated in sequence order.
type BlockCheckpoint struct {
	ID                uuid.UUID  `json:"id"`
	LedgerID          uuid.UUID  `json:"ledgerId"`
	BlockSequence     int64      `json:"blockSequence"`
	FromEventSequence int64      `json:"fromEventSequence"`
	ToEventSequence   int64      `json:"toEventSequence"`
	EventCount        int64      `json:"eventCount"`
	EventsHash        string     `json:"eventsHash"`
	BlockHash         string     `json:"blockHash"`
	MerkleRoot        string     `json:"merkleRoot,omitempty"`
	PrevBlockID       *uuid.UUID `json:"prevBlockId,omitempty"`
	PrevBlockHash     string     `json:"prevBlockHash,omitempty"`
	BlockAt           time.Time  `json:"blockAt"`
	SealedAt          time.Time  `json:"sealedAt"`
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxRow is a durable delivery record written in the same transaction
// as the event it carries. ID equals the emitting event id.
type OutboxRow struct {
	ID          uuid.UUID    `json:"id"`
	Topic       string       `json:"topic"`
	Payload     []byte       `json:"payload"`
	Status      OutboxStatus `json:"status"`
	RetryCount  int          `json:"retryCount"`
	LastError   string       `json:"lastError,omitempty"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}
