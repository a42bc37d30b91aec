package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Aggregate type names used by the core.
const (
	AggregateAccount     = "account"
	AggregateTransaction = "transaction"
)

// AppendInput describes the event to append.
type AppendInput struct {
	AggregateType string
	AggregateID   string
	EventType     string
	EventData     map[string]any
	CorrelationID string
}

// AppendedEvent is the persisted result of AppendEvent.
type AppendedEvent struct {
	ID             uuid.UUID
	SequenceNumber int64
	EventHash      string
	PrevHash       string
}

// AppendEvent appends one event to the aggregate's hash chain inside the
// caller's transaction. The previous head is read FOR UPDATE so two
// writers on the same aggregate serialize; the unique
// (aggregate_type, aggregate_id, sequence_number) index backstops the
// lock and turns any race into a retryable conflict.
func AppendEvent(ctx context.Context, tx *sqldb.Tx, in AppendInput) (*AppendedEvent, error) {
	if in.AggregateType == "" || in.AggregateID == "" || in.EventType == "" {
		return nil, ledger.NewError(ledger.CodeInvalidArgument, "aggregate type, id and event type are required")
	}

	var prevSeq int64
	var prevHash string
	err := tx.QueryRowContext(ctx, `
		SELECT sequence_number, event_hash
		FROM ledger_event
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY sequence_number DESC
		LIMIT 1
		FOR UPDATE`, in.AggregateType, in.AggregateID).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to read chain head", err)
	}

	canonical, err := CanonicalJSON(in.EventData)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInvalidArgument, "event data is not serializable", err)
	}

	ev := &AppendedEvent{
		ID:             uuid.New(),
		SequenceNumber: prevSeq + 1,
		PrevHash:       prevHash,
		EventHash:      HashEvent(prevHash, canonical),
	}

	dataJSON, err := json.Marshal(in.EventData)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInvalidArgument, "event data is not serializable", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_event
			(id, aggregate_type, aggregate_id, event_type, event_data,
			 sequence_number, prev_hash, event_hash, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''))`,
		ev.ID, in.AggregateType, in.AggregateID, in.EventType, dataJSON,
		ev.SequenceNumber, ev.PrevHash, ev.EventHash, in.CorrelationID)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return nil, ledger.WrapError(ledger.CodeConflict, "concurrent append on aggregate", err)
		}
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to append event", err)
	}
	return ev, nil
}

// ListEvents returns the events of one aggregate in sequence order.
func ListEvents(ctx context.Context, ex sqldb.Executor, aggregateType, aggregateID string) ([]ledger.Event, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, event_data,
		       sequence_number, COALESCE(prev_hash, ''), event_hash,
		       COALESCE(correlation_id, ''), created_at
		FROM ledger_event
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY sequence_number ASC`, aggregateType, aggregateID)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to list events", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var ev ledger.Event
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&dataJSON, &ev.SequenceNumber, &ev.PrevHash, &ev.EventHash,
			&ev.CorrelationID, &ev.CreatedAt); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "failed to scan event row", err)
		}
		if err := json.Unmarshal(dataJSON, &ev.EventData); err != nil {
			return nil, ledger.WrapError(ledger.CodeInternal, "corrupt event data", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "error iterating events", err)
	}
	return events, nil
}
