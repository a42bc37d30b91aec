// Package events couples state changes to delivery: every emission writes
// the hash-chained event and its outbox row in the caller's transaction,
// and background processors drain the outbox to publishers and webhooks.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/summa-ledger/summad/internal/core/chain"
	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// Envelope is the payload written to the outbox and handed to publishers.
type Envelope struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	EventType     string         `json:"eventType"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlationId,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// Emit appends the event to its aggregate chain and writes the matching
// outbox row, both inside tx. The outbox row reuses the event id, which
// is what makes downstream delivery exactly-once-deduplicable.
func Emit(ctx context.Context, tx *sqldb.Tx, topic string, in chain.AppendInput) (*chain.AppendedEvent, error) {
	ev, err := chain.AppendEvent(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		ID:            ev.ID.String(),
		Topic:         topic,
		AggregateType: in.AggregateType,
		AggregateID:   in.AggregateID,
		EventType:     in.EventType,
		Data:          in.EventData,
		CorrelationID: in.CorrelationID,
		OccurredAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to encode event envelope", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, topic, payload, status)
		VALUES ($1, $2, $3, 'pending')`,
		ev.ID, topic, payload)
	if err != nil {
		return nil, ledger.WrapError(ledger.CodeInternal, "failed to write outbox row", err)
	}
	return ev, nil
}
