package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// ProcessorConfig tunes outbox delivery.
type ProcessorConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetentionHours int           `mapstructure:"retention_hours"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

func (c *ProcessorConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 100
}

func (c *ProcessorConfig) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 5
}

func (c *ProcessorConfig) retention() time.Duration {
	if c.RetentionHours > 0 {
		return time.Duration(c.RetentionHours) * time.Hour
	}
	return 72 * time.Hour
}

func (c *ProcessorConfig) publishTimeout() time.Duration {
	if c.PublishTimeout > 0 {
		return c.PublishTimeout
	}
	return 10 * time.Second
}

// Processor drains the outbox to a publisher. Multiple instances may run
// concurrently; FOR UPDATE SKIP LOCKED partitions the batch naturally.
type Processor struct {
	db  *sqldb.DB
	pub Publisher
	cfg ProcessorConfig
	log *zap.Logger
}

// NewProcessor builds an outbox processor.
func NewProcessor(db *sqldb.DB, pub Publisher, cfg ProcessorConfig, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{db: db, pub: pub, cfg: cfg, log: log}
}

type outboxBatchRow struct {
	id         uuid.UUID
	topic      string
	payload    []byte
	retryCount int
}

// ProcessBatch delivers one batch of pending rows. Each row is first
// claimed in processed_event; a conflict there means another node
// already delivered it and the row is just marked processed. Returns the
// number of rows delivered.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	delivered := 0
	err := p.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, topic, payload, retry_count
			FROM outbox
			WHERE processed_at IS NULL AND retry_count < $1
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, p.cfg.maxRetries(), p.cfg.batchSize())
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to read outbox batch", err)
		}
		var batch []outboxBatchRow
		for rows.Next() {
			var r outboxBatchRow
			if err := rows.Scan(&r.id, &r.topic, &r.payload, &r.retryCount); err != nil {
				rows.Close()
				return ledger.WrapError(ledger.CodeInternal, "failed to scan outbox row", err)
			}
			batch = append(batch, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "error iterating outbox batch", err)
		}

		for _, row := range batch {
			ok, err := p.deliverRow(ctx, tx, row)
			if err != nil {
				return err
			}
			if ok {
				delivered++
			}
		}
		return nil
	})
	return delivered, err
}

func (p *Processor) deliverRow(ctx context.Context, tx *sqldb.Tx, row outboxBatchRow) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_event (id, topic)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, row.id, row.topic)
	if err != nil {
		return false, ledger.WrapError(ledger.CodeInternal, "failed to claim event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already delivered by another node; close out our copy.
		return false, p.markProcessed(ctx, tx, row.id)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.publishTimeout())
	err = p.pub.Publish(pubCtx, row.topic, row.payload)
	cancel()
	if err != nil {
		return false, p.recordFailure(ctx, tx, row, err)
	}
	return true, p.markProcessed(ctx, tx, row.id)
}

func (p *Processor) markProcessed(ctx context.Context, tx *sqldb.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox SET processed_at = now(), status = 'processed'
		WHERE id = $1`, id)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to mark outbox row processed", err)
	}
	return nil
}

// recordFailure bumps the retry counter inside a savepoint so one bad
// row cannot poison the batch, moving the row to the DLQ once retries
// are exhausted.
func (p *Processor) recordFailure(ctx context.Context, tx *sqldb.Tx, row outboxBatchRow, cause error) error {
	p.log.Warn("outbox delivery failed",
		zap.String("id", row.id.String()),
		zap.String("topic", row.topic),
		zap.Int("retry", row.retryCount+1),
		zap.Error(cause))

	return tx.WithSavepoint(ctx, func(sp *sqldb.Tx) error {
		// Delivery did not happen; release the claim so a retry can
		// re-claim it.
		if _, err := sp.ExecContext(ctx,
			`DELETE FROM processed_event WHERE id = $1 AND topic = $2`, row.id, row.topic); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to release event claim", err)
		}

		retries := row.retryCount + 1
		if retries >= p.cfg.maxRetries() {
			if _, err := sp.ExecContext(ctx, `
				INSERT INTO dead_letter_queue (id, outbox_id, topic, payload, error_message, retry_count)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				uuid.New(), row.id, row.topic, row.payload, cause.Error(), retries); err != nil {
				return ledger.WrapError(ledger.CodeInternal, "failed to write dead letter", err)
			}
			if _, err := sp.ExecContext(ctx, `
				UPDATE outbox SET retry_count = $2, last_error = $3, status = 'failed', processed_at = now()
				WHERE id = $1`, row.id, retries, cause.Error()); err != nil {
				return ledger.WrapError(ledger.CodeInternal, "failed to fail outbox row", err)
			}
			return nil
		}

		if _, err := sp.ExecContext(ctx, `
			UPDATE outbox SET retry_count = $2, last_error = $3
			WHERE id = $1`, row.id, retries, cause.Error()); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to bump outbox retry", err)
		}
		return nil
	})
}

// Cleanup prunes delivered outbox rows and expired processed_event
// claims past the retention window. Returns rows removed.
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-p.cfg.retention())
	var removed int64

	res, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE status = 'processed' AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, ledger.WrapError(ledger.CodeInternal, "failed to prune outbox", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	res, err = p.db.ExecContext(ctx, `
		DELETE FROM processed_event WHERE processed_at < $1`, cutoff)
	if err != nil {
		return removed, ledger.WrapError(ledger.CodeInternal, "failed to prune processed events", err)
	}
	n, _ = res.RowsAffected()
	removed += n
	return removed, nil
}
