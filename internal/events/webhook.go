package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/summa-ledger/summad/internal/core/ledger"
	"github.com/summa-ledger/summad/internal/storage/sqldb"
)

// webhookBackoff is the retry schedule; a delivery failing after the last
// step is marked failed.
var webhookBackoff = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// WebhookEngine fans outbox payloads out to registered HTTP endpoints.
// Publish only enqueues delivery rows; DeliverDue does the actual HTTP
// work on its own worker cadence so a slow endpoint never stalls the
// outbox.
type WebhookEngine struct {
	db     *sqldb.DB
	client *http.Client
	log    *zap.Logger
}

// NewWebhookEngine builds the engine. client may be nil.
func NewWebhookEngine(db *sqldb.DB, client *http.Client, log *zap.Logger) *WebhookEngine {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookEngine{db: db, client: client, log: log}
}

// Publish implements Publisher: one delivery row per active endpoint
// subscribed to the topic. Endpoints with no topic filter receive
// everything.
func (e *WebhookEngine) Publish(ctx context.Context, topic string, payload []byte) error {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id FROM webhook_endpoint
		WHERE active AND (topics IS NULL OR topics @> to_jsonb($1::text))`, topic)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to match webhook endpoints", err)
	}
	var endpoints []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return ledger.WrapError(ledger.CodeInternal, "failed to scan endpoint id", err)
		}
		endpoints = append(endpoints, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ledger.WrapError(ledger.CodeInternal, "error iterating endpoints", err)
	}

	var env Envelope
	outboxID := uuid.Nil
	if err := json.Unmarshal(payload, &env); err == nil && env.ID != "" {
		if id, err := uuid.Parse(env.ID); err == nil {
			outboxID = id
		}
	}

	for _, endpointID := range endpoints {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO webhook_delivery (id, endpoint_id, outbox_id, topic, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), endpointID, outboxID, topic, payload)
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to enqueue webhook delivery", err)
		}
	}
	return nil
}

// RegisterEndpoint creates a webhook endpoint. topics nil means all.
func (e *WebhookEngine) RegisterEndpoint(ctx context.Context, url, secret string, topics []string) (uuid.UUID, error) {
	if url == "" || secret == "" {
		return uuid.Nil, ledger.NewError(ledger.CodeInvalidArgument, "url and secret are required")
	}
	var topicsJSON []byte
	if topics != nil {
		var err error
		topicsJSON, err = json.Marshal(topics)
		if err != nil {
			return uuid.Nil, ledger.WrapError(ledger.CodeInvalidArgument, "invalid topic list", err)
		}
	}
	id := uuid.New()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoint (id, url, secret, topics)
		VALUES ($1, $2, $3, $4)`, id, url, secret, topicsJSON)
	if err != nil {
		return uuid.Nil, ledger.WrapError(ledger.CodeInternal, "failed to register endpoint", err)
	}
	return id, nil
}

type dueDelivery struct {
	id      uuid.UUID
	url     string
	secret  string
	topic   string
	payload []byte
	attempt int
}

// DeliverDue posts every delivery whose next attempt is due. Each
// delivery is claimed with SKIP LOCKED so concurrent workers partition
// the queue. Returns the number delivered.
func (e *WebhookEngine) DeliverDue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	delivered := 0
	err := e.db.WithTransaction(ctx, func(tx *sqldb.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT d.id, w.url, w.secret, d.topic, d.payload, d.attempt
			FROM webhook_delivery d
			JOIN webhook_endpoint w ON w.id = d.endpoint_id
			WHERE d.status = 'pending' AND d.next_attempt_at <= now() AND w.active
			ORDER BY d.next_attempt_at ASC
			LIMIT $1
			FOR UPDATE OF d SKIP LOCKED`, batchSize)
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to read due deliveries", err)
		}
		var due []dueDelivery
		for rows.Next() {
			var d dueDelivery
			if err := rows.Scan(&d.id, &d.url, &d.secret, &d.topic, &d.payload, &d.attempt); err != nil {
				rows.Close()
				return ledger.WrapError(ledger.CodeInternal, "failed to scan delivery", err)
			}
			due = append(due, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ledger.WrapError(ledger.CodeInternal, "error iterating deliveries", err)
		}

		for _, d := range due {
			if err := e.attempt(ctx, tx, d); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	return delivered, err
}

func (e *WebhookEngine) attempt(ctx context.Context, tx *sqldb.Tx, d dueDelivery) error {
	postErr := e.post(ctx, d)
	if postErr == nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE webhook_delivery
			SET status = 'delivered', attempt = attempt + 1, delivered_at = now()
			WHERE id = $1`, d.id)
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to mark delivery", err)
		}
		return nil
	}

	e.log.Warn("webhook delivery attempt failed",
		zap.String("delivery", d.id.String()),
		zap.String("url", d.url),
		zap.Int("attempt", d.attempt+1),
		zap.Error(postErr))

	attempt := d.attempt + 1
	if attempt >= len(webhookBackoff) {
		_, err := tx.ExecContext(ctx, `
			UPDATE webhook_delivery
			SET status = 'failed', attempt = $2, last_error = $3
			WHERE id = $1`, d.id, attempt, postErr.Error())
		if err != nil {
			return ledger.WrapError(ledger.CodeInternal, "failed to fail delivery", err)
		}
		return nil
	}

	next := time.Now().UTC().Add(webhookBackoff[attempt])
	_, err := tx.ExecContext(ctx, `
		UPDATE webhook_delivery
		SET attempt = $2, last_error = $3, next_attempt_at = $4
		WHERE id = $1`, d.id, attempt, postErr.Error(), next)
	if err != nil {
		return ledger.WrapError(ledger.CodeInternal, "failed to reschedule delivery", err)
	}
	return nil
}

func (e *WebhookEngine) post(ctx context.Context, d dueDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Summa-Topic", d.topic)
	req.Header.Set("X-Summa-Signature", Sign(d.secret, d.payload))

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 body signature endpoints verify.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
