package postgres

import (
	"context"
	"time"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

const deliveryColumns = `delivery_id, webhook_id, event, payload, attempts, next_attempt_at,
	status, response_code, response_millis, error, created_at, updated_at`

// PutWebhook upserts a webhook endpoint.
func (p *PostgresProvider) PutWebhook(ctx context.Context, wh types.WebhookEndpoint) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhooks (webhook_id, url, secret, max_retries, retry_delay_seconds,
			timeout_seconds, success_count, failure_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (webhook_id) DO UPDATE SET
			url                 = EXCLUDED.url,
			secret              = EXCLUDED.secret,
			max_retries         = EXCLUDED.max_retries,
			retry_delay_seconds = EXCLUDED.retry_delay_seconds,
			timeout_seconds     = EXCLUDED.timeout_seconds
	`, wh.WebhookID, wh.URL, wh.Secret, wh.MaxRetries, wh.RetryDelaySeconds,
		wh.TimeoutSeconds, wh.SuccessCount, wh.FailureCount, wh.CreatedAt)
	return err
}

// GetWebhook returns a webhook endpoint.
func (p *PostgresProvider) GetWebhook(ctx context.Context, webhookID string) (*types.WebhookEndpoint, error) {
	var wh types.WebhookEndpoint
	err := p.pool.QueryRow(ctx, `
		SELECT webhook_id, url, secret, max_retries, retry_delay_seconds,
			timeout_seconds, success_count, failure_count, created_at
		FROM webhooks WHERE webhook_id = $1
	`, webhookID).Scan(&wh.WebhookID, &wh.URL, &wh.Secret, &wh.MaxRetries, &wh.RetryDelaySeconds,
		&wh.TimeoutSeconds, &wh.SuccessCount, &wh.FailureCount, &wh.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	return &wh, nil
}

// BumpWebhookCounters increments the endpoint's success or failure count.
func (p *PostgresProvider) BumpWebhookCounters(ctx context.Context, webhookID string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE webhooks SET `+column+` = `+column+` + 1 WHERE webhook_id = $1
	`, webhookID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return provider.ErrNotFound
	}
	return nil
}

// PutDelivery stores a delivery row.
func (p *PostgresProvider) PutDelivery(ctx context.Context, d types.WebhookDelivery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (delivery_id) DO UPDATE SET
			attempts        = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			status          = EXCLUDED.status,
			response_code   = EXCLUDED.response_code,
			response_millis = EXCLUDED.response_millis,
			error           = EXCLUDED.error,
			updated_at      = EXCLUDED.updated_at
	`, d.DeliveryID, d.WebhookID, d.Event, []byte(d.Payload), d.Attempts, d.NextAttemptAt,
		string(d.Status), d.ResponseCode, d.ResponseMillis, d.Error, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDelivery returns one delivery row.
func (p *PostgresProvider) GetDelivery(ctx context.Context, deliveryID string) (*types.WebhookDelivery, error) {
	d, err := p.scanDelivery(p.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries WHERE delivery_id = $1
	`, deliveryID))
	if err != nil {
		if isNoRows(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ClaimDelivery moves PENDING/RETRYING -> RUNNING, returning false when
// another worker already holds it or the delivery is terminal.
func (p *PostgresProvider) ClaimDelivery(ctx context.Context, deliveryID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deliveries SET status = 'RUNNING', updated_at = NOW()
		WHERE delivery_id = $1 AND status IN ('PENDING', 'RETRYING')
	`, deliveryID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deliveries WHERE delivery_id = $1)`, deliveryID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, provider.ErrNotFound
	}
	return false, nil
}

// UpdateDelivery writes a delivery row guarded by the status CAS.
func (p *PostgresProvider) UpdateDelivery(ctx context.Context, d types.WebhookDelivery, expectStatus types.DeliveryStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deliveries SET
			attempts        = $2,
			next_attempt_at = $3,
			status          = $4,
			response_code   = $5,
			response_millis = $6,
			error           = $7,
			updated_at      = $8
		WHERE delivery_id = $1 AND status = $9
	`, d.DeliveryID, d.Attempts, d.NextAttemptAt, string(d.Status),
		d.ResponseCode, d.ResponseMillis, d.Error, d.UpdatedAt, string(expectStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deliveries WHERE delivery_id = $1)`, d.DeliveryID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return provider.ErrNotFound
		}
		return provider.ErrVersionConflict
	}
	return nil
}

// DueDeliveries returns PENDING/RETRYING deliveries due by now.
func (p *PostgresProvider) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]types.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE status IN ('PENDING', 'RETRYING') AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WebhookDelivery
	for rows.Next() {
		d, err := p.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresProvider) scanDelivery(row rowScanner) (*types.WebhookDelivery, error) {
	var (
		d       types.WebhookDelivery
		payload []byte
	)
	if err := row.Scan(&d.DeliveryID, &d.WebhookID, &d.Event, &payload, &d.Attempts,
		&d.NextAttemptAt, &d.Status, &d.ResponseCode, &d.ResponseMillis,
		&d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}
