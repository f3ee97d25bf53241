package postgres

import (
	"context"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// GetHealth returns the health row for an integration.
func (p *PostgresProvider) GetHealth(ctx context.Context, integrationID string) (*types.DataSourceHealth, error) {
	var h types.DataSourceHealth
	err := p.pool.QueryRow(ctx, `
		SELECT integration_id, status, consecutive_errors, error_count, last_error,
			alert_threshold, rate_limit_reset_at, last_alert_sent_at, last_alert_status,
			last_known_schema, schema_change_detected, updated_at, version
		FROM health WHERE integration_id = $1
	`, integrationID).Scan(&h.IntegrationID, &h.Status, &h.ConsecutiveErrors, &h.ErrorCount,
		&h.LastError, &h.AlertThreshold, &h.RateLimitResetAt, &h.LastAlertSentAt,
		&h.LastAlertStatus, &h.LastKnownSchema, &h.SchemaChangeDetected, &h.UpdatedAt, &h.Version)
	if err != nil {
		if isNoRows(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

// PutHealth writes the health row guarded by the version CAS.
func (p *PostgresProvider) PutHealth(ctx context.Context, h types.DataSourceHealth, expectedVersion int64) error {
	if expectedVersion == 0 {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO health (integration_id, status, consecutive_errors, error_count,
				last_error, alert_threshold, rate_limit_reset_at, last_alert_sent_at,
				last_alert_status, last_known_schema, schema_change_detected, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
			ON CONFLICT (integration_id) DO NOTHING
		`, h.IntegrationID, string(h.Status), h.ConsecutiveErrors, h.ErrorCount,
			h.LastError, h.AlertThreshold, h.RateLimitResetAt, h.LastAlertSentAt,
			string(h.LastAlertStatus), h.LastKnownSchema, h.SchemaChangeDetected, h.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return provider.ErrVersionConflict
		}
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE health SET
			status                 = $2,
			consecutive_errors     = $3,
			error_count            = $4,
			last_error             = $5,
			alert_threshold        = $6,
			rate_limit_reset_at    = $7,
			last_alert_sent_at     = $8,
			last_alert_status      = $9,
			last_known_schema      = $10,
			schema_change_detected = $11,
			updated_at             = $12,
			version                = $13 + 1
		WHERE integration_id = $1 AND version = $13
	`, h.IntegrationID, string(h.Status), h.ConsecutiveErrors, h.ErrorCount,
		h.LastError, h.AlertThreshold, h.RateLimitResetAt, h.LastAlertSentAt,
		string(h.LastAlertStatus), h.LastKnownSchema, h.SchemaChangeDetected, h.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return provider.ErrVersionConflict
	}
	return nil
}

// AppendHealthCheck appends one history row.
func (p *PostgresProvider) AppendHealthCheck(ctx context.Context, check types.HealthCheck) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO health_checks (check_id, integration_id, status, latency_millis, error, schema_hash, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, check.CheckID, check.IntegrationID, string(check.Status), check.LatencyMillis,
		check.Error, check.SchemaHash, check.CheckedAt)
	return err
}

// ListHealthChecks returns the most recent checks, newest first.
func (p *PostgresProvider) ListHealthChecks(ctx context.Context, integrationID string, limit int) ([]types.HealthCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT check_id, integration_id, status, latency_millis, error, schema_hash, checked_at
		FROM health_checks
		WHERE integration_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.HealthCheck
	for rows.Next() {
		var c types.HealthCheck
		if err := rows.Scan(&c.CheckID, &c.IntegrationID, &c.Status, &c.LatencyMillis,
			&c.Error, &c.SchemaHash, &c.CheckedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
