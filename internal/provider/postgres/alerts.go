package postgres

import (
	"context"
	"time"

	"github.com/porticohq/portico/pkg/types"
)

// PutAlert appends an alert row.
func (p *PostgresProvider) PutAlert(ctx context.Context, alert types.Alert) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alerts (alert_id, kind, level, subject_id, message, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, alert.AlertID, string(alert.Kind), string(alert.Level), alert.SubjectID, alert.Message, alert.Timestamp)
	return err
}

// ListAlerts returns alerts for one subject, newest first.
func (p *PostgresProvider) ListAlerts(ctx context.Context, subjectID string, limit int) ([]types.Alert, error) {
	return p.listAlerts(ctx, `WHERE subject_id = $2`, limit, subjectID)
}

// ListAllAlerts returns alerts across subjects, newest first.
func (p *PostgresProvider) ListAllAlerts(ctx context.Context, limit int) ([]types.Alert, error) {
	return p.listAlerts(ctx, ``, limit)
}

func (p *PostgresProvider) listAlerts(ctx context.Context, where string, limit int, extra ...any) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	args := append([]any{limit}, extra...)
	rows, err := p.pool.Query(ctx, `
		SELECT alert_id, kind, level, subject_id, message, timestamp
		FROM alerts `+where+`
		ORDER BY id DESC
		LIMIT $1
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		var a types.Alert
		if err := rows.Scan(&a.AlertID, &a.Kind, &a.Level, &a.SubjectID, &a.Message, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcquireLock takes the lock if free or expired.
func (p *PostgresProvider) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO locks (key, expires_at) VALUES ($1, NOW() + $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at < NOW()
	`, key, ttl)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock frees the lock.
func (p *PostgresProvider) ReleaseLock(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM locks WHERE key = $1`, key)
	return err
}
