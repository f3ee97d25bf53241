package postgres

import (
	"context"
	"time"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

const jobColumns = `job_id, kind, target_id, payload, status, retry_count, max_retries,
	next_attempt_at, started_at, completed_at, failed_at, error, created_at, updated_at`

// PutJob stores a job row.
func (p *PostgresProvider) PutJob(ctx context.Context, job types.Job) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO UPDATE SET
			status          = EXCLUDED.status,
			retry_count     = EXCLUDED.retry_count,
			next_attempt_at = EXCLUDED.next_attempt_at,
			started_at      = EXCLUDED.started_at,
			completed_at    = EXCLUDED.completed_at,
			failed_at       = EXCLUDED.failed_at,
			error           = EXCLUDED.error,
			updated_at      = EXCLUDED.updated_at
	`, job.JobID, job.Kind, job.TargetID, []byte(job.Payload), string(job.Status),
		job.RetryCount, job.MaxRetries, job.NextAttemptAt, job.StartedAt,
		job.CompletedAt, job.FailedAt, job.Error, job.CreatedAt, job.UpdatedAt)
	return err
}

// GetJob returns one job row.
func (p *PostgresProvider) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	j, err := p.scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE job_id = $1
	`, jobID))
	if err != nil {
		if isNoRows(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// ClaimJob moves PENDING -> RUNNING unless another RUNNING job holds the
// same target. The partial unique index on (target_id) WHERE RUNNING
// backstops the NOT EXISTS guard under concurrency.
func (p *PostgresProvider) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status = 'RUNNING', started_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status = 'PENDING'
		  AND NOT EXISTS (
			SELECT 1 FROM jobs running
			WHERE running.target_id = jobs.target_id
			  AND running.status = 'RUNNING'
			  AND running.job_id <> jobs.job_id
		  )
	`, jobID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish a lost claim from a missing job.
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, provider.ErrNotFound
	}
	return false, nil
}

// UpdateJob writes a job row guarded by the status CAS.
func (p *PostgresProvider) UpdateJob(ctx context.Context, job types.Job, expectStatus types.JobStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET
			status          = $2,
			retry_count     = $3,
			next_attempt_at = $4,
			started_at      = $5,
			completed_at    = $6,
			failed_at       = $7,
			error           = $8,
			updated_at      = $9
		WHERE job_id = $1 AND status = $10
	`, job.JobID, string(job.Status), job.RetryCount, job.NextAttemptAt, job.StartedAt,
		job.CompletedAt, job.FailedAt, job.Error, job.UpdatedAt, string(expectStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, job.JobID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return provider.ErrNotFound
		}
		return provider.ErrVersionConflict
	}
	return nil
}

// DueJobs returns PENDING jobs with nextAttemptAt <= now, soonest first.
func (p *PostgresProvider) DueJobs(ctx context.Context, now time.Time, limit int) ([]types.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		j, err := p.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresProvider) scanJob(row rowScanner) (*types.Job, error) {
	var (
		j       types.Job
		payload []byte
	)
	if err := row.Scan(&j.JobID, &j.Kind, &j.TargetID, &payload, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.NextAttemptAt, &j.StartedAt,
		&j.CompletedAt, &j.FailedAt, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = payload
	return &j, nil
}
