package postgres

import (
	"context"
	"time"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// PutSagaState writes saga state guarded by the version CAS. The stored
// version becomes expectedVersion+1, matching the memory backend.
func (p *PostgresProvider) PutSagaState(ctx context.Context, state types.SagaState, expectedVersion int64) error {
	if expectedVersion == 0 {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO sagas (saga_id, saga_type, status, context, current_step,
				started_at, heartbeat_at, completed_at, failed_at, error, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
			ON CONFLICT (saga_id) DO NOTHING
		`, state.SagaID, state.Type, string(state.Status), []byte(state.Context), state.CurrentStep,
			state.StartedAt, state.HeartbeatAt, state.CompletedAt, state.FailedAt, state.Error)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return provider.ErrVersionConflict
		}
		return nil
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE sagas SET
			saga_type    = $2,
			status       = $3,
			context      = $4,
			current_step = $5,
			started_at   = $6,
			heartbeat_at = $7,
			completed_at = $8,
			failed_at    = $9,
			error        = $10,
			version      = $11 + 1
		WHERE saga_id = $1 AND version = $11
	`, state.SagaID, state.Type, string(state.Status), []byte(state.Context), state.CurrentStep,
		state.StartedAt, state.HeartbeatAt, state.CompletedAt, state.FailedAt, state.Error, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return provider.ErrVersionConflict
	}
	return nil
}

// GetSagaState returns one saga state row.
func (p *PostgresProvider) GetSagaState(ctx context.Context, sagaID string) (*types.SagaState, error) {
	var (
		st      types.SagaState
		context []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT saga_id, saga_type, status, context, current_step,
			started_at, heartbeat_at, completed_at, failed_at, error, version
		FROM sagas WHERE saga_id = $1
	`, sagaID).Scan(&st.SagaID, &st.Type, &st.Status, &context, &st.CurrentStep,
		&st.StartedAt, &st.HeartbeatAt, &st.CompletedAt, &st.FailedAt, &st.Error, &st.Version)
	if err != nil {
		if isNoRows(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	st.Context = context
	return &st, nil
}

// ListRunningSagas returns RUNNING sagas with a heartbeat older than the
// cutoff, stalest first.
func (p *PostgresProvider) ListRunningSagas(ctx context.Context, heartbeatBefore time.Time, limit int) ([]types.SagaState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT saga_id, saga_type, status, context, current_step,
			started_at, heartbeat_at, completed_at, failed_at, error, version
		FROM sagas
		WHERE status = 'RUNNING' AND heartbeat_at < $1
		ORDER BY heartbeat_at
		LIMIT $2
	`, heartbeatBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SagaState
	for rows.Next() {
		var (
			st      types.SagaState
			context []byte
		)
		if err := rows.Scan(&st.SagaID, &st.Type, &st.Status, &context, &st.CurrentStep,
			&st.StartedAt, &st.HeartbeatAt, &st.CompletedAt, &st.FailedAt, &st.Error, &st.Version); err != nil {
			return nil, err
		}
		st.Context = context
		out = append(out, st)
	}
	return out, rows.Err()
}
