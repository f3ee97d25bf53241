package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// AppendEvent appends one event, enforcing the gapless version
// invariant: the insert only lands when the stream head still equals
// expectedVersion. The (aggregate_id, version) primary key backstops
// the race where two writers pass the head check at once.
func (p *PostgresProvider) AppendEvent(ctx context.Context, event types.Event, expectedVersion int64) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO events (aggregate_id, version, event_id, aggregate_type, event_type, timestamp, payload, metadata)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE (SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1) = $9
	`, event.AggregateID, expectedVersion+1, event.EventID, string(event.AggregateType),
		string(event.Type), event.Timestamp, []byte(event.Payload), metadata, expectedVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return provider.ErrVersionConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return provider.ErrVersionConflict
	}
	return nil
}

// ListEvents returns events with version > fromVersion, ascending.
func (p *PostgresProvider) ListEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version, timestamp, payload, metadata, archived
		FROM events
		WHERE aggregate_id = $1 AND version > $2
		ORDER BY version
		LIMIT $3
	`, aggregateID, fromVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			e        types.Event
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(&e.EventID, &e.AggregateID, &e.AggregateType, &e.Type,
			&e.Version, &e.Timestamp, &payload, &metadata, &e.Archived); err != nil {
			return nil, err
		}
		e.Payload = payload
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HeadVersion returns the current head version, 0 for an empty stream.
func (p *PostgresProvider) HeadVersion(ctx context.Context, aggregateID string) (int64, error) {
	var head int64
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1
	`, aggregateID).Scan(&head)
	return head, err
}

// ArchiveEvents marks events at or below uptoVersion as archived.
func (p *PostgresProvider) ArchiveEvents(ctx context.Context, aggregateID string, uptoVersion int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE events SET archived = TRUE
		WHERE aggregate_id = $1 AND version <= $2
	`, aggregateID, uptoVersion)
	return err
}

// SaveSnapshot upserts the snapshot, keeping the newest version.
func (p *PostgresProvider) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			version   = EXCLUDED.version,
			state     = EXCLUDED.state,
			timestamp = EXCLUDED.timestamp
		WHERE snapshots.version <= EXCLUDED.version
	`, snap.AggregateID, string(snap.AggregateType), snap.Version, []byte(snap.State), snap.Timestamp)
	return err
}

// GetSnapshot returns the latest snapshot for the aggregate.
func (p *PostgresProvider) GetSnapshot(ctx context.Context, aggregateID string) (*types.Snapshot, error) {
	var (
		snap  types.Snapshot
		state []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, timestamp
		FROM snapshots WHERE aggregate_id = $1
	`, aggregateID).Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &state, &snap.Timestamp)
	if err != nil {
		if isNoRows(err) {
			return nil, provider.ErrNotFound
		}
		return nil, err
	}
	snap.State = state
	return &snap, nil
}
