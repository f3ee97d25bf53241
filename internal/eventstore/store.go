// Package eventstore layers the append-only event log API over a storage
// provider: optimistic appends, lazy stream reads, and snapshot-accelerated
// state reconstruction.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"

	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

const defaultSnapshotEvery = 50

// Store is the event store facade shared by the orchestrator and the
// recovery paths.
type Store struct {
	provider      provider.Provider
	snapshotEvery int64
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Store. snapshotEvery <= 0 selects the default cadence.
func New(p provider.Provider, snapshotEvery int64, logger *slog.Logger) *Store {
	if snapshotEvery <= 0 {
		snapshotEvery = defaultSnapshotEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider:      p,
		snapshotEvery: snapshotEvery,
		logger:        logger,
		now:           time.Now,
	}
}

// Append writes one event at expectedVersion+1. It fails with
// provider.ErrVersionConflict when the stream head moved; the caller must
// reload and retry. This is the sole concurrency-control mechanism.
func (s *Store) Append(ctx context.Context, aggregateID string, aggregateType types.AggregateType, eventType types.EventType, payload json.RawMessage, metadata map[string]string, expectedVersion int64) (types.Event, error) {
	event := types.Event{
		EventID:       ulid.Make().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		Version:       expectedVersion + 1,
		Timestamp:     s.now().UTC(),
		Payload:       payload,
		Metadata:      metadata,
	}
	if err := s.provider.AppendEvent(ctx, event, expectedVersion); err != nil {
		if errors.Is(err, provider.ErrVersionConflict) {
			metrics.VersionConflicts.Add(1)
			return types.Event{}, fmt.Errorf("append %s to %s at version %d: %w", eventType, aggregateID, expectedVersion, err)
		}
		return types.Event{}, fmt.Errorf("append %s to %s: %w", eventType, aggregateID, err)
	}
	metrics.EventsAppended.Add(1)
	return event, nil
}

// AppendAtHead appends at whatever the current head is, reloading on
// conflict with capped exponential backoff. Use only for events whose
// validity does not depend on the head version (audit-style records).
func (s *Store) AppendAtHead(ctx context.Context, aggregateID string, aggregateType types.AggregateType, eventType types.EventType, payload json.RawMessage, metadata map[string]string) (types.Event, error) {
	op := func() (types.Event, error) {
		head, err := s.provider.HeadVersion(ctx, aggregateID)
		if err != nil {
			return types.Event{}, backoff.Permanent(err)
		}
		event, err := s.Append(ctx, aggregateID, aggregateType, eventType, payload, metadata, head)
		if err != nil {
			if errors.Is(err, provider.ErrVersionConflict) {
				return types.Event{}, err // retryable
			}
			return types.Event{}, backoff.Permanent(err)
		}
		return event, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	event, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(8))
	if err != nil {
		return types.Event{}, fmt.Errorf("append at head of %s: %w", aggregateID, err)
	}
	return event, nil
}

// LoadStream returns a lazy reader over events with version > fromVersion.
// The reader pages through the provider and is restartable from any
// version by calling LoadStream again.
func (s *Store) LoadStream(aggregateID string, fromVersion int64) *Stream {
	return &Stream{
		provider:    s.provider,
		aggregateID: aggregateID,
		cursor:      fromVersion,
		batchSize:   100,
	}
}

// LoadState returns the latest snapshot state and its version, or a zero
// state at version 0 when no snapshot exists. Callers replay events above
// the returned version to reconstruct current state.
func (s *Store) LoadState(ctx context.Context, aggregateID string) (json.RawMessage, int64, error) {
	snap, err := s.provider.GetSnapshot(ctx, aggregateID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("loading snapshot for %s: %w", aggregateID, err)
	}
	return snap.State, snap.Version, nil
}

// SaveSnapshot stores a snapshot. Snapshots are advisory caches: failures
// here are safe to ignore for correctness.
func (s *Store) SaveSnapshot(ctx context.Context, aggregateID string, aggregateType types.AggregateType, version int64, state json.RawMessage) error {
	err := s.provider.SaveSnapshot(ctx, types.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		State:         state,
		Timestamp:     s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("saving snapshot for %s at %d: %w", aggregateID, version, err)
	}
	metrics.SnapshotsSaved.Add(1)
	return nil
}

// ShouldSnapshot reports whether the cadence policy calls for a snapshot
// after appending the event at the given version.
func (s *Store) ShouldSnapshot(version int64) bool {
	return version > 0 && version%s.snapshotEvery == 0
}

// Archive marks events at or below uptoVersion as cold-storage
// candidates. Flag-based backends keep serving them; TTL-based backends
// eventually expire them, so callers must hold a snapshot at
// uptoVersion or above before archiving.
func (s *Store) Archive(ctx context.Context, aggregateID string, uptoVersion int64) error {
	if uptoVersion <= 0 {
		return nil
	}
	if err := s.provider.ArchiveEvents(ctx, aggregateID, uptoVersion); err != nil {
		return fmt.Errorf("archiving %s up to %d: %w", aggregateID, uptoVersion, err)
	}
	metrics.EventsArchived.Add(1)
	return nil
}

// Rebuild reconstructs current state by folding events above the snapshot
// version into the snapshot state with apply.
func (s *Store) Rebuild(ctx context.Context, aggregateID string, apply func(state json.RawMessage, e types.Event) (json.RawMessage, error)) (json.RawMessage, int64, error) {
	state, version, err := s.LoadState(ctx, aggregateID)
	if err != nil {
		return nil, 0, err
	}

	stream := s.LoadStream(aggregateID, version)
	for stream.Next(ctx) {
		e := stream.Event()
		state, err = apply(state, e)
		if err != nil {
			return nil, 0, fmt.Errorf("applying event %s v%d: %w", e.EventID, e.Version, err)
		}
		version = e.Version
	}
	if err := stream.Err(); err != nil {
		return nil, 0, fmt.Errorf("reading stream for %s: %w", aggregateID, err)
	}
	return state, version, nil
}

// Stream pages lazily through one aggregate's events in version order.
type Stream struct {
	provider    provider.Provider
	aggregateID string
	cursor      int64
	batchSize   int

	buf []types.Event
	cur types.Event
	err error
	eof bool
}

// Next advances to the next event, fetching a page when needed. It
// returns false at end of stream or on error; check Err afterwards.
func (st *Stream) Next(ctx context.Context) bool {
	if st.err != nil {
		return false
	}
	if len(st.buf) == 0 {
		if st.eof {
			return false
		}
		batch, err := st.provider.ListEvents(ctx, st.aggregateID, st.cursor, st.batchSize)
		if err != nil {
			st.err = err
			return false
		}
		if len(batch) == 0 {
			st.eof = true
			return false
		}
		if len(batch) < st.batchSize {
			st.eof = true
		}
		st.buf = batch
	}
	st.cur = st.buf[0]
	st.buf = st.buf[1:]
	st.cursor = st.cur.Version
	return true
}

// Event returns the event positioned by the last successful Next.
func (st *Stream) Event() types.Event { return st.cur }

// Err returns the first error encountered while paging.
func (st *Stream) Err() error { return st.err }
