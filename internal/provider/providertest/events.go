package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

func appendN(t *testing.T, prov provider.Provider, aggregateID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := types.Event{
			EventID:       fmt.Sprintf("%s-ev-%d", aggregateID, i+1),
			AggregateID:   aggregateID,
			AggregateType: types.AggregateSaga,
			Type:          types.EventStepCompleted,
			Payload:       json.RawMessage(fmt.Sprintf(`{"step":%d}`, i+1)),
			Timestamp:     time.Now(),
		}
		require.NoError(t, prov.AppendEvent(ctx, ev, int64(i)))
	}
}

// TestEventAppendAndList verifies gapless version assignment and ordered reads.
func TestEventAppendAndList(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	appendN(t, prov, "ct-stream-al", 5)

	events, err := prov.ListEvents(ctx, "ct-stream-al", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Version)
	}

	head, err := prov.HeadVersion(ctx, "ct-stream-al")
	require.NoError(t, err)
	assert.Equal(t, int64(5), head)

	// Read from a cursor
	events, err = prov.ListEvents(ctx, "ct-stream-al", 3, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Version)

	// Limit applies
	events, err = prov.ListEvents(ctx, "ct-stream-al", 0, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

// TestEventVersionConflict verifies stale expectedVersion writes are rejected.
func TestEventVersionConflict(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	appendN(t, prov, "ct-stream-conflict", 2)

	ev := types.Event{
		EventID:       "ct-stream-conflict-stale",
		AggregateID:   "ct-stream-conflict",
		AggregateType: types.AggregateSaga,
		Type:          types.EventStepCompleted,
		Timestamp:     time.Now(),
	}
	err := prov.AppendEvent(ctx, ev, 1) // head is 2
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	// The stream is untouched
	head, err := prov.HeadVersion(ctx, "ct-stream-conflict")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

// TestEventAppendRace verifies exactly one concurrent append at the same
// expectedVersion wins.
func TestEventAppendRace(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	appendN(t, prov, "ct-stream-race", 1)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := types.Event{
				EventID:       fmt.Sprintf("ct-stream-race-w%d", i),
				AggregateID:   "ct-stream-race",
				AggregateType: types.AggregateSaga,
				Type:          types.EventStepCompleted,
				Timestamp:     time.Now(),
			}
			if err := prov.AppendEvent(ctx, ev, 1); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	head, err := prov.HeadVersion(ctx, "ct-stream-race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

// TestEventArchive verifies archival marks without deleting.
func TestEventArchive(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	appendN(t, prov, "ct-stream-arch", 4)

	require.NoError(t, prov.ArchiveEvents(ctx, "ct-stream-arch", 2))

	events, err := prov.ListEvents(ctx, "ct-stream-arch", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.True(t, events[0].Archived)
	assert.True(t, events[1].Archived)
	assert.False(t, events[2].Archived)
	assert.False(t, events[3].Archived)
}

// TestSnapshotPutGet verifies snapshot storage and not-found behavior.
func TestSnapshotPutGet(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	snap := types.Snapshot{
		AggregateID:   "ct-snap-pg",
		AggregateType: types.AggregateSaga,
		Version:       3,
		State:         json.RawMessage(`{"currentStep":3}`),
		Timestamp:     time.Now(),
	}
	require.NoError(t, prov.SaveSnapshot(ctx, snap))

	got, err := prov.GetSnapshot(ctx, "ct-snap-pg")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.JSONEq(t, `{"currentStep":3}`, string(got.State))

	_, err = prov.GetSnapshot(ctx, "ct-snap-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestSnapshotKeepsNewest verifies an older snapshot never replaces a newer one.
func TestSnapshotKeepsNewest(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	newer := types.Snapshot{
		AggregateID:   "ct-snap-newest",
		AggregateType: types.AggregateSaga,
		Version:       5,
		State:         json.RawMessage(`{"v":5}`),
		Timestamp:     time.Now(),
	}
	require.NoError(t, prov.SaveSnapshot(ctx, newer))

	older := newer
	older.Version = 2
	older.State = json.RawMessage(`{"v":2}`)
	require.NoError(t, prov.SaveSnapshot(ctx, older))

	got, err := prov.GetSnapshot(ctx, "ct-snap-newest")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)
}
