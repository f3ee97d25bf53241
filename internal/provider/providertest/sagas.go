package providertest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

func newSagaState(sagaID string) types.SagaState {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return types.SagaState{
		SagaID:      sagaID,
		Type:        "ct-saga-type",
		Status:      types.SagaRunning,
		Context:     json.RawMessage(`{"portalId":"p1"}`),
		StartedAt:   now,
		HeartbeatAt: now,
	}
}

// TestSagaStatePutGet verifies create, read, and not-found behavior.
func TestSagaStatePutGet(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	state := newSagaState("ct-saga-pg")
	require.NoError(t, prov.PutSagaState(ctx, state, 0))

	got, err := prov.GetSagaState(ctx, "ct-saga-pg")
	require.NoError(t, err)
	assert.Equal(t, types.SagaRunning, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"portalId":"p1"}`, string(got.Context))

	_, err = prov.GetSagaState(ctx, "ct-saga-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestSagaStateCAS verifies version-guarded writes reject stale versions.
func TestSagaStateCAS(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	state := newSagaState("ct-saga-cas")
	require.NoError(t, prov.PutSagaState(ctx, state, 0))

	// Creating again at version 0 conflicts
	err := prov.PutSagaState(ctx, state, 0)
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	// Correct version advances
	state.CurrentStep = 1
	require.NoError(t, prov.PutSagaState(ctx, state, 1))

	// Stale version is rejected
	state.CurrentStep = 2
	err = prov.PutSagaState(ctx, state, 1)
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	got, err := prov.GetSagaState(ctx, "ct-saga-cas")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, int64(2), got.Version)
}

// TestListRunningSagas verifies the stale-heartbeat filter.
func TestListRunningSagas(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newSagaState("ct-saga-stale")
	stale.HeartbeatAt = now.Add(-10 * time.Minute)
	require.NoError(t, prov.PutSagaState(ctx, stale, 0))

	fresh := newSagaState("ct-saga-fresh")
	fresh.HeartbeatAt = now
	require.NoError(t, prov.PutSagaState(ctx, fresh, 0))

	done := newSagaState("ct-saga-done")
	done.Status = types.SagaCompleted
	done.HeartbeatAt = now.Add(-10 * time.Minute)
	require.NoError(t, prov.PutSagaState(ctx, done, 0))

	sagas, err := prov.ListRunningSagas(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(sagas))
	for _, s := range sagas {
		ids = append(ids, s.SagaID)
	}
	assert.Contains(t, ids, "ct-saga-stale")
	assert.NotContains(t, ids, "ct-saga-fresh")
	assert.NotContains(t, ids, "ct-saga-done")
}
