package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider/memory"
	"github.com/porticohq/portico/pkg/types"
)

func putSaga(t *testing.T, store *memory.MemoryProvider, sagaID string, status types.SagaStatus, started, heartbeat time.Time) {
	t.Helper()
	err := store.PutSagaState(context.Background(), types.SagaState{
		SagaID:      sagaID,
		Type:        "cache-refresh",
		Status:      status,
		StartedAt:   started,
		HeartbeatAt: heartbeat,
	}, 0)
	require.NoError(t, err)
}

func TestStaleSagasAreResumed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	putSaga(t, store, "saga-stale", types.SagaRunning, now.Add(-10*time.Minute), now.Add(-5*time.Minute))
	putSaga(t, store, "saga-fresh", types.SagaRunning, now.Add(-10*time.Minute), now.Add(-10*time.Second))
	putSaga(t, store, "saga-done", types.SagaCompleted, now.Add(-time.Hour), now.Add(-time.Hour))

	var resumedIDs []string
	resumed := CheckStaleSagas(ctx, CheckOptions{
		Provider: store,
		Now:      now,
		ResumeFn: func(_ context.Context, sagaID string) (*types.SagaState, error) {
			resumedIDs = append(resumedIDs, sagaID)
			return &types.SagaState{SagaID: sagaID}, nil
		},
	})

	require.Len(t, resumed, 1)
	assert.Equal(t, "saga-stale", resumed[0].SagaID)
	assert.Equal(t, []string{"saga-stale"}, resumedIDs)
	assert.Equal(t, 5*time.Minute, resumed[0].Stale)
}

func TestOverlongSagaRaisesStuckAlert(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	putSaga(t, store, "saga-old", types.SagaRunning, now.Add(-2*time.Hour), now.Add(-5*time.Minute))

	var alerts []types.Alert
	CheckStaleSagas(ctx, CheckOptions{
		Provider: store,
		Now:      now,
		AlertFn:  func(_ context.Context, a types.Alert) { alerts = append(alerts, a) },
	})

	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertSagaStuck, alerts[0].Kind)
	assert.Equal(t, "saga-old", alerts[0].SubjectID)
}

func TestResumeLockReleasedAfterFailedResume(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	putSaga(t, store, "saga-stale", types.SagaRunning, now.Add(-10*time.Minute), now.Add(-5*time.Minute))

	// Resumption fails, so the saga stays RUNNING with a stale heartbeat
	// and the lock is released for the next scan to try again.
	failures := 0
	opts := CheckOptions{
		Provider: store,
		Now:      now,
		ResumeFn: func(_ context.Context, sagaID string) (*types.SagaState, error) {
			failures++
			return nil, assert.AnError
		},
	}
	resumed := CheckStaleSagas(ctx, opts)
	assert.Empty(t, resumed)
	assert.Equal(t, 1, failures)

	resumed = CheckStaleSagas(ctx, opts)
	assert.Empty(t, resumed)
	assert.Equal(t, 2, failures, "a released lock allows the next scan to retry")
}

func TestAlertOnlyModeWithoutResumeFn(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	putSaga(t, store, "saga-stale", types.SagaRunning, now.Add(-10*time.Minute), now.Add(-5*time.Minute))

	resumed := CheckStaleSagas(ctx, CheckOptions{Provider: store, Now: now})
	assert.Empty(t, resumed)
}
