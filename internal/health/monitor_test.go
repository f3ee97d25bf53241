package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider/memory"
	"github.com/porticohq/portico/pkg/types"
)

type alertRecorder struct {
	alerts []types.Alert
}

func (r *alertRecorder) fn() func(context.Context, types.Alert) {
	return func(_ context.Context, a types.Alert) { r.alerts = append(r.alerts, a) }
}

func newTestMonitor(t *testing.T, threshold, cooldownMinutes int) (*Monitor, *alertRecorder, *time.Time) {
	t.Helper()
	rec := &alertRecorder{}
	m := New(memory.New(), types.HealthConfig{
		AlertThreshold:       threshold,
		AlertCooldownMinutes: cooldownMinutes,
	}, rec.fn(), nil)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, rec, &now
}

func failing() Outcome {
	return Outcome{Err: errors.New("connect timeout"), Category: types.FailureTransient}
}

func TestThresholdFailuresReachDownWithOneAlert(t *testing.T) {
	ctx := context.Background()
	m, rec, _ := newTestMonitor(t, 3, 30)

	h, err := m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	assert.Equal(t, types.HealthDegraded, h.Status)
	assert.Equal(t, 1, h.ConsecutiveErrors)

	h, err = m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	assert.Equal(t, types.HealthDegraded, h.Status)

	h, err = m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	assert.Equal(t, types.HealthDown, h.Status)
	assert.Equal(t, 3, h.ConsecutiveErrors)

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, types.AlertIntegrationDown, rec.alerts[0].Kind)

	// A fourth failure stays DOWN and is suppressed by the cooldown.
	h, err = m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	assert.Equal(t, types.HealthDown, h.Status)
	assert.Len(t, rec.alerts, 1)
}

func TestSuccessResetsToHealthy(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t, 3, 30)

	for i := 0; i < 3; i++ {
		_, err := m.Record(ctx, "int-1", failing())
		require.NoError(t, err)
	}

	h, err := m.Record(ctx, "int-1", Outcome{Latency: 120 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveErrors)
	assert.Empty(t, h.LastError)
}

func TestCooldownExpiryAllowsSecondAlert(t *testing.T) {
	ctx := context.Background()
	m, rec, now := newTestMonitor(t, 1, 30)

	_, err := m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	require.Len(t, rec.alerts, 1)

	*now = now.Add(10 * time.Minute)
	_, err = m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	assert.Len(t, rec.alerts, 1, "within cooldown: suppressed")

	*now = now.Add(25 * time.Minute)
	_, err = m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	assert.Len(t, rec.alerts, 2, "after cooldown: alert fires again")
}

func TestRateLimitedSideState(t *testing.T) {
	ctx := context.Background()
	m, rec, now := newTestMonitor(t, 3, 30)

	reset := now.Add(15 * time.Minute)
	h, err := m.Record(ctx, "int-1", Outcome{
		Err:              errors.New("429 too many requests"),
		Category:         types.FailureRateLimited,
		RateLimitResetAt: &reset,
	})
	require.NoError(t, err)
	assert.Equal(t, types.HealthRateLimited, h.Status)
	require.NotNil(t, h.RateLimitResetAt)
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, types.AlertIntegrationLimited, rec.alerts[0].Kind)

	// Short-circuit until the reset time passes.
	allowed, err := m.Allow(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	*now = now.Add(20 * time.Minute)
	allowed, err = m.Allow(ctx, "int-1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowShortCircuitsWhenDown(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t, 1, 30)

	_, err := m.Record(ctx, "int-1", failing())
	require.NoError(t, err)

	allowed, err := m.Allow(ctx, "int-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = m.Allow(ctx, "int-unknown")
	require.NoError(t, err)
	assert.True(t, allowed, "never-checked integrations default to allowed")
}

func TestSchemaChangeDetectionAndAcknowledgement(t *testing.T) {
	ctx := context.Background()
	m, rec, _ := newTestMonitor(t, 3, 30)

	// First successful check establishes the baseline.
	h, err := m.Record(ctx, "int-1", Outcome{SchemaHash: "aaaa"})
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, h.Status)
	assert.Equal(t, "aaaa", h.LastKnownSchema)

	// A different shape flips to SCHEMA_CHANGED.
	h, err = m.Record(ctx, "int-1", Outcome{SchemaHash: "bbbb"})
	require.NoError(t, err)
	assert.Equal(t, types.HealthSchemaChanged, h.Status)
	assert.True(t, h.SchemaChangeDetected)
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, types.AlertSchemaChanged, rec.alerts[0].Kind)

	// Further successful checks do not clear it.
	h, err = m.Record(ctx, "int-1", Outcome{SchemaHash: "bbbb"})
	require.NoError(t, err)
	assert.Equal(t, types.HealthSchemaChanged, h.Status)

	// Explicit acknowledgement clears it and adopts the new baseline.
	require.NoError(t, m.AcknowledgeSchemaChange(ctx, "int-1"))
	h, err = m.Get(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, h.Status)
	assert.False(t, h.SchemaChangeDetected)
	assert.Equal(t, "bbbb", h.LastKnownSchema)
}

func TestHealthCheckHistoryIsAppended(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := New(store, types.HealthConfig{AlertThreshold: 3}, nil, nil)

	_, err := m.Record(ctx, "int-1", failing())
	require.NoError(t, err)
	_, err = m.Record(ctx, "int-1", Outcome{Latency: 80 * time.Millisecond})
	require.NoError(t, err)

	checks, err := store.ListHealthChecks(ctx, "int-1", 10)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, types.HealthHealthy, checks[0].Status, "newest first")
	assert.Equal(t, types.HealthDegraded, checks[1].Status)
	assert.Contains(t, checks[1].Error, "connect timeout")
}
