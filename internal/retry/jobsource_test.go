package retry

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

func TestJobSourceEnqueueAndRunToCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := NewJobSource(store, DefaultPolicy(), nil)

	var ran int
	src.Register("cache-refresh", func(_ context.Context, job types.Job) error {
		ran++
		assert.Equal(t, "portal-1", job.TargetID)
		return nil
	}, nil)

	job, err := src.Enqueue(ctx, "cache-refresh", "portal-1", nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, job.MaxRetries)

	s := NewScheduler(Config{Workers: 1, TaskTimeout: time.Second}, nil, nil, src)
	s.Poll(ctx)

	assert.Equal(t, 1, ran)
	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestJobSourceTransientFailureReschedules(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := NewJobSource(store, types.RetryPolicy{MaxAttempts: 3, BaseDelaySeconds: 60, MaxDelaySeconds: 3600}, nil)
	src.Register("cache-refresh", func(context.Context, types.Job) error {
		return Transient(errors.New("upstream 502"))
	}, nil)

	job, err := src.Enqueue(ctx, "cache-refresh", "portal-1", nil, 0)
	require.NoError(t, err)

	s := NewScheduler(Config{Workers: 1, TaskTimeout: time.Second}, nil, nil, src)
	s.Poll(ctx)

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextAttemptAt.After(time.Now()), "rescheduled into the future")
	assert.Contains(t, got.Error, "upstream 502")
}

func TestJobSourceExhaustionInvokesHook(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := NewJobSource(store, types.RetryPolicy{MaxAttempts: 1, BaseDelaySeconds: 1}, nil)

	var exhausted []string
	src.Register("saga-step", func(context.Context, types.Job) error {
		return Transient(errors.New("still down"))
	}, func(_ context.Context, job types.Job, cause error) {
		exhausted = append(exhausted, job.TargetID)
		assert.Contains(t, cause.Error(), "still down")
	})

	job, err := src.Enqueue(ctx, "saga-step", "saga-42", nil, 1)
	require.NoError(t, err)

	var alerts []types.Alert
	s := NewScheduler(Config{Workers: 1, TaskTimeout: time.Second},
		func(_ context.Context, a types.Alert) { alerts = append(alerts, a) }, nil, src)
	s.Poll(ctx)

	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
	assert.Equal(t, []string{"saga-42"}, exhausted)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertRetryExhausted, alerts[0].Kind)
}

func TestJobSourceCancelledJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := NewJobSource(store, DefaultPolicy(), nil)

	var ran int
	src.Register("cache-refresh", func(context.Context, types.Job) error {
		ran++
		return nil
	}, nil)

	job, err := src.Enqueue(ctx, "cache-refresh", "portal-1", nil, 0)
	require.NoError(t, err)
	require.NoError(t, src.Cancel(ctx, job.JobID))

	s := NewScheduler(Config{Workers: 1, TaskTimeout: time.Second}, nil, nil, src)
	s.Poll(ctx)

	assert.Zero(t, ran, "cancelled job must not execute")
	got, err := store.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
}

func TestJobSourceCancelTerminalJobRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := NewJobSource(store, DefaultPolicy(), nil)

	job, err := src.Enqueue(ctx, "cache-refresh", "portal-1", nil, 0)
	require.NoError(t, err)
	job.Status = types.JobCompleted
	require.NoError(t, store.UpdateJob(ctx, job, types.JobPending))

	err = src.Cancel(ctx, job.JobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid job transition")
}

func TestJobSourceOneRunningPerTarget(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := NewJobSource(store, DefaultPolicy(), nil)

	j1, err := src.Enqueue(ctx, "cache-refresh", "portal-1", nil, 0)
	require.NoError(t, err)
	j2, err := src.Enqueue(ctx, "cache-refresh", "portal-1", nil, 0)
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, j1.JobID)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = store.ClaimJob(ctx, j2.JobID)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim for the same target must lose")
}
