package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

func newJob(jobID, targetID string) types.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return types.Job{
		JobID:         jobID,
		Kind:          "cache-refresh",
		TargetID:      targetID,
		Payload:       json.RawMessage(`{"portalId":"p1"}`),
		Status:        types.JobPending,
		MaxRetries:    3,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TestJobPutGet verifies put, get, and not-found behavior.
func TestJobPutGet(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutJob(ctx, newJob("ct-job-pg", "ct-target-pg")))

	got, err := prov.GetJob(ctx, "ct-job-pg")
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, got.Status)
	assert.Equal(t, "cache-refresh", got.Kind)

	_, err = prov.GetJob(ctx, "ct-job-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestJobClaim verifies PENDING->RUNNING transitions and claim outcomes.
func TestJobClaim(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutJob(ctx, newJob("ct-job-claim", "ct-target-claim")))

	ok, err := prov.ClaimJob(ctx, "ct-job-claim")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses without error
	ok, err = prov.ClaimJob(ctx, "ct-job-claim")
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing job is an error
	_, err = prov.ClaimJob(ctx, "ct-job-claim-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	got, err := prov.GetJob(ctx, "ct-job-claim")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
}

// TestJobClaimOnePerTarget verifies at most one RUNNING job per target.
func TestJobClaimOnePerTarget(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutJob(ctx, newJob("ct-job-t1", "ct-target-shared")))
	require.NoError(t, prov.PutJob(ctx, newJob("ct-job-t2", "ct-target-shared")))

	ok, err := prov.ClaimJob(ctx, "ct-job-t1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same target already has a runner
	ok, err = prov.ClaimJob(ctx, "ct-job-t2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Completing the first frees the target
	first, err := prov.GetJob(ctx, "ct-job-t1")
	require.NoError(t, err)
	done := time.Now().UTC()
	first.Status = types.JobCompleted
	first.CompletedAt = &done
	first.UpdatedAt = done
	require.NoError(t, prov.UpdateJob(ctx, *first, types.JobRunning))

	ok, err = prov.ClaimJob(ctx, "ct-job-t2")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestJobUpdateCAS verifies the status-guarded update.
func TestJobUpdateCAS(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutJob(ctx, newJob("ct-job-cas", "ct-target-cas")))

	job, err := prov.GetJob(ctx, "ct-job-cas")
	require.NoError(t, err)

	// Wrong expected status is rejected
	job.Status = types.JobCompleted
	err = prov.UpdateJob(ctx, *job, types.JobRunning)
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	// Missing job is not-found
	missing := newJob("ct-job-cas-missing", "ct-target-x")
	err = prov.UpdateJob(ctx, missing, types.JobPending)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	// Correct expected status succeeds
	job.Status = types.JobCancelled
	require.NoError(t, prov.UpdateJob(ctx, *job, types.JobPending))

	got, err := prov.GetJob(ctx, "ct-job-cas")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, got.Status)
}

// TestDueJobs verifies due filtering and soonest-first ordering.
func TestDueJobs(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		job := newJob(fmt.Sprintf("ct-job-due-%d", i), fmt.Sprintf("ct-target-due-%d", i))
		job.NextAttemptAt = now.Add(time.Duration(-i) * time.Minute)
		require.NoError(t, prov.PutJob(ctx, job))
	}
	future := newJob("ct-job-due-future", "ct-target-due-future")
	future.NextAttemptAt = now.Add(time.Hour)
	require.NoError(t, prov.PutJob(ctx, future))

	jobs, err := prov.DueJobs(ctx, now, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.JobID)
	}
	assert.Contains(t, ids, "ct-job-due-0")
	assert.Contains(t, ids, "ct-job-due-1")
	assert.NotContains(t, ids, "ct-job-due-future")
}
