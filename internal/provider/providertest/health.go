package providertest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

func newHealth(integrationID string) types.DataSourceHealth {
	return types.DataSourceHealth{
		IntegrationID:  integrationID,
		Status:         types.HealthHealthy,
		AlertThreshold: 3,
		UpdatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

// TestHealthPutGet verifies create, read, and not-found behavior.
func TestHealthPutGet(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutHealth(ctx, newHealth("ct-int-pg"), 0))

	got, err := prov.GetHealth(ctx, "ct-int-pg")
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, got.Status)
	assert.Equal(t, int64(1), got.Version)

	_, err = prov.GetHealth(ctx, "ct-int-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestHealthCAS verifies version-guarded health writes.
func TestHealthCAS(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	h := newHealth("ct-int-cas")
	require.NoError(t, prov.PutHealth(ctx, h, 0))

	err := prov.PutHealth(ctx, h, 0)
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	h.Status = types.HealthDegraded
	h.ConsecutiveErrors = 2
	require.NoError(t, prov.PutHealth(ctx, h, 1))

	h.Status = types.HealthDown
	err = prov.PutHealth(ctx, h, 1)
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	got, err := prov.GetHealth(ctx, "ct-int-cas")
	require.NoError(t, err)
	assert.Equal(t, types.HealthDegraded, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

// TestHealthCheckHistory verifies append and newest-first listing.
func TestHealthCheckHistory(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 4; i++ {
		check := types.HealthCheck{
			CheckID:       fmt.Sprintf("ct-check-%d", i),
			IntegrationID: "ct-int-hist",
			Status:        types.HealthHealthy,
			LatencyMillis: int64(10 + i),
			CheckedAt:     now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, prov.AppendHealthCheck(ctx, check))
	}

	checks, err := prov.ListHealthChecks(ctx, "ct-int-hist", 3)
	require.NoError(t, err)
	require.Len(t, checks, 3)
	assert.Equal(t, "ct-check-3", checks[0].CheckID)
	assert.Equal(t, "ct-check-2", checks[1].CheckID)
	assert.Equal(t, "ct-check-1", checks[2].CheckID)
}
