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

// TestAlerts verifies alert persistence and newest-first listing.
func TestAlerts(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		alert := types.Alert{
			AlertID:   fmt.Sprintf("ct-alert-%d", i),
			Kind:      types.AlertIntegrationDown,
			Level:     types.AlertLevelError,
			SubjectID: "ct-int-alerts",
			Message:   fmt.Sprintf("down %d", i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, prov.PutAlert(ctx, alert))
	}
	other := types.Alert{
		AlertID:   "ct-alert-other",
		Kind:      types.AlertSagaFailed,
		Level:     types.AlertLevelError,
		SubjectID: "ct-saga-alerts",
		Message:   "saga failed",
		Timestamp: now,
	}
	require.NoError(t, prov.PutAlert(ctx, other))

	alerts, err := prov.ListAlerts(ctx, "ct-int-alerts", 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "ct-alert-2", alerts[0].AlertID)
	assert.Equal(t, "ct-alert-1", alerts[1].AlertID)

	all, err := prov.ListAllAlerts(ctx, 50)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, a := range all {
		ids = append(ids, a.AlertID)
	}
	assert.Contains(t, ids, "ct-alert-other")
	assert.Contains(t, ids, "ct-alert-0")
}
