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

func newEndpoint(webhookID string) types.WebhookEndpoint {
	return types.WebhookEndpoint{
		WebhookID:         webhookID,
		URL:               "https://hooks.example.com/" + webhookID,
		Secret:            "ct-secret",
		MaxRetries:        3,
		RetryDelaySeconds: 60,
		TimeoutSeconds:    30,
		CreatedAt:         time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newDelivery(deliveryID, webhookID string) types.WebhookDelivery {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return types.WebhookDelivery{
		DeliveryID:    deliveryID,
		WebhookID:     webhookID,
		Event:         "portal.published",
		Payload:       json.RawMessage(`{"portalId":"p1"}`),
		Status:        types.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TestWebhookPutGet verifies endpoint storage and not-found behavior.
func TestWebhookPutGet(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutWebhook(ctx, newEndpoint("ct-wh-pg")))

	got, err := prov.GetWebhook(ctx, "ct-wh-pg")
	require.NoError(t, err)
	assert.Equal(t, "ct-secret", got.Secret)
	assert.Equal(t, 3, got.MaxRetries)

	_, err = prov.GetWebhook(ctx, "ct-wh-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestWebhookCounters verifies success/failure counter bumps.
func TestWebhookCounters(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutWebhook(ctx, newEndpoint("ct-wh-counters")))

	require.NoError(t, prov.BumpWebhookCounters(ctx, "ct-wh-counters", true))
	require.NoError(t, prov.BumpWebhookCounters(ctx, "ct-wh-counters", true))
	require.NoError(t, prov.BumpWebhookCounters(ctx, "ct-wh-counters", false))

	got, err := prov.GetWebhook(ctx, "ct-wh-counters")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailureCount)

	err = prov.BumpWebhookCounters(ctx, "ct-wh-missing", true)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

// TestDeliveryLifecycle verifies claim and status-guarded updates.
func TestDeliveryLifecycle(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	require.NoError(t, prov.PutWebhook(ctx, newEndpoint("ct-wh-life")))
	require.NoError(t, prov.PutDelivery(ctx, newDelivery("ct-del-life", "ct-wh-life")))

	ok, err := prov.ClaimDelivery(ctx, "ct-del-life")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim loses
	ok, err = prov.ClaimDelivery(ctx, "ct-del-life")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = prov.ClaimDelivery(ctx, "ct-del-missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	// Record a retry outcome
	d, err := prov.GetDelivery(ctx, "ct-del-life")
	require.NoError(t, err)
	d.Status = types.DeliveryRetrying
	d.Attempts = 1
	d.ResponseCode = 503
	d.NextAttemptAt = time.Now().UTC().Add(-time.Second)
	require.NoError(t, prov.UpdateDelivery(ctx, *d, types.DeliveryRunning))

	// RETRYING claims again
	ok, err = prov.ClaimDelivery(ctx, "ct-del-life")
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale expected status is rejected
	d.Status = types.DeliverySuccess
	err = prov.UpdateDelivery(ctx, *d, types.DeliveryRetrying)
	assert.ErrorIs(t, err, provider.ErrVersionConflict)

	// Terminal success from RUNNING
	d.Attempts = 2
	d.ResponseCode = 200
	require.NoError(t, prov.UpdateDelivery(ctx, *d, types.DeliveryRunning))

	got, err := prov.GetDelivery(ctx, "ct-del-life")
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySuccess, got.Status)
	assert.Equal(t, 2, got.Attempts)

	// Terminal deliveries cannot be claimed
	ok, err = prov.ClaimDelivery(ctx, "ct-del-life")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestDueDeliveries verifies due filtering across PENDING and RETRYING.
func TestDueDeliveries(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, prov.PutWebhook(ctx, newEndpoint("ct-wh-due")))
	for i := 0; i < 2; i++ {
		d := newDelivery(fmt.Sprintf("ct-del-due-%d", i), "ct-wh-due")
		d.NextAttemptAt = now.Add(time.Duration(-i) * time.Minute)
		require.NoError(t, prov.PutDelivery(ctx, d))
	}
	future := newDelivery("ct-del-due-future", "ct-wh-due")
	future.NextAttemptAt = now.Add(time.Hour)
	require.NoError(t, prov.PutDelivery(ctx, future))

	due, err := prov.DueDeliveries(ctx, now, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, d := range due {
		ids = append(ids, d.DeliveryID)
	}
	assert.Contains(t, ids, "ct-del-due-0")
	assert.Contains(t, ids, "ct-del-due-1")
	assert.NotContains(t, ids, "ct-del-due-future")
}
