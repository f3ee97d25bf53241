package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/integration"
	"github.com/porticohq/portico/internal/retry"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/webhook"
)

// SagaPortalRefresh rebuilds one portal's dashboard cache from its
// upstream integration and notifies subscribed webhooks.
const SagaPortalRefresh = "portal-refresh"

// portalRefreshContext is the saga context document. The sync step
// folds fetched data in; later steps read it back out.
type portalRefreshContext struct {
	PortalID      string            `json:"portalId"`
	IntegrationID string            `json:"integrationId,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	WebhookIDs    []string          `json:"webhookIds,omitempty"`
	Data          json.RawMessage   `json:"data,omitempty"`
	RefreshedAt   time.Time         `json:"refreshedAt,omitempty"`
}

type sagaDeps struct {
	client   integration.Client
	monitor  *health.Monitor
	webhooks *webhook.Engine
	logger   *slog.Logger
}

// registerSagas installs the built-in saga definitions.
func registerSagas(registry *saga.Registry, deps sagaDeps) error {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	return registry.Register(saga.Definition{
		Type: SagaPortalRefresh,
		Steps: []saga.Step{
			{
				Name: "sync-source",
				Integration: func(sagaContext json.RawMessage) string {
					var pc portalRefreshContext
					_ = json.Unmarshal(sagaContext, &pc)
					return pc.IntegrationID
				},
				Run: deps.syncSource,
			},
			{
				Name: "rebuild-cache",
				Run:  deps.rebuildCache,
			},
			{
				Name: "notify-subscribers",
				Run:  deps.notifySubscribers,
			},
		},
	})
}

// syncSource fetches the portal's upstream data and folds the outcome
// into the integration's health row. Portals without an integration
// skip the fetch.
func (d sagaDeps) syncSource(ctx context.Context, sagaContext json.RawMessage, _ string) saga.StepResult {
	var pc portalRefreshContext
	if err := json.Unmarshal(sagaContext, &pc); err != nil {
		return saga.Fail(fmt.Sprintf("decoding saga context: %v", err))
	}
	if pc.IntegrationID == "" {
		return saga.Continue(nil)
	}

	res, err := d.client.Fetch(ctx, pc.IntegrationID, pc.Params)
	if err != nil {
		ie := integration.AsError(err)
		outcome := health.Outcome{Err: err, Category: ie.Category}
		if ie.RetryAfter > 0 {
			resetAt := time.Now().UTC().Add(ie.RetryAfter)
			outcome.RateLimitResetAt = &resetAt
		}
		if _, recErr := d.monitor.Record(ctx, pc.IntegrationID, outcome); recErr != nil {
			d.logger.Error("refresh: recording failed check", "integration", pc.IntegrationID, "error", recErr)
		}

		if retry.IsRetryable(ie.Category) {
			return saga.Retry(err.Error())
		}
		return saga.Fail(err.Error())
	}

	if _, recErr := d.monitor.Record(ctx, pc.IntegrationID, health.Outcome{
		SchemaHash: res.SchemaHash,
		Latency:    res.Latency,
	}); recErr != nil {
		d.logger.Error("refresh: recording check", "integration", pc.IntegrationID, "error", recErr)
	}

	pc.Data = res.Data
	updated, err := json.Marshal(pc)
	if err != nil {
		return saga.Fail(fmt.Sprintf("encoding saga context: %v", err))
	}
	return saga.Continue(updated)
}

// rebuildCache stamps the refreshed document. The portal service folds
// the StepCompleted event's context into its cache.
func (d sagaDeps) rebuildCache(_ context.Context, sagaContext json.RawMessage, _ string) saga.StepResult {
	var pc portalRefreshContext
	if err := json.Unmarshal(sagaContext, &pc); err != nil {
		return saga.Fail(fmt.Sprintf("decoding saga context: %v", err))
	}

	pc.RefreshedAt = time.Now().UTC()
	updated, err := json.Marshal(pc)
	if err != nil {
		return saga.Fail(fmt.Sprintf("encoding saga context: %v", err))
	}
	return saga.Continue(updated)
}

// notifySubscribers enqueues a portal.refreshed delivery to each
// subscribed webhook. The delivery engine owns retries from here.
func (d sagaDeps) notifySubscribers(ctx context.Context, sagaContext json.RawMessage, _ string) saga.StepResult {
	var pc portalRefreshContext
	if err := json.Unmarshal(sagaContext, &pc); err != nil {
		return saga.Fail(fmt.Sprintf("decoding saga context: %v", err))
	}

	payload, err := json.Marshal(map[string]any{
		"portalId":    pc.PortalID,
		"refreshedAt": pc.RefreshedAt,
	})
	if err != nil {
		return saga.Fail(fmt.Sprintf("encoding notification: %v", err))
	}

	for _, webhookID := range pc.WebhookIDs {
		if _, err := d.webhooks.Enqueue(ctx, webhookID, "portal.refreshed", payload); err != nil {
			return saga.Retry(fmt.Sprintf("enqueueing delivery to %s: %v", webhookID, err))
		}
	}
	return saga.Continue(nil)
}
