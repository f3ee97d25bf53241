package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/eventstore"
	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/integration"
	"github.com/porticohq/portico/internal/provider/memory"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/webhook"
	"github.com/porticohq/portico/pkg/types"
)

type scriptedClient struct {
	result *integration.FetchResult
	err    error
	calls  int
}

func (c *scriptedClient) Fetch(context.Context, string, map[string]string) (*integration.FetchResult, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

type refreshHarness struct {
	prov    *memory.MemoryProvider
	orch    *saga.Orchestrator
	monitor *health.Monitor
	engine  *webhook.Engine
}

func newRefreshHarness(t *testing.T, client integration.Client) *refreshHarness {
	t.Helper()

	prov := memory.New()
	events := eventstore.New(prov, 50, nil)
	policy := types.RetryPolicy{MaxAttempts: 3, BaseDelaySeconds: 1, MaxDelaySeconds: 60}
	monitor := health.New(prov, types.HealthConfig{AlertThreshold: 3}, nil, nil)
	engine := webhook.NewEngine(prov, types.WebhookConfig{}, policy, nil, nil)

	registry := saga.NewRegistry()
	orch := saga.New(events, prov, registry, nil, monitor, policy, nil, nil)
	require.NoError(t, registerSagas(registry, sagaDeps{
		client:   client,
		monitor:  monitor,
		webhooks: engine,
		logger:   nil,
	}))

	return &refreshHarness{prov: prov, orch: orch, monitor: monitor, engine: engine}
}

func startRefreshSaga(t *testing.T, h *refreshHarness, pc portalRefreshContext) *types.SagaState {
	t.Helper()
	initial, err := json.Marshal(pc)
	require.NoError(t, err)
	state, err := h.orch.Start(context.Background(), SagaPortalRefresh, initial)
	require.NoError(t, err)
	return state
}

func TestPortalRefreshCompletes(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{result: &integration.FetchResult{
		Data:       json.RawMessage(`{"widgets":[{"id":"w1"}]}`),
		SchemaHash: "hash-1",
		Latency:    20 * time.Millisecond,
	}}
	h := newRefreshHarness(t, client)

	wh, err := h.engine.RegisterEndpoint(ctx, types.WebhookEndpoint{
		URL:    "https://hooks.example.com/portico",
		Secret: "s3cret",
	})
	require.NoError(t, err)

	state := startRefreshSaga(t, h, portalRefreshContext{
		PortalID:      "portal-1",
		IntegrationID: "crm",
		WebhookIDs:    []string{wh.WebhookID},
	})

	assert.Equal(t, types.SagaCompleted, state.Status)
	assert.Equal(t, 1, client.calls)

	// The fetched data and refresh stamp are folded into the context.
	var pc portalRefreshContext
	require.NoError(t, json.Unmarshal(state.Context, &pc))
	assert.JSONEq(t, `{"widgets":[{"id":"w1"}]}`, string(pc.Data))
	assert.False(t, pc.RefreshedAt.IsZero())

	// A healthy check was recorded against the integration.
	hrow, err := h.monitor.Get(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, hrow.Status)
	checks, err := h.prov.ListHealthChecks(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "hash-1", checks[0].SchemaHash)

	// The notification is queued for the delivery engine.
	due, err := h.prov.DueDeliveries(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "portal.refreshed", due[0].Event)
	assert.Equal(t, wh.WebhookID, due[0].WebhookID)
}

func TestPortalRefreshSkipsSyncWithoutIntegration(t *testing.T) {
	client := &scriptedClient{err: errors.New("must not be called")}
	h := newRefreshHarness(t, client)

	state := startRefreshSaga(t, h, portalRefreshContext{PortalID: "portal-2"})

	assert.Equal(t, types.SagaCompleted, state.Status)
	assert.Zero(t, client.calls)
}

func TestPortalRefreshPermanentFailureFailsSaga(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{err: integration.Permanent(errors.New("401 unauthorized"))}
	h := newRefreshHarness(t, client)

	state := startRefreshSaga(t, h, portalRefreshContext{
		PortalID:      "portal-3",
		IntegrationID: "crm",
	})

	assert.Equal(t, types.SagaFailed, state.Status)
	assert.Contains(t, state.Error, "401")

	// The failure still lands in the health history.
	checks, err := h.prov.ListHealthChecks(ctx, "crm", 10)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Contains(t, checks[0].Error, "401")
}

func TestPortalRefreshGateBlocksDownIntegration(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{result: &integration.FetchResult{Data: json.RawMessage(`{}`)}}
	h := newRefreshHarness(t, client)

	require.NoError(t, h.prov.PutHealth(ctx, types.DataSourceHealth{
		IntegrationID:  "crm",
		Status:         types.HealthDown,
		AlertThreshold: 3,
	}, 0))

	state := startRefreshSaga(t, h, portalRefreshContext{
		PortalID:      "portal-4",
		IntegrationID: "crm",
	})

	assert.Equal(t, types.SagaFailed, state.Status)
	assert.Zero(t, client.calls, "gated step must not reach the upstream")
}
