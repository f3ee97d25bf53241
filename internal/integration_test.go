// End-to-end tests over the full reliability stack on the in-memory
// provider: refresh sagas against a fake upstream, signed webhook
// deliveries against a fake receiver, and the retry scheduler driving
// both.
package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/alert"
	"github.com/porticohq/portico/internal/eventstore"
	"github.com/porticohq/portico/internal/health"
	"github.com/porticohq/portico/internal/integration"
	"github.com/porticohq/portico/internal/provider/memory"
	"github.com/porticohq/portico/internal/retry"
	"github.com/porticohq/portico/internal/saga"
	"github.com/porticohq/portico/internal/webhook"
	"github.com/porticohq/portico/pkg/types"
)

// stack wires every component the serve command does, minus the HTTP
// server, over the in-memory provider.
type stack struct {
	prov      *memory.MemoryProvider
	events    *eventstore.Store
	monitor   *health.Monitor
	engine    *webhook.Engine
	jobs      *retry.JobSource
	orch      *saga.Orchestrator
	scheduler *retry.Scheduler
	alertPath string
}

type refreshContext struct {
	PortalID      string          `json:"portalId"`
	IntegrationID string          `json:"integrationId,omitempty"`
	WebhookIDs    []string        `json:"webhookIds,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

func newStack(t *testing.T, upstreamURL string, healthCfg types.HealthConfig) *stack {
	t.Helper()

	prov := memory.New()
	policy := types.RetryPolicy{MaxAttempts: 3, BaseDelaySeconds: 1, MaxDelaySeconds: 5}

	alertPath := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink, err := alert.NewFileSink(alertPath)
	require.NoError(t, err)
	dispatcher := alert.NewDispatcher(prov, []alert.Sink{sink}, nil)
	alertFn := dispatcher.Func()

	events := eventstore.New(prov, 50, nil)
	monitor := health.New(prov, healthCfg, alertFn, nil)
	engine := webhook.NewEngine(prov, types.WebhookConfig{}, policy, alertFn, nil)
	jobs := retry.NewJobSource(prov, policy, nil)

	client := integration.NewBreakerClient(
		integration.NewHTTPClient([]types.IntegrationConfig{{ID: "crm", URL: upstreamURL}}),
		integration.BreakerConfig{FailThreshold: 10, Cooldown: time.Minute},
	)

	registry := saga.NewRegistry()
	orch := saga.New(events, prov, registry, jobs, monitor, policy, alertFn, nil)
	require.NoError(t, registry.Register(saga.Definition{
		Type: "portal-refresh",
		Steps: []saga.Step{
			{
				Name: "sync-source",
				Integration: func(sagaContext json.RawMessage) string {
					var rc refreshContext
					_ = json.Unmarshal(sagaContext, &rc)
					return rc.IntegrationID
				},
				Run: func(ctx context.Context, sagaContext json.RawMessage, _ string) saga.StepResult {
					var rc refreshContext
					if err := json.Unmarshal(sagaContext, &rc); err != nil {
						return saga.Fail(err.Error())
					}
					if rc.IntegrationID == "" {
						return saga.Continue(nil)
					}
					res, err := client.Fetch(ctx, rc.IntegrationID, nil)
					if err != nil {
						ie := integration.AsError(err)
						_, _ = monitor.Record(ctx, rc.IntegrationID, health.Outcome{Err: err, Category: ie.Category})
						if retry.IsRetryable(ie.Category) {
							return saga.Retry(err.Error())
						}
						return saga.Fail(err.Error())
					}
					_, _ = monitor.Record(ctx, rc.IntegrationID, health.Outcome{SchemaHash: res.SchemaHash, Latency: res.Latency})
					rc.Data = res.Data
					updated, _ := json.Marshal(rc)
					return saga.Continue(updated)
				},
			},
			{
				Name: "notify-subscribers",
				Run: func(ctx context.Context, sagaContext json.RawMessage, _ string) saga.StepResult {
					var rc refreshContext
					if err := json.Unmarshal(sagaContext, &rc); err != nil {
						return saga.Fail(err.Error())
					}
					payload, _ := json.Marshal(map[string]string{"portalId": rc.PortalID})
					for _, id := range rc.WebhookIDs {
						if _, err := engine.Enqueue(ctx, id, "portal.refreshed", payload); err != nil {
							return saga.Retry(err.Error())
						}
					}
					return saga.Continue(nil)
				},
			},
		},
	}))

	scheduler := retry.NewScheduler(retry.Config{Workers: 2, TaskTimeout: 5 * time.Second, BatchSize: 10}, alertFn, nil, jobs, engine)

	return &stack{
		prov:      prov,
		events:    events,
		monitor:   monitor,
		engine:    engine,
		jobs:      jobs,
		orch:      orch,
		scheduler: scheduler,
		alertPath: alertPath,
	}
}

func (s *stack) startRefresh(t *testing.T, rc refreshContext) *types.SagaState {
	t.Helper()
	initial, err := json.Marshal(rc)
	require.NoError(t, err)
	state, err := s.orch.Start(context.Background(), "portal-refresh", initial)
	require.NoError(t, err)
	return state
}

func readAlerts(t *testing.T, path string) []types.Alert {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var alerts []types.Alert
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var a types.Alert
		require.NoError(t, dec.Decode(&a))
		alerts = append(alerts, a)
	}
	return alerts
}

func TestRefreshDeliversSignedWebhook(t *testing.T) {
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"widgets":[{"id":"w1","value":42}]}`))
	}))
	defer upstream.Close()

	const secret = "wh-secret"
	var delivered atomic.Int32
	var gotSig, gotEvent string
	var gotBody []byte
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(webhook.SignatureHeader)
		gotEvent = r.Header.Get(webhook.EventHeader)
		gotBody, _ = io.ReadAll(r.Body)
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	s := newStack(t, upstream.URL, types.HealthConfig{})

	wh, err := s.engine.RegisterEndpoint(ctx, types.WebhookEndpoint{URL: receiver.URL, Secret: secret})
	require.NoError(t, err)

	state := s.startRefresh(t, refreshContext{
		PortalID:      "portal-1",
		IntegrationID: "crm",
		WebhookIDs:    []string{wh.WebhookID},
	})
	require.Equal(t, types.SagaCompleted, state.Status)

	// The data made it into the saga context.
	var rc refreshContext
	require.NoError(t, json.Unmarshal(state.Context, &rc))
	assert.JSONEq(t, `{"widgets":[{"id":"w1","value":42}]}`, string(rc.Data))

	// One scheduler pass executes the pending delivery.
	s.scheduler.Poll(ctx)
	require.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, "portal.refreshed", gotEvent)
	assert.True(t, webhook.Verify(secret, gotBody, gotSig), "signature must verify against the raw body")

	// The delivery row and the endpoint counters agree.
	due, err := s.prov.DueDeliveries(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a successful delivery leaves the due queue")
	updated, err := s.prov.GetWebhook(ctx, wh.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.SuccessCount)

	// The integration reads healthy, with the check on record.
	hrow, err := s.monitor.Get(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, hrow.Status)

	// The terminal saga's events are flagged for cold storage.
	evs, err := s.prov.ListEvents(ctx, state.SagaID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	for _, e := range evs {
		assert.True(t, e.Archived, "event v%d should be archived", e.Version)
	}
}

func TestTransientUpstreamFailureRetriesThroughScheduler(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL, types.HealthConfig{})

	state := s.startRefresh(t, refreshContext{PortalID: "portal-2", IntegrationID: "crm"})
	require.Equal(t, types.SagaRunning, state.Status, "transient failure parks the saga on a retry job")

	// The step retry is on the job queue, due after backoff.
	jobs, err := s.prov.DueJobs(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, saga.JobKindStep, jobs[0].Kind)

	// Rewind the due time instead of sleeping through the backoff.
	job := jobs[0]
	job.NextAttemptAt = time.Now().Add(-time.Second)
	require.NoError(t, s.prov.UpdateJob(ctx, job, types.JobPending))

	s.scheduler.Poll(ctx)

	final, err := s.orch.Status(ctx, state.SagaID)
	require.NoError(t, err)
	assert.Equal(t, types.SagaCompleted, final.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpstreamOutageOpensCircuitAndBlocksRefresh(t *testing.T) {
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL, types.HealthConfig{AlertThreshold: 2})

	// Two failing checks drive the integration to DOWN.
	for i := 0; i < 2; i++ {
		state := s.startRefresh(t, refreshContext{
			PortalID:      fmt.Sprintf("portal-%d", i),
			IntegrationID: "crm",
		})
		require.Equal(t, types.SagaRunning, state.Status)
		// Drain the parked retry so the next saga starts clean.
		require.NoError(t, s.jobs.Cancel(ctx, mustOneDueJob(t, s).JobID))
	}

	hrow, err := s.monitor.Get(ctx, "crm")
	require.NoError(t, err)
	require.Equal(t, types.HealthDown, hrow.Status)

	// The outage alert reached the file sink.
	alerts := readAlerts(t, s.alertPath)
	require.NotEmpty(t, alerts)
	assert.Equal(t, types.AlertIntegrationDown, alerts[len(alerts)-1].Kind)

	// The gate now fails refreshes before they touch the upstream.
	state := s.startRefresh(t, refreshContext{PortalID: "portal-blocked", IntegrationID: "crm"})
	assert.Equal(t, types.SagaFailed, state.Status)
	assert.Contains(t, state.Error, "unavailable")
}

func mustOneDueJob(t *testing.T, s *stack) types.Job {
	t.Helper()
	jobs, err := s.prov.DueJobs(context.Background(), time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}
