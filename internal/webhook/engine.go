// Package webhook delivers tenant-facing event notifications over HTTP
// with HMAC signing and scheduler-driven retries.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/internal/retry"
	"github.com/porticohq/portico/pkg/types"
)

// Endpoint defaults applied at registration time.
const (
	defaultMaxRetries     = 3
	defaultRetryDelaySecs = 60
	defaultTimeoutSecs    = 30
)

// Engine owns webhook endpoints and their delivery rows. Deliveries are
// executed through the retry scheduler: Engine implements retry.Source,
// and each due delivery becomes one claimable task.
type Engine struct {
	provider provider.Provider
	cfg      types.WebhookConfig
	policy   types.RetryPolicy
	alertFn  func(context.Context, types.Alert)
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. The policy supplies the backoff curve;
// per-endpoint MaxRetries and RetryDelaySeconds override its bounds.
func NewEngine(p provider.Provider, cfg types.WebhookConfig, policy types.RetryPolicy, alertFn func(context.Context, types.Alert), logger *slog.Logger) *Engine {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: p,
		cfg:      cfg,
		policy:   policy,
		alertFn:  alertFn,
		client:   &http.Client{},
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterEndpoint persists a webhook endpoint, filling defaults.
func (e *Engine) RegisterEndpoint(ctx context.Context, wh types.WebhookEndpoint) (types.WebhookEndpoint, error) {
	if wh.URL == "" {
		return types.WebhookEndpoint{}, errors.New("webhook url is required")
	}
	if wh.Secret == "" {
		return types.WebhookEndpoint{}, errors.New("webhook secret is required")
	}
	if wh.WebhookID == "" {
		wh.WebhookID = ulid.Make().String()
	}
	if wh.MaxRetries <= 0 {
		wh.MaxRetries = defaultMaxRetries
	}
	if wh.RetryDelaySeconds <= 0 {
		wh.RetryDelaySeconds = defaultRetryDelaySecs
	}
	if wh.TimeoutSeconds <= 0 {
		wh.TimeoutSeconds = defaultTimeoutSecs
	}
	wh.CreatedAt = e.now().UTC()
	if err := e.provider.PutWebhook(ctx, wh); err != nil {
		return types.WebhookEndpoint{}, fmt.Errorf("registering webhook: %w", err)
	}
	return wh, nil
}

// Enqueue creates a PENDING delivery due immediately. The first attempt
// happens on the scheduler's next poll.
func (e *Engine) Enqueue(ctx context.Context, webhookID, event string, payload []byte) (types.WebhookDelivery, error) {
	if _, err := e.provider.GetWebhook(ctx, webhookID); err != nil {
		return types.WebhookDelivery{}, fmt.Errorf("enqueueing delivery for %s: %w", webhookID, err)
	}

	now := e.now().UTC()
	d := types.WebhookDelivery{
		DeliveryID:    ulid.Make().String(),
		WebhookID:     webhookID,
		Event:         event,
		Payload:       payload,
		Status:        types.DeliveryPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.provider.PutDelivery(ctx, d); err != nil {
		return types.WebhookDelivery{}, fmt.Errorf("enqueueing delivery for %s: %w", webhookID, err)
	}
	return d, nil
}

// Delivery returns one delivery row.
func (e *Engine) Delivery(ctx context.Context, deliveryID string) (*types.WebhookDelivery, error) {
	return e.provider.GetDelivery(ctx, deliveryID)
}

// Due implements retry.Source over the deliveries table.
func (e *Engine) Due(ctx context.Context, now time.Time, limit int) ([]retry.Task, error) {
	due, err := e.provider.DueDeliveries(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]retry.Task, 0, len(due))
	for _, d := range due {
		tasks = append(tasks, &deliveryTask{engine: e, delivery: d})
	}
	return tasks, nil
}

// deliver executes one HTTP attempt, recording the response on d.
func (e *Engine) deliver(ctx context.Context, wh *types.WebhookEndpoint, d *types.WebhookDelivery) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(wh.TimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, d.Event)
	req.Header.Set(DeliveryHeader, d.DeliveryID)
	req.Header.Set(SignatureHeader, Sign(wh.Secret, d.Payload))

	start := e.now()
	resp, err := e.client.Do(req)
	d.ResponseMillis = e.now().Sub(start).Milliseconds()
	if err != nil {
		d.ResponseCode = 0
		if errors.Is(err, context.DeadlineExceeded) {
			return err // categorized as TIMEOUT upstream
		}
		return retry.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.ResponseCode = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.RateLimited(fmt.Errorf("endpoint returned %d", resp.StatusCode), retryAfter(resp))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return retry.Transient(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	default:
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// checkFailureRatio raises an endpoint alert when enough outcomes exist
// and the failure fraction crosses the configured ratio.
func (e *Engine) checkFailureRatio(ctx context.Context, webhookID string) {
	if e.alertFn == nil || e.cfg.FailureRatio <= 0 {
		return
	}
	wh, err := e.provider.GetWebhook(ctx, webhookID)
	if err != nil {
		return
	}
	total := wh.SuccessCount + wh.FailureCount
	if total < e.cfg.MinOutcomes || total == 0 {
		return
	}
	ratio := float64(wh.FailureCount) / float64(total)
	if ratio < e.cfg.FailureRatio {
		return
	}
	e.alertFn(ctx, types.Alert{
		Kind:      types.AlertWebhookFailing,
		Level:     types.AlertLevelWarning,
		SubjectID: webhookID,
		Message:   fmt.Sprintf("webhook %s failing: %d of %d recent deliveries failed", webhookID, wh.FailureCount, total),
		Timestamp: e.now().UTC(),
	})
}

type deliveryTask struct {
	engine   *Engine
	delivery types.WebhookDelivery
	endpoint *types.WebhookEndpoint
}

func (t *deliveryTask) ID() string { return t.delivery.DeliveryID }

func (t *deliveryTask) Subject() (string, string) { return "webhook-delivery", t.delivery.WebhookID }

func (t *deliveryTask) Attempt() int { return t.delivery.Attempts }

// Policy maps endpoint settings onto the engine's backoff curve: the
// endpoint controls the base delay and attempt budget, the engine's
// policy the cap and jitter.
func (t *deliveryTask) Policy() types.RetryPolicy {
	p := t.engine.policy
	if t.endpoint != nil {
		p.MaxAttempts = t.endpoint.MaxRetries + 1
		p.BaseDelaySeconds = t.endpoint.RetryDelaySeconds
	}
	return p
}

func (t *deliveryTask) Claim(ctx context.Context) (bool, error) {
	wh, err := t.engine.provider.GetWebhook(ctx, t.delivery.WebhookID)
	if err != nil {
		return false, err
	}
	t.endpoint = wh
	return t.engine.provider.ClaimDelivery(ctx, t.delivery.DeliveryID)
}

func (t *deliveryTask) Execute(ctx context.Context) error {
	return t.engine.deliver(ctx, t.endpoint, &t.delivery)
}

func (t *deliveryTask) RecordSuccess(ctx context.Context) error {
	now := t.engine.now().UTC()
	t.delivery.Status = types.DeliverySuccess
	t.delivery.Attempts++
	t.delivery.Error = ""
	t.delivery.UpdatedAt = now
	if err := t.engine.provider.UpdateDelivery(ctx, t.delivery, types.DeliveryRunning); err != nil {
		return err
	}
	metrics.DeliveriesSucceeded.Add(1)
	if err := t.engine.provider.BumpWebhookCounters(ctx, t.delivery.WebhookID, true); err != nil {
		t.engine.logger.Warn("webhook: bumping success counter", "webhook", t.delivery.WebhookID, "error", err)
	}
	return nil
}

func (t *deliveryTask) RecordRetry(ctx context.Context, nextAttemptAt time.Time, cause error) error {
	t.delivery.Status = types.DeliveryRetrying
	t.delivery.Attempts++
	t.delivery.NextAttemptAt = nextAttemptAt
	t.delivery.Error = cause.Error()
	t.delivery.UpdatedAt = t.engine.now().UTC()
	return t.engine.provider.UpdateDelivery(ctx, t.delivery, types.DeliveryRunning)
}

func (t *deliveryTask) RecordFailure(ctx context.Context, cause error) error {
	t.delivery.Status = types.DeliveryFailed
	t.delivery.Attempts++
	t.delivery.Error = cause.Error()
	t.delivery.UpdatedAt = t.engine.now().UTC()
	if err := t.engine.provider.UpdateDelivery(ctx, t.delivery, types.DeliveryRunning); err != nil {
		return err
	}
	metrics.DeliveriesFailed.Add(1)
	if err := t.engine.provider.BumpWebhookCounters(ctx, t.delivery.WebhookID, false); err != nil {
		t.engine.logger.Warn("webhook: bumping failure counter", "webhook", t.delivery.WebhookID, "error", err)
	}
	t.engine.checkFailureRatio(ctx, t.delivery.WebhookID)
	return nil
}
