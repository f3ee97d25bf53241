// Package health tracks per-integration data-source health with
// circuit-breaker semantics: consecutive-error counting, rate-limit and
// schema-change side-states, and cooldown-suppressed alerting.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/porticohq/portico/internal/lifecycle"
	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// Defaults applied when the config leaves fields zero.
const (
	defaultAlertThreshold = 3
	defaultAlertCooldown  = 30 * time.Minute
	casRetries            = 3
)

// Outcome is the result of one health check or sync attempt against an
// integration.
type Outcome struct {
	Err              error
	Category         types.FailureCategory // ignored when Err is nil
	RateLimitResetAt *time.Time
	SchemaHash       string
	Latency          time.Duration
}

// Monitor owns the DataSourceHealth rows. Updates use the row's version
// CAS so the logic stays safe under concurrent writers even though
// checks are serialized per integration in practice.
type Monitor struct {
	provider       provider.Provider
	alertFn        func(context.Context, types.Alert)
	alertThreshold int
	cooldown       time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a Monitor.
func New(p provider.Provider, cfg types.HealthConfig, alertFn func(context.Context, types.Alert), logger *slog.Logger) *Monitor {
	threshold := cfg.AlertThreshold
	if threshold <= 0 {
		threshold = defaultAlertThreshold
	}
	cooldown := time.Duration(cfg.AlertCooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = defaultAlertCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		provider:       p,
		alertFn:        alertFn,
		alertThreshold: threshold,
		cooldown:       cooldown,
		logger:         logger,
		now:            time.Now,
	}
}

// Record folds one outcome into the integration's health row, appends
// the history entry, and raises alerts on entry into DOWN, RATE_LIMITED,
// or SCHEMA_CHANGED (suppressed within the cooldown window).
func (m *Monitor) Record(ctx context.Context, integrationID string, outcome Outcome) (*types.DataSourceHealth, error) {
	var updated *types.DataSourceHealth

	for i := 0; i < casRetries; i++ {
		cur, version, err := m.load(ctx, integrationID)
		if err != nil {
			return nil, err
		}

		next := m.transition(cur, outcome)
		if err := m.provider.PutHealth(ctx, next, version); err != nil {
			if errors.Is(err, provider.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("updating health for %s: %w", integrationID, err)
		}
		if next.Status != cur.Status {
			metrics.HealthTransitions.Add(1)
		}
		next.Version = version + 1
		updated = &next
		break
	}
	if updated == nil {
		return nil, fmt.Errorf("updating health for %s: %w", integrationID, provider.ErrVersionConflict)
	}

	check := types.HealthCheck{
		CheckID:       ulid.Make().String(),
		IntegrationID: integrationID,
		Status:        updated.Status,
		LatencyMillis: outcome.Latency.Milliseconds(),
		SchemaHash:    outcome.SchemaHash,
		CheckedAt:     m.now().UTC(),
	}
	if outcome.Err != nil {
		check.Error = outcome.Err.Error()
	}
	if err := m.provider.AppendHealthCheck(ctx, check); err != nil {
		m.logger.Error("health: appending check history", "integration", integrationID, "error", err)
	}

	m.maybeAlert(ctx, updated)
	return updated, nil
}

// Get returns the health row, defaulting to HEALTHY for integrations
// that have never been checked.
func (m *Monitor) Get(ctx context.Context, integrationID string) (*types.DataSourceHealth, error) {
	h, _, err := m.load(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Allow reports whether a sync against the integration should be
// attempted at all. DOWN short-circuits; RATE_LIMITED short-circuits
// until the reported reset time passes.
func (m *Monitor) Allow(ctx context.Context, integrationID string) (bool, error) {
	h, _, err := m.load(ctx, integrationID)
	if err != nil {
		return false, err
	}
	switch h.Status {
	case types.HealthDown:
		return false, nil
	case types.HealthRateLimited:
		if h.RateLimitResetAt != nil && m.now().Before(*h.RateLimitResetAt) {
			return false, nil
		}
		return true, nil
	default:
		return true, nil
	}
}

// AcknowledgeSchemaChange clears the schema-changed flag after review.
// The acknowledged schema becomes the new baseline.
func (m *Monitor) AcknowledgeSchemaChange(ctx context.Context, integrationID string) error {
	for i := 0; i < casRetries; i++ {
		cur, version, err := m.load(ctx, integrationID)
		if err != nil {
			return err
		}
		if !cur.SchemaChangeDetected {
			return nil
		}
		cur.SchemaChangeDetected = false
		if cur.Status == types.HealthSchemaChanged {
			cur.Status = types.HealthHealthy
		}
		// The most recently observed schema becomes the new baseline.
		if checks, err := m.provider.ListHealthChecks(ctx, integrationID, 1); err == nil && len(checks) > 0 && checks[0].SchemaHash != "" {
			cur.LastKnownSchema = checks[0].SchemaHash
		}
		cur.UpdatedAt = m.now().UTC()
		err = m.provider.PutHealth(ctx, cur, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, provider.ErrVersionConflict) {
			return fmt.Errorf("acknowledging schema change for %s: %w", integrationID, err)
		}
	}
	return fmt.Errorf("acknowledging schema change for %s: %w", integrationID, provider.ErrVersionConflict)
}

func (m *Monitor) load(ctx context.Context, integrationID string) (types.DataSourceHealth, int64, error) {
	h, err := m.provider.GetHealth(ctx, integrationID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return types.DataSourceHealth{
				IntegrationID:  integrationID,
				Status:         types.HealthHealthy,
				AlertThreshold: m.alertThreshold,
			}, 0, nil
		}
		return types.DataSourceHealth{}, 0, fmt.Errorf("loading health for %s: %w", integrationID, err)
	}
	return *h, h.Version, nil
}

// transition computes the next row from the current row and one outcome.
// Status is a function only of the latest check plus consecutiveErrors.
func (m *Monitor) transition(cur types.DataSourceHealth, outcome Outcome) types.DataSourceHealth {
	next := cur
	next.UpdatedAt = m.now().UTC()
	if next.AlertThreshold <= 0 {
		next.AlertThreshold = m.alertThreshold
	}

	if outcome.Err == nil {
		next.ConsecutiveErrors = 0
		next.LastError = ""
		next.RateLimitResetAt = nil

		if outcome.SchemaHash != "" {
			if next.LastKnownSchema != "" && outcome.SchemaHash != next.LastKnownSchema {
				next.SchemaChangeDetected = true
			}
			if next.LastKnownSchema == "" {
				next.LastKnownSchema = outcome.SchemaHash
			}
		}
		// Schema change survives successful checks; it clears only by
		// explicit acknowledgement.
		if next.SchemaChangeDetected {
			next.Status = types.HealthSchemaChanged
		} else {
			next.Status = types.HealthHealthy
		}
		return next
	}

	next.ErrorCount++
	next.LastError = outcome.Err.Error()

	if outcome.Category == types.FailureRateLimited {
		next.Status = types.HealthRateLimited
		next.RateLimitResetAt = outcome.RateLimitResetAt
		return next
	}

	next.ConsecutiveErrors++
	if next.ConsecutiveErrors >= next.AlertThreshold {
		next.Status = types.HealthDown
	} else {
		next.Status = types.HealthDegraded
	}
	if !lifecycle.CanTransitionHealth(cur.Status, next.Status) {
		// SCHEMA_CHANGED pins the visible status until acknowledged.
		next.Status = cur.Status
	}
	return next
}

// maybeAlert raises at most one alert per integration/status pair per
// cooldown window, on entry into an alertable status.
func (m *Monitor) maybeAlert(ctx context.Context, h *types.DataSourceHealth) {
	var kind types.AlertKind
	switch h.Status {
	case types.HealthDown:
		kind = types.AlertIntegrationDown
	case types.HealthRateLimited:
		kind = types.AlertIntegrationLimited
	case types.HealthSchemaChanged:
		kind = types.AlertSchemaChanged
	default:
		return
	}

	now := m.now().UTC()
	if h.LastAlertSentAt != nil && h.LastAlertStatus == h.Status && now.Sub(*h.LastAlertSentAt) < m.cooldown {
		return
	}

	if m.alertFn != nil {
		m.alertFn(ctx, types.Alert{
			Kind:      kind,
			Level:     types.AlertLevelError,
			SubjectID: h.IntegrationID,
			Message:   fmt.Sprintf("integration %s is %s: %s", h.IntegrationID, h.Status, h.LastError),
			Timestamp: now,
		})
	}

	h.LastAlertSentAt = &now
	h.LastAlertStatus = h.Status
	if err := m.provider.PutHealth(ctx, *h, h.Version); err != nil {
		// Best-effort: a conflict here means another writer updated the
		// row; the next entry event will re-evaluate the cooldown.
		m.logger.Warn("health: recording alert timestamp", "integration", h.IntegrationID, "error", err)
	}
}
