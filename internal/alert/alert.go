// Package alert fans persisted alerts out to configured sinks.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// Sink delivers an alert to one destination.
type Sink interface {
	// Name returns the sink identifier for logging.
	Name() string

	// Send delivers the alert.
	Send(ctx context.Context, alert types.Alert) error
}

// Dispatcher persists every alert, then fans it out to all configured
// sinks. Sink failures are logged and counted but never propagate:
// alerting is best-effort by contract, and a broken sink must not take
// down the operation that raised the alert.
type Dispatcher struct {
	provider provider.Provider
	sinks    []Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher over the given sinks.
func NewDispatcher(p provider.Provider, sinks []Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{provider: p, sinks: sinks, logger: logger, now: time.Now}
}

// FromConfig builds the sinks declared in the config. An empty config
// yields a console-only dispatcher so alerts are never silently dropped.
func FromConfig(p provider.Provider, configs []types.AlertConfig, logger *slog.Logger) (*Dispatcher, error) {
	if len(configs) == 0 {
		return NewDispatcher(p, []Sink{NewConsoleSink()}, logger), nil
	}

	sinks := make([]Sink, 0, len(configs))
	for _, cfg := range configs {
		switch cfg.Type {
		case types.AlertConsole:
			sinks = append(sinks, NewConsoleSink())
		case types.AlertFile:
			s, err := NewFileSink(cfg.Path)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case types.AlertWebhook:
			sinks = append(sinks, NewWebhookSink(cfg.URL))
		default:
			return nil, fmt.Errorf("unknown alert sink type: %s", cfg.Type)
		}
	}
	return NewDispatcher(p, sinks, logger), nil
}

// Dispatch persists the alert and sends it to every sink. Missing IDs
// and timestamps are filled in here so callers can raise bare alerts.
func (d *Dispatcher) Dispatch(ctx context.Context, alert types.Alert) {
	if alert.AlertID == "" {
		alert.AlertID = ulid.Make().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = d.now().UTC()
	}
	if alert.Level == "" {
		alert.Level = types.AlertLevelError
	}

	if err := d.provider.PutAlert(ctx, alert); err != nil {
		d.logger.Error("alert: persisting", "alert", alert.AlertID, "kind", alert.Kind, "error", err)
	}

	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			metrics.AlertsFailed.Add(1)
			d.logger.Error("alert: sink delivery failed",
				"sink", sink.Name(), "alert", alert.AlertID, "kind", alert.Kind, "error", err)
			continue
		}
		metrics.AlertsDispatched.Add(1)
	}
}

// Func adapts the dispatcher to the alert callback signature used by
// the health monitor, retry scheduler, and saga orchestrator.
func (d *Dispatcher) Func() func(context.Context, types.Alert) {
	return d.Dispatch
}
