// Package watchdog detects sagas whose worker died mid-flight. A
// RUNNING saga heartbeats on every step; a stale heartbeat means nobody
// is driving it and the watchdog hands it back to the orchestrator.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

const (
	defaultInterval       = time.Minute
	defaultStaleHeartbeat = 2 * time.Minute
	defaultStuckThreshold = 30 * time.Minute
	scanBatchSize         = 50
	// resumeLockTTL bounds how often one saga can be re-driven; the lock
	// expires well before a genuinely stuck saga stops mattering.
	resumeLockTTL = 5 * time.Minute
)

// Resumed records a single recovered saga.
type Resumed struct {
	SagaID string
	Type   string
	Stale  time.Duration
}

// CheckOptions configures a single watchdog scan pass.
type CheckOptions struct {
	Provider       provider.Provider
	ResumeFn       func(ctx context.Context, sagaID string) (*types.SagaState, error) // nil = alert-only
	AlertFn        func(context.Context, types.Alert)
	Logger         *slog.Logger
	Now            time.Time     // injectable for testing
	StaleHeartbeat time.Duration // defaults to 2m if zero
	StuckThreshold time.Duration // defaults to 30m if zero
}

// CheckStaleSagas scans for RUNNING sagas with stale heartbeats and
// resumes each one. It is a pure function suitable for any execution
// mode (resident loop, cron, one-shot command).
func CheckStaleSagas(ctx context.Context, opts CheckOptions) []Resumed {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.StaleHeartbeat <= 0 {
		opts.StaleHeartbeat = defaultStaleHeartbeat
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = defaultStuckThreshold
	}

	cutoff := opts.Now.Add(-opts.StaleHeartbeat)
	sagas, err := opts.Provider.ListRunningSagas(ctx, cutoff, scanBatchSize)
	if err != nil {
		opts.Logger.Error("watchdog: listing running sagas", "error", err)
		return nil
	}

	var resumed []Resumed
	for _, st := range sagas {
		if ctx.Err() != nil {
			return resumed
		}
		r := checkSaga(ctx, opts, st)
		if r != nil {
			resumed = append(resumed, *r)
		}
	}
	return resumed
}

func checkSaga(ctx context.Context, opts CheckOptions, st types.SagaState) *Resumed {
	stale := opts.Now.Sub(st.HeartbeatAt)

	// A saga running far past the stuck threshold gets an alert whether
	// or not resumption helps; something structural is wrong with it.
	if opts.AlertFn != nil && opts.Now.Sub(st.StartedAt) > opts.StuckThreshold {
		opts.AlertFn(ctx, types.Alert{
			Kind:      types.AlertSagaStuck,
			Level:     types.AlertLevelWarning,
			SubjectID: st.SagaID,
			Message: fmt.Sprintf("saga %s (%s) has been running since %s",
				st.SagaID, st.Type, st.StartedAt.UTC().Format(time.RFC3339)),
			Timestamp: opts.Now.UTC(),
		})
	}

	if opts.ResumeFn == nil {
		return nil
	}

	// Dedup lock: one resumption per saga per lock window, across replicas.
	lockKey := fmt.Sprintf("watchdog:%s", st.SagaID)
	acquired, err := opts.Provider.AcquireLock(ctx, lockKey, resumeLockTTL)
	if err != nil {
		opts.Logger.Error("watchdog: acquiring resume lock", "saga", st.SagaID, "error", err)
		return nil
	}
	if !acquired {
		return nil // another replica owns this saga's recovery
	}

	opts.Logger.Warn("watchdog: resuming stale saga",
		"saga", st.SagaID, "type", st.Type, "stale", stale)
	if _, err := opts.ResumeFn(ctx, st.SagaID); err != nil {
		opts.Logger.Error("watchdog: resuming saga", "saga", st.SagaID, "error", err)
		_ = opts.Provider.ReleaseLock(ctx, lockKey)
		return nil
	}
	_ = opts.Provider.ReleaseLock(ctx, lockKey)

	return &Resumed{SagaID: st.SagaID, Type: st.Type, Stale: stale}
}

// Watchdog runs scan passes on an interval.
type Watchdog struct {
	opts     CheckOptions
	interval time.Duration
}

// New creates a resident Watchdog from the config.
func New(p provider.Provider, cfg types.WatchdogConfig, resumeFn func(ctx context.Context, sagaID string) (*types.SagaState, error), alertFn func(context.Context, types.Alert), logger *slog.Logger) *Watchdog {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Watchdog{
		opts: CheckOptions{
			Provider:       p,
			ResumeFn:       resumeFn,
			AlertFn:        alertFn,
			Logger:         logger,
			StaleHeartbeat: time.Duration(cfg.StaleHeartbeatSeconds) * time.Second,
			StuckThreshold: time.Duration(cfg.StuckThresholdMinutes) * time.Minute,
		},
		interval: interval,
	}
}

// Run scans until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			opts := w.opts
			opts.Now = time.Now()
			CheckStaleSagas(ctx, opts)
		}
	}
}
