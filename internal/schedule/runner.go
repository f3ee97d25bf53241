package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	tickInterval = 15 * time.Second
	// fireLockTTL covers one firing window; replicas that lose the lock
	// skip the firing rather than double-start the saga.
	fireLockTTL = 10 * time.Minute
)

// StartFunc launches the cache-refresh saga for a portal.
type StartFunc func(ctx context.Context, portalID string) error

// Locker is the coordination slice of the storage provider.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

type entry struct {
	spec Spec
	next time.Time
}

// Runner fires due schedules. Multiple replicas may run concurrently;
// a per-firing lock keeps each (portal, fire time) to a single start.
type Runner struct {
	entries []entry
	start   StartFunc
	locks   Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner over the parsed schedules.
func NewRunner(specs []Spec, start StartFunc, locks Locker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	entries := make([]entry, 0, len(specs))
	for _, s := range specs {
		entries = append(entries, entry{spec: s})
	}
	return &Runner{entries: entries, start: start, locks: locks, logger: logger, now: time.Now}
}

// Run ticks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick fires every schedule whose next fire time has passed. The first
// tick only seeds the fire times; schedules never fire retroactively
// for windows that predate the process.
func (r *Runner) Tick(ctx context.Context) {
	now := r.now()
	for i := range r.entries {
		e := &r.entries[i]
		if e.next.IsZero() {
			e.next = e.spec.Next(now)
			continue
		}
		if now.Before(e.next) {
			continue
		}
		fireAt := e.next
		e.next = e.spec.Next(now)
		r.fire(ctx, e.spec, fireAt)
	}
}

func (r *Runner) fire(ctx context.Context, spec Spec, fireAt time.Time) {
	key := fmt.Sprintf("schedule:%s:%d", spec.PortalID, fireAt.Unix())
	if r.locks != nil {
		ok, err := r.locks.AcquireLock(ctx, key, fireLockTTL)
		if err != nil {
			r.logger.Error("schedule: acquiring fire lock", "portal", spec.PortalID, "error", err)
			return
		}
		if !ok {
			return // another replica fired this window
		}
	}

	if err := r.start(ctx, spec.PortalID); err != nil {
		r.logger.Error("schedule: starting refresh", "portal", spec.PortalID, "error", err)
		return
	}
	r.logger.Info("schedule: refresh started", "portal", spec.PortalID, "window", fireAt.UTC())
}
