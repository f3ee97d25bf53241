package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/pkg/types"
)

// Task is one claimable retryable unit. Claim must be an atomic status
// transition so at most one worker owns an attempt; Record* persist the
// outcome before anything is reported outward.
type Task interface {
	ID() string
	Subject() (kind, subjectID string)
	Attempt() int // failed attempts so far
	Policy() types.RetryPolicy
	Claim(ctx context.Context) (bool, error)
	Execute(ctx context.Context) error
	RecordSuccess(ctx context.Context) error
	RecordRetry(ctx context.Context, nextAttemptAt time.Time, cause error) error
	RecordFailure(ctx context.Context, cause error) error
}

// Source yields tasks whose nextAttemptAt has passed, soonest first.
type Source interface {
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
}

// Config sizes the scheduler.
type Config struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	BatchSize    int
}

// Scheduler polls sources for due tasks and executes them on a bounded
// worker pool with per-task timeouts.
type Scheduler struct {
	sources []Source
	cfg     Config
	alertFn func(context.Context, types.Alert)
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewScheduler creates a Scheduler over the given sources.
func NewScheduler(cfg Config, alertFn func(context.Context, types.Alert), logger *slog.Logger, sources ...Source) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sources: sources,
		cfg:     cfg,
		alertFn: alertFn,
		logger:  logger,
		tracer:  otel.Tracer("portico/retry"),
		now:     time.Now,
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll executes one pass over all sources. Exported for cron-style
// single-shot execution and tests.
func (s *Scheduler) Poll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	now := s.now()
	for _, src := range s.sources {
		tasks, err := src.Due(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("retry: listing due tasks", "error", err)
			continue
		}
		for _, t := range tasks {
			task := t
			g.Go(func() error {
				s.process(gctx, task)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (s *Scheduler) process(ctx context.Context, task Task) {
	claimed, err := task.Claim(ctx)
	if err != nil {
		s.logger.Error("retry: claiming task", "task", task.ID(), "error", err)
		return
	}
	if !claimed {
		return // cancelled, already terminal, or another worker won
	}
	metrics.TasksClaimed.Add(1)

	kind, subjectID := task.Subject()
	ctx, span := s.tracer.Start(ctx, "retry.attempt",
		trace.WithAttributes(
			attribute.String("task.id", task.ID()),
			attribute.String("task.kind", kind),
			attribute.Int("task.attempt", task.Attempt()+1),
		))
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	execErr := task.Execute(execCtx)
	cancel()

	if execErr == nil {
		if err := task.RecordSuccess(ctx); err != nil {
			s.logger.Error("retry: recording success", "task", task.ID(), "error", err)
		}
		return
	}

	category, retryAfter := Categorize(execErr)
	attempt := task.Attempt() + 1 // the attempt that just failed
	policy := task.Policy()

	switch {
	case !IsRetryable(category):
		s.fail(ctx, task, execErr)
		s.raise(ctx, types.AlertRetryExhausted, subjectID,
			fmt.Sprintf("%s %s failed permanently: %v", kind, task.ID(), execErr))

	case attempt >= policy.MaxAttempts:
		metrics.RetriesExhausted.Add(1)
		s.fail(ctx, task, execErr)
		s.raise(ctx, types.AlertRetryExhausted, subjectID,
			fmt.Sprintf("%s %s exhausted %d attempts: %v", kind, task.ID(), attempt, execErr))

	default:
		delay := Backoff(policy, attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		next := s.now().Add(delay)
		if err := task.RecordRetry(ctx, next, execErr); err != nil {
			s.logger.Error("retry: recording retry", "task", task.ID(), "error", err)
			return
		}
		metrics.RetriesScheduled.Add(1)
		s.logger.Info("retry: attempt failed, rescheduled",
			"task", task.ID(), "kind", kind, "attempt", attempt,
			"category", category, "next", next.UTC())
	}
}

func (s *Scheduler) fail(ctx context.Context, task Task, cause error) {
	if err := task.RecordFailure(ctx, cause); err != nil {
		s.logger.Error("retry: recording failure", "task", task.ID(), "error", err)
	}
}

func (s *Scheduler) raise(ctx context.Context, kind types.AlertKind, subjectID, msg string) {
	if s.alertFn == nil {
		return
	}
	s.alertFn(ctx, types.Alert{
		Kind:      kind,
		Level:     types.AlertLevelError,
		SubjectID: subjectID,
		Message:   msg,
		Timestamp: s.now().UTC(),
	})
}
