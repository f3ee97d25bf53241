package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/porticohq/portico/internal/lifecycle"
	"github.com/porticohq/portico/pkg/types"
)

// JobStore is the slice of the storage provider the job source needs.
type JobStore interface {
	PutJob(ctx context.Context, job types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	UpdateJob(ctx context.Context, job types.Job, expectStatus types.JobStatus) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]types.Job, error)
}

// JobRunner executes one job attempt. Classify failures with Transient,
// Permanent, or RateLimited; unwrapped errors count as transient.
type JobRunner func(ctx context.Context, job types.Job) error

// ExhaustedFunc is invoked after a job reaches FAILED, with the cause.
type ExhaustedFunc func(ctx context.Context, job types.Job, cause error)

// JobSource adapts the jobs table to the scheduler's Task interface and
// dispatches execution by job kind.
type JobSource struct {
	store  JobStore
	policy types.RetryPolicy
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	runners     map[string]JobRunner
	onExhausted map[string]ExhaustedFunc
}

// NewJobSource creates a JobSource with the given default policy.
func NewJobSource(store JobStore, policy types.RetryPolicy, logger *slog.Logger) *JobSource {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobSource{
		store:       store,
		policy:      policy,
		logger:      logger,
		now:         time.Now,
		runners:     make(map[string]JobRunner),
		onExhausted: make(map[string]ExhaustedFunc),
	}
}

// Register binds a runner (and optional exhaustion hook) to a job kind.
func (s *JobSource) Register(kind string, run JobRunner, exhausted ExhaustedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[kind] = run
	if exhausted != nil {
		s.onExhausted[kind] = exhausted
	}
}

// Enqueue creates a PENDING job due immediately. maxAttempts <= 0 uses
// the source default.
func (s *JobSource) Enqueue(ctx context.Context, kind, targetID string, payload json.RawMessage, maxAttempts int) (types.Job, error) {
	return s.EnqueueAt(ctx, kind, targetID, payload, maxAttempts, s.now())
}

// EnqueueAt creates a PENDING job due at the given time.
func (s *JobSource) EnqueueAt(ctx context.Context, kind, targetID string, payload json.RawMessage, maxAttempts int, at time.Time) (types.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	now := s.now().UTC()
	job := types.Job{
		JobID:         ulid.Make().String(),
		Kind:          kind,
		TargetID:      targetID,
		Payload:       payload,
		Status:        types.JobPending,
		MaxRetries:    maxAttempts - 1,
		NextAttemptAt: at.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.PutJob(ctx, job); err != nil {
		return types.Job{}, fmt.Errorf("enqueueing %s job for %s: %w", kind, targetID, err)
	}
	return job, nil
}

// Cancel marks a job CANCELLED. In-flight attempts finish
// cooperatively; the scheduler skips cancelled jobs at claim time.
func (s *JobSource) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := lifecycle.TransitionJob(job.Status, types.JobCancelled); err != nil {
		return err
	}
	prev := job.Status
	job.Status = types.JobCancelled
	job.UpdatedAt = s.now().UTC()
	return s.store.UpdateJob(ctx, *job, prev)
}

// Due implements Source.
func (s *JobSource) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	jobs, err := s.store.DueJobs(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(jobs))
	for _, j := range jobs {
		tasks = append(tasks, &jobTask{source: s, job: j})
	}
	return tasks, nil
}

type jobTask struct {
	source *JobSource
	job    types.Job
}

func (t *jobTask) ID() string { return t.job.JobID }

func (t *jobTask) Subject() (string, string) { return t.job.Kind, t.job.TargetID }

func (t *jobTask) Attempt() int { return t.job.RetryCount }

func (t *jobTask) Policy() types.RetryPolicy {
	p := t.source.policy
	p.MaxAttempts = t.job.MaxRetries + 1
	return p
}

func (t *jobTask) Claim(ctx context.Context) (bool, error) {
	return t.source.store.ClaimJob(ctx, t.job.JobID)
}

func (t *jobTask) Execute(ctx context.Context) error {
	t.source.mu.RLock()
	run, ok := t.source.runners[t.job.Kind]
	t.source.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("no runner registered for job kind %q", t.job.Kind))
	}
	return run(ctx, t.job)
}

func (t *jobTask) RecordSuccess(ctx context.Context) error {
	now := t.source.now().UTC()
	t.job.Status = types.JobCompleted
	t.job.CompletedAt = &now
	t.job.UpdatedAt = now
	t.job.Error = ""
	return t.source.store.UpdateJob(ctx, t.job, types.JobRunning)
}

func (t *jobTask) RecordRetry(ctx context.Context, nextAttemptAt time.Time, cause error) error {
	now := t.source.now().UTC()
	t.job.Status = types.JobPending
	t.job.RetryCount++
	t.job.NextAttemptAt = nextAttemptAt
	t.job.Error = cause.Error()
	t.job.UpdatedAt = now
	return t.source.store.UpdateJob(ctx, t.job, types.JobRunning)
}

func (t *jobTask) RecordFailure(ctx context.Context, cause error) error {
	now := t.source.now().UTC()
	t.job.Status = types.JobFailed
	t.job.FailedAt = &now
	t.job.Error = cause.Error()
	t.job.UpdatedAt = now
	if err := t.source.store.UpdateJob(ctx, t.job, types.JobRunning); err != nil {
		return err
	}

	t.source.mu.RLock()
	hook := t.source.onExhausted[t.job.Kind]
	t.source.mu.RUnlock()
	if hook != nil {
		hook(ctx, t.job, cause)
	}
	return nil
}
