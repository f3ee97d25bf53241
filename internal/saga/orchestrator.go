package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/porticohq/portico/internal/eventstore"
	"github.com/porticohq/portico/internal/lifecycle"
	"github.com/porticohq/portico/internal/metrics"
	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/internal/retry"
	"github.com/porticohq/portico/pkg/types"
)

// JobKindStep is the job kind for scheduler-driven step retries.
const JobKindStep = "saga-step"

// Gate reports whether an integration is currently usable. The health
// monitor implements it; a nil gate allows everything.
type Gate interface {
	Allow(ctx context.Context, integrationID string) (bool, error)
}

// stepJobPayload is the saga-step job body.
type stepJobPayload struct {
	SagaID string `json:"sagaId"`
	Step   string `json:"step"`
}

// Orchestrator runs saga instances: forward through the declared steps,
// backward through compensation on failure. It owns the saga event
// streams and control rows; step retries are delegated to the retry
// scheduler as saga-step jobs.
type Orchestrator struct {
	events   *eventstore.Store
	provider provider.Provider
	registry *Registry
	jobs     *retry.JobSource
	gate     Gate
	policy   types.RetryPolicy
	alertFn  func(context.Context, types.Alert)
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates an Orchestrator and registers its saga-step job runner.
func New(events *eventstore.Store, p provider.Provider, registry *Registry, jobs *retry.JobSource, gate Gate, policy types.RetryPolicy, alertFn func(context.Context, types.Alert), logger *slog.Logger) *Orchestrator {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		events:   events,
		provider: p,
		registry: registry,
		jobs:     jobs,
		gate:     gate,
		policy:   policy,
		alertFn:  alertFn,
		logger:   logger,
		tracer:   otel.Tracer("portico/saga"),
		now:      time.Now,
	}
	if jobs != nil {
		jobs.Register(JobKindStep, o.runStepJob, o.stepExhausted)
	}
	return o
}

// Start creates a saga instance and runs it forward. The SAGA_STARTED
// event at version 1 anchors the stream; a duplicate saga ID surfaces
// as a version conflict.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, initialContext json.RawMessage) (*types.SagaState, error) {
	def, err := o.registry.Get(sagaType)
	if err != nil {
		return nil, err
	}

	sagaID := ulid.Make().String()
	payload, err := types.MarshalPayload(&types.SagaStartedPayload{SagaType: sagaType, Context: initialContext})
	if err != nil {
		return nil, err
	}
	if _, err := o.events.Append(ctx, sagaID, types.AggregateSaga, types.EventSagaStarted, payload, nil, 0); err != nil {
		return nil, fmt.Errorf("starting saga %s: %w", sagaID, err)
	}

	now := o.now().UTC()
	state := types.SagaState{
		SagaID:      sagaID,
		Type:        sagaType,
		Status:      types.SagaRunning,
		Context:     initialContext,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if err := o.provider.PutSagaState(ctx, state, 0); err != nil {
		return nil, fmt.Errorf("starting saga %s: %w", sagaID, err)
	}
	state.Version = 1
	metrics.SagasStarted.Add(1)
	o.logger.Info("saga: started", "saga", sagaID, "type", sagaType)

	return o.run(ctx, state, def)
}

// Status returns the control row for one saga.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*types.SagaState, error) {
	return o.provider.GetSagaState(ctx, sagaID)
}

// Events returns the saga's event stream from a version, oldest first.
func (o *Orchestrator) Events(ctx context.Context, sagaID string, fromVersion int64) ([]types.Event, error) {
	var out []types.Event
	st := o.events.LoadStream(sagaID, fromVersion)
	for st.Next(ctx) {
		out = append(out, st.Event())
	}
	return out, st.Err()
}

// Cancel aborts a RUNNING saga: completed steps are compensated, then
// the saga is marked CANCELLED. Terminal sagas are left untouched.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	state, err := o.provider.GetSagaState(ctx, sagaID)
	if err != nil {
		return err
	}
	if state.Status != types.SagaRunning {
		return fmt.Errorf("saga %s is %s, only RUNNING sagas can be cancelled", sagaID, state.Status)
	}
	def, err := o.registry.Get(state.Type)
	if err != nil {
		return err
	}

	o.unwind(ctx, *state, def)

	if _, err := o.events.AppendAtHead(ctx, sagaID, types.AggregateSaga, types.EventSagaCancelled, nil, nil); err != nil {
		return fmt.Errorf("cancelling saga %s: %w", sagaID, err)
	}
	now := o.now().UTC()
	state.Status = types.SagaCancelled
	state.FailedAt = &now
	state.Error = "cancelled"
	state.HeartbeatAt = now
	if err := o.persist(ctx, state); err != nil {
		return err
	}
	o.logger.Info("saga: cancelled", "saga", sagaID)
	return nil
}

// Resume recovers a saga whose worker died: the stream is replayed to
// find the last completed step and the saga continues from there. Steps
// whose completion event exists are never re-run; a step that ran but
// crashed before its event was appended is re-run under the same
// idempotency key.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (*types.SagaState, error) {
	state, err := o.provider.GetSagaState(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if lifecycle.IsTerminalSaga(state.Status) || state.Status == types.SagaCompensating {
		return state, nil
	}
	def, err := o.registry.Get(state.Type)
	if err != nil {
		return nil, err
	}

	completed, lastContext, err := o.replay(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	state.CurrentStep = completed
	if lastContext != nil {
		state.Context = lastContext
	}
	state.HeartbeatAt = o.now().UTC()
	if err := o.persist(ctx, state); err != nil {
		return nil, err
	}

	metrics.SagasResumed.Add(1)
	o.logger.Info("saga: resuming", "saga", sagaID, "step", state.CurrentStep)
	return o.run(ctx, *state, def)
}

// FailStep fails the saga at its current step and compensates. It is
// the exhaustion path for saga-step jobs and is also safe to call
// directly for operator aborts.
func (o *Orchestrator) FailStep(ctx context.Context, sagaID, reason string) error {
	state, err := o.provider.GetSagaState(ctx, sagaID)
	if err != nil {
		return err
	}
	if lifecycle.IsTerminalSaga(state.Status) {
		return nil
	}
	def, err := o.registry.Get(state.Type)
	if err != nil {
		return err
	}
	stepName := ""
	if state.CurrentStep < len(def.Steps) {
		stepName = def.Steps[state.CurrentStep].Name
	}
	_, err = o.compensate(ctx, *state, def, stepName, reason)
	return err
}

// run executes steps from state.CurrentStep until the saga completes,
// schedules a retry, or fails into compensation.
func (o *Orchestrator) run(ctx context.Context, state types.SagaState, def Definition) (*types.SagaState, error) {
	ctx, span := o.tracer.Start(ctx, "saga.run",
		trace.WithAttributes(
			attribute.String("saga.id", state.SagaID),
			attribute.String("saga.type", state.Type),
		))
	defer span.End()

	for state.CurrentStep < len(def.Steps) {
		step := def.Steps[state.CurrentStep]

		state.HeartbeatAt = o.now().UTC()
		if err := o.persist(ctx, &state); err != nil {
			return nil, err
		}

		res := o.runStep(ctx, &state, step)
		switch res.kind {
		case resultContinue:
			if err := o.completeStep(ctx, &state, step, res.context); err != nil {
				return nil, err
			}

		case resultRetry:
			// Without a job source there is nothing to park the step on;
			// the retry degrades to a failure.
			if o.jobs == nil {
				return o.compensate(ctx, state, def, step.Name, res.reason)
			}
			if err := o.scheduleRetry(ctx, &state, step, 1, res.reason); err != nil {
				return nil, err
			}
			return &state, nil

		case resultFail:
			return o.compensate(ctx, state, def, step.Name, res.reason)
		}
	}

	return o.complete(ctx, state)
}

// runStep executes one attempt, applying the health gate first.
func (o *Orchestrator) runStep(ctx context.Context, state *types.SagaState, step Step) StepResult {
	if step.Integration != nil && o.gate != nil {
		integrationID := step.Integration(state.Context)
		if integrationID != "" {
			allowed, err := o.gate.Allow(ctx, integrationID)
			if err != nil {
				return Retry(fmt.Sprintf("health check for %s: %v", integrationID, err))
			}
			if !allowed {
				return Fail(fmt.Sprintf("integration %s is unavailable", integrationID))
			}
		}
	}
	return step.Run(ctx, state.Context, idempotencyKey(state.SagaID, step.Name))
}

// completeStep appends STEP_COMPLETED, advances the cursor, and takes a
// snapshot when the stream hits the cadence.
func (o *Orchestrator) completeStep(ctx context.Context, state *types.SagaState, step Step, newContext json.RawMessage) error {
	if newContext != nil {
		state.Context = newContext
	}
	payload, err := types.MarshalPayload(&types.StepCompletedPayload{
		Step:           step.Name,
		StepIndex:      state.CurrentStep,
		IdempotencyKey: idempotencyKey(state.SagaID, step.Name),
		Context:        state.Context,
	})
	if err != nil {
		return err
	}
	ev, err := o.events.AppendAtHead(ctx, state.SagaID, types.AggregateSaga, types.EventStepCompleted, payload, nil)
	if err != nil {
		return fmt.Errorf("recording step %s of saga %s: %w", step.Name, state.SagaID, err)
	}

	state.CurrentStep++
	state.HeartbeatAt = o.now().UTC()
	if err := o.persist(ctx, state); err != nil {
		return err
	}
	o.maybeSnapshot(ctx, state, ev.Version)
	return nil
}

// scheduleRetry records the retry event and hands the step to the
// scheduler as a saga-step job, due after the backoff delay.
func (o *Orchestrator) scheduleRetry(ctx context.Context, state *types.SagaState, step Step, attempt int, reason string) error {
	next := o.now().Add(retry.Backoff(o.stepPolicy(), attempt)).UTC()
	payload, err := types.MarshalPayload(&types.StepRetryScheduledPayload{
		Step:          step.Name,
		Attempt:       attempt,
		Reason:        reason,
		NextAttemptAt: next,
	})
	if err != nil {
		return err
	}
	if _, err := o.events.AppendAtHead(ctx, state.SagaID, types.AggregateSaga, types.EventStepRetryScheduled, payload, nil); err != nil {
		return fmt.Errorf("recording retry for saga %s: %w", state.SagaID, err)
	}

	body, err := json.Marshal(stepJobPayload{SagaID: state.SagaID, Step: step.Name})
	if err != nil {
		return err
	}
	maxAttempts := o.stepPolicy().MaxAttempts - 1 // the inline attempt already failed
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if _, err := o.jobs.EnqueueAt(ctx, JobKindStep, state.SagaID, body, maxAttempts, next); err != nil {
		return fmt.Errorf("scheduling retry for saga %s: %w", state.SagaID, err)
	}
	o.logger.Info("saga: step retry scheduled",
		"saga", state.SagaID, "step", step.Name, "reason", reason, "next", next)
	return nil
}

// compensate unwinds completed steps in reverse order and marks the
// saga FAILED. Compensation is best effort: a failing compensator is
// logged and the unwind continues.
func (o *Orchestrator) compensate(ctx context.Context, state types.SagaState, def Definition, failedStep, reason string) (*types.SagaState, error) {
	state.Status = types.SagaCompensating
	state.HeartbeatAt = o.now().UTC()
	if err := o.persist(ctx, &state); err != nil {
		return nil, err
	}
	o.logger.Warn("saga: compensating", "saga", state.SagaID, "step", failedStep, "reason", reason)

	o.unwind(ctx, state, def)

	payload, err := types.MarshalPayload(&types.SagaFailedPayload{Step: failedStep, Reason: reason})
	if err != nil {
		return nil, err
	}
	ev, err := o.events.AppendAtHead(ctx, state.SagaID, types.AggregateSaga, types.EventSagaFailed, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failing saga %s: %w", state.SagaID, err)
	}

	now := o.now().UTC()
	state.Status = types.SagaFailed
	state.FailedAt = &now
	state.Error = reason
	state.HeartbeatAt = now
	if err := o.persist(ctx, &state); err != nil {
		return nil, err
	}
	o.snapshot(ctx, &state, ev.Version)
	o.archive(ctx, &state, ev.Version)

	metrics.SagasFailed.Add(1)
	o.raise(ctx, types.AlertSagaFailed, state.SagaID,
		fmt.Sprintf("saga %s (%s) failed at step %s: %s", state.SagaID, state.Type, failedStep, reason))
	return &state, nil
}

// unwind calls compensators for steps 0..CurrentStep-1 in reverse.
func (o *Orchestrator) unwind(ctx context.Context, state types.SagaState, def Definition) {
	for i := state.CurrentStep - 1; i >= 0; i-- {
		step := def.Steps[i]
		if step.Compensate != nil {
			if err := step.Compensate(ctx, state.Context); err != nil {
				o.logger.Error("saga: compensation failed",
					"saga", state.SagaID, "step", step.Name, "error", err)
			}
		}
		payload, err := types.MarshalPayload(&types.StepCompensatedPayload{Step: step.Name, StepIndex: i})
		if err == nil {
			_, err = o.events.AppendAtHead(ctx, state.SagaID, types.AggregateSaga, types.EventStepCompensated, payload, nil)
		}
		if err != nil {
			o.logger.Error("saga: recording compensation",
				"saga", state.SagaID, "step", step.Name, "error", err)
		}
		metrics.StepsCompensated.Add(1)
	}
}

// complete marks the saga COMPLETED and snapshots the final state.
func (o *Orchestrator) complete(ctx context.Context, state types.SagaState) (*types.SagaState, error) {
	payload, err := types.MarshalPayload(&types.SagaCompletedPayload{})
	if err != nil {
		return nil, err
	}
	ev, err := o.events.AppendAtHead(ctx, state.SagaID, types.AggregateSaga, types.EventSagaCompleted, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("completing saga %s: %w", state.SagaID, err)
	}

	now := o.now().UTC()
	state.Status = types.SagaCompleted
	state.CompletedAt = &now
	state.HeartbeatAt = now
	if err := o.persist(ctx, &state); err != nil {
		return nil, err
	}
	o.snapshot(ctx, &state, ev.Version)
	o.archive(ctx, &state, ev.Version)

	metrics.SagasCompleted.Add(1)
	o.logger.Info("saga: completed", "saga", state.SagaID, "type", state.Type)
	return &state, nil
}

// archive flags the terminal saga's events for cold storage. The final
// snapshot above covers the stream, so losing them costs nothing.
func (o *Orchestrator) archive(ctx context.Context, state *types.SagaState, uptoVersion int64) {
	if err := o.events.Archive(ctx, state.SagaID, uptoVersion); err != nil {
		o.logger.Warn("saga: archiving events", "saga", state.SagaID, "error", err)
	}
}

// runStepJob is the saga-step job runner. It re-runs the saga's current
// step; a second Retry verdict propagates as a transient error so the
// scheduler applies backoff and the attempt budget.
func (o *Orchestrator) runStepJob(ctx context.Context, job types.Job) error {
	var body stepJobPayload
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return retry.Permanent(fmt.Errorf("decoding saga-step job: %w", err))
	}

	state, err := o.provider.GetSagaState(ctx, body.SagaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
	if lifecycle.IsTerminalSaga(state.Status) {
		return nil // aborted while the retry was queued
	}
	def, err := o.registry.Get(state.Type)
	if err != nil {
		return retry.Permanent(err)
	}
	if state.CurrentStep >= len(def.Steps) {
		return nil
	}
	step := def.Steps[state.CurrentStep]
	if step.Name != body.Step {
		return nil // the saga moved on; this retry is stale
	}

	res := o.runStep(ctx, state, step)
	switch res.kind {
	case resultContinue:
		if err := o.completeStep(ctx, state, step, res.context); err != nil {
			return err
		}
		_, err := o.run(ctx, *state, def)
		return err
	case resultRetry:
		attempt := job.RetryCount + 2 // inline attempt plus job attempts
		payload, perr := types.MarshalPayload(&types.StepRetryScheduledPayload{
			Step:          step.Name,
			Attempt:       attempt,
			Reason:        res.reason,
			NextAttemptAt: o.now().Add(retry.Backoff(o.stepPolicy(), attempt)).UTC(),
		})
		if perr == nil {
			_, _ = o.events.AppendAtHead(ctx, state.SagaID, types.AggregateSaga, types.EventStepRetryScheduled, payload, nil)
		}
		return retry.Transient(errors.New(res.reason))
	default:
		if err := o.FailStep(ctx, body.SagaID, res.reason); err != nil {
			return err
		}
		return nil
	}
}

// stepExhausted fails the saga when a saga-step job runs out of
// attempts, recording the exhaustion in the stream first.
func (o *Orchestrator) stepExhausted(ctx context.Context, job types.Job, cause error) {
	var body stepJobPayload
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		o.logger.Error("saga: decoding exhausted job", "job", job.JobID, "error", err)
		return
	}
	if _, err := o.events.AppendAtHead(ctx, body.SagaID, types.AggregateSaga, types.EventRetryExhausted, nil, map[string]string{"step": body.Step}); err != nil {
		o.logger.Error("saga: recording exhaustion", "saga", body.SagaID, "error", err)
	}
	if err := o.FailStep(ctx, body.SagaID, fmt.Sprintf("step %s exhausted retries: %v", body.Step, cause)); err != nil {
		o.logger.Error("saga: failing after exhaustion", "saga", body.SagaID, "error", err)
	}
}

// replay folds the stream into (completed step count, latest context).
func (o *Orchestrator) replay(ctx context.Context, sagaID string) (int, json.RawMessage, error) {
	completed := 0
	var lastContext json.RawMessage

	st := o.events.LoadStream(sagaID, 0)
	for st.Next(ctx) {
		ev := st.Event()
		switch ev.Type {
		case types.EventSagaStarted:
			var p types.SagaStartedPayload
			if err := types.UnmarshalPayload(ev.Payload, &p); err == nil && p.Context != nil {
				lastContext = p.Context
			}
		case types.EventStepCompleted:
			var p types.StepCompletedPayload
			if err := types.UnmarshalPayload(ev.Payload, &p); err != nil {
				return 0, nil, fmt.Errorf("replaying saga %s: %w", sagaID, err)
			}
			completed = p.StepIndex + 1
			if p.Context != nil {
				lastContext = p.Context
			}
		}
	}
	if err := st.Err(); err != nil {
		return 0, nil, fmt.Errorf("replaying saga %s: %w", sagaID, err)
	}
	return completed, lastContext, nil
}

func (o *Orchestrator) stepPolicy() types.RetryPolicy { return o.policy }

// persist writes the control row and tracks the CAS version locally.
func (o *Orchestrator) persist(ctx context.Context, state *types.SagaState) error {
	if err := o.provider.PutSagaState(ctx, *state, state.Version); err != nil {
		return fmt.Errorf("persisting saga %s: %w", state.SagaID, err)
	}
	state.Version++
	return nil
}

func (o *Orchestrator) maybeSnapshot(ctx context.Context, state *types.SagaState, version int64) {
	if o.events.ShouldSnapshot(version) {
		o.snapshot(ctx, state, version)
	}
}

// snapshot stores the control row as the stream's snapshot state.
func (o *Orchestrator) snapshot(ctx context.Context, state *types.SagaState, version int64) {
	data, err := json.Marshal(state)
	if err == nil {
		err = o.events.SaveSnapshot(ctx, state.SagaID, types.AggregateSaga, version, data)
	}
	if err != nil {
		o.logger.Warn("saga: saving snapshot", "saga", state.SagaID, "error", err)
	}
}

func (o *Orchestrator) raise(ctx context.Context, kind types.AlertKind, subjectID, msg string) {
	if o.alertFn == nil {
		return
	}
	o.alertFn(ctx, types.Alert{
		Kind:      kind,
		Level:     types.AlertLevelError,
		SubjectID: subjectID,
		Message:   msg,
		Timestamp: o.now().UTC(),
	})
}

func idempotencyKey(sagaID, stepName string) string {
	return sagaID + "#" + stepName
}
