// Package lifecycle implements the status state machines for sagas, jobs,
// webhook deliveries, and data-source health. Transitions are validated in
// code, never by string comparison at call sites.
package lifecycle

import (
	"fmt"

	"github.com/porticohq/portico/pkg/types"
)

// Transition tables: from -> allowed tos.

var sagaTransitions = map[types.SagaStatus][]types.SagaStatus{
	types.SagaRunning:      {types.SagaCompleted, types.SagaCompensating, types.SagaFailed, types.SagaCancelled},
	types.SagaCompensating: {types.SagaFailed},
	types.SagaCompleted:    {},
	types.SagaFailed:       {},
	types.SagaCancelled:    {},
}

var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobPending:   {types.JobRunning, types.JobCancelled},
	types.JobRunning:   {types.JobCompleted, types.JobFailed, types.JobPending, types.JobCancelled},
	types.JobCompleted: {},
	types.JobFailed:    {},
	types.JobCancelled: {},
}

var deliveryTransitions = map[types.DeliveryStatus][]types.DeliveryStatus{
	types.DeliveryPending:  {types.DeliveryRunning, types.DeliveryFailed},
	types.DeliveryRunning:  {types.DeliverySuccess, types.DeliveryRetrying, types.DeliveryFailed},
	types.DeliveryRetrying: {types.DeliveryRunning, types.DeliveryFailed},
	types.DeliverySuccess:  {},
	types.DeliveryFailed:   {},
}

// Health transitions: RATE_LIMITED and SCHEMA_CHANGED are side-states
// reachable from any non-side state; SCHEMA_CHANGED clears only via
// explicit acknowledgement.
var healthTransitions = map[types.HealthStatus][]types.HealthStatus{
	types.HealthHealthy:       {types.HealthDegraded, types.HealthDown, types.HealthRateLimited, types.HealthSchemaChanged},
	types.HealthDegraded:      {types.HealthHealthy, types.HealthDegraded, types.HealthDown, types.HealthRateLimited, types.HealthSchemaChanged},
	types.HealthDown:          {types.HealthHealthy, types.HealthDown, types.HealthRateLimited, types.HealthSchemaChanged},
	types.HealthRateLimited:   {types.HealthHealthy, types.HealthDegraded, types.HealthDown, types.HealthRateLimited, types.HealthSchemaChanged},
	types.HealthSchemaChanged: {types.HealthHealthy, types.HealthSchemaChanged},
}

func contains[S ~string](allowed []S, s S) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

// CanTransitionSaga checks if a saga status transition is valid.
func CanTransitionSaga(from, to types.SagaStatus) bool {
	return contains(sagaTransitions[from], to)
}

// TransitionSaga validates a saga status transition.
func TransitionSaga(from, to types.SagaStatus) error {
	if !CanTransitionSaga(from, to) {
		return fmt.Errorf("invalid saga transition from %s to %s", from, to)
	}
	return nil
}

// CanTransitionJob checks if a job status transition is valid.
// RUNNING -> PENDING is the re-enqueue path after a transient failure.
func CanTransitionJob(from, to types.JobStatus) bool {
	return contains(jobTransitions[from], to)
}

// TransitionJob validates a job status transition.
func TransitionJob(from, to types.JobStatus) error {
	if !CanTransitionJob(from, to) {
		return fmt.Errorf("invalid job transition from %s to %s", from, to)
	}
	return nil
}

// CanTransitionDelivery checks if a delivery status transition is valid.
func CanTransitionDelivery(from, to types.DeliveryStatus) bool {
	return contains(deliveryTransitions[from], to)
}

// TransitionDelivery validates a delivery status transition.
func TransitionDelivery(from, to types.DeliveryStatus) error {
	if !CanTransitionDelivery(from, to) {
		return fmt.Errorf("invalid delivery transition from %s to %s", from, to)
	}
	return nil
}

// CanTransitionHealth checks if a health status transition is valid.
func CanTransitionHealth(from, to types.HealthStatus) bool {
	return contains(healthTransitions[from], to)
}

// IsTerminalSaga returns true if the saga status is final.
func IsTerminalSaga(s types.SagaStatus) bool {
	return s == types.SagaCompleted || s == types.SagaFailed || s == types.SagaCancelled
}

// IsTerminalJob returns true if the job status is final.
func IsTerminalJob(s types.JobStatus) bool {
	return s == types.JobCompleted || s == types.JobFailed || s == types.JobCancelled
}

// IsTerminalDelivery returns true if the delivery status is final.
// SUCCESS is immutable thereafter.
func IsTerminalDelivery(s types.DeliveryStatus) bool {
	return s == types.DeliverySuccess || s == types.DeliveryFailed
}
