package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/porticohq/portico/pkg/types"
)

func TestSagaTransitions(t *testing.T) {
	tests := []struct {
		from, to types.SagaStatus
		valid    bool
	}{
		{types.SagaRunning, types.SagaCompleted, true},
		{types.SagaRunning, types.SagaCompensating, true},
		{types.SagaRunning, types.SagaFailed, true},
		{types.SagaRunning, types.SagaCancelled, true},
		{types.SagaCompensating, types.SagaFailed, true},
		{types.SagaCompensating, types.SagaCompleted, false},
		{types.SagaCompleted, types.SagaRunning, false},
		{types.SagaFailed, types.SagaRunning, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, CanTransitionSaga(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		from, to types.JobStatus
		valid    bool
	}{
		{types.JobPending, types.JobRunning, true},
		{types.JobPending, types.JobCancelled, true},
		{types.JobRunning, types.JobCompleted, true},
		{types.JobRunning, types.JobPending, true}, // re-enqueue after transient failure
		{types.JobRunning, types.JobFailed, true},
		{types.JobPending, types.JobCompleted, false},
		{types.JobCompleted, types.JobRunning, false},
		{types.JobCancelled, types.JobRunning, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, CanTransitionJob(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDeliveryTransitions(t *testing.T) {
	tests := []struct {
		from, to types.DeliveryStatus
		valid    bool
	}{
		{types.DeliveryPending, types.DeliveryRunning, true},
		{types.DeliveryRunning, types.DeliverySuccess, true},
		{types.DeliveryRunning, types.DeliveryRetrying, true},
		{types.DeliveryRetrying, types.DeliveryRunning, true},
		{types.DeliveryRetrying, types.DeliveryFailed, true},
		{types.DeliverySuccess, types.DeliveryRetrying, false},
		{types.DeliverySuccess, types.DeliveryFailed, false},
		{types.DeliveryFailed, types.DeliveryRunning, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, CanTransitionDelivery(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestHealthTransitions(t *testing.T) {
	// A successful check never clears SCHEMA_CHANGED on its own.
	assert.True(t, CanTransitionHealth(types.HealthSchemaChanged, types.HealthHealthy)) // via explicit ack
	assert.False(t, CanTransitionHealth(types.HealthSchemaChanged, types.HealthDegraded))

	assert.True(t, CanTransitionHealth(types.HealthHealthy, types.HealthDegraded))
	assert.True(t, CanTransitionHealth(types.HealthDegraded, types.HealthDown))
	assert.True(t, CanTransitionHealth(types.HealthDown, types.HealthHealthy))
	assert.True(t, CanTransitionHealth(types.HealthRateLimited, types.HealthHealthy))
}

func TestTerminalPredicates(t *testing.T) {
	assert.True(t, IsTerminalSaga(types.SagaCompleted))
	assert.True(t, IsTerminalSaga(types.SagaFailed))
	assert.False(t, IsTerminalSaga(types.SagaRunning))

	assert.True(t, IsTerminalJob(types.JobCancelled))
	assert.False(t, IsTerminalJob(types.JobPending))

	assert.True(t, IsTerminalDelivery(types.DeliverySuccess))
	assert.False(t, IsTerminalDelivery(types.DeliveryRetrying))
}

func TestTransitionErrors(t *testing.T) {
	assert.Error(t, TransitionSaga(types.SagaCompleted, types.SagaRunning))
	assert.NoError(t, TransitionSaga(types.SagaRunning, types.SagaCompleted))

	assert.Error(t, TransitionJob(types.JobCompleted, types.JobRunning))
	assert.NoError(t, TransitionJob(types.JobPending, types.JobRunning))

	assert.Error(t, TransitionDelivery(types.DeliverySuccess, types.DeliveryFailed))
	assert.NoError(t, TransitionDelivery(types.DeliveryRunning, types.DeliverySuccess))
}
