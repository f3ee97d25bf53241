// Package metrics exposes runtime counters via expvar.
package metrics

import "expvar"

var (
	EventsAppended       = expvar.NewInt("events_appended")
	VersionConflicts     = expvar.NewInt("version_conflicts")
	SnapshotsSaved       = expvar.NewInt("snapshots_saved")
	EventsArchived       = expvar.NewInt("events_archived")
	SagasStarted         = expvar.NewInt("sagas_started")
	SagasCompleted       = expvar.NewInt("sagas_completed")
	SagasFailed          = expvar.NewInt("sagas_failed")
	StepsCompensated     = expvar.NewInt("steps_compensated")
	RetriesScheduled     = expvar.NewInt("retries_scheduled")
	RetriesExhausted     = expvar.NewInt("retries_exhausted")
	TasksClaimed         = expvar.NewInt("tasks_claimed")
	DeliveriesSucceeded  = expvar.NewInt("deliveries_succeeded")
	DeliveriesFailed     = expvar.NewInt("deliveries_failed")
	HealthTransitions    = expvar.NewInt("health_transitions")
	AlertsDispatched     = expvar.NewInt("alerts_dispatched")
	AlertsFailed         = expvar.NewInt("alerts_failed")
	CircuitShortCircuits = expvar.NewInt("circuit_short_circuits")
	SagasResumed         = expvar.NewInt("sagas_resumed")
)
