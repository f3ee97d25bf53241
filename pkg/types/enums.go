// Package types defines the public domain types for the Portico reliability core.
package types

// AggregateType identifies the kind of entity an event stream belongs to.
type AggregateType string

// AggregateType values enumerate the aggregate kinds with event streams.
const (
	AggregateSaga        AggregateType = "SAGA"
	AggregatePortal      AggregateType = "PORTAL"
	AggregateIntegration AggregateType = "INTEGRATION"
)

// EventType classifies a domain event within an aggregate stream.
type EventType string

// EventType values enumerate the recorded domain events.
const (
	EventSagaStarted        EventType = "SAGA_STARTED"
	EventStepCompleted      EventType = "STEP_COMPLETED"
	EventStepRetryScheduled EventType = "STEP_RETRY_SCHEDULED"
	EventStepCompensated    EventType = "STEP_COMPENSATED"
	EventSagaCompleted      EventType = "SAGA_COMPLETED"
	EventSagaFailed         EventType = "SAGA_FAILED"
	EventSagaCancelled      EventType = "SAGA_CANCELLED"
	EventRetryExhausted     EventType = "RETRY_EXHAUSTED"
	EventHealthChanged      EventType = "HEALTH_CHANGED"
)

// SagaStatus represents the lifecycle state of a saga instance.
type SagaStatus string

// SagaStatus values represent the lifecycle states of a saga.
const (
	SagaRunning      SagaStatus = "RUNNING"
	SagaCompensating SagaStatus = "COMPENSATING"
	SagaCompleted    SagaStatus = "COMPLETED"
	SagaFailed       SagaStatus = "FAILED"
	SagaCancelled    SagaStatus = "CANCELLED"
)

// JobStatus is the canonical job lifecycle enum. A job scheduled for the
// future stays PENDING with nextAttemptAt ahead of now; an operator pause is
// a CANCELLED job (resubmission creates a new one).
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// DeliveryStatus represents the state of an outbound webhook delivery.
// RUNNING exists only between a worker claim and the recorded outcome.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "PENDING"
	DeliveryRunning  DeliveryStatus = "RUNNING"
	DeliveryRetrying DeliveryStatus = "RETRYING"
	DeliverySuccess  DeliveryStatus = "SUCCESS"
	DeliveryFailed   DeliveryStatus = "FAILED"
)

// HealthStatus represents the circuit state of a data-source integration.
type HealthStatus string

const (
	HealthHealthy       HealthStatus = "HEALTHY"
	HealthDegraded      HealthStatus = "DEGRADED"
	HealthDown          HealthStatus = "DOWN"
	HealthRateLimited   HealthStatus = "RATE_LIMITED"
	HealthSchemaChanged HealthStatus = "SCHEMA_CHANGED"
)

// FailureCategory classifies why an external call failed.
type FailureCategory string

const (
	FailureTransient   FailureCategory = "TRANSIENT"
	FailurePermanent   FailureCategory = "PERMANENT"
	FailureTimeout     FailureCategory = "TIMEOUT"
	FailureRateLimited FailureCategory = "RATE_LIMITED"
)

// AlertKind classifies the condition that raised an alert.
type AlertKind string

// AlertKind values enumerate the alertable conditions.
const (
	AlertIntegrationDown    AlertKind = "INTEGRATION_DOWN"
	AlertIntegrationLimited AlertKind = "INTEGRATION_RATE_LIMITED"
	AlertSchemaChanged      AlertKind = "SCHEMA_CHANGED"
	AlertRetryExhausted     AlertKind = "RETRY_EXHAUSTED"
	AlertSagaFailed         AlertKind = "SAGA_FAILED"
	AlertWebhookFailing     AlertKind = "WEBHOOK_FAILING"
	AlertSagaStuck          AlertKind = "SAGA_STUCK"
)

// AlertLevel replaces string-typed alert levels with a proper enum.
type AlertLevel string

const (
	AlertLevelError   AlertLevel = "error"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelInfo    AlertLevel = "info"
)

// AlertSinkType defines the alert sink backend.
type AlertSinkType string

// AlertSinkType values enumerate the supported alert sink backends.
const (
	AlertConsole AlertSinkType = "console"
	AlertWebhook AlertSinkType = "webhook"
	AlertFile    AlertSinkType = "file"
)
