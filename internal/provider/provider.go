// Package provider defines the storage backend interface for the Portico
// reliability core. Backends must give identical semantics for the CAS
// operations; the conformance suite in providertest enforces this.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/porticohq/portico/pkg/types"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic version check
	// fails. The caller reloads and retries; nothing was written.
	ErrVersionConflict = errors.New("version conflict")
)

// Provider is the storage backend interface. The memory backend is the
// dev/test default; postgres and dynamodb are the durable options.
type Provider interface {
	// Event log: append-only, versioned per aggregate.
	// AppendEvent fails with ErrVersionConflict unless expectedVersion
	// equals the current head version (0 for an empty stream).
	AppendEvent(ctx context.Context, event types.Event, expectedVersion int64) error
	ListEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]types.Event, error)
	HeadVersion(ctx context.Context, aggregateID string) (int64, error)
	// ArchiveEvents marks events at or below version as cold-storage
	// eligible. It never deletes.
	ArchiveEvents(ctx context.Context, aggregateID string, uptoVersion int64) error

	// Snapshots: advisory, one row per aggregate (latest wins).
	SaveSnapshot(ctx context.Context, snap types.Snapshot) error
	GetSnapshot(ctx context.Context, aggregateID string) (*types.Snapshot, error)

	// Saga state: CAS on Version to stay safe under concurrent writers.
	PutSagaState(ctx context.Context, state types.SagaState, expectedVersion int64) error
	GetSagaState(ctx context.Context, sagaID string) (*types.SagaState, error)
	ListRunningSagas(ctx context.Context, heartbeatBefore time.Time, limit int) ([]types.SagaState, error)

	// Jobs: ClaimJob atomically moves PENDING -> RUNNING and enforces
	// at most one RUNNING job per TargetID. UpdateJob requires the
	// recorded status to match expectStatus (CAS on status).
	PutJob(ctx context.Context, job types.Job) error
	GetJob(ctx context.Context, jobID string) (*types.Job, error)
	ClaimJob(ctx context.Context, jobID string) (bool, error)
	UpdateJob(ctx context.Context, job types.Job, expectStatus types.JobStatus) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]types.Job, error)

	// Webhook endpoints and deliveries. ClaimDelivery atomically moves
	// PENDING/RETRYING -> RUNNING so at most one worker owns an attempt.
	PutWebhook(ctx context.Context, wh types.WebhookEndpoint) error
	GetWebhook(ctx context.Context, webhookID string) (*types.WebhookEndpoint, error)
	BumpWebhookCounters(ctx context.Context, webhookID string, success bool) error
	PutDelivery(ctx context.Context, d types.WebhookDelivery) error
	GetDelivery(ctx context.Context, deliveryID string) (*types.WebhookDelivery, error)
	ClaimDelivery(ctx context.Context, deliveryID string) (bool, error)
	UpdateDelivery(ctx context.Context, d types.WebhookDelivery, expectStatus types.DeliveryStatus) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]types.WebhookDelivery, error)

	// Data-source health: CAS on Version; HealthCheck rows append-only.
	GetHealth(ctx context.Context, integrationID string) (*types.DataSourceHealth, error)
	PutHealth(ctx context.Context, h types.DataSourceHealth, expectedVersion int64) error
	AppendHealthCheck(ctx context.Context, check types.HealthCheck) error
	ListHealthChecks(ctx context.Context, integrationID string, limit int) ([]types.HealthCheck, error)

	// Alert history.
	PutAlert(ctx context.Context, alert types.Alert) error
	ListAlerts(ctx context.Context, subjectID string, limit int) ([]types.Alert, error)
	ListAllAlerts(ctx context.Context, limit int) ([]types.Alert, error)

	// Coordination locks (watchdog dedup, schedule leadership).
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	// Lifecycle.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error
}
