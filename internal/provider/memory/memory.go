// Package memory implements the Provider interface with in-process maps.
// It is the dev/test default and the reference semantics for the
// conformance suite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/porticohq/portico/internal/provider"
	"github.com/porticohq/portico/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*MemoryProvider)(nil)

// MemoryProvider implements the Provider interface backed by maps guarded
// by a single mutex. Operations copy records on the way in and out so
// callers never share memory with the store.
type MemoryProvider struct {
	mu sync.Mutex

	events    map[string][]types.Event // aggregateID -> ordered by version
	snapshots map[string]types.Snapshot
	sagas     map[string]types.SagaState
	jobs      map[string]types.Job
	webhooks  map[string]types.WebhookEndpoint
	delivs    map[string]types.WebhookDelivery
	health    map[string]types.DataSourceHealth
	checks    map[string][]types.HealthCheck
	alerts    []types.Alert
	locks     map[string]time.Time // key -> expiry
}

// New creates an empty MemoryProvider.
func New() *MemoryProvider {
	return &MemoryProvider{
		events:    make(map[string][]types.Event),
		snapshots: make(map[string]types.Snapshot),
		sagas:     make(map[string]types.SagaState),
		jobs:      make(map[string]types.Job),
		webhooks:  make(map[string]types.WebhookEndpoint),
		delivs:    make(map[string]types.WebhookDelivery),
		health:    make(map[string]types.DataSourceHealth),
		checks:    make(map[string][]types.HealthCheck),
		locks:     make(map[string]time.Time),
	}
}

// AppendEvent appends one event, enforcing the gapless version invariant.
func (p *MemoryProvider) AppendEvent(_ context.Context, event types.Event, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stream := p.events[event.AggregateID]
	head := int64(0)
	if n := len(stream); n > 0 {
		head = stream[n-1].Version
	}
	if head != expectedVersion {
		return provider.ErrVersionConflict
	}
	event.Version = head + 1
	p.events[event.AggregateID] = append(stream, event)
	return nil
}

// ListEvents returns events with version > fromVersion, ascending.
func (p *MemoryProvider) ListEvents(_ context.Context, aggregateID string, fromVersion int64, limit int) ([]types.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Event
	for _, e := range p.events[aggregateID] {
		if e.Version <= fromVersion {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// HeadVersion returns the current head version, 0 for an empty stream.
func (p *MemoryProvider) HeadVersion(_ context.Context, aggregateID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stream := p.events[aggregateID]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].Version, nil
}

// ArchiveEvents marks events at or below uptoVersion as archived.
func (p *MemoryProvider) ArchiveEvents(_ context.Context, aggregateID string, uptoVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stream := p.events[aggregateID]
	for i := range stream {
		if stream[i].Version <= uptoVersion {
			stream[i].Archived = true
		}
	}
	return nil
}

// SaveSnapshot stores the snapshot if it is at least as new as the stored one.
func (p *MemoryProvider) SaveSnapshot(_ context.Context, snap types.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.snapshots[snap.AggregateID]; ok && cur.Version > snap.Version {
		return nil // stale snapshot, keep the newer one
	}
	p.snapshots[snap.AggregateID] = snap
	return nil
}

// GetSnapshot returns the latest snapshot for the aggregate.
func (p *MemoryProvider) GetSnapshot(_ context.Context, aggregateID string) (*types.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, ok := p.snapshots[aggregateID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &snap, nil
}

// PutSagaState writes saga state guarded by the version CAS.
func (p *MemoryProvider) PutSagaState(_ context.Context, state types.SagaState, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.sagas[state.SagaID]
	if ok && cur.Version != expectedVersion {
		return provider.ErrVersionConflict
	}
	if !ok && expectedVersion != 0 {
		return provider.ErrVersionConflict
	}
	state.Version = expectedVersion + 1
	p.sagas[state.SagaID] = state
	return nil
}

// GetSagaState returns one saga state row.
func (p *MemoryProvider) GetSagaState(_ context.Context, sagaID string) (*types.SagaState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.sagas[sagaID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &st, nil
}

// ListRunningSagas returns RUNNING sagas with a heartbeat older than the cutoff.
func (p *MemoryProvider) ListRunningSagas(_ context.Context, heartbeatBefore time.Time, limit int) ([]types.SagaState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.SagaState
	for _, st := range p.sagas {
		if st.Status != types.SagaRunning || !st.HeartbeatAt.Before(heartbeatBefore) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeartbeatAt.Before(out[j].HeartbeatAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutJob stores a job row.
func (p *MemoryProvider) PutJob(_ context.Context, job types.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.jobs[job.JobID] = job
	return nil
}

// GetJob returns one job row.
func (p *MemoryProvider) GetJob(_ context.Context, jobID string) (*types.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[jobID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &j, nil
}

// ClaimJob moves PENDING -> RUNNING unless another RUNNING job holds the
// same target. Returns false without error when the claim loses.
func (p *MemoryProvider) ClaimJob(_ context.Context, jobID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[jobID]
	if !ok {
		return false, provider.ErrNotFound
	}
	if j.Status != types.JobPending {
		return false, nil
	}
	for _, other := range p.jobs {
		if other.JobID != jobID && other.TargetID == j.TargetID && other.Status == types.JobRunning {
			return false, nil
		}
	}
	now := time.Now().UTC()
	j.Status = types.JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	p.jobs[jobID] = j
	return true, nil
}

// UpdateJob writes a job row guarded by the status CAS.
func (p *MemoryProvider) UpdateJob(_ context.Context, job types.Job, expectStatus types.JobStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.jobs[job.JobID]
	if !ok {
		return provider.ErrNotFound
	}
	if cur.Status != expectStatus {
		return provider.ErrVersionConflict
	}
	p.jobs[job.JobID] = job
	return nil
}

// DueJobs returns PENDING jobs with nextAttemptAt <= now, soonest first.
func (p *MemoryProvider) DueJobs(_ context.Context, now time.Time, limit int) ([]types.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Job
	for _, j := range p.jobs {
		if j.Status == types.JobPending && !j.NextAttemptAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutWebhook stores a webhook endpoint.
func (p *MemoryProvider) PutWebhook(_ context.Context, wh types.WebhookEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.webhooks[wh.WebhookID] = wh
	return nil
}

// GetWebhook returns a webhook endpoint.
func (p *MemoryProvider) GetWebhook(_ context.Context, webhookID string) (*types.WebhookEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wh, ok := p.webhooks[webhookID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &wh, nil
}

// BumpWebhookCounters increments the endpoint's success or failure count.
func (p *MemoryProvider) BumpWebhookCounters(_ context.Context, webhookID string, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	wh, ok := p.webhooks[webhookID]
	if !ok {
		return provider.ErrNotFound
	}
	if success {
		wh.SuccessCount++
	} else {
		wh.FailureCount++
	}
	p.webhooks[webhookID] = wh
	return nil
}

// PutDelivery stores a delivery row.
func (p *MemoryProvider) PutDelivery(_ context.Context, d types.WebhookDelivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.delivs[d.DeliveryID] = d
	return nil
}

// GetDelivery returns one delivery row.
func (p *MemoryProvider) GetDelivery(_ context.Context, deliveryID string) (*types.WebhookDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.delivs[deliveryID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &d, nil
}

// ClaimDelivery moves PENDING/RETRYING -> RUNNING, returning false when
// another worker already holds it or the delivery is terminal.
func (p *MemoryProvider) ClaimDelivery(_ context.Context, deliveryID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.delivs[deliveryID]
	if !ok {
		return false, provider.ErrNotFound
	}
	if d.Status != types.DeliveryPending && d.Status != types.DeliveryRetrying {
		return false, nil
	}
	d.Status = types.DeliveryRunning
	d.UpdatedAt = time.Now().UTC()
	p.delivs[deliveryID] = d
	return true, nil
}

// UpdateDelivery writes a delivery row guarded by the status CAS.
func (p *MemoryProvider) UpdateDelivery(_ context.Context, d types.WebhookDelivery, expectStatus types.DeliveryStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.delivs[d.DeliveryID]
	if !ok {
		return provider.ErrNotFound
	}
	if cur.Status != expectStatus {
		return provider.ErrVersionConflict
	}
	p.delivs[d.DeliveryID] = d
	return nil
}

// DueDeliveries returns PENDING/RETRYING deliveries with nextAttemptAt <= now.
func (p *MemoryProvider) DueDeliveries(_ context.Context, now time.Time, limit int) ([]types.WebhookDelivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.WebhookDelivery
	for _, d := range p.delivs {
		if (d.Status == types.DeliveryPending || d.Status == types.DeliveryRetrying) && !d.NextAttemptAt.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetHealth returns the health row for an integration.
func (p *MemoryProvider) GetHealth(_ context.Context, integrationID string) (*types.DataSourceHealth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[integrationID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &h, nil
}

// PutHealth writes the health row guarded by the version CAS.
func (p *MemoryProvider) PutHealth(_ context.Context, h types.DataSourceHealth, expectedVersion int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.health[h.IntegrationID]
	if ok && cur.Version != expectedVersion {
		return provider.ErrVersionConflict
	}
	if !ok && expectedVersion != 0 {
		return provider.ErrVersionConflict
	}
	h.Version = expectedVersion + 1
	p.health[h.IntegrationID] = h
	return nil
}

// AppendHealthCheck appends one history row.
func (p *MemoryProvider) AppendHealthCheck(_ context.Context, check types.HealthCheck) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checks[check.IntegrationID] = append(p.checks[check.IntegrationID], check)
	return nil
}

// ListHealthChecks returns the most recent checks, newest first.
func (p *MemoryProvider) ListHealthChecks(_ context.Context, integrationID string, limit int) ([]types.HealthCheck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hist := p.checks[integrationID]
	out := make([]types.HealthCheck, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PutAlert appends an alert row.
func (p *MemoryProvider) PutAlert(_ context.Context, alert types.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.alerts = append(p.alerts, alert)
	return nil
}

// ListAlerts returns alerts for one subject, newest first.
func (p *MemoryProvider) ListAlerts(_ context.Context, subjectID string, limit int) ([]types.Alert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Alert
	for i := len(p.alerts) - 1; i >= 0; i-- {
		if p.alerts[i].SubjectID != subjectID {
			continue
		}
		out = append(out, p.alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListAllAlerts returns alerts across subjects, newest first.
func (p *MemoryProvider) ListAllAlerts(_ context.Context, limit int) ([]types.Alert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Alert
	for i := len(p.alerts) - 1; i >= 0; i-- {
		out = append(out, p.alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AcquireLock takes the lock if free or expired.
func (p *MemoryProvider) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if expiry, ok := p.locks[key]; ok && expiry.After(now) {
		return false, nil
	}
	p.locks[key] = now.Add(ttl)
	return true, nil
}

// ReleaseLock frees the lock.
func (p *MemoryProvider) ReleaseLock(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.locks, key)
	return nil
}

// Start is a no-op for the memory backend.
func (p *MemoryProvider) Start(context.Context) error { return nil }

// Stop is a no-op for the memory backend.
func (p *MemoryProvider) Stop(context.Context) error { return nil }

// Ping is a no-op for the memory backend.
func (p *MemoryProvider) Ping(context.Context) error { return nil }
