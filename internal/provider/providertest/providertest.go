// Package providertest provides shared conformance tests for provider.Provider
// implementations. Call RunAll from a test function to verify a provider
// satisfies the full behavioral contract.
package providertest

import (
	"testing"

	"github.com/porticohq/portico/internal/provider"
)

// RunAll runs the complete provider conformance suite as subtests.
func RunAll(t *testing.T, prov provider.Provider) {
	t.Helper()

	t.Run("EventAppendAndList", func(t *testing.T) { TestEventAppendAndList(t, prov) })
	t.Run("EventVersionConflict", func(t *testing.T) { TestEventVersionConflict(t, prov) })
	t.Run("EventAppendRace", func(t *testing.T) { TestEventAppendRace(t, prov) })
	t.Run("EventArchive", func(t *testing.T) { TestEventArchive(t, prov) })
	t.Run("SnapshotPutGet", func(t *testing.T) { TestSnapshotPutGet(t, prov) })
	t.Run("SnapshotKeepsNewest", func(t *testing.T) { TestSnapshotKeepsNewest(t, prov) })
	t.Run("SagaStatePutGet", func(t *testing.T) { TestSagaStatePutGet(t, prov) })
	t.Run("SagaStateCAS", func(t *testing.T) { TestSagaStateCAS(t, prov) })
	t.Run("ListRunningSagas", func(t *testing.T) { TestListRunningSagas(t, prov) })
	t.Run("JobPutGet", func(t *testing.T) { TestJobPutGet(t, prov) })
	t.Run("JobClaim", func(t *testing.T) { TestJobClaim(t, prov) })
	t.Run("JobClaimOnePerTarget", func(t *testing.T) { TestJobClaimOnePerTarget(t, prov) })
	t.Run("JobUpdateCAS", func(t *testing.T) { TestJobUpdateCAS(t, prov) })
	t.Run("DueJobs", func(t *testing.T) { TestDueJobs(t, prov) })
	t.Run("WebhookPutGet", func(t *testing.T) { TestWebhookPutGet(t, prov) })
	t.Run("WebhookCounters", func(t *testing.T) { TestWebhookCounters(t, prov) })
	t.Run("DeliveryLifecycle", func(t *testing.T) { TestDeliveryLifecycle(t, prov) })
	t.Run("DueDeliveries", func(t *testing.T) { TestDueDeliveries(t, prov) })
	t.Run("HealthPutGet", func(t *testing.T) { TestHealthPutGet(t, prov) })
	t.Run("HealthCAS", func(t *testing.T) { TestHealthCAS(t, prov) })
	t.Run("HealthCheckHistory", func(t *testing.T) { TestHealthCheckHistory(t, prov) })
	t.Run("Alerts", func(t *testing.T) { TestAlerts(t, prov) })
	t.Run("Locking", func(t *testing.T) { TestLocking(t, prov) })
	t.Run("LockExpiry", func(t *testing.T) { TestLockExpiry(t, prov) })
}
