package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider/memory"
	"github.com/porticohq/portico/pkg/types"
)

func TestParseComputesNextFireTime(t *testing.T) {
	s, err := Parse("p-1", "0 9 * * 1")
	require.NoError(t, err)

	// Wednesday 2026-03-04 -> next Monday 09:00.
	after := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	next := s.Next(after)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Weekday(1), next.Weekday())
}

func TestParseRejectsBadExpressions(t *testing.T) {
	_, err := Parse("p-1", "not cron")
	require.Error(t, err)

	_, err = Parse("", "0 9 * * 1")
	require.Error(t, err)
}

func TestParseAllRejectsDuplicatePortals(t *testing.T) {
	_, err := ParseAll([]types.RefreshSchedule{
		{PortalID: "p-1", Cron: "0 9 * * 1"},
		{PortalID: "p-1", Cron: "0 18 * * 5"},
	})
	require.Error(t, err)
}

type startRecorder struct {
	mu      sync.Mutex
	portals []string
}

func (r *startRecorder) start(_ context.Context, portalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portals = append(r.portals, portalID)
	return nil
}

func (r *startRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.portals...)
}

func newTestRunner(t *testing.T, locks Locker, rec *startRecorder, now *time.Time) *Runner {
	t.Helper()
	specs, err := ParseAll([]types.RefreshSchedule{{PortalID: "p-1", Cron: "*/5 * * * *"}})
	require.NoError(t, err)
	r := NewRunner(specs, rec.start, locks, nil)
	r.now = func() time.Time { return *now }
	return r
}

func TestTickFiresDueSchedulesOnce(t *testing.T) {
	ctx := context.Background()
	rec := &startRecorder{}
	now := time.Date(2026, 3, 2, 10, 1, 0, 0, time.UTC)
	r := newTestRunner(t, memory.New(), rec, &now)

	r.Tick(ctx)
	assert.Empty(t, rec.list(), "the first tick only seeds fire times")

	now = now.Add(2 * time.Minute)
	r.Tick(ctx)
	assert.Empty(t, rec.list(), "not due yet")

	now = now.Add(3 * time.Minute) // past 10:05
	r.Tick(ctx)
	assert.Equal(t, []string{"p-1"}, rec.list())

	r.Tick(ctx)
	assert.Equal(t, []string{"p-1"}, rec.list(), "the same window never fires twice")

	now = now.Add(5 * time.Minute) // past 10:10
	r.Tick(ctx)
	assert.Equal(t, []string{"p-1", "p-1"}, rec.list())
}

func TestReplicasDedupeThroughTheLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec := &startRecorder{}
	now := time.Date(2026, 3, 2, 10, 1, 0, 0, time.UTC)

	a := newTestRunner(t, store, rec, &now)
	b := newTestRunner(t, store, rec, &now)

	a.Tick(ctx)
	b.Tick(ctx)
	now = now.Add(5 * time.Minute)
	a.Tick(ctx)
	b.Tick(ctx)

	assert.Equal(t, []string{"p-1"}, rec.list(), "one replica wins the firing window")
}
