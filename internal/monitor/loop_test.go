package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmalvern/queuekeeper/internal/health"
	iduuid "github.com/jmalvern/queuekeeper/internal/id/uuid"
	"github.com/jmalvern/queuekeeper/internal/queue"
	"github.com/jmalvern/queuekeeper/internal/recovery"
	"github.com/jmalvern/queuekeeper/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recordingAlerter struct {
	mu      sync.Mutex
	sent    int
	forced  []bool
	actions [][]queue.RecoveryAction
	err     error
}

func (a *recordingAlerter) Notify(_ context.Context, _ queue.HealthSnapshot, _ []queue.Issue, actions []queue.RecoveryAction, force bool) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	a.sent++
	a.forced = append(a.forced, force)
	a.actions = append(a.actions, actions)
	return true, nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

func (a *recordingAlerter) lastActions() []queue.RecoveryAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.actions) == 0 {
		return nil
	}
	return a.actions[len(a.actions)-1]
}

func newTestLoop(t *testing.T, store *memory.QueueStore, clock queue.Clock, alerts Alerter) *Loop {
	t.Helper()
	agg := health.NewAggregator(store, clock, health.Config{}, nil)
	ctrl := recovery.NewController(store, nil, clock, recovery.Config{}, nil)
	return NewLoop(agg, ctrl, alerts, store, iduuid.New(), clock, nil, nil)
}

func TestTickHealthyQueueRecordsCleanRun(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	// A busy but healthy queue: one fresh lease, nothing overdue.
	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-1", URL: "https://example.com/1",
	})
	require.NoError(t, err)
	_ = item
	claimed, err := store.Claim(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	alerts := &recordingAlerter{}
	loop := newTestLoop(t, store, clock, alerts)

	rec, err := loop.Tick(ctx, false)
	require.NoError(t, err)
	require.True(t, rec.Healthy())
	require.Empty(t, rec.Actions)
	require.False(t, rec.Alerted)
	require.False(t, rec.Forced)
	require.Equal(t, 0, alerts.count())

	runs, err := store.ListRunRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, rec.ID, runs[0].ID)
}

func TestTickRepairsStaleLockAndRecordsIt(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-2", URL: "https://example.com/2",
	})
	require.NoError(t, err)
	worker := "worker-gone"
	lockedAt := clock.Now().Add(-20 * time.Minute)
	item.Status = queue.StatusProcessing
	item.LockedBy = &worker
	item.LockedAt = &lockedAt
	store.Put(item)

	loop := newTestLoop(t, store, clock, &recordingAlerter{})

	rec, err := loop.Tick(ctx, false)
	require.NoError(t, err)
	require.False(t, rec.Healthy())

	var codes []string
	for _, issue := range rec.Issues {
		codes = append(codes, issue.Code)
	}
	require.Contains(t, codes, "stale_locks")
	require.Len(t, rec.Actions, 1)
	require.Equal(t, "reclaim_stale_locks", rec.Actions[0].Name)

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Nil(t, got.LockedBy)

	// The follow-up tick sees a repaired queue.
	next, err := loop.Tick(ctx, false)
	require.NoError(t, err)
	require.NotContains(t, issueCodesOf(next), "stale_locks")
	require.Empty(t, next.Actions)
}

func issueCodesOf(rec queue.RunRecord) []string {
	var codes []string
	for _, issue := range rec.Issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestTickAlertsOnCriticalIssues(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	// Pending work, no workers, no throughput.
	_, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-3", URL: "https://example.com/3",
	})
	require.NoError(t, err)

	alerts := &recordingAlerter{}
	loop := newTestLoop(t, store, clock, alerts)

	rec, err := loop.Tick(ctx, false)
	require.NoError(t, err)
	require.Contains(t, issueCodesOf(rec), "stalled_queue")
	require.True(t, rec.Alerted)
	require.Equal(t, 1, alerts.count())
}

func TestTickAlertCarriesActionsTaken(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-8", URL: "https://example.com/8",
	})
	require.NoError(t, err)
	worker := "worker-gone"
	lockedAt := clock.Now().Add(-20 * time.Minute)
	item.Status = queue.StatusProcessing
	item.LockedBy = &worker
	item.LockedAt = &lockedAt
	store.Put(item)

	alerts := &recordingAlerter{}
	loop := newTestLoop(t, store, clock, alerts)

	rec, err := loop.Tick(ctx, true)
	require.NoError(t, err)
	require.True(t, rec.Alerted)

	// The notification reports what recovery just did, not only the issues.
	delivered := alerts.lastActions()
	require.Len(t, delivered, 1)
	require.Equal(t, "reclaim_stale_locks", delivered[0].Name)
	require.Equal(t, int64(1), delivered[0].Affected)
}

func TestTickForcedAlertsEvenWhenHealthy(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	alerts := &recordingAlerter{}
	loop := newTestLoop(t, store, clock, alerts)

	rec, err := loop.Tick(context.Background(), true)
	require.NoError(t, err)
	require.True(t, rec.Healthy())
	require.True(t, rec.Forced)
	require.True(t, rec.Alerted)
	require.Equal(t, []bool{true}, alerts.forced)
}

func TestTickSurvivesAlerterFailure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-4", URL: "https://example.com/4",
	})
	require.NoError(t, err)

	alerts := &recordingAlerter{err: errors.New("webhook down")}
	loop := newTestLoop(t, store, clock, alerts)

	rec, err := loop.Tick(ctx, false)
	require.NoError(t, err)
	require.False(t, rec.Alerted)

	runs, err := store.ListRunRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	loop := newTestLoop(t, store, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, 50*time.Millisecond)
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestRunRejectsBadInterval(t *testing.T) {
	t.Parallel()

	loop := newTestLoop(t, memory.NewQueueStore(newFakeClock()), newFakeClock(), nil)
	require.Error(t, loop.Run(context.Background(), 0))
}
