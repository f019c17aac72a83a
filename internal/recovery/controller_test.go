package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jmalvern/queuekeeper/internal/queue"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingStarter struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (r *recordingStarter) StartWorkers(_ context.Context, batchSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, batchSize)
	return nil
}

func (r *recordingStarter) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.batches...)
}

func actionNames(actions []queue.RecoveryAction) []string {
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name)
	}
	return names
}

func TestIssuesThresholds(t *testing.T) {
	t.Parallel()

	ctrl := NewController(nil, nil, newFakeClock(), Config{}, nil)

	tests := []struct {
		name     string
		snapshot queue.HealthSnapshot
		codes    []string
		critical bool
	}{
		{
			name:     "healthy queue reports nothing",
			snapshot: queue.HealthSnapshot{Pending: 10, ActiveWorkers: 2, ProcessingRate: 40},
		},
		{
			name: "high error rate with enough samples is critical",
			snapshot: queue.HealthSnapshot{
				ProcessingRate: 2,
				FailedLastHour: 8,
				ErrorRate:      80,
				ActiveWorkers:  1,
			},
			codes:    []string{"high_error_rate"},
			critical: true,
		},
		{
			name: "high error rate with too few samples is ignored",
			snapshot: queue.HealthSnapshot{
				ProcessingRate: 1,
				FailedLastHour: 3,
				ErrorRate:      75,
				ActiveWorkers:  1,
			},
		},
		{
			name:     "stale locks and stuck items are warnings",
			snapshot: queue.HealthSnapshot{StaleLocks: 2, StuckItems: 4, ActiveWorkers: 1, ProcessingRate: 10},
			codes:    []string{"stale_locks", "stuck_items"},
		},
		{
			name: "idle queue with large backlog is critical",
			snapshot: queue.HealthSnapshot{
				Pending: 500,
			},
			codes:    []string{"idle_with_backlog"},
			critical: true,
		},
		{
			name: "small stalled backlog is still critical",
			snapshot: queue.HealthSnapshot{
				Pending: 3,
			},
			codes:    []string{"stalled_queue"},
			critical: true,
		},
		{
			name: "old backlog is a warning",
			snapshot: queue.HealthSnapshot{
				Pending:               5,
				ActiveWorkers:         1,
				ProcessingRate:        10,
				OldestPendingAgeHours: 30,
			},
			codes: []string{"old_backlog"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			issues := ctrl.Issues(tt.snapshot)
			require.Equal(t, tt.codes, issueCodes(issues))
			gotCritical := false
			for _, issue := range issues {
				if issue.Critical() {
					gotCritical = true
				}
			}
			require.Equal(t, tt.critical, gotCritical)
		})
	}
}

func issueCodes(issues []queue.Issue) []string {
	if len(issues) == 0 {
		return nil
	}
	codes := make([]string, 0, len(issues))
	for _, issue := range issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestRecoverReclaimsStaleLocksIdempotently(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-9", URL: "https://example.com/9",
	})
	require.NoError(t, err)
	worker := "worker-1"
	lockedAt := clock.Now().Add(-20 * time.Minute)
	item.Status = queue.StatusProcessing
	item.LockedBy = &worker
	item.LockedAt = &lockedAt
	item.Attempts = 2
	store.Put(item)

	ctrl := NewController(store, nil, clock, Config{StaleLockThreshold: 15 * time.Minute}, nil)

	actions := ctrl.Recover(ctx, queue.HealthSnapshot{})
	require.Equal(t, []string{"reclaim_stale_locks"}, actionNames(actions))
	require.Equal(t, int64(1), actions[0].Affected)

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Nil(t, got.LockedBy)
	require.Nil(t, got.LockedAt)
	require.Equal(t, 2, got.Attempts)

	// Re-running against the repaired state changes nothing.
	require.Empty(t, ctrl.Recover(ctx, queue.HealthSnapshot{}))
}

func TestRecoverExpiresRateLimitCooldowns(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-20", URL: "https://example.com/20",
	})
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, "worker-1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.Release(ctx, item.ID, queue.Failed("429 too many requests", queue.ClassRateLimited)))

	// Inside the cooldown the item sits parked: pending, not yet expirable.
	ctrl := NewController(store, nil, clock, Config{}, nil)
	require.Empty(t, ctrl.Recover(ctx, queue.HealthSnapshot{}))

	clock.Advance(2 * time.Hour)
	actions := ctrl.Recover(ctx, queue.HealthSnapshot{})
	require.Equal(t, []string{"expire_rate_limit_cooldowns"}, actionNames(actions))
	require.Equal(t, int64(1), actions[0].Affected)

	// The item is indistinguishable from a fresh enqueue: the rate limit
	// cost it nothing.
	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Zero(t, got.Attempts)
	require.Nil(t, got.ErrorMessage)
	require.Nil(t, got.NextAttemptAt)

	reclaimed, err := store.Claim(ctx, "worker-2", 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, item.ID, reclaimed[0].ID)
}

func TestRecoverSkipsGoneItems(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	gone, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-1", URL: "https://example.com/1",
	})
	require.NoError(t, err)
	msg := "fetch failed: 404 not found"
	gone.ErrorMessage = &msg
	gone.Attempts = 1
	store.Put(gone)

	healthy, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-2", URL: "https://example.com/2",
	})
	require.NoError(t, err)

	ctrl := NewController(store, nil, clock, Config{}, nil)
	actions := ctrl.Recover(ctx, queue.HealthSnapshot{})
	require.Equal(t, []string{"skip_gone_items"}, actionNames(actions))

	got, err := store.GetItem(ctx, gone.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusSkipped, got.Status)
	require.NotNil(t, got.ProcessedAt)

	untouched, err := store.GetItem(ctx, healthy.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, untouched.Status)
}

func TestRecoverIdleBacklogStartsWorkersOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	starter := &recordingStarter{}
	ctrl := NewController(store, starter, clock, Config{WorkerBatch: 25}, nil)

	snapshot := queue.HealthSnapshot{Pending: 500}
	actions := ctrl.Recover(context.Background(), snapshot)

	require.Equal(t, []string{"start_workers"}, actionNames(actions))
	require.Equal(t, []int{25}, starter.calls())
}

func TestRecoverBusyQueueDoesNotStartWorkers(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	starter := &recordingStarter{}
	ctrl := NewController(memory.NewQueueStore(clock), starter, clock, Config{}, nil)

	actions := ctrl.Recover(context.Background(), queue.HealthSnapshot{
		Pending:       500,
		Processing:    3,
		ActiveWorkers: 2,
	})
	require.Empty(t, actions)
	require.Empty(t, starter.calls())
}

func TestRecoverStarterFailureIsNotRecorded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	starter := &recordingStarter{err: errors.New("invoke endpoint down")}
	ctrl := NewController(memory.NewQueueStore(clock), starter, clock, Config{}, nil)

	actions := ctrl.Recover(context.Background(), queue.HealthSnapshot{Pending: 500})
	require.Empty(t, actions)
}

type failingReclaimer struct {
	*memory.QueueStore
}

func (f failingReclaimer) ReclaimStale(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestRecoverContinuesPastFailedAction(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-1", URL: "https://example.com/1",
	})
	require.NoError(t, err)
	msg := "resource gone"
	item.ErrorMessage = &msg
	store.Put(item)

	ctrl := NewController(failingReclaimer{store}, nil, clock, Config{}, nil)
	actions := ctrl.Recover(ctx, queue.HealthSnapshot{})

	// The broken reclaim step is logged and skipped, the gone item is
	// still retired.
	require.Equal(t, []string{"skip_gone_items"}, actionNames(actions))
}

func TestRecoverRetiresExhaustedItems(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-7", URL: "https://example.com/7",
	})
	require.NoError(t, err)
	item.Status = queue.StatusFailed
	msg := "extraction failed"
	item.ErrorMessage = &msg
	item.Attempts = 10
	processedAt := clock.Now().Add(-2 * time.Hour)
	item.ProcessedAt = &processedAt
	store.Put(item)

	ctrl := NewController(store, nil, clock, Config{MaxTotalAttempts: 10}, nil)
	actions := ctrl.Recover(ctx, queue.HealthSnapshot{})
	require.Contains(t, actionNames(actions), "skip_exhausted_items")

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusSkipped, got.Status)
}

func TestRecoverReclassifiesOldGenericFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	item, _, err := store.Enqueue(ctx, queue.NewItem{
		Source: "mecum", SourceID: "lot-3", URL: "https://example.com/3",
	})
	require.NoError(t, err)
	item.Status = queue.StatusFailed
	msg := "extraction failed"
	item.ErrorMessage = &msg
	item.Attempts = 3
	processedAt := clock.Now().Add(-2 * time.Hour)
	item.ProcessedAt = &processedAt
	store.Put(item)

	marker := "queued for retry with improved extractor"
	ctrl := NewController(store, nil, clock, Config{Cooldown: time.Hour, RetryMarker: marker}, nil)
	actions := ctrl.Recover(ctx, queue.HealthSnapshot{})
	require.Equal(t, []string{"reclassify_generic_failures"}, actionNames(actions))

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)
	require.Equal(t, 0, got.Attempts)
	require.NotNil(t, got.ErrorMessage)
	require.Equal(t, marker, *got.ErrorMessage)
}

func TestRecoverUsesUniqueItemIDs(t *testing.T) {
	t.Parallel()

	// Guards the Put seam itself: distinct items keep distinct ids after
	// recovery rewrites their fields.
	clock := newFakeClock()
	store := memory.NewQueueStore(clock)
	ctx := context.Background()

	ids := map[uuid.UUID]bool{}
	for _, sid := range []string{"a", "b", "c"} {
		item, _, err := store.Enqueue(ctx, queue.NewItem{
			Source: "mecum", SourceID: sid, URL: "https://example.com/" + sid,
		})
		require.NoError(t, err)
		ids[item.ID] = true
	}
	require.Len(t, ids, 3)
}
