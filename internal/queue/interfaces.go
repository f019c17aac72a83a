package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Enqueuer admits new work from external producers. Enqueueing the same
// (source, source_id) twice never produces two rows.
type Enqueuer interface {
	// Enqueue inserts the item or ignores the duplicate. The bool is
	// true when a new row was created.
	Enqueue(ctx context.Context, item NewItem) (QueueItem, bool, error)
}

// Leaser is the lease manager contract: the only operations where true
// exclusivity matters.
type Leaser interface {
	// Claim atomically selects up to batchSize eligible pending items,
	// ordered by priority then age, and transitions them to processing
	// under workerID's lease. Concurrent callers never claim the same row.
	Claim(ctx context.Context, workerID string, batchSize int) ([]QueueItem, error)
	// Release applies a worker-reported terminal outcome, clearing the
	// lease and stamping processed_at.
	Release(ctx context.Context, id uuid.UUID, outcome Outcome) error
}

// Reader provides item lookup.
type Reader interface {
	GetItem(ctx context.Context, id uuid.UUID) (QueueItem, error)
}

// HealthReader is the read-only aggregate surface the health aggregator
// computes snapshots from. All methods are independent and safe to run
// concurrently.
type HealthReader interface {
	CountsByStatus(ctx context.Context) (map[Status]int64, error)
	CountStaleLocks(ctx context.Context, cutoff time.Time) (int64, error)
	CountStuck(ctx context.Context, minAttempts int) (int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
	CountFailedSince(ctx context.Context, since time.Time) (int64, error)
	OldestPendingCreatedAt(ctx context.Context) (*time.Time, error)
	// FailureMessagesSince returns raw error messages of items that
	// failed after since, newest first, capped at limit.
	FailureMessagesSince(ctx context.Context, since time.Time, limit int) ([]string, error)
	CountActiveWorkers(ctx context.Context, staleCutoff time.Time) (int64, error)
}

// Recoverer issues the idempotent corrective mutations. Every method is a
// conditional update restating its precondition, so overlapping ticks
// converge without destructive double-application. Each returns the number
// of rows it changed.
type Recoverer interface {
	// ReclaimStale resets processing rows locked before cutoff back to
	// pending with the lease cleared. Attempts are untouched.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	// ExpireRateLimitCooldowns zeroes attempts and clears the cooldown
	// on pending rate-limited rows whose next_attempt_at has passed.
	ExpireRateLimitCooldowns(ctx context.Context, now time.Time) (int64, error)
	// ReclassifyGenericFailures re-admits failed/pending rows carrying an
	// uninformative error older than olderThan, resetting attempts and
	// stamping marker, bounded to limit rows. Rows at or past
	// maxTotalAttempts are left for SkipExhausted instead.
	ReclassifyGenericFailures(ctx context.Context, olderThan time.Time, limit int, maxTotalAttempts int, marker string) (int64, error)
	// SkipGone moves pending rows with a definitive gone signal to
	// skipped.
	SkipGone(ctx context.Context, now time.Time) (int64, error)
	// NudgeStuck sets next_attempt_at=now on stuck pending rows so the
	// claim query picks them up, bounded to limit rows.
	NudgeStuck(ctx context.Context, minAttempts int, now time.Time, limit int) (int64, error)
	// SkipExhausted retires pending/failed rows whose attempts reached
	// the total retry ceiling.
	SkipExhausted(ctx context.Context, maxAttempts int) (int64, error)
	// Requeue explicitly re-admits one failed item (operator decision).
	Requeue(ctx context.Context, id uuid.UUID) error
}

// RunRecorder persists and lists control-loop audit records.
type RunRecorder interface {
	InsertRunRecord(ctx context.Context, rec RunRecord) error
	ListRunRecords(ctx context.Context, limit int) ([]RunRecord, error)
}

// Store is the full queue-store surface backed by a single durable table
// plus the run-record audit table.
type Store interface {
	Enqueuer
	Leaser
	Reader
	HealthReader
	Recoverer
	RunRecorder
}
