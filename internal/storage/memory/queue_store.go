// Package memory provides an in-memory queue store for development and
// testing. It mirrors the Postgres store's semantics, including the
// conditional-update discipline of the recovery mutations.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// QueueStore implements queue.Store with a mutex-guarded map.
type QueueStore struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]queue.QueueItem
	bySource map[string]uuid.UUID
	runs     []queue.RunRecord
	clock    queue.Clock
	cooldown time.Duration

	defaultPriority int
}

// Option adjusts store construction.
type Option func(*QueueStore)

// WithRateLimitCooldown overrides the default one-hour rate-limit cooldown.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(s *QueueStore) { s.cooldown = d }
}

// WithDefaultPriority overrides the priority assigned to items enqueued
// without one.
func WithDefaultPriority(p int) Option {
	return func(s *QueueStore) { s.defaultPriority = p }
}

// NewQueueStore constructs an empty store using the provided clock.
func NewQueueStore(clock queue.Clock, opts ...Option) *QueueStore {
	s := &QueueStore{
		items:    make(map[uuid.UUID]queue.QueueItem),
		bySource: make(map[string]uuid.UUID),
		clock:    clock,
		cooldown: time.Hour,

		defaultPriority: queue.DefaultPriority,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sourceKey(source, sourceID string) string {
	return source + "\x00" + sourceID
}

// Enqueue inserts the item or returns the existing (source, source_id) row.
func (s *QueueStore) Enqueue(_ context.Context, item queue.NewItem) (queue.QueueItem, bool, error) {
	if err := item.Validate(); err != nil {
		return queue.QueueItem{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey(item.Source, item.SourceID)
	if id, exists := s.bySource[key]; exists {
		return s.items[id], false, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return queue.QueueItem{}, false, fmt.Errorf("generate item id: %w", err)
	}
	priority := item.Priority
	if priority == 0 {
		priority = s.defaultPriority
	}
	row := queue.QueueItem{
		ID:        id,
		Source:    item.Source,
		SourceID:  item.SourceID,
		URL:       item.URL,
		Priority:  priority,
		Status:    queue.StatusPending,
		CreatedAt: s.clock.Now(),
	}
	s.items[id] = row
	s.bySource[key] = id
	return row, true, nil
}

// Claim picks up to batchSize eligible pending items, priority then age,
// and moves them to processing under workerID's lease. The store mutex
// makes the whole selection-and-update atomic, so concurrent claimers
// never receive the same item.
func (s *QueueStore) Claim(_ context.Context, workerID string, batchSize int) ([]queue.QueueItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var eligible []queue.QueueItem
	for _, item := range s.items {
		if item.Status != queue.StatusPending {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		eligible = append(eligible, item)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]queue.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		worker := workerID
		lockedAt := now
		item.Status = queue.StatusProcessing
		item.LockedBy = &worker
		item.LockedAt = &lockedAt
		item.Attempts++
		s.items[item.ID] = item
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// Release applies a terminal outcome to a processing item.
func (s *QueueStore) Release(_ context.Context, id uuid.UUID, outcome queue.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if item.Status != queue.StatusProcessing {
		return queue.ErrInvalidTransition
	}

	now := s.clock.Now()
	item.LockedBy = nil
	item.LockedAt = nil

	switch outcome.Kind {
	case queue.OutcomeComplete:
		item.Status = queue.StatusComplete
		item.Result = outcome.Result
		item.ErrorMessage = nil
		item.ProcessedAt = &now
	case queue.OutcomeFailed:
		msg := outcome.Message()
		item.ErrorMessage = &msg
		if outcome.Class == queue.ClassRateLimited {
			// Rate limits are not real failures: back to pending
			// under a cooldown, no processed_at stamp.
			item.Status = queue.StatusPending
			until := now.Add(s.cooldown)
			item.NextAttemptAt = &until
		} else {
			item.Status = queue.StatusFailed
			item.ProcessedAt = &now
		}
	case queue.OutcomeSkipped:
		msg := outcome.Message()
		item.Status = queue.StatusSkipped
		item.ErrorMessage = &msg
		item.ProcessedAt = &now
	default:
		return fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}
	s.items[id] = item
	return nil
}

// GetItem loads one item by ID.
func (s *QueueStore) GetItem(_ context.Context, id uuid.UUID) (queue.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return queue.QueueItem{}, queue.ErrNotFound
	}
	return item, nil
}

// Put inserts or replaces a raw item. Test seam for constructing scenarios
// (stale leases, prior failures) that the public API cannot reach directly.
func (s *QueueStore) Put(item queue.QueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	s.bySource[sourceKey(item.Source, item.SourceID)] = item.ID
}

// CountsByStatus returns row counts per status.
func (s *QueueStore) CountsByStatus(_ context.Context) (map[queue.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[queue.Status]int64{
		queue.StatusPending:    0,
		queue.StatusProcessing: 0,
		queue.StatusComplete:   0,
		queue.StatusFailed:     0,
		queue.StatusSkipped:    0,
	}
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// CountStaleLocks counts processing items locked before cutoff.
func (s *QueueStore) CountStaleLocks(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, item := range s.items {
		if item.StaleAt(cutoff) {
			n++
		}
	}
	return n, nil
}

// CountStuck counts pending items with at least minAttempts claims.
func (s *QueueStore) CountStuck(_ context.Context, minAttempts int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, item := range s.items {
		if item.Status == queue.StatusPending && item.Attempts >= minAttempts {
			n++
		}
	}
	return n, nil
}

// CountCompletedSince counts completions processed after since.
func (s *QueueStore) CountCompletedSince(_ context.Context, since time.Time) (int64, error) {
	return s.countProcessedSince(queue.StatusComplete, since), nil
}

// CountFailedSince counts failures processed after since.
func (s *QueueStore) CountFailedSince(_ context.Context, since time.Time) (int64, error) {
	return s.countProcessedSince(queue.StatusFailed, since), nil
}

func (s *QueueStore) countProcessedSince(status queue.Status, since time.Time) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, item := range s.items {
		if item.Status == status && item.ProcessedAt != nil && !item.ProcessedAt.Before(since) {
			n++
		}
	}
	return n
}

// OldestPendingCreatedAt returns the creation time of the oldest pending
// item, or nil when none exist.
func (s *QueueStore) OldestPendingCreatedAt(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *time.Time
	for _, item := range s.items {
		if item.Status != queue.StatusPending {
			continue
		}
		created := item.CreatedAt
		if oldest == nil || created.Before(*oldest) {
			oldest = &created
		}
	}
	return oldest, nil
}

// FailureMessagesSince returns error messages of recent failures, newest
// first.
func (s *QueueStore) FailureMessagesSince(_ context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type failure struct {
		at  time.Time
		msg string
	}
	var failures []failure
	for _, item := range s.items {
		if item.Status != queue.StatusFailed || item.ProcessedAt == nil || item.ErrorMessage == nil {
			continue
		}
		if item.ProcessedAt.Before(since) {
			continue
		}
		failures = append(failures, failure{at: *item.ProcessedAt, msg: *item.ErrorMessage})
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].at.After(failures[j].at) })
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	messages := make([]string, 0, len(failures))
	for _, f := range failures {
		messages = append(messages, f.msg)
	}
	return messages, nil
}

// CountActiveWorkers counts distinct lease holders with fresh leases.
func (s *QueueStore) CountActiveWorkers(_ context.Context, staleCutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make(map[string]struct{})
	for _, item := range s.items {
		if item.Status != queue.StatusProcessing || item.LockedBy == nil || item.LockedAt == nil {
			continue
		}
		if item.LockedAt.Before(staleCutoff) {
			continue
		}
		workers[*item.LockedBy] = struct{}{}
	}
	return int64(len(workers)), nil
}

// ReclaimStale resets processing items locked before cutoff to pending.
func (s *QueueStore) ReclaimStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for id, item := range s.items {
		if !item.StaleAt(cutoff) {
			continue
		}
		item.Status = queue.StatusPending
		item.LockedBy = nil
		item.LockedAt = nil
		s.items[id] = item
		affected++
	}
	return affected, nil
}

// ExpireRateLimitCooldowns zeroes attempts on cooled-down rate-limited
// pending items.
func (s *QueueStore) ExpireRateLimitCooldowns(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for id, item := range s.items {
		if item.Status != queue.StatusPending || item.NextAttemptAt == nil || item.NextAttemptAt.After(now) {
			continue
		}
		if item.ErrorMessage == nil || queue.Classify(*item.ErrorMessage) != queue.ClassRateLimited {
			continue
		}
		item.Attempts = 0
		item.NextAttemptAt = nil
		item.ErrorMessage = nil
		s.items[id] = item
		affected++
	}
	return affected, nil
}

// ReclassifyGenericFailures re-admits uninformative failures, bounded.
func (s *QueueStore) ReclassifyGenericFailures(
	_ context.Context,
	olderThan time.Time,
	limit int,
	maxTotalAttempts int,
	marker string,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []queue.QueueItem
	for _, item := range s.items {
		if item.Status != queue.StatusFailed && item.Status != queue.StatusPending {
			continue
		}
		if item.Attempts == 0 || item.Attempts >= maxTotalAttempts {
			continue
		}
		ref := item.CreatedAt
		if item.ProcessedAt != nil {
			ref = *item.ProcessedAt
		}
		if !ref.Before(olderThan) {
			continue
		}
		if item.ErrorMessage == nil || queue.Classify(*item.ErrorMessage) != queue.ClassGeneric {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	for _, item := range candidates {
		msg := marker
		item.Status = queue.StatusPending
		item.Attempts = 0
		item.ErrorMessage = &msg
		item.ProcessedAt = nil
		item.NextAttemptAt = nil
		s.items[item.ID] = item
	}
	return int64(len(candidates)), nil
}

// SkipGone retires pending items carrying a definitive gone signal.
func (s *QueueStore) SkipGone(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	for id, item := range s.items {
		if item.Status != queue.StatusPending || item.ErrorMessage == nil {
			continue
		}
		if queue.Classify(*item.ErrorMessage) != queue.ClassGone {
			continue
		}
		processedAt := now
		item.Status = queue.StatusSkipped
		item.LockedBy = nil
		item.LockedAt = nil
		item.ProcessedAt = &processedAt
		s.items[id] = item
		affected++
	}
	return affected, nil
}

// NudgeStuck stamps next_attempt_at on stuck pending items, bounded.
func (s *QueueStore) NudgeStuck(_ context.Context, minAttempts int, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []queue.QueueItem
	for _, item := range s.items {
		if item.Status != queue.StatusPending || item.Attempts < minAttempts {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now.Add(-time.Hour)) {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, item := range candidates {
		at := now
		item.NextAttemptAt = &at
		s.items[item.ID] = item
	}
	return int64(len(candidates)), nil
}

// SkipExhausted retires items at the total retry ceiling.
func (s *QueueStore) SkipExhausted(_ context.Context, maxAttempts int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	now := s.clock.Now()
	for id, item := range s.items {
		if item.Status != queue.StatusPending && item.Status != queue.StatusFailed {
			continue
		}
		if item.Attempts < maxAttempts {
			continue
		}
		var msg string
		if item.ErrorMessage != nil {
			msg = *item.ErrorMessage
		}
		msg = strings.TrimSpace(msg + " [retry ceiling reached]")
		item.Status = queue.StatusSkipped
		item.LockedBy = nil
		item.LockedAt = nil
		item.ErrorMessage = &msg
		if item.ProcessedAt == nil {
			item.ProcessedAt = &now
		}
		s.items[id] = item
		affected++
	}
	return affected, nil
}

// Requeue re-admits one failed item.
func (s *QueueStore) Requeue(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	if item.Status != queue.StatusFailed {
		return queue.ErrInvalidTransition
	}
	item.Status = queue.StatusPending
	item.LockedBy = nil
	item.LockedAt = nil
	item.ProcessedAt = nil
	item.NextAttemptAt = nil
	s.items[id] = item
	return nil
}

// InsertRunRecord appends an audit entry.
func (s *QueueStore) InsertRunRecord(_ context.Context, rec queue.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return nil
}

// ListRunRecords returns the most recent audit entries, newest first.
func (s *QueueStore) ListRunRecords(_ context.Context, limit int) ([]queue.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]queue.RunRecord, len(s.runs))
	copy(records, s.runs)
	sort.Slice(records, func(i, j int) bool { return records[i].RanAt.After(records[j].RanAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
