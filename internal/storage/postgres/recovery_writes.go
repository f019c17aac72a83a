package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// Class-token and legacy-substring predicates over error_message. Tokens
// written by instrumented workers match first; the ILIKE fallbacks cover
// rows from uninstrumented producers.
const (
	rateLimitPredicate = `(error_message LIKE '[RATE_LIMITED]%'
		OR error_message ILIKE '%rate limit%'
		OR error_message ILIKE '%too many requests%'
		OR error_message ILIKE '%429%')`
	gonePredicate = `(error_message LIKE '[GONE]%'
		OR error_message ILIKE '%404%'
		OR error_message ILIKE '%410%'
		OR error_message ILIKE '%not found%'
		OR error_message ILIKE '%gone%')`
	genericPredicate = `(error_message LIKE '[GENERIC]%'
		OR error_message ILIKE '%extraction failed%'
		OR error_message ILIKE '%failed to extract%'
		OR error_message ILIKE '%unknown error%'
		OR error_message ILIKE '%internal error%')`
)

// ReclaimStale resets processing rows locked before cutoff back to
// pending. The lease holder is presumed dead. Attempts are untouched;
// only explicit retry-classification actions reset them.
func (s *QueueStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', locked_by = NULL, locked_at = NULL
		WHERE status = 'processing' AND locked_at < $1;`, s.table)
	return s.execAffected(ctx, "reclaim stale locks", query, cutoff)
}

// ExpireRateLimitCooldowns zeroes attempts on pending rate-limited rows
// whose cooldown has passed. A rate limit is an external condition, not
// evidence against the item, so it must not feed the stuck-item threshold.
func (s *QueueStore) ExpireRateLimitCooldowns(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET attempts = 0, next_attempt_at = NULL, error_message = NULL
		WHERE status = 'pending'
		  AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		  AND %s;`, s.table, rateLimitPredicate)
	return s.execAffected(ctx, "expire rate-limit cooldowns", query, now)
}

// ReclassifyGenericFailures re-admits rows that failed with an
// uninformative message, older than olderThan, bounded to limit rows per
// run. Rows already at the total retry ceiling are left for SkipExhausted.
func (s *QueueStore) ReclassifyGenericFailures(
	ctx context.Context,
	olderThan time.Time,
	limit int,
	maxTotalAttempts int,
	marker string,
) (int64, error) {
	query := fmt.Sprintf(`
		WITH picked AS (
			SELECT id FROM %s
			WHERE status IN ('failed', 'pending')
			  AND attempts > 0 AND attempts < $2
			  AND COALESCE(processed_at, created_at) < $1
			  AND %s
			ORDER BY created_at ASC
			LIMIT $3
		)
		UPDATE %s AS q
		SET status = 'pending', attempts = 0, error_message = $4,
			processed_at = NULL, next_attempt_at = NULL
		FROM picked p
		WHERE q.id = p.id;`, s.table, genericPredicate, s.table)
	return s.execAffected(ctx, "reclassify generic failures", query, olderThan, maxTotalAttempts, limit, marker)
}

// SkipGone retires pending rows whose last failure was a definitive gone
// signal. Retrying is guaranteed useless.
func (s *QueueStore) SkipGone(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'skipped', locked_by = NULL, locked_at = NULL, processed_at = $1
		WHERE status = 'pending' AND %s;`, s.table, gonePredicate)
	return s.execAffected(ctx, "skip gone items", query, now)
}

// NudgeStuck stamps next_attempt_at = now on stuck pending rows so the
// claim query stops starving them behind fresher items, bounded per run.
func (s *QueueStore) NudgeStuck(ctx context.Context, minAttempts int, now time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		WITH picked AS (
			SELECT id FROM %s
			WHERE status = 'pending'
			  AND attempts >= $1
			  AND (next_attempt_at IS NULL OR next_attempt_at < $2 - interval '1 hour')
			ORDER BY created_at ASC
			LIMIT $3
		)
		UPDATE %s AS q
		SET next_attempt_at = $2
		FROM picked p
		WHERE q.id = p.id;`, s.table, s.table)
	return s.execAffected(ctx, "nudge stuck items", query, minAttempts, now, limit)
}

// SkipExhausted retires rows whose attempts reached the total retry
// ceiling, guaranteeing eventual termination of blind retries.
func (s *QueueStore) SkipExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'skipped', locked_by = NULL, locked_at = NULL,
			processed_at = COALESCE(processed_at, $2),
			error_message = COALESCE(error_message, '') || ' [retry ceiling reached]'
		WHERE status IN ('pending', 'failed') AND attempts >= $1;`, s.table)
	return s.execAffected(ctx, "skip exhausted items", query, maxAttempts, s.clock.Now())
}

// Requeue explicitly re-admits one failed item.
func (s *QueueStore) Requeue(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', locked_by = NULL, locked_at = NULL,
			processed_at = NULL, next_attempt_at = NULL
		WHERE id = $1 AND status = 'failed';`, s.table)
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetItem(ctx, id); getErr != nil {
			return getErr
		}
		return queue.ErrInvalidTransition
	}
	return nil
}

func (s *QueueStore) execAffected(ctx context.Context, op, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}
