package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// CountsByStatus returns row counts per status. Missing statuses are
// reported as zero so callers never need to nil-check.
func (s *QueueStore) CountsByStatus(ctx context.Context) (map[queue.Status]int64, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status;`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := map[queue.Status]int64{
		queue.StatusPending:    0,
		queue.StatusProcessing: 0,
		queue.StatusComplete:   0,
		queue.StatusFailed:     0,
		queue.StatusSkipped:    0,
	}
	for rows.Next() {
		var status queue.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count rows: %w", err)
	}
	return counts, nil
}

// CountStaleLocks counts processing rows whose lease predates cutoff.
func (s *QueueStore) CountStaleLocks(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE status = 'processing' AND locked_at < $1;`, s.table)
	return s.countQuery(ctx, "count stale locks", query, cutoff)
}

// CountStuck counts pending rows that have already burned minAttempts claims.
func (s *QueueStore) CountStuck(ctx context.Context, minAttempts int) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE status = 'pending' AND attempts >= $1;`, s.table)
	return s.countQuery(ctx, "count stuck items", query, minAttempts)
}

// CountCompletedSince counts completions processed after since.
func (s *QueueStore) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE status = 'complete' AND processed_at >= $1;`, s.table)
	return s.countQuery(ctx, "count completed", query, since)
}

// CountFailedSince counts failures processed after since.
func (s *QueueStore) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE status = 'failed' AND processed_at >= $1;`, s.table)
	return s.countQuery(ctx, "count failed", query, since)
}

// OldestPendingCreatedAt returns the creation time of the oldest pending
// row, or nil when the backlog is empty.
func (s *QueueStore) OldestPendingCreatedAt(ctx context.Context) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT MIN(created_at) FROM %s WHERE status = 'pending';`, s.table)
	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, query).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	return oldest, nil
}

// FailureMessagesSince returns raw error messages of recent failures,
// newest first, for pattern aggregation.
func (s *QueueStore) FailureMessagesSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT error_message FROM %s
		WHERE status = 'failed' AND processed_at >= $1 AND error_message IS NOT NULL
		ORDER BY processed_at DESC
		LIMIT $2;`, s.table)
	rows, err := s.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failure messages: %w", err)
	}
	defer rows.Close()

	var messages []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan failure message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failure message rows: %w", err)
	}
	return messages, nil
}

// CountActiveWorkers counts distinct lease holders with a fresh lease.
// Dead workers (stale leases) are excluded.
func (s *QueueStore) CountActiveWorkers(ctx context.Context, staleCutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT locked_by) FROM %s
		WHERE status = 'processing' AND locked_by IS NOT NULL AND locked_at >= $1;`, s.table)
	return s.countQuery(ctx, "count active workers", query, staleCutoff)
}

func (s *QueueStore) countQuery(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
