package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// InsertRunRecord appends one tick's audit entry. Records are never
// updated after insertion.
func (s *QueueStore) InsertRunRecord(ctx context.Context, rec queue.RunRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	issues, err := json.Marshal(rec.Issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, ran_at, snapshot, issues, actions, alerted, forced)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`, s.runTable)
	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.RanAt, snapshot, issues, actions, rec.Alerted, rec.Forced); err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// ListRunRecords returns the most recent audit entries, newest first.
func (s *QueueStore) ListRunRecords(ctx context.Context, limit int) ([]queue.RunRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, ran_at, snapshot, issues, actions, alerted, forced
		FROM %s
		ORDER BY ran_at DESC
		LIMIT $1;`, s.runTable)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	var records []queue.RunRecord
	for rows.Next() {
		var (
			rec      queue.RunRecord
			snapshot []byte
			issues   []byte
			actions  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RanAt, &snapshot, &issues, &actions, &rec.Alerted, &rec.Forced); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		if err := json.Unmarshal(issues, &rec.Issues); err != nil {
			return nil, fmt.Errorf("unmarshal issues: %w", err)
		}
		if err := json.Unmarshal(actions, &rec.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run record rows: %w", err)
	}
	return records, nil
}
