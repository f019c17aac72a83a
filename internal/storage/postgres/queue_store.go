// Package postgres provides the Postgres-backed queue store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// QueueStoreConfig controls the Postgres connection pool and table names.
type QueueStoreConfig struct {
	DSN             string
	Table           string
	RunTable        string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// RateLimitCooldown is how long a rate-limited item waits before it
	// is claimable again.
	RateLimitCooldown time.Duration
	// DefaultPriority is assigned to items enqueued without one. Zero
	// selects queue.DefaultPriority.
	DefaultPriority int
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// QueueStore implements queue.Store on top of a Postgres table. Every
// mutation issued by recovery restates its precondition in the WHERE
// clause, so concurrent control-loop ticks converge to the same end state.
type QueueStore struct {
	pool            pgxPool
	table           string
	runTable        string
	clock           queue.Clock
	cooldown        time.Duration
	defaultPriority int
}

// NewQueueStore opens a pgx pool and builds the store.
func NewQueueStore(ctx context.Context, cfg QueueStoreConfig, clock queue.Clock) (*QueueStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newQueueStore(pool, cfg, clock)
}

// NewQueueStoreWithPool constructs a store from an existing pool
// (primarily for testing with pgxmock).
func NewQueueStoreWithPool(pool pgxPool, cfg QueueStoreConfig, clock queue.Clock) (*QueueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newQueueStore(pool, cfg, clock)
}

func newQueueStore(pool pgxPool, cfg QueueStoreConfig, clock queue.Clock) (*QueueStore, error) {
	table := cfg.Table
	if table == "" {
		table = "import_queue"
	}
	runTable := cfg.RunTable
	if runTable == "" {
		runTable = "run_records"
	}
	for _, name := range []string{table, runTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	cooldown := cfg.RateLimitCooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	defaultPriority := cfg.DefaultPriority
	if defaultPriority == 0 {
		defaultPriority = queue.DefaultPriority
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &QueueStore{
		pool:            pool,
		table:           table,
		runTable:        runTable,
		clock:           clock,
		cooldown:        cooldown,
		defaultPriority: defaultPriority,
	}, nil
}

// Close releases the underlying pool resources.
func (s *QueueStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const itemColumns = `id, source, source_id, url, priority, status, attempts,
	locked_by, locked_at, next_attempt_at, error_message, result, created_at, processed_at`

func scanItem(row pgx.Row) (queue.QueueItem, error) {
	var item queue.QueueItem
	err := row.Scan(
		&item.ID,
		&item.Source,
		&item.SourceID,
		&item.URL,
		&item.Priority,
		&item.Status,
		&item.Attempts,
		&item.LockedBy,
		&item.LockedAt,
		&item.NextAttemptAt,
		&item.ErrorMessage,
		&item.Result,
		&item.CreatedAt,
		&item.ProcessedAt,
	)
	if err != nil {
		return queue.QueueItem{}, err
	}
	return item, nil
}

// Enqueue inserts the item or ignores an existing (source, source_id) row.
func (s *QueueStore) Enqueue(ctx context.Context, item queue.NewItem) (queue.QueueItem, bool, error) {
	if err := item.Validate(); err != nil {
		return queue.QueueItem{}, false, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return queue.QueueItem{}, false, fmt.Errorf("generate item id: %w", err)
	}
	priority := item.Priority
	if priority == 0 {
		priority = s.defaultPriority
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, source, source_id, url, priority, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6)
		ON CONFLICT (source, source_id) DO NOTHING;`, s.table)

	tag, err := s.pool.Exec(ctx, insert, id, item.Source, item.SourceID, item.URL, priority, s.clock.Now())
	if err != nil {
		return queue.QueueItem{}, false, fmt.Errorf("insert queue item: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source = $1 AND source_id = $2;`, itemColumns, s.table)
	row, err := scanItem(s.pool.QueryRow(ctx, query, item.Source, item.SourceID))
	if err != nil {
		return queue.QueueItem{}, false, fmt.Errorf("load queue item: %w", err)
	}
	return row, tag.RowsAffected() > 0, nil
}

// Claim atomically moves up to batchSize eligible pending rows to
// processing under workerID's lease, using FOR UPDATE SKIP LOCKED so two
// concurrent claimers never pick the same row.
func (s *QueueStore) Claim(ctx context.Context, workerID string, batchSize int) ([]queue.QueueItem, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT id FROM %s
			WHERE status = 'pending'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s AS q
		SET status = 'processing', locked_by = $1, locked_at = $3, attempts = q.attempts + 1
		FROM candidates c
		WHERE q.id = c.id
		RETURNING q.id, q.source, q.source_id, q.url, q.priority, q.status, q.attempts,
			q.locked_by, q.locked_at, q.next_attempt_at, q.error_message, q.result,
			q.created_at, q.processed_at;`, s.table, s.table)

	rows, err := s.pool.Query(ctx, query, workerID, batchSize, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	defer rows.Close()

	var items []queue.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return items, nil
}

// Release applies a worker-reported outcome to a processing item. The
// WHERE clause requires status='processing', so a duplicate release (or a
// release racing a stale reclaim) is a no-op surfaced as ErrInvalidTransition.
// Rate-limited failures go back to pending under a cooldown instead of
// terminating, so the rate limit never counts as a real failure.
func (s *QueueStore) Release(ctx context.Context, id uuid.UUID, outcome queue.Outcome) error {
	now := s.clock.Now()

	var (
		query string
		args  []any
	)
	switch outcome.Kind {
	case queue.OutcomeComplete:
		query = fmt.Sprintf(`
			UPDATE %s
			SET status = 'complete', locked_by = NULL, locked_at = NULL,
				error_message = NULL, result = $2, processed_at = $3
			WHERE id = $1 AND status = 'processing';`, s.table)
		args = []any{id, []byte(outcome.Result), now}
	case queue.OutcomeFailed:
		if outcome.Class == queue.ClassRateLimited {
			query = fmt.Sprintf(`
				UPDATE %s
				SET status = 'pending', locked_by = NULL, locked_at = NULL,
					error_message = $2, next_attempt_at = $3
				WHERE id = $1 AND status = 'processing';`, s.table)
			args = []any{id, outcome.Message(), now.Add(s.cooldown)}
		} else {
			query = fmt.Sprintf(`
				UPDATE %s
				SET status = 'failed', locked_by = NULL, locked_at = NULL,
					error_message = $2, processed_at = $3
				WHERE id = $1 AND status = 'processing';`, s.table)
			args = []any{id, outcome.Message(), now}
		}
	case queue.OutcomeSkipped:
		query = fmt.Sprintf(`
			UPDATE %s
			SET status = 'skipped', locked_by = NULL, locked_at = NULL,
				error_message = $2, processed_at = $3
			WHERE id = $1 AND status = 'processing';`, s.table)
		args = []any{id, outcome.Message(), now}
	default:
		return fmt.Errorf("unknown outcome kind %q", outcome.Kind)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("release queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetItem(ctx, id); getErr != nil {
			return getErr
		}
		return queue.ErrInvalidTransition
	}
	return nil
}

// GetItem loads a single queue item by ID.
func (s *QueueStore) GetItem(ctx context.Context, id uuid.UUID) (queue.QueueItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1;`, itemColumns, s.table)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.QueueItem{}, queue.ErrNotFound
		}
		return queue.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}
