package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

func TestCountsByStatusFillsMissingStatuses(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow(queue.StatusPending, int64(12)).
			AddRow(queue.StatusComplete, int64(100)))

	counts, err := store.CountsByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(12), counts[queue.StatusPending])
	require.Equal(t, int64(100), counts[queue.StatusComplete])
	require.Equal(t, int64(0), counts[queue.StatusProcessing])
	require.Equal(t, int64(0), counts[queue.StatusFailed])
	require.Equal(t, int64(0), counts[queue.StatusSkipped])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountStaleLocks(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	cutoff := testNow.Add(-15 * time.Minute)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := store.CountStaleLocks(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOldestPendingCreatedAtEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT MIN").
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(nil))

	oldest, err := store.OldestPendingCreatedAt(context.Background())
	require.NoError(t, err)
	require.Nil(t, oldest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureMessagesSince(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	since := testNow.Add(-time.Hour)

	mock.ExpectQuery("SELECT error_message").
		WithArgs(since, 500).
		WillReturnRows(pgxmock.NewRows([]string{"error_message"}).
			AddRow("404 not found").
			AddRow("extraction failed"))

	messages, err := store.FailureMessagesSince(context.Background(), since, 500)
	require.NoError(t, err)
	require.Equal(t, []string{"404 not found", "extraction failed"}, messages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveWorkersExcludesStale(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	cutoff := testNow.Add(-15 * time.Minute)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := store.CountActiveWorkers(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
