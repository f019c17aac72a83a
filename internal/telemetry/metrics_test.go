package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

func TestObserveTick(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	rec := queue.RunRecord{
		Snapshot: queue.HealthSnapshot{
			Pending:       12,
			Processing:    3,
			Complete:      100,
			Failed:        4,
			StaleLocks:    2,
			ActiveWorkers: 1,
			ErrorRate:     3.8,
		},
		Issues: []queue.Issue{
			{Code: "stale_locks", Severity: queue.SeverityWarning},
		},
		Actions: []queue.RecoveryAction{
			{Name: "reclaim_stale_locks", Affected: 2},
		},
		Alerted: true,
	}
	m.ObserveTick(rec, 120*time.Millisecond)

	require.Equal(t, 12.0, testutil.ToFloat64(m.queueItems.WithLabelValues("pending")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.queueItems.WithLabelValues("processing")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.staleLocks))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ticksTotal.WithLabelValues("issues")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.ticksTotal.WithLabelValues("healthy")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.issuesTotal.WithLabelValues("stale_locks", "warning")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.recoveredTotal.WithLabelValues("reclaim_stale_locks")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.alertsTotal))
}

func TestObserveHTTPRequest(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.ObserveHTTPRequest("GET", "/v1/queue/stats", 200, 40*time.Millisecond)
	m.ObserveHTTPRequest("GET", "/v1/queue/stats", 200, 10*time.Millisecond)
	m.ObserveHTTPRequest("POST", "/v1/queue/items", 400, 5*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "400")))
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	require.Error(t, err)
}
