// Package telemetry exposes Prometheus collectors for the queue service.
package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// Metrics owns all collectors for the monitor loop, recovery actions,
// and the HTTP surface. Collectors register against an injected
// Registerer so tests can use an isolated registry.
type Metrics struct {
	queueItems     *prometheus.GaugeVec
	staleLocks     prometheus.Gauge
	activeWorkers  prometheus.Gauge
	errorRate      prometheus.Gauge
	ticksTotal     *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	issuesTotal    *prometheus.CounterVec
	recoveredTotal *prometheus.CounterVec
	alertsTotal    prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics registers the collectors against the provided registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_items",
			Help: "Queue depth partitioned by status, from the latest snapshot.",
		}, []string{"status"}),
		staleLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_stale_locks",
			Help: "Processing items holding leases past the staleness threshold.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_active_workers",
			Help: "Distinct lease holders with a fresh lease.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_error_rate_percent",
			Help: "Failure percentage over the trailing hour.",
		}),
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_ticks_total",
			Help: "Control-loop ticks partitioned by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "monitor_tick_duration_seconds",
			Help:    "Wall time per control-loop tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		issuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_issues_total",
			Help: "Issues detected, partitioned by code and severity.",
		}, []string{"code", "severity"}),
		recoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_rows_total",
			Help: "Rows changed by recovery actions, partitioned by action.",
		}, []string{"action"}),
		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Alerts delivered by the control loop.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		m.queueItems,
		m.staleLocks,
		m.activeWorkers,
		m.errorRate,
		m.ticksTotal,
		m.tickDuration,
		m.issuesTotal,
		m.recoveredTotal,
		m.alertsTotal,
		m.httpRequests,
		m.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveTick records one control-loop run. Implements monitor.Observer.
func (m *Metrics) ObserveTick(rec queue.RunRecord, took time.Duration) {
	m.queueItems.WithLabelValues(string(queue.StatusPending)).Set(float64(rec.Snapshot.Pending))
	m.queueItems.WithLabelValues(string(queue.StatusProcessing)).Set(float64(rec.Snapshot.Processing))
	m.queueItems.WithLabelValues(string(queue.StatusComplete)).Set(float64(rec.Snapshot.Complete))
	m.queueItems.WithLabelValues(string(queue.StatusFailed)).Set(float64(rec.Snapshot.Failed))
	m.queueItems.WithLabelValues(string(queue.StatusSkipped)).Set(float64(rec.Snapshot.Skipped))
	m.staleLocks.Set(float64(rec.Snapshot.StaleLocks))
	m.activeWorkers.Set(float64(rec.Snapshot.ActiveWorkers))
	m.errorRate.Set(rec.Snapshot.ErrorRate)

	result := "healthy"
	if !rec.Healthy() {
		result = "issues"
	}
	m.ticksTotal.WithLabelValues(result).Inc()
	m.tickDuration.Observe(took.Seconds())

	for _, issue := range rec.Issues {
		m.issuesTotal.WithLabelValues(issue.Code, string(issue.Severity)).Inc()
	}
	for _, action := range rec.Actions {
		m.recoveredTotal.WithLabelValues(action.Name).Add(float64(action.Affected))
	}
	if rec.Alerted {
		m.alertsTotal.Inc()
	}
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
