// Package api exposes the HTTP interface for the queue service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jmalvern/queuekeeper/internal/config"
	"github.com/jmalvern/queuekeeper/internal/queue"
	"github.com/jmalvern/queuekeeper/internal/telemetry"
)

// Ticker runs one control-loop cycle on demand.
type Ticker interface {
	Tick(ctx context.Context, force bool) (queue.RunRecord, error)
}

// Snapshotter produces a health snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context) queue.HealthSnapshot
}

// IssueDetector maps a snapshot to detected issues.
type IssueDetector interface {
	Issues(snapshot queue.HealthSnapshot) []queue.Issue
}

// Server wires HTTP handlers to the queue store and the control loop.
type Server struct {
	router   chi.Router
	store    queue.Store
	health   Snapshotter
	issues   IssueDetector
	ticker   Ticker
	gatherer prometheus.Gatherer
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. metrics and
// gatherer may be nil.
func NewServer(
	store queue.Store,
	health Snapshotter,
	issues IssueDetector,
	ticker Ticker,
	metrics *telemetry.Metrics,
	gatherer prometheus.Gatherer,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		health:   health,
		issues:   issues,
		ticker:   ticker,
		gatherer: gatherer,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if metrics != nil {
		r.Use(metricsMiddleware(metrics))
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Post("/claim", s.claimItems)
			r.Get("/stats", s.queueStats)
			r.Route("/items", func(r chi.Router) {
				r.Post("/", s.enqueueItem)
				r.Route("/{item_id}", func(r chi.Router) {
					r.Get("/", s.getItem)
					r.Post("/release", s.releaseItem)
					r.Post("/requeue", s.requeueItem)
				})
			})
		})
		r.Get("/diagnostics", s.diagnostics)
		r.Post("/recovery/run", s.runRecovery)
		r.Get("/runs", s.listRuns)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.store.CountsByStatus(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

type enqueueRequest struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	item, inserted, err := s.store.Enqueue(r.Context(), queue.NewItem{
		Source:   req.Source,
		SourceID: req.SourceID,
		URL:      req.URL,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"item": item, "inserted": inserted})
}

type claimRequest struct {
	WorkerID  string `json:"worker_id"`
	BatchSize int    `json:"batch_size"`
}

func (s *Server) claimItems(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 1
	}
	items, err := s.store.Claim(r.Context(), req.WorkerID, req.BatchSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if items == nil {
		items = []queue.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type releaseRequest struct {
	Outcome      string          `json:"outcome"`
	Result       json.RawMessage `json:"result"`
	ErrorMessage string          `json:"error_message"`
	ErrorClass   string          `json:"error_class"`
	Reason       string          `json:"reason"`
}

func (s *Server) releaseItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var outcome queue.Outcome
	switch queue.OutcomeKind(req.Outcome) {
	case queue.OutcomeComplete:
		outcome = queue.Complete(req.Result)
	case queue.OutcomeFailed:
		class := queue.ErrorClass(req.ErrorClass)
		if class == "" {
			class = queue.ClassUnknown
		}
		outcome = queue.Failed(req.ErrorMessage, class)
	case queue.OutcomeSkipped:
		outcome = queue.Skipped(req.Reason)
	default:
		writeError(w, http.StatusBadRequest, "outcome must be complete, failed, or skipped")
		return
	}

	if err := s.store.Release(r.Context(), id, outcome); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			writeError(w, http.StatusNotFound, "item not found")
		case errors.Is(err, queue.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "item is not processing")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "outcome": req.Outcome})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) requeueItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	if err := s.store.Requeue(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			writeError(w, http.StatusNotFound, "item not found")
		case errors.Is(err, queue.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "only failed items can be requeued")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": string(queue.StatusPending)})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	stats := make(map[string]int64, len(counts))
	for status, n := range counts {
		stats[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": stats})
}

// diagnostics always answers 200 so dashboards can render partial data;
// queue trouble is reported in the body, not the status code.
func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.health.Snapshot(r.Context())
	issues := s.issues.Issues(snapshot)
	if issues == nil {
		issues = []queue.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":  len(issues) == 0,
		"snapshot": snapshot,
		"issues":   issues,
	})
}

func (s *Server) runRecovery(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ticker.Tick(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rec})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRunRecords(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []queue.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func itemID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "item_id"))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func metricsMiddleware(metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
