// Package invoker signals an external worker-invocation endpoint to start
// a processing batch. The call is best-effort: the control loop's
// correctness never depends on it succeeding.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// HTTPInvoker posts a worker-start request to a configured endpoint.
// An empty URL degrades to a logged no-op.
type HTTPInvoker struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New constructs an HTTPInvoker. Pass an empty url to disable invocation.
func New(url string, timeout time.Duration, logger *zap.Logger) *HTTPInvoker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPInvoker{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether an endpoint is configured.
func (i *HTTPInvoker) Enabled() bool {
	return i.url != ""
}

// StartWorkers requests a worker batch of the given size. Failures are
// logged and returned, but callers treat them as non-fatal.
func (i *HTTPInvoker) StartWorkers(ctx context.Context, batchSize int) error {
	if !i.Enabled() {
		i.logger.Debug("worker invocation skipped, no endpoint configured")
		return nil
	}
	payload, err := json.Marshal(map[string]int{"batch_size": batchSize})
	if err != nil {
		return fmt.Errorf("marshal worker-start payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build worker-start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Warn("worker invocation failed", zap.Error(err))
		return fmt.Errorf("invoke workers: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		i.logger.Warn("worker invocation rejected", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("invoke workers: unexpected status %d", resp.StatusCode)
	}
	i.logger.Info("worker batch requested", zap.Int("batch_size", batchSize))
	return nil
}
