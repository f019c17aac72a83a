package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// HTTPExtractor delegates extraction to an external service. The service
// receives the item and answers with the structured result; HTTP status
// codes map onto failure classes so release carries an honest class token.
type HTTPExtractor struct {
	url    string
	client *http.Client
}

// NewHTTPExtractor constructs an HTTPExtractor.
func NewHTTPExtractor(url string, timeout time.Duration) (*HTTPExtractor, error) {
	if url == "" {
		return nil, errors.New("extract url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExtractor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type extractRequest struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
}

// Extract posts the item to the extraction service.
func (e *HTTPExtractor) Extract(ctx context.Context, item queue.QueueItem) (json.RawMessage, error) {
	body, err := json.Marshal(extractRequest{
		ID:       item.ID.String(),
		Source:   item.Source,
		SourceID: item.SourceID,
		URL:      item.URL,
		Attempts: item.Attempts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		result, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read extract response: %w", err)
		}
		if !json.Valid(result) {
			return nil, fmt.Errorf("extraction service returned invalid JSON")
		}
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Classified(queue.ClassRateLimited,
			fmt.Errorf("extraction service rate limited"))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, Classified(queue.ClassGone,
			fmt.Errorf("source resource gone (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, Classified(queue.ClassGeneric,
			fmt.Errorf("extraction failed with status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("extraction service returned status %d", resp.StatusCode)
	}
}
