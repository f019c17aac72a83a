package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

func extractorItem() queue.QueueItem {
	item := queue.QueueItem{
		Source:   "mecum",
		SourceID: "lot-1",
		URL:      "https://example.com/1",
		Attempts: 2,
	}
	return item
}

func TestHTTPExtractorSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "mecum", req.Source)
		require.Equal(t, 2, req.Attempts)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"price": 42000}`))
	}))
	defer srv.Close()

	e, err := NewHTTPExtractor(srv.URL, time.Second)
	require.NoError(t, err)

	result, err := e.Extract(context.Background(), extractorItem())
	require.NoError(t, err)
	require.JSONEq(t, `{"price": 42000}`, string(result))
}

func TestHTTPExtractorClassifiesStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		class  queue.ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, queue.ClassRateLimited},
		{"not found", http.StatusNotFound, queue.ClassGone},
		{"gone", http.StatusGone, queue.ClassGone},
		{"server error", http.StatusInternalServerError, queue.ClassGeneric},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			e, err := NewHTTPExtractor(srv.URL, time.Second)
			require.NoError(t, err)

			_, err = e.Extract(context.Background(), extractorItem())
			require.Error(t, err)
			var classified *ClassifiedError
			require.True(t, errors.As(err, &classified))
			require.Equal(t, tt.class, classified.Class)
		})
	}
}

func TestHTTPExtractorRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	e, err := NewHTTPExtractor(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), extractorItem())
	require.Error(t, err)
}

func TestNewHTTPExtractorRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPExtractor("", time.Second)
	require.Error(t, err)
}
