// Package alert delivers queue-health notifications to a webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmalvern/queuekeeper/internal/queue"
)

// Notifier posts alert payloads to a configured webhook. A rate limiter
// suppresses repeat alerts inside the minimum interval; forced sends
// bypass it. A nil or unconfigured Notifier is a silent no-op, and
// delivery failures are reported to the caller but are expected to be
// treated as non-fatal.
type Notifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewNotifier constructs a Notifier. An empty url disables delivery.
func NewNotifier(url string, minInterval time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minInterval <= 0 {
		minInterval = 10 * time.Minute
	}
	return &Notifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		logger:  logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// payload is the webhook body.
type payload struct {
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Issues   []queue.Issue          `json:"issues"`
	Actions  []queue.RecoveryAction `json:"actions"`
	Snapshot queue.HealthSnapshot   `json:"snapshot"`
}

// Notify sends one alert for the tick's critical issues, carrying the
// snapshot, the issues, and the recovery actions already taken. It
// returns (false, nil) when delivery is disabled or rate-limited. force
// bypasses the quiet period.
func (n *Notifier) Notify(ctx context.Context, snapshot queue.HealthSnapshot, issues []queue.Issue, actions []queue.RecoveryAction, force bool) (bool, error) {
	if !n.Enabled() {
		n.logger.Debug("alerting disabled, no webhook configured")
		return false, nil
	}
	if !n.limiter.Allow() && !force {
		n.logger.Info("alert suppressed by rate limit",
			zap.Int("issues", len(issues)),
		)
		return false, nil
	}

	body, err := json.Marshal(payload{
		Subject:  Subject(issues),
		Body:     Body(snapshot, issues, actions),
		Issues:   issues,
		Actions:  actions,
		Snapshot: snapshot,
	})
	if err != nil {
		return false, fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("deliver alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	n.logger.Info("alert delivered",
		zap.Int("issues", len(issues)),
		zap.Bool("forced", force),
	)
	return true, nil
}

// Subject summarizes the worst issue for the alert title.
func Subject(issues []queue.Issue) string {
	critical := 0
	for _, issue := range issues {
		if issue.Critical() {
			critical++
		}
	}
	switch {
	case critical > 0:
		return fmt.Sprintf("queue alert: %d critical issue(s)", critical)
	case len(issues) > 0:
		return fmt.Sprintf("queue warning: %d issue(s)", len(issues))
	default:
		return "queue status"
	}
}

// Body renders a human-readable alert message covering the snapshot,
// the open issues, and the recovery actions taken this tick.
func Body(snapshot queue.HealthSnapshot, issues []queue.Issue, actions []queue.RecoveryAction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue health at %s\n\n", snapshot.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "pending=%d processing=%d complete=%d failed=%d skipped=%d\n",
		snapshot.Pending, snapshot.Processing, snapshot.Complete, snapshot.Failed, snapshot.Skipped)
	fmt.Fprintf(&b, "error_rate=%.1f%% processing_rate=%d/h active_workers=%d\n",
		snapshot.ErrorRate, snapshot.ProcessingRate, snapshot.ActiveWorkers)
	if len(issues) > 0 {
		b.WriteString("\nIssues:\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "- [%s] %s\n", issue.Severity, issue.Message)
		}
	}
	if len(actions) > 0 {
		b.WriteString("\nActions taken:\n")
		for _, action := range actions {
			fmt.Fprintf(&b, "- %s: %s (%d affected)\n", action.Name, action.Description, action.Affected)
		}
	}
	if len(snapshot.TopErrorPatterns) > 0 {
		b.WriteString("\nTop errors:\n")
		for _, p := range snapshot.TopErrorPatterns {
			fmt.Fprintf(&b, "- %dx %s\n", p.Count, p.Pattern)
		}
	}
	return b.String()
}
