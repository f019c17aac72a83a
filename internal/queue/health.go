package queue

import (
	"time"

	"github.com/google/uuid"
)

// HealthSnapshot is a point-in-time view of queue health, recomputed from
// the store on every control-loop tick and never cached across ticks.
type HealthSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Pending    int64     `json:"pending"`
	Processing int64     `json:"processing"`
	Complete   int64     `json:"complete"`
	Failed     int64     `json:"failed"`
	Skipped    int64     `json:"skipped"`
	// StaleLocks counts processing rows whose lease is past the
	// staleness threshold.
	StaleLocks int64 `json:"stale_locks"`
	// StuckItems counts pending rows with enough attempts to need
	// special handling instead of ordinary retry.
	StuckItems int64 `json:"stuck_items"`
	// ProcessingRate is completions within the trailing hour.
	ProcessingRate int64 `json:"processing_rate"`
	// FailedLastHour is failures within the trailing hour.
	FailedLastHour int64 `json:"failed_last_hour"`
	// ErrorRate is failedLastHour/(completedLastHour+failedLastHour)*100,
	// zero when the denominator is zero.
	ErrorRate             float64        `json:"error_rate"`
	OldestPendingAgeHours float64        `json:"oldest_pending_age_hours"`
	TopErrorPatterns      []ErrorPattern `json:"top_error_patterns"`
	// ActiveWorkers counts distinct lease holders whose lease is fresh.
	ActiveWorkers int64 `json:"active_workers"`
}

// ErrorPattern is a normalized failure message and its frequency in the
// trailing hour.
type ErrorPattern struct {
	Pattern string `json:"pattern"`
	Count   int64  `json:"count"`
}

// Severity grades detected issues.
type Severity string

// Issue severities. Critical issues fire alerts; warnings only appear in
// the run record.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one detected queue-health anomaly.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Critical reports whether the issue should trigger an alert.
func (i Issue) Critical() bool {
	return i.Severity == SeverityCritical
}

// RecoveryAction describes one corrective mutation taken during a tick.
type RecoveryAction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Affected    int64  `json:"affected"`
}

// RunRecord is the append-only audit entry for one control-loop tick.
// Records are immutable after insertion.
type RunRecord struct {
	ID       uuid.UUID        `json:"id"`
	RanAt    time.Time        `json:"ran_at"`
	Snapshot HealthSnapshot   `json:"snapshot"`
	Issues   []Issue          `json:"issues"`
	Actions  []RecoveryAction `json:"actions"`
	// Alerted records whether a notification was sent for this tick.
	Alerted bool `json:"alerted"`
	// Forced marks operator-triggered runs.
	Forced bool `json:"forced"`
}

// Healthy reports whether the tick found no issues.
func (r RunRecord) Healthy() bool {
	return len(r.Issues) == 0
}
