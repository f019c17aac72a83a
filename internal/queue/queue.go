// Package queue defines the work-item domain model shared by the store,
// lease manager, health aggregator, and recovery controller.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested queue item does not exist.
var ErrNotFound = errors.New("queue item not found")

// ErrInvalidTransition signals a status change the state machine rejects.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a queue item.
type Status string

// Queue item statuses persisted in the status column.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether the status ends the item's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether the state machine allows from -> to.
// Nothing ever leaves complete. The recovery edges (failed -> pending,
// processing -> pending for stale reclaim, pending -> skipped) are allowed
// because the recovery controller relies on them.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusSkipped
	case StatusProcessing:
		// Terminal release by the worker, or stale reclaim back to pending.
		return to.Terminal() || to == StatusPending
	case StatusFailed:
		return to == StatusPending || to == StatusSkipped
	case StatusComplete, StatusSkipped:
		return false
	default:
		return false
	}
}

// QueueItem is one unit of work: a URL to fetch and extract, owned by an
// external producer identified by (Source, SourceID).
type QueueItem struct {
	// ID is the opaque, immutable row identity.
	ID uuid.UUID
	// Source identifies the producer/category (e.g., an auction house key).
	Source string
	// SourceID is the producer-assigned identity, unique per Source.
	SourceID string
	// URL is the target resource to crawl/extract.
	URL string
	// Priority orders candidate selection; lower claims first.
	Priority int
	Status   Status
	// Attempts counts claims; it only increases except for explicit,
	// logged recovery resets.
	Attempts int
	// LockedBy/LockedAt form the lease; both nil iff not claimed.
	LockedBy *string
	LockedAt *time.Time
	// NextAttemptAt is the earliest time a retry is eligible (cooldowns).
	NextAttemptAt *time.Time
	// ErrorMessage holds the last failure reason.
	ErrorMessage *string
	// Result is the opaque payload set on complete.
	Result      json.RawMessage
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Leased reports whether the item currently carries a lease.
func (q QueueItem) Leased() bool {
	return q.LockedBy != nil && q.LockedAt != nil
}

// StaleAt reports whether the item's lease is stale relative to cutoff.
func (q QueueItem) StaleAt(cutoff time.Time) bool {
	return q.Status == StatusProcessing && q.LockedAt != nil && q.LockedAt.Before(cutoff)
}

// DefaultPriority is the mid-range priority assigned when a producer
// omits one. Lower numbers claim first.
const DefaultPriority = 5

// NewItem is the enqueue request supplied by an external producer.
type NewItem struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	// Priority is optional; zero means "use the configured default".
	Priority int `json:"priority"`
}

// Validate enforces the required enqueue fields.
func (n NewItem) Validate() error {
	if n.Source == "" {
		return errors.New("source is required")
	}
	if n.SourceID == "" {
		return errors.New("source_id is required")
	}
	if n.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// OutcomeKind discriminates worker-reported terminal outcomes.
type OutcomeKind string

// Terminal outcome kinds reported via Release.
const (
	OutcomeComplete OutcomeKind = "complete"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeSkipped  OutcomeKind = "skipped"
)

// Outcome is a worker-reported terminal transition for a claimed item.
type Outcome struct {
	Kind OutcomeKind
	// Result carries the extraction payload for complete outcomes.
	Result json.RawMessage
	// ErrorMessage carries the failure reason for failed outcomes.
	ErrorMessage string
	// Class is the machine-readable failure classification, when the
	// worker knows it. Unclassified failures fall back to string
	// heuristics at recovery time.
	Class ErrorClass
	// Reason explains skipped outcomes.
	Reason string
}

// Complete builds a successful outcome carrying the extraction result.
func Complete(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeComplete, Result: result}
}

// Failed builds a failure outcome. Pass ClassUnknown when the worker
// cannot classify the error.
func Failed(message string, class ErrorClass) Outcome {
	return Outcome{Kind: OutcomeFailed, ErrorMessage: message, Class: class}
}

// Skipped builds a permanent give-up outcome.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

// Status maps the outcome to its terminal status.
func (o Outcome) Status() (Status, error) {
	switch o.Kind {
	case OutcomeComplete:
		return StatusComplete, nil
	case OutcomeFailed:
		return StatusFailed, nil
	case OutcomeSkipped:
		return StatusSkipped, nil
	default:
		return "", fmt.Errorf("unknown outcome kind %q", o.Kind)
	}
}

// Message returns the text persisted into error_message for the outcome.
// Classified failures carry a leading class token so later recovery passes
// dispatch on the token instead of rescanning free text.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeFailed:
		if o.Class != ClassUnknown && o.Class != "" {
			return fmt.Sprintf("[%s] %s", o.Class, o.ErrorMessage)
		}
		return o.ErrorMessage
	case OutcomeSkipped:
		return o.Reason
	default:
		return ""
	}
}
