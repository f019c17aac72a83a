package queue

import "strings"

// ErrorClass is a closed classification of extraction failures. Workers
// assign it at release time when they can; Classify covers legacy rows
// whose error_message is free text.
type ErrorClass string

// Failure classes.
const (
	// ClassRateLimited marks an external rate-limit condition. Not
	// evidence the item is bad; attempts are reset once the cooldown
	// expires.
	ClassRateLimited ErrorClass = "RATE_LIMITED"
	// ClassGone marks a definitive gone signal (404/410). Retrying is
	// guaranteed useless; the item is skipped.
	ClassGone ErrorClass = "GONE"
	// ClassGeneric marks a known-uninformative failure, eligible for a
	// bounded blind retry under a version marker.
	ClassGeneric ErrorClass = "GENERIC"
	// ClassUnknown is everything else.
	ClassUnknown ErrorClass = "UNKNOWN"
)

// genericPatterns are uninformative failure texts produced by older
// extractors that crashed without saying why.
var genericPatterns = []string{
	"extraction failed",
	"failed to extract",
	"unknown error",
	"internal error",
}

// Classify maps a free-text error message to an ErrorClass. Class tokens
// written by instrumented workers win; substring heuristics cover the rest.
func Classify(message string) ErrorClass {
	if message == "" {
		return ClassUnknown
	}
	for _, class := range []ErrorClass{ClassRateLimited, ClassGone, ClassGeneric} {
		if strings.HasPrefix(message, "["+string(class)+"]") {
			return class
		}
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate_limited"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "429"):
		return ClassRateLimited
	case strings.Contains(lower, "404"),
		strings.Contains(lower, "410"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "gone"):
		return ClassGone
	}
	for _, p := range genericPatterns {
		if strings.Contains(lower, p) {
			return ClassGeneric
		}
	}
	return ClassUnknown
}
