// Package system provides the real clock. Everything time-sensitive in
// the queue (lease staleness, cooldowns, run timestamps) takes a
// queue.Clock so tests can drive time; production wires this one.
package system

import "time"

// Clock implements queue.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, matching how the stores persist
// timestamps.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
