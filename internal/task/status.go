// Package task provides the durable task registry and the task state
// machine. A task record tracks one submitted survey job from PENDING through
// preparation and processing to a terminal state, and survives process
// restarts in the backing store.
package task

import (
	"errors"
	"fmt"
)

// Status is a task lifecycle state.
type Status string

// Task lifecycle states. The happy path is PENDING → PREPARING → (SEARCHING →
// SEARCHING_WEB → CRAWLING, topic submissions only) → PROCESSING → COMPLETED.
// FAILED and TIMEOUT are terminal and reachable from any non-terminal state.
const (
	StatusPending      Status = "PENDING"
	StatusPreparing    Status = "PREPARING"
	StatusSearching    Status = "SEARCHING"
	StatusSearchingWeb Status = "SEARCHING_WEB"
	StatusCrawling     Status = "CRAWLING"
	StatusProcessing   Status = "PROCESSING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
)

// ErrUnknownStatus is returned when parsing an unrecognised status string.
var ErrUnknownStatus = errors.New("unknown task status")

// allStatuses lists every valid status.
var allStatuses = []Status{
	StatusPending, StatusPreparing, StatusSearching, StatusSearchingWeb,
	StatusCrawling, StatusProcessing, StatusCompleted, StatusFailed,
	StatusTimeout,
}

// Parse converts a string into a Status.
func Parse(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, err := Parse(string(s))

	return err == nil
}

// Terminal reports whether s is a terminal state. No transition leaves a
// terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Active reports whether s counts toward the active task count.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}
