package task

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Registry errors shared by every backend.
var (
	// ErrTaskExists is returned by Create when the id is already taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrTaskNotFound is returned when the id has no record.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownField is returned by UpdateField for field names outside
	// the updatable set.
	ErrUnknownField = errors.New("unknown task field")
)

// DefaultExpireWindow is how long a task record is retained before the
// expiration sweep may remove it.
const DefaultExpireWindow = 7 * 24 * time.Hour

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 100

// Updatable field names accepted by UpdateField. Status changes go through
// UpdateStatus so the state machine stays authoritative.
const (
	FieldOriginalTopic     = "original_topic"
	FieldExpectedResultKey = "expected_result_key"
	FieldUserID            = "user_id"
	FieldError             = "error"
	FieldParams            = "params"
)

// updatableFields is the UpdateField whitelist.
var updatableFields = map[string]bool{
	FieldOriginalTopic:     true,
	FieldExpectedResultKey: true,
	FieldUserID:            true,
	FieldError:             true,
	FieldParams:            true,
}

// Registry is the durable task store. Implementations must guarantee
// single-flight on Create (exactly one success per id), serialise concurrent
// updates to the same id (last writer wins per field), never leave a terminal
// status, and be safe for concurrent use.
type Registry interface {
	// Create stores a new PENDING record. Fails with ErrTaskExists when the
	// id is already present.
	Create(ctx context.Context, id string, params map[string]any) error

	// UpdateStatus transitions the task, bumping UpdatedAt and stamping
	// StartTime/EndTime per the state machine. Updates to non-terminal
	// states are silently ignored once the task is terminal.
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error

	// Get returns the record, normalised to UTC, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// UpdateField sets one whitelisted scalar or JSON-valued field.
	UpdateField(ctx context.Context, id, name string, value any) error

	// List returns records newest-first by CreatedAt, optionally filtered
	// by status. A non-positive limit means DefaultListLimit.
	List(ctx context.Context, status *Status, limit int) ([]*Record, error)

	// Delete removes the record. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// ActiveCount counts records in any non-terminal status.
	ActiveCount(ctx context.Context) (int, error)

	// CleanupExpired removes records whose ExpireAt has passed and returns
	// how many were removed.
	CleanupExpired(ctx context.Context) (int, error)

	// HealthCheck round-trips to the backing store.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Transport retry knobs for transient backing-store errors.
const (
	transportAttempts        = 3
	transportInitialInterval = 250 * time.Millisecond
)

// retryTransport runs op up to transportAttempts times with exponential
// jitter backoff. Used by backends around network round-trips; after the last
// attempt the error surfaces and the caller marks the task FAILED.
func retryTransport(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = transportInitialInterval
	b.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, transportAttempts-1), ctx))
}

// backoffPermanent marks err so retryTransport surfaces it without retrying.
// Nil stays nil so successful operations terminate the retry loop normally.
func backoffPermanent(err error) error {
	if err == nil {
		return nil
	}

	return backoff.Permanent(err)
}
