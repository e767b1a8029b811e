// Package resultstore persists finished survey documents. The pipeline tail
// writes one record per expected result key; the watcher and the HTTP API
// read them back. The production backend is MongoDB, with an in-memory
// implementation for tests and single-process runs.
package resultstore

import (
	"context"
	"errors"
	"time"
)

// Result statuses as stored alongside the survey document.
const (
	StatusCompleted = "completed"
	StatusArchived  = "archived"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("result not found")

// Record is one persisted survey result, keyed by the task's expected result
// key. SurveyData is the serialised survey JSON.
type Record struct {
	TaskID     string         `bson:"task_id" json:"task_id"`
	Title      string         `bson:"title" json:"title"`
	SurveyData string         `bson:"survey_data" json:"survey_data"`
	CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
	Status     string         `bson:"status" json:"status"`
	Metadata   map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// Stats summarises the stored corpus.
type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
}

// Store is the result persistence interface. Save is an upsert on TaskID so a
// re-run of the pipeline tail overwrites rather than duplicates.
type Store interface {
	// Save upserts the record under rec.TaskID.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record for the key, or ErrNotFound.
	Get(ctx context.Context, taskID string) (*Record, error)

	// List returns records newest-first, optionally filtered by status.
	List(ctx context.Context, status string, limit int) ([]*Record, error)

	// UpdateStatus rewrites the status of an existing record.
	UpdateStatus(ctx context.Context, taskID, status string) error

	// Delete removes the record. Missing keys are not an error.
	Delete(ctx context.Context, taskID string) error

	// Stats counts stored records per status.
	Stats(ctx context.Context) (*Stats, error)

	// HealthCheck round-trips to the backing store.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}
