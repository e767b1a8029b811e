package task

import "time"

// Record is the durable per-submission entry in the task registry. All
// timestamps are UTC; backends normalise to UTC on read so callers never see
// the aware-vs-naive hazard.
type Record struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Params are the opaque submission parameters.
	Params map[string]any `json:"params,omitempty"`

	// OriginalTopic is the free-form topic this task was submitted with.
	OriginalTopic string `json:"original_topic,omitempty"`

	// ExpectedResultKey is the unique key under which the pipeline tail
	// publishes this task's result.
	ExpectedResultKey string `json:"expected_result_key,omitempty"`

	UserID string `json:"user_id,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// ExecutionSeconds is EndTime minus StartTime, computed when the task
	// reaches a terminal state.
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	// ExpireAt is when the expiration sweep may remove this record.
	ExpireAt time.Time `json:"expire_at"`
}

// utc normalises t to UTC.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// utcPtr normalises an optional timestamp to UTC.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}

// normalize rewrites every timestamp on the record to UTC.
func (r *Record) normalize() {
	r.CreatedAt = utc(r.CreatedAt)
	r.UpdatedAt = utc(r.UpdatedAt)
	r.StartTime = utcPtr(r.StartTime)
	r.EndTime = utcPtr(r.EndTime)
	r.ExpireAt = utc(r.ExpireAt)
}

// applyStatus performs the shared status transition bookkeeping: bump
// UpdatedAt, stamp StartTime on entering PROCESSING, and stamp EndTime plus
// ExecutionSeconds on entering a terminal state. It reports whether the
// transition is allowed (terminal states are never left).
func (r *Record) applyStatus(status Status, errMsg string, now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}

	now = utc(now)
	r.Status = status
	r.UpdatedAt = now

	if errMsg != "" {
		r.Error = errMsg
	}

	if status == StatusProcessing && r.StartTime == nil {
		start := now
		r.StartTime = &start
	}

	if status.Terminal() {
		end := now
		r.EndTime = &end

		// A task that failed before processing measures from creation.
		from := r.CreatedAt
		if r.StartTime != nil {
			from = *r.StartTime
		}

		r.ExecutionSeconds = end.Sub(from).Seconds()
	}

	return true
}
