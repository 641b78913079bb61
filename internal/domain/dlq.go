package domain

import (
	"encoding/json"
	"time"
)

// DLQEntry is a job that exhausted its retry budget
type DLQEntry struct {
	ID            string          `json:"id"`
	OriginalJobID string          `json:"original_job_id"`
	WorkflowID    string          `json:"workflow_id"`
	WorkflowName  string          `json:"workflow_name"`
	ErrorMessage  string          `json:"error_message"`
	ErrorDetails  string          `json:"error_details,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	Environment   string          `json:"environment,omitempty"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	ReprocessedAt *time.Time      `json:"reprocessed_at,omitempty"`
	ReprocessedBy string          `json:"reprocessed_by,omitempty"`
	NewJobID      string          `json:"new_job_id,omitempty"`
}

// IsPending is true until the entry has been retried
func (e *DLQEntry) IsPending() bool {
	return e.ReprocessedAt == nil
}

// DLQStats counts entries, optionally scoped to one workflow
type DLQStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
}

// DLQFilter narrows a DLQ listing. Zero values match everything.
type DLQFilter struct {
	WorkflowID  string
	PendingOnly bool
	Limit       int
	Offset      int
}
