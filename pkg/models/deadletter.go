package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxDLQErrorLength is the cap applied to stored error messages.
const MaxDLQErrorLength = 4000

// FailedJob describes a job that exhausted a claim attempt; the DLQ manager
// decides between a delayed requeue and a move to the dead-letter table.
type FailedJob struct {
	JobID         uuid.UUID      `json:"job_id"`
	WorkflowID    string         `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	WorkflowJSON  string         `json:"workflow_json"`
	Variables     map[string]any `json:"variables,omitempty"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessage  string         `json:"error_message"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
	FirstFailedAt time.Time      `json:"first_failed_at"`
	LastFailedAt  time.Time      `json:"last_failed_at"`
}

// DLQEntry is a row in the dead-letter table. original_job_id is unique: a
// job lands in the DLQ at most once, reprocessing produces a new job id.
type DLQEntry struct {
	ID            uuid.UUID      `json:"id"`
	OriginalJobID uuid.UUID      `json:"original_job_id"`
	WorkflowID    string         `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	WorkflowJSON  string         `json:"workflow_json"`
	Variables     map[string]any `json:"variables,omitempty"`
	ErrorMessage  string         `json:"error_message"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
	RetryCount    int            `json:"retry_count"`
	FirstFailedAt time.Time      `json:"first_failed_at"`
	LastFailedAt  time.Time      `json:"last_failed_at"`
	CreatedAt     time.Time      `json:"created_at"`
	ReprocessedAt *time.Time     `json:"reprocessed_at,omitempty"`
	ReprocessedBy *string        `json:"reprocessed_by,omitempty"`
}

// IsReprocessed reports whether the entry was already retried manually.
func (e *DLQEntry) IsReprocessed() bool {
	return e.ReprocessedAt != nil
}

// DLQStats summarizes the dead-letter table.
type DLQStats struct {
	Total       int            `json:"total"`
	Pending     int            `json:"pending"`
	Reprocessed int            `json:"reprocessed"`
	ByWorkflow  map[string]int `json:"by_workflow,omitempty"`
}
