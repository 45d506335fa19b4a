package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a queued job.
// State machine:
//
//	pending → running → {completed, failed, pending, cancelled}
//
// completed and cancelled are terminal; failed is terminal only once
// retry_count has reached max_retries.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ValidJobStatuses contains all valid job status values.
var ValidJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsValidJobStatus checks if the given status is valid.
func IsValidJobStatus(s JobStatus) bool {
	for _, v := range ValidJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled || s == JobStatusFailed
}

// JobSubmission is the producer-side input for enqueuing a job. Priority and
// MaxRetries are pointers so an explicit zero (lowest priority, no retries)
// is distinguishable from an absent value that takes the producer default.
type JobSubmission struct {
	WorkflowID    string         `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	WorkflowJSON  string         `json:"workflow_json"`
	Priority      *int           `json:"priority,omitempty"`
	Environment   string         `json:"environment"`
	Variables     map[string]any `json:"variables,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty"`
	DelaySeconds  int            `json:"delay_seconds"`
	PinnedRobotID string         `json:"pinned_robot_id,omitempty"`
}

// Int returns a pointer to v, for the optional submission fields.
func Int(v int) *int {
	return &v
}

// EnqueuedJob is returned by the producer after a successful insert.
type EnqueuedJob struct {
	ID            uuid.UUID `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	WorkflowName  string    `json:"workflow_name"`
	Priority      int       `json:"priority"`
	Environment   string    `json:"environment"`
	PinnedRobotID string    `json:"pinned_robot_id,omitempty"`
	VisibleAfter  time.Time `json:"visible_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClaimedJob is a job handed to a robot by the consumer's claim query.
type ClaimedJob struct {
	ID           uuid.UUID      `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	WorkflowJSON string         `json:"workflow_json"`
	Priority     int            `json:"priority"`
	Environment  string         `json:"environment"`
	Variables    map[string]any `json:"variables,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	StartedAt    time.Time      `json:"started_at"`
}

// JobStatusDetail is the full persisted view of a job.
type JobStatusDetail struct {
	ID           uuid.UUID      `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       JobStatus      `json:"status"`
	RobotID      *string        `json:"robot_id,omitempty"`
	Priority     int            `json:"priority"`
	Environment  string         `json:"environment"`
	VisibleAfter time.Time      `json:"visible_after"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Variables    map[string]any `json:"variables,omitempty"`
}

// QueueStats summarizes queue activity over the last hour.
type QueueStats struct {
	CountsByStatus   map[JobStatus]int `json:"counts_by_status"`
	AvgQueueWaitSec  float64           `json:"avg_queue_wait_seconds"`
	AvgExecutionSec  float64           `json:"avg_execution_seconds"`
	GeneratedAt      time.Time         `json:"generated_at"`
}
