package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates monitoring events on the bus.
type EventKind string

const (
	EventJobStatusChanged  EventKind = "job_status_changed"
	EventRobotHeartbeat    EventKind = "robot_heartbeat"
	EventQueueDepthChanged EventKind = "queue_depth_changed"
)

// Event is implemented by every monitoring event.
type Event interface {
	Kind() EventKind
}

// JobStatusChanged is published on every job state transition.
type JobStatusChanged struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (JobStatusChanged) Kind() EventKind { return EventJobStatusChanged }

// RobotHeartbeat is published when a robot reports liveness.
type RobotHeartbeat struct {
	RobotID    string      `json:"robot_id"`
	Status     RobotStatus `json:"status"`
	CPUPercent float64     `json:"cpu_percent"`
	MemoryMB   float64     `json:"memory_mb"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (RobotHeartbeat) Kind() EventKind { return EventRobotHeartbeat }

// QueueDepthChanged is published when the count of visible pending jobs moves.
type QueueDepthChanged struct {
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
}

func (QueueDepthChanged) Kind() EventKind { return EventQueueDepthChanged }
