package models

import (
	"time"

	"github.com/google/uuid"
)

// RobotStatus represents the dispatcher's view of a robot.
// offline is driven by liveness (missed heartbeats), never self-reported.
type RobotStatus string

const (
	RobotStatusOnline  RobotStatus = "online"
	RobotStatusIdle    RobotStatus = "idle"
	RobotStatusBusy    RobotStatus = "busy"
	RobotStatusOffline RobotStatus = "offline"
	RobotStatusFailed  RobotStatus = "failed"
)

// ValidRobotStatuses contains all valid robot status values.
var ValidRobotStatuses = []RobotStatus{
	RobotStatusOnline,
	RobotStatusIdle,
	RobotStatusBusy,
	RobotStatusOffline,
	RobotStatusFailed,
}

// IsValidRobotStatus checks if the given status is valid.
func IsValidRobotStatus(s RobotStatus) bool {
	for _, v := range ValidRobotStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Robot is a worker process registered with the dispatcher. The dispatcher
// holds the authoritative copy in memory; heartbeats update it.
type Robot struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Status            RobotStatus `json:"status"`
	CurrentJobs       int         `json:"current_jobs"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	Tags              []string    `json:"tags,omitempty"`
	LastHeartbeat     time.Time   `json:"last_heartbeat"`
	CurrentJobID      *uuid.UUID  `json:"current_job_id,omitempty"`
	CPUPercent        float64     `json:"cpu_percent"`
	MemoryMB          float64     `json:"memory_mb"`
}

// IsAvailable reports whether the robot can accept another job.
func (r *Robot) IsAvailable() bool {
	return r.Status == RobotStatusOnline && r.CurrentJobs < r.MaxConcurrentJobs
}

// HasTags reports whether the robot carries every tag in tags.
func (r *Robot) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand outside the dispatcher lock.
func (r *Robot) Clone() *Robot {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	c.Tags = append([]string(nil), r.Tags...)
	if r.CurrentJobID != nil {
		id := *r.CurrentJobID
		c.CurrentJobID = &id
	}
	return &c
}
