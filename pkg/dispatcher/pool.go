package dispatcher

import (
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// DefaultPoolName is the pool every robot belongs to. It matches all robots
// and cannot be removed.
const DefaultPoolName = "default"

// Pool is a named subset of robots selected by tag match and optionally
// capped in concurrent jobs.
type Pool struct {
	Name              string   `json:"name"`
	Tags              []string `json:"tags,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"` // 0 = unlimited
	AllowedWorkflows  []string `json:"allowed_workflows,omitempty"`   // empty = all
}

// Matches reports whether the robot belongs to this pool: pool tags must be
// a subset of the robot's tags; an empty tag set matches every robot.
func (p *Pool) Matches(robot *models.Robot) bool {
	return robot.HasTags(p.Tags)
}

// AllowsWorkflow reports whether jobs for workflowID may be routed through
// this pool.
func (p *Pool) AllowsWorkflow(workflowID string) bool {
	if len(p.AllowedWorkflows) == 0 {
		return true
	}
	for _, id := range p.AllowedWorkflows {
		if id == workflowID {
			return true
		}
	}
	return false
}
