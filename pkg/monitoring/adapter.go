package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/database"
	"github.com/casare-rpa/orchestrator/pkg/dispatcher"
	"github.com/casare-rpa/orchestrator/pkg/models"
	"github.com/casare-rpa/orchestrator/pkg/queue"
)

// FleetSummary is the top-level fleet view.
type FleetSummary struct {
	TotalRobots     int                        `json:"total_robots"`
	RobotsByStatus  map[models.RobotStatus]int `json:"robots_by_status"`
	ActiveJobs      int                        `json:"active_jobs"`
	QueueDepth      int                        `json:"queue_depth"`
	CompletedLast24 int                        `json:"completed_last_24h"`
	FailedLast24    int                        `json:"failed_last_24h"`
	GeneratedAt     time.Time                  `json:"generated_at"`
}

// RobotDetails is one robot plus its recent job history.
type RobotDetails struct {
	Robot      *models.Robot    `json:"robot"`
	RecentJobs []JobHistoryItem `json:"recent_jobs"`
}

// JobHistoryItem is one row of the job history view.
type JobHistoryItem struct {
	ID           uuid.UUID        `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name"`
	Status       models.JobStatus `json:"status"`
	RobotID      *string          `json:"robot_id,omitempty"`
	Priority     int              `json:"priority"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

// JobHistoryFilters narrows the job history query.
type JobHistoryFilters struct {
	Status     models.JobStatus
	WorkflowID string
	RobotID    string
	Limit      int
}

// DailyAnalytics is one day of job throughput.
type DailyAnalytics struct {
	Day         string  `json:"day"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgExecSecs float64 `json:"avg_execution_seconds"`
}

// Analytics aggregates job outcomes over a trailing window.
type Analytics struct {
	Days        int              `json:"days"`
	Completed   int              `json:"completed"`
	Failed      int              `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	Daily       []DailyAnalytics `json:"daily"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Adapter backs the REST layer with dispatcher registry reads and queue
// store queries.
type Adapter struct {
	db         *database.DB
	dispatcher *dispatcher.Dispatcher
	producer   *queue.Producer
	logger     *zap.Logger
}

// NewAdapter creates a monitoring data adapter.
func NewAdapter(db *database.DB, d *dispatcher.Dispatcher, p *queue.Producer, logger *zap.Logger) *Adapter {
	return &Adapter{db: db, dispatcher: d, producer: p, logger: logger.Named("monitoring")}
}

// GetFleetSummary aggregates registry state with queue depth and the last
// 24 hours of outcomes.
func (a *Adapter) GetFleetSummary(ctx context.Context) (*FleetSummary, error) {
	summary := &FleetSummary{
		RobotsByStatus: make(map[models.RobotStatus]int),
		GeneratedAt:    time.Now().UTC(),
	}

	for _, r := range a.dispatcher.ListRobots() {
		summary.TotalRobots++
		summary.RobotsByStatus[r.Status]++
		summary.ActiveJobs += r.CurrentJobs
	}

	depth, err := a.producer.GetQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	summary.QueueDepth = depth

	err = a.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM orchestrator_jobs
		WHERE completed_at >= now() - interval '24 hours'`,
	).Scan(&summary.CompletedLast24, &summary.FailedLast24)
	if err != nil {
		return nil, fmt.Errorf("failed to get fleet summary: %w", err)
	}
	return summary, nil
}

// GetRobotList returns registered robots, optionally filtered by status.
func (a *Adapter) GetRobotList(status models.RobotStatus) []*models.Robot {
	robots := a.dispatcher.ListRobots()
	if status == "" {
		return robots
	}
	filtered := robots[:0]
	for _, r := range robots {
		if r.Status == status {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// GetRobotDetails returns one robot with its ten most recent jobs, or nil
// for unknown robots.
func (a *Adapter) GetRobotDetails(ctx context.Context, robotID string) (*RobotDetails, error) {
	robot := a.dispatcher.GetRobot(robotID)
	if robot == nil {
		return nil, nil
	}

	jobs, err := a.GetJobHistory(ctx, JobHistoryFilters{RobotID: robotID, Limit: 10})
	if err != nil {
		return nil, err
	}
	return &RobotDetails{Robot: robot, RecentJobs: jobs}, nil
}

// GetJobHistory lists jobs newest-first with optional status, workflow, and
// robot filters.
func (a *Adapter) GetJobHistory(ctx context.Context, filters JobHistoryFilters) ([]JobHistoryItem, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.Query(ctx, `
		SELECT id, workflow_id, workflow_name, status, robot_id, priority,
		       created_at, started_at, completed_at, error_message
		FROM orchestrator_jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR workflow_id = $2)
		  AND ($3 = '' OR robot_id = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		string(filters.Status), filters.WorkflowID, filters.RobotID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}
	defer rows.Close()

	items := []JobHistoryItem{}
	for rows.Next() {
		var item JobHistoryItem
		if err := rows.Scan(&item.ID, &item.WorkflowID, &item.WorkflowName, &item.Status,
			&item.RobotID, &item.Priority, &item.CreatedAt, &item.StartedAt,
			&item.CompletedAt, &item.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan job history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}
	return items, nil
}

// GetJobDetails returns the full persisted view of a job, or nil if
// unknown.
func (a *Adapter) GetJobDetails(ctx context.Context, jobID uuid.UUID) (*models.JobStatusDetail, error) {
	return a.producer.GetJobStatus(ctx, jobID)
}

// GetAnalytics aggregates outcomes per day over a trailing window.
func (a *Adapter) GetAnalytics(ctx context.Context, days int) (*Analytics, error) {
	if days <= 0 {
		days = 7
	}

	analytics := &Analytics{
		Days:        days,
		Daily:       []DailyAnalytics{},
		GeneratedAt: time.Now().UTC(),
	}

	rows, err := a.db.Query(ctx, `
		SELECT
			to_char(date_trunc('day', completed_at), 'YYYY-MM-DD'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			coalesce(avg(extract(epoch FROM (completed_at - started_at)))
				FILTER (WHERE status = 'completed'), 0)
		FROM orchestrator_jobs
		WHERE completed_at >= now() - make_interval(days => $1)
		  AND status IN ('completed', 'failed')
		GROUP BY 1
		ORDER BY 1`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to get analytics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var day DailyAnalytics
		if err := rows.Scan(&day.Day, &day.Completed, &day.Failed, &day.AvgExecSecs); err != nil {
			return nil, fmt.Errorf("failed to scan analytics: %w", err)
		}
		analytics.Daily = append(analytics.Daily, day)
		analytics.Completed += day.Completed
		analytics.Failed += day.Failed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get analytics: %w", err)
	}

	if total := analytics.Completed + analytics.Failed; total > 0 {
		analytics.SuccessRate = float64(analytics.Completed) / float64(total)
	}
	return analytics, nil
}
