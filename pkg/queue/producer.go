package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/database"
	"github.com/casare-rpa/orchestrator/pkg/events"
	"github.com/casare-rpa/orchestrator/pkg/models"
	"github.com/casare-rpa/orchestrator/pkg/retry"
)

var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ProducerConfig controls producer behavior.
type ProducerConfig struct {
	DefaultPriority      int
	DefaultMaxRetries    int
	CommandTimeout       time.Duration
	MaxReconnectAttempts int
}

// DefaultProducerConfig returns the standard producer settings.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		DefaultPriority:      10,
		DefaultMaxRetries:    3,
		CommandTimeout:       30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Producer is the enqueue half of the distributed job queue. All state lives
// in the job table; the producer itself only holds the pool and its
// reconnect bookkeeping.
type Producer struct {
	mu     sync.Mutex
	db     *database.DB
	dbCfg  *database.Config
	cfg    ProducerConfig
	bus    events.Publisher
	logger *zap.Logger
}

// NewProducer creates a producer over an established pool. dbCfg is retained
// so the pool can be rebuilt after a connection loss.
func NewProducer(db *database.DB, dbCfg *database.Config, cfg ProducerConfig, bus events.Publisher, logger *zap.Logger) *Producer {
	return &Producer{
		db:     db,
		dbCfg:  dbCfg,
		cfg:    cfg,
		bus:    bus,
		logger: logger.Named("producer"),
	}
}

// pool returns the current pool under the reconnect lock.
func (p *Producer) pool() *database.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db
}

// withReconnect runs fn, and on a connection-class failure rebuilds the pool
// with exponential backoff (10-30% jitter) and runs fn once more.
// Non-connection SQL errors propagate as-is.
func (p *Producer) withReconnect(ctx context.Context, fn func(db *database.DB) error) error {
	err := fn(p.pool())
	if err == nil || !retry.IsConnectionError(err) {
		return err
	}

	p.logger.Warn("connection error, attempting reconnect", zap.Error(err))
	if rerr := p.reconnect(ctx); rerr != nil {
		return fmt.Errorf("reconnect failed after connection error: %w", rerr)
	}
	return fn(p.pool())
}

func (p *Producer) reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg := retry.ReconnectConfig()
	cfg.MaxRetries = p.cfg.MaxReconnectAttempts

	db, err := retry.DoWithResult(ctx, cfg, func(error) bool { return true }, func() (*database.DB, error) {
		return database.NewConnection(ctx, p.dbCfg)
	})
	if err != nil {
		return err
	}

	p.db.Close()
	p.db = db
	p.logger.Info("reconnected to queue store")
	return nil
}

func (p *Producer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// validate checks a submission against the enqueue contract.
func validateSubmission(s *models.JobSubmission) error {
	if !workflowIDPattern.MatchString(s.WorkflowID) {
		return fmt.Errorf("%w: workflow_id must match %s", apperrors.ErrValidation, workflowIDPattern.String())
	}
	if s.Priority != nil && (*s.Priority < 0 || *s.Priority > 100) {
		return fmt.Errorf("%w: priority %d outside [0,100]", apperrors.ErrValidation, *s.Priority)
	}
	if s.MaxRetries != nil && (*s.MaxRetries < 0 || *s.MaxRetries > 10) {
		return fmt.Errorf("%w: max_retries %d outside [0,10]", apperrors.ErrValidation, *s.MaxRetries)
	}
	if s.DelaySeconds < 0 {
		return fmt.Errorf("%w: delay_seconds must be >= 0", apperrors.ErrValidation)
	}
	return nil
}

// applyDefaults fills only absent fields; an explicit zero priority or zero
// max_retries is kept as submitted.
func (p *Producer) applyDefaults(s *models.JobSubmission) {
	if s.Priority == nil {
		s.Priority = models.Int(p.cfg.DefaultPriority)
	}
	if s.Environment == "" {
		s.Environment = "default"
	}
	if s.MaxRetries == nil {
		s.MaxRetries = models.Int(p.cfg.DefaultMaxRetries)
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
}

const insertJobSQL = `
	INSERT INTO orchestrator_jobs (
		id, workflow_id, workflow_name, workflow_json,
		priority, status, environment, visible_after,
		max_retries, variables, pinned_robot_id
	) VALUES ($1, $2, $3, $4, $5, 'pending', $6, now() + make_interval(secs => $7), $8, $9, NULLIF($10, ''))
	RETURNING visible_after, created_at`

// Enqueue inserts a single pending job. The job becomes claimable once
// visible_after passes (now + delay).
func (p *Producer) Enqueue(ctx context.Context, sub models.JobSubmission) (*models.EnqueuedJob, error) {
	p.applyDefaults(&sub)
	if err := validateSubmission(&sub); err != nil {
		return nil, err
	}

	variablesJSON, err := json.Marshal(sub.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	job := &models.EnqueuedJob{
		ID:            uuid.New(),
		WorkflowID:    sub.WorkflowID,
		WorkflowName:  sub.WorkflowName,
		Priority:      *sub.Priority,
		Environment:   sub.Environment,
		PinnedRobotID: sub.PinnedRobotID,
	}

	err = p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()
		return db.QueryRow(opCtx, insertJobSQL,
			job.ID, sub.WorkflowID, sub.WorkflowName, sub.WorkflowJSON,
			*sub.Priority, sub.Environment, sub.DelaySeconds,
			*sub.MaxRetries, variablesJSON, sub.PinnedRobotID,
		).Scan(&job.VisibleAfter, &job.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	p.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("workflow_id", job.WorkflowID),
		zap.Int("priority", job.Priority),
		zap.String("environment", job.Environment))

	events.Publish(p.bus, models.JobStatusChanged{
		JobID:     job.ID,
		Status:    models.JobStatusPending,
		Timestamp: job.CreatedAt,
	})

	return job, nil
}

// EnqueueBatch inserts all submissions in one transaction: all become
// visible or none do.
func (p *Producer) EnqueueBatch(ctx context.Context, subs []models.JobSubmission) ([]*models.EnqueuedJob, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	for i := range subs {
		p.applyDefaults(&subs[i])
		if err := validateSubmission(&subs[i]); err != nil {
			return nil, fmt.Errorf("submission %d: %w", i, err)
		}
	}

	jobs := make([]*models.EnqueuedJob, len(subs))

	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()

		tx, err := db.Begin(opCtx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(opCtx) }()

		for i, sub := range subs {
			variablesJSON, err := json.Marshal(sub.Variables)
			if err != nil {
				return fmt.Errorf("failed to marshal variables: %w", err)
			}
			job := &models.EnqueuedJob{
				ID:            uuid.New(),
				WorkflowID:    sub.WorkflowID,
				WorkflowName:  sub.WorkflowName,
				Priority:      *sub.Priority,
				Environment:   sub.Environment,
				PinnedRobotID: sub.PinnedRobotID,
			}
			if err := tx.QueryRow(opCtx, insertJobSQL,
				job.ID, sub.WorkflowID, sub.WorkflowName, sub.WorkflowJSON,
				*sub.Priority, sub.Environment, sub.DelaySeconds,
				*sub.MaxRetries, variablesJSON, sub.PinnedRobotID,
			).Scan(&job.VisibleAfter, &job.CreatedAt); err != nil {
				return fmt.Errorf("failed to insert job %d: %w", i, err)
			}
			jobs[i] = job
		}

		return tx.Commit(opCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	p.logger.Info("batch enqueued", zap.Int("count", len(jobs)))

	for _, job := range jobs {
		events.Publish(p.bus, models.JobStatusChanged{
			JobID:     job.ID,
			Status:    models.JobStatusPending,
			Timestamp: job.CreatedAt,
		})
	}

	return jobs, nil
}

// Cancel transitions a pending or running job to cancelled. Returns false
// for unknown ids and for jobs already in a terminal state.
func (p *Producer) Cancel(ctx context.Context, jobID uuid.UUID, reason string) (bool, error) {
	var cancelled bool
	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()
		tag, err := db.Exec(opCtx, `
			UPDATE orchestrator_jobs
			SET status = 'cancelled', completed_at = now(), error_message = $2, robot_id = NULL
			WHERE id = $1 AND status IN ('pending', 'running')`,
			jobID, reason)
		if err != nil {
			return err
		}
		cancelled = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}

	if cancelled {
		p.logger.Info("job cancelled",
			zap.String("job_id", jobID.String()),
			zap.String("reason", reason))
		events.Publish(p.bus, models.JobStatusChanged{
			JobID:     jobID,
			Status:    models.JobStatusCancelled,
			Timestamp: time.Now().UTC(),
		})
	}
	return cancelled, nil
}

// GetJobStatus returns the full persisted view of a job, or nil if unknown.
func (p *Producer) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobStatusDetail, error) {
	var detail *models.JobStatusDetail
	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()

		d := &models.JobStatusDetail{}
		var variablesJSON, resultJSON []byte
		err := db.QueryRow(opCtx, `
			SELECT id, workflow_id, workflow_name, status, robot_id, priority,
			       environment, visible_after, created_at, started_at, completed_at,
			       error_message, result, retry_count, max_retries, variables
			FROM orchestrator_jobs WHERE id = $1`, jobID,
		).Scan(&d.ID, &d.WorkflowID, &d.WorkflowName, &d.Status, &d.RobotID,
			&d.Priority, &d.Environment, &d.VisibleAfter, &d.CreatedAt,
			&d.StartedAt, &d.CompletedAt, &d.ErrorMessage, &resultJSON,
			&d.RetryCount, &d.MaxRetries, &variablesJSON)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(resultJSON) > 0 {
			_ = json.Unmarshal(resultJSON, &d.Result)
		}
		if len(variablesJSON) > 0 {
			_ = json.Unmarshal(variablesJSON, &d.Variables)
		}
		detail = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job status: %w", err)
	}
	return detail, nil
}

// GetQueueStats returns counts by state over the last hour plus average
// queue-wait and execution seconds.
func (p *Producer) GetQueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{
		CountsByStatus: make(map[models.JobStatus]int),
		GeneratedAt:    time.Now().UTC(),
	}

	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()

		rows, err := db.Query(opCtx, `
			SELECT status, count(*)
			FROM orchestrator_jobs
			WHERE created_at >= now() - interval '1 hour'
			GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status models.JobStatus
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats.CountsByStatus[status] = count
		}
		if err := rows.Err(); err != nil {
			return err
		}

		return db.QueryRow(opCtx, `
			SELECT
				coalesce(avg(extract(epoch FROM (started_at - created_at))), 0),
				coalesce(avg(extract(epoch FROM (completed_at - started_at))), 0)
			FROM orchestrator_jobs
			WHERE created_at >= now() - interval '1 hour'
			  AND started_at IS NOT NULL`,
		).Scan(&stats.AvgQueueWaitSec, &stats.AvgExecutionSec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return stats, nil
}

// GetQueueDepthByPriority maps priority to the count of currently visible
// pending jobs.
func (p *Producer) GetQueueDepthByPriority(ctx context.Context) (map[int]int, error) {
	depths := make(map[int]int)
	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()

		rows, err := db.Query(opCtx, `
			SELECT priority, count(*)
			FROM orchestrator_jobs
			WHERE status = 'pending' AND visible_after <= now()
			GROUP BY priority`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var priority, count int
			if err := rows.Scan(&priority, &count); err != nil {
				return err
			}
			depths[priority] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue depth: %w", err)
	}
	return depths, nil
}

// GetQueueDepth returns the total count of currently visible pending jobs.
func (p *Producer) GetQueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()
		return db.QueryRow(opCtx, `
			SELECT count(*) FROM orchestrator_jobs
			WHERE status = 'pending' AND visible_after <= now()`).Scan(&depth)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get queue depth: %w", err)
	}
	return depth, nil
}

// PendingJobs lists currently visible pending jobs in claim order. The
// dispatcher polls this to make advisory routing decisions.
func (p *Producer) PendingJobs(ctx context.Context, limit int) ([]*models.EnqueuedJob, error) {
	if limit <= 0 {
		limit = 10
	}

	var jobs []*models.EnqueuedJob
	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()

		rows, err := db.Query(opCtx, `
			SELECT id, workflow_id, workflow_name, priority, environment,
			       coalesce(pinned_robot_id, ''), visible_after, created_at
			FROM orchestrator_jobs
			WHERE status = 'pending' AND visible_after <= now()
			ORDER BY priority DESC, created_at ASC
			LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		jobs = jobs[:0]
		for rows.Next() {
			j := &models.EnqueuedJob{}
			if err := rows.Scan(&j.ID, &j.WorkflowID, &j.WorkflowName, &j.Priority,
				&j.Environment, &j.PinnedRobotID, &j.VisibleAfter, &j.CreatedAt); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return jobs, nil
}

// PurgeOldJobs deletes terminal jobs older than daysOld days and returns the
// number removed.
func (p *Producer) PurgeOldJobs(ctx context.Context, daysOld int) (int, error) {
	if daysOld < 1 {
		return 0, fmt.Errorf("%w: days_old must be >= 1", apperrors.ErrValidation)
	}

	var purged int
	err := p.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := p.opCtx(ctx)
		defer cancel()
		tag, err := db.Exec(opCtx, `
			DELETE FROM orchestrator_jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND created_at < now() - make_interval(days => $1)`, daysOld)
		if err != nil {
			return err
		}
		purged = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge old jobs: %w", err)
	}

	if purged > 0 {
		p.logger.Info("purged old jobs", zap.Int("count", purged), zap.Int("days_old", daysOld))
	}
	return purged, nil
}
