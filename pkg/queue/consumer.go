package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// ConsumerConfig controls the claim half of the queue.
type ConsumerConfig struct {
	RobotID           string
	Environment       string
	VisibilityTimeout time.Duration
	HeartbeatInterval time.Duration
	CommandTimeout    time.Duration
}

// DefaultConsumerConfig returns standard consumer settings for a robot.
func DefaultConsumerConfig(robotID string) ConsumerConfig {
	return ConsumerConfig{
		RobotID:           robotID,
		Environment:       "default",
		VisibilityTimeout: 5 * time.Minute,
		HeartbeatInterval: time.Minute,
		CommandTimeout:    30 * time.Second,
	}
}

// Consumer claims jobs for one robot. Claimed jobs are tracked in memory so
// the background heartbeat can extend their leases; everything else is
// atomic SQL against the shared job table.
type Consumer struct {
	db     *database.DB
	dbCfg  *database.Config
	cfg    ConsumerConfig
	bus    events.Publisher
	logger *zap.Logger

	mu      sync.Mutex              // guards db and tracked
	tracked map[uuid.UUID]time.Time // job id -> claim time

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
	heartbeatOn   bool
	startOnce     sync.Once
	closeOnce     sync.Once
}

// NewConsumer creates a consumer over an established pool.
func NewConsumer(db *database.DB, dbCfg *database.Config, cfg ConsumerConfig, bus events.Publisher, logger *zap.Logger) (*Consumer, error) {
	if cfg.RobotID == "" {
		return nil, fmt.Errorf("%w: robot id is required", apperrors.ErrValidation)
	}
	if cfg.Environment == "" {
		cfg.Environment = "default"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}

	return &Consumer{
		db:            db,
		dbCfg:         dbCfg,
		cfg:           cfg,
		bus:           bus,
		logger:        logger.Named("consumer").With(zap.String("robot_id", cfg.RobotID)),
		tracked:       make(map[uuid.UUID]time.Time),
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}, nil
}

func (c *Consumer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// pool returns the current pool under the reconnect lock. The heartbeat
// goroutine and user-facing calls share the consumer, so every query goes
// through here.
func (c *Consumer) pool() *database.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// withReconnect runs fn; on a connection-class error it performs one
// reconnect cycle with backoff and retries fn. Other SQL errors bubble up.
func (c *Consumer) withReconnect(ctx context.Context, fn func(db *database.DB) error) error {
	err := fn(c.pool())
	if err == nil || !retry.IsConnectionError(err) {
		return err
	}

	c.logger.Warn("connection error, attempting reconnect", zap.Error(err))
	if rerr := c.reconnect(ctx); rerr != nil {
		return fmt.Errorf("reconnect failed after connection error: %w", rerr)
	}
	return fn(c.pool())
}

func (c *Consumer) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := retry.DoWithResult(ctx, retry.ReconnectConfig(), func(error) bool { return true }, func() (*database.DB, error) {
		return database.NewConnection(ctx, c.dbCfg)
	})
	if err != nil {
		return err
	}
	c.db.Close()
	c.db = db
	c.logger.Info("reconnected to queue store")
	return nil
}

const claimSQL = `
	UPDATE orchestrator_jobs
	SET status = 'running',
	    robot_id = $1,
	    started_at = now(),
	    visible_after = now() + make_interval(secs => $2)
	WHERE id IN (
		SELECT id FROM orchestrator_jobs
		WHERE status = 'pending'
		  AND visible_after <= now()
		  AND (environment = $3 OR environment = 'default' OR $3 = 'default')
		  AND (pinned_robot_id IS NULL OR pinned_robot_id = $1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, workflow_id, workflow_name, workflow_json, priority,
	          environment, variables, retry_count, max_retries, started_at`

// Claim atomically claims up to batchSize pending, visible,
// environment-compatible jobs ordered by priority then age. Jobs pinned to
// another robot are skipped. SKIP LOCKED guarantees no two consumers observe
// the same claim.
func (c *Consumer) Claim(ctx context.Context, batchSize int) ([]*models.ClaimedJob, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	var claimed []*models.ClaimedJob
	err := c.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()

		rows, err := db.Query(opCtx, claimSQL,
			c.cfg.RobotID, c.cfg.VisibilityTimeout.Seconds(), c.cfg.Environment, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		claimed = claimed[:0]
		for rows.Next() {
			job := &models.ClaimedJob{}
			var variablesJSON []byte
			if err := rows.Scan(&job.ID, &job.WorkflowID, &job.WorkflowName,
				&job.WorkflowJSON, &job.Priority, &job.Environment,
				&variablesJSON, &job.RetryCount, &job.MaxRetries, &job.StartedAt); err != nil {
				return err
			}
			if len(variablesJSON) > 0 {
				_ = json.Unmarshal(variablesJSON, &job.Variables)
			}
			claimed = append(claimed, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	if len(claimed) > 0 {
		c.mu.Lock()
		for _, job := range claimed {
			c.tracked[job.ID] = job.StartedAt
		}
		c.mu.Unlock()

		for _, job := range claimed {
			c.logger.Info("job claimed",
				zap.String("job_id", job.ID.String()),
				zap.String("workflow_id", job.WorkflowID),
				zap.Int("priority", job.Priority))
			events.Publish(c.bus, models.JobStatusChanged{
				JobID:     job.ID,
				Status:    models.JobStatusRunning,
				Timestamp: job.StartedAt,
			})
		}
	}

	return claimed, nil
}

// ExtendLease pushes visible_after out by seconds (default: the visibility
// timeout). Succeeds only while this robot still owns the running job.
func (c *Consumer) ExtendLease(ctx context.Context, jobID uuid.UUID, seconds float64) (bool, error) {
	if seconds <= 0 {
		seconds = c.cfg.VisibilityTimeout.Seconds()
	}

	var extended bool
	err := c.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		tag, err := db.Exec(opCtx, `
			UPDATE orchestrator_jobs
			SET visible_after = now() + make_interval(secs => $3)
			WHERE id = $1 AND status = 'running' AND robot_id = $2`,
			jobID, c.cfg.RobotID, seconds)
		if err != nil {
			return err
		}
		extended = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return extended, nil
}

// Complete marks a job this robot owns as completed with its result.
func (c *Consumer) Complete(ctx context.Context, jobID uuid.UUID, result map[string]any) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal result: %w", err)
	}

	var completed bool
	err = c.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		tag, err := db.Exec(opCtx, `
			UPDATE orchestrator_jobs
			SET status = 'completed', completed_at = now(), result = $3
			WHERE id = $1 AND status = 'running' AND robot_id = $2`,
			jobID, c.cfg.RobotID, resultJSON)
		if err != nil {
			return err
		}
		completed = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}

	if completed {
		c.untrack(jobID)
		c.logger.Info("job completed", zap.String("job_id", jobID.String()))
		events.Publish(c.bus, models.JobStatusChanged{
			JobID:     jobID,
			Status:    models.JobStatusCompleted,
			Timestamp: time.Now().UTC(),
		})
	}
	return completed, nil
}

// Fail reports a failure for a job this robot owns. While retries remain the
// job goes back to pending with a linear backoff of (retry_count+1)*5s;
// otherwise it is marked failed. Returns (ok, willRetry).
func (c *Consumer) Fail(ctx context.Context, jobID uuid.UUID, errorMessage string) (bool, bool, error) {
	var status models.JobStatus
	var failed bool
	err := c.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		row := db.QueryRow(opCtx, `
			UPDATE orchestrator_jobs
			SET status        = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			    robot_id      = CASE WHEN retry_count < max_retries THEN NULL ELSE robot_id END,
			    visible_after = CASE WHEN retry_count < max_retries
			                         THEN now() + make_interval(secs => (retry_count + 1) * 5)
			                         ELSE visible_after END,
			    completed_at  = CASE WHEN retry_count < max_retries THEN NULL ELSE now() END,
			    retry_count   = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			    error_message = $3
			WHERE id = $1 AND status = 'running' AND robot_id = $2
			RETURNING status`,
			jobID, c.cfg.RobotID, errorMessage)
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				failed = false
				return nil
			}
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to fail job: %w", err)
	}
	if !failed {
		return false, false, nil
	}

	c.untrack(jobID)
	willRetry := status == models.JobStatusPending

	c.logger.Warn("job failed",
		zap.String("job_id", jobID.String()),
		zap.Bool("will_retry", willRetry),
		zap.String("error", errorMessage))
	events.Publish(c.bus, models.JobStatusChanged{
		JobID:     jobID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})

	return true, willRetry, nil
}

// Release voluntarily unclaims a job back to pending, visible immediately.
func (c *Consumer) Release(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var released bool
	err := c.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		tag, err := db.Exec(opCtx, `
			UPDATE orchestrator_jobs
			SET status = 'pending', robot_id = NULL, started_at = NULL, visible_after = now()
			WHERE id = $1 AND status = 'running' AND robot_id = $2`,
			jobID, c.cfg.RobotID)
		if err != nil {
			return err
		}
		released = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to release job: %w", err)
	}

	if released {
		c.untrack(jobID)
		c.logger.Info("job released", zap.String("job_id", jobID.String()))
		events.Publish(c.bus, models.JobStatusChanged{
			JobID:     jobID,
			Status:    models.JobStatusPending,
			Timestamp: time.Now().UTC(),
		})
	}
	return released, nil
}

// RequeueTimedOut resets this robot's running jobs whose lease expired:
// retries remaining go back to pending with retry_count incremented,
// exhausted jobs are marked failed. Returns the number of rows touched.
func (c *Consumer) RequeueTimedOut(ctx context.Context) (int, error) {
	var requeued int
	err := c.withReconnect(ctx, func(db *database.DB) error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		tag, err := db.Exec(opCtx, `
			UPDATE orchestrator_jobs
			SET status        = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			    robot_id      = CASE WHEN retry_count < max_retries THEN NULL ELSE robot_id END,
			    completed_at  = CASE WHEN retry_count < max_retries THEN NULL ELSE now() END,
			    retry_count   = retry_count + CASE WHEN retry_count < max_retries THEN 1 ELSE 0 END,
			    error_message = 'visibility timeout expired',
			    visible_after = now()
			WHERE status = 'running' AND robot_id = $1 AND visible_after < now()`,
			c.cfg.RobotID)
		if err != nil {
			return err
		}
		requeued = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue timed out jobs: %w", err)
	}

	if requeued > 0 {
		c.logger.Warn("requeued timed-out jobs", zap.Int("count", requeued))
	}
	return requeued, nil
}

// StartHeartbeat launches the background lease extender. Heartbeats are
// serialized: one goroutine iterates the tracked jobs each interval.
func (c *Consumer) StartHeartbeat(ctx context.Context) {
	c.startOnce.Do(func() {
		c.heartbeatOn = true
		go c.heartbeatLoop(ctx)
	})
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, jobID := range c.TrackedJobs() {
				ok, err := c.ExtendLease(ctx, jobID, 0)
				if err != nil {
					c.logger.Error("heartbeat lease extension failed",
						zap.String("job_id", jobID.String()), zap.Error(err))
					continue
				}
				if !ok {
					// Lost ownership (lease expired and another robot
					// reclaimed); stop tracking.
					c.logger.Warn("lost job ownership during heartbeat",
						zap.String("job_id", jobID.String()))
					c.untrack(jobID)
				}
			}
		}
	}
}

// TrackedJobs returns a snapshot of the job ids currently tracked for
// heartbeating.
func (c *Consumer) TrackedJobs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	return ids
}

func (c *Consumer) untrack(jobID uuid.UUID) {
	c.mu.Lock()
	delete(c.tracked, jobID)
	c.mu.Unlock()
}

// Close stops the heartbeat, releases all currently claimed jobs back to
// pending (best-effort), and closes the pool.
func (c *Consumer) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		close(c.stopHeartbeat)
		if c.heartbeatOn {
			select {
			case <-c.heartbeatDone:
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}

		for _, jobID := range c.TrackedJobs() {
			if _, err := c.Release(ctx, jobID); err != nil {
				c.logger.Warn("failed to release job during shutdown",
					zap.String("job_id", jobID.String()), zap.Error(err))
			}
		}

		c.pool().Close()
		c.logger.Info("consumer closed")
	})
}
