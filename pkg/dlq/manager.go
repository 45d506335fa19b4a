package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/database"
	"github.com/casare-rpa/orchestrator/pkg/logging"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// DefaultRetrySchedule is the base delay per retry attempt before a job is
// declared dead: 10s, 1m, 5m, 15m, 1h.
var DefaultRetrySchedule = []time.Duration{
	10 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// jitterFraction bounds the uniform jitter applied to each base delay.
const jitterFraction = 0.2

// Manager decides the fate of failed jobs: delayed requeue while the retry
// schedule lasts, then a move to the dead-letter table. It also owns the
// read/reprocess API over that table.
type Manager struct {
	db       *database.DB
	schedule []time.Duration
	logger   *zap.Logger

	// rnd is the jitter source; tests replace it for determinism.
	rnd func() float64
}

// NewManager creates a DLQ manager. A nil or empty schedule selects
// DefaultRetrySchedule.
func NewManager(db *database.DB, schedule []time.Duration, logger *zap.Logger) *Manager {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &Manager{
		db:       db,
		schedule: schedule,
		logger:   logger.Named("dlq"),
		rnd:      rand.Float64,
	}
}

const dlqTableDDL = `
	CREATE TABLE IF NOT EXISTS orchestrator_dead_letter (
		id UUID PRIMARY KEY,
		original_job_id UUID NOT NULL UNIQUE,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL,
		workflow_json TEXT NOT NULL,
		variables JSONB NOT NULL DEFAULT '{}'::jsonb,
		error_message TEXT NOT NULL,
		error_details JSONB,
		retry_count INTEGER NOT NULL DEFAULT 0,
		first_failed_at TIMESTAMPTZ NOT NULL,
		last_failed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		reprocessed_at TIMESTAMPTZ,
		reprocessed_by TEXT
	)`

var dlqIndexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_orchestrator_dead_letter_workflow
		ON orchestrator_dead_letter (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orchestrator_dead_letter_pending
		ON orchestrator_dead_letter (created_at) WHERE reprocessed_at IS NULL`,
}

// EnsureDLQTable creates the dead-letter table and indices if absent.
// Idempotent; asserted at startup.
func (m *Manager) EnsureDLQTable(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, dlqTableDDL); err != nil {
		return fmt.Errorf("failed to ensure dead letter table: %w", err)
	}
	for _, ddl := range dlqIndexDDL {
		if _, err := m.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure dead letter index: %w", err)
		}
	}
	return nil
}

// RetryDelay computes the backoff for the given retry count: the scheduled
// base with uniform jitter in [-20%, +20%], floored at one second. The
// second return is false once the schedule is exhausted.
func (m *Manager) RetryDelay(retryCount int) (time.Duration, bool) {
	if retryCount < 0 || retryCount >= len(m.schedule) {
		return 0, false
	}
	base := m.schedule[retryCount]
	jitter := time.Duration(float64(base) * jitterFraction * (m.rnd()*2 - 1))
	delay := base + jitter
	if delay < time.Second {
		delay = time.Second
	}
	return delay, true
}

// HandleFailure requeues the job with backoff while the schedule lasts,
// otherwise moves it to the dead-letter table. Both paths are single
// transactions against the store.
func (m *Manager) HandleFailure(ctx context.Context, failed *models.FailedJob) (requeued bool, err error) {
	if delay, ok := m.RetryDelay(failed.RetryCount); ok {
		if err := m.requeue(ctx, failed, delay); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := m.moveToDeadLetter(ctx, failed); err != nil {
		return false, err
	}
	return false, nil
}

func (m *Manager) requeue(ctx context.Context, failed *models.FailedJob, delay time.Duration) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE orchestrator_jobs
		SET status = 'pending',
		    robot_id = NULL,
		    retry_count = retry_count + 1,
		    visible_after = now() + make_interval(secs => $2),
		    error_message = $3
		WHERE id = $1`,
		failed.JobID, delay.Seconds(),
		logging.TruncateString(failed.ErrorMessage, models.MaxDLQErrorLength))
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requeue: job %s: %w", failed.JobID, apperrors.ErrNotFound)
	}

	m.logger.Info("job requeued with backoff",
		zap.String("job_id", failed.JobID.String()),
		zap.Int("retry_count", failed.RetryCount),
		zap.Duration("delay", delay))
	return nil
}

// moveToDeadLetter inserts-or-updates the DLQ row keyed by original_job_id
// and deletes the job row in the same transaction.
func (m *Manager) moveToDeadLetter(ctx context.Context, failed *models.FailedJob) error {
	variablesJSON, err := json.Marshal(failed.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	var detailsJSON []byte
	if failed.ErrorDetails != nil {
		if detailsJSON, err = json.Marshal(failed.ErrorDetails); err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orchestrator_dead_letter (
			id, original_job_id, workflow_id, workflow_name, workflow_json,
			variables, error_message, error_details, retry_count,
			first_failed_at, last_failed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (original_job_id) DO UPDATE SET
			error_message  = EXCLUDED.error_message,
			error_details  = EXCLUDED.error_details,
			retry_count    = EXCLUDED.retry_count,
			last_failed_at = EXCLUDED.last_failed_at`,
		uuid.New(), failed.JobID, failed.WorkflowID, failed.WorkflowName,
		failed.WorkflowJSON, variablesJSON,
		logging.TruncateString(failed.ErrorMessage, models.MaxDLQErrorLength),
		detailsJSON, failed.RetryCount, failed.FirstFailedAt, failed.LastFailedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert dead letter entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM orchestrator_jobs WHERE id = $1`, failed.JobID); err != nil {
		return fmt.Errorf("failed to delete exhausted job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit dead letter move: %w", err)
	}

	m.logger.Warn("job moved to dead letter queue",
		zap.String("job_id", failed.JobID.String()),
		zap.String("workflow_id", failed.WorkflowID),
		zap.Int("retry_count", failed.RetryCount))
	return nil
}

const dlqColumns = `
	id, original_job_id, workflow_id, workflow_name, workflow_json,
	variables, error_message, error_details, retry_count,
	first_failed_at, last_failed_at, created_at, reprocessed_at, reprocessed_by`

func scanEntry(row pgx.Row) (*models.DLQEntry, error) {
	e := &models.DLQEntry{}
	var variablesJSON, detailsJSON []byte
	err := row.Scan(&e.ID, &e.OriginalJobID, &e.WorkflowID, &e.WorkflowName,
		&e.WorkflowJSON, &variablesJSON, &e.ErrorMessage, &detailsJSON,
		&e.RetryCount, &e.FirstFailedAt, &e.LastFailedAt, &e.CreatedAt,
		&e.ReprocessedAt, &e.ReprocessedBy)
	if err != nil {
		return nil, err
	}
	if len(variablesJSON) > 0 {
		_ = json.Unmarshal(variablesJSON, &e.Variables)
	}
	if len(detailsJSON) > 0 {
		_ = json.Unmarshal(detailsJSON, &e.ErrorDetails)
	}
	return e, nil
}

// ListEntries returns DLQ entries, newest first. workflowID filters when
// non-empty; pendingOnly hides reprocessed entries.
func (m *Manager) ListEntries(ctx context.Context, workflowID string, pendingOnly bool, limit, offset int) ([]*models.DLQEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := m.db.Query(ctx, `
		SELECT `+dlqColumns+`
		FROM orchestrator_dead_letter
		WHERE ($1 = '' OR workflow_id = $1)
		  AND (NOT $2 OR reprocessed_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		workflowID, pendingOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.DLQEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetEntry returns one DLQ entry or apperrors.ErrNotFound.
func (m *Manager) GetEntry(ctx context.Context, id uuid.UUID) (*models.DLQEntry, error) {
	e, err := scanEntry(m.db.QueryRow(ctx, `
		SELECT `+dlqColumns+` FROM orchestrator_dead_letter WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dead letter entry %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter entry: %w", err)
	}
	return e, nil
}

// RetryFromDLQ reprocesses a dead-lettered job: a fresh pending job with
// retry_count=0 is inserted and the entry is marked reprocessed by actor,
// all in one transaction. Returns the new job id. A second call for the
// same entry fails with apperrors.ErrAlreadyReprocessed.
func (m *Manager) RetryFromDLQ(ctx context.Context, entryID uuid.UUID, reprocessedBy string) (uuid.UUID, error) {
	entry, err := m.GetEntry(ctx, entryID)
	if err != nil {
		return uuid.Nil, err
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Conditional update doubles as the reprocessed-once guard.
	tag, err := tx.Exec(ctx, `
		UPDATE orchestrator_dead_letter
		SET reprocessed_at = now(), reprocessed_by = $2
		WHERE id = $1 AND reprocessed_at IS NULL`,
		entryID, reprocessedBy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to mark entry reprocessed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, fmt.Errorf("dead letter entry %s: %w", entryID, apperrors.ErrAlreadyReprocessed)
	}

	variablesJSON, err := json.Marshal(entry.Variables)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	newJobID := uuid.New()
	_, err = tx.Exec(ctx, `
		INSERT INTO orchestrator_jobs (
			id, workflow_id, workflow_name, workflow_json,
			priority, status, environment, retry_count, variables
		) VALUES ($1, $2, $3, $4, 10, 'pending', 'default', 0, $5)`,
		newJobID, entry.WorkflowID, entry.WorkflowName, entry.WorkflowJSON, variablesJSON)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert reprocessed job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit reprocess: %w", err)
	}

	m.logger.Info("dead letter entry reprocessed",
		zap.String("entry_id", entryID.String()),
		zap.String("new_job_id", newJobID.String()),
		zap.String("reprocessed_by", reprocessedBy))
	return newJobID, nil
}

// Stats returns totals over the dead-letter table, optionally filtered by
// workflow.
func (m *Manager) Stats(ctx context.Context, workflowID string) (*models.DLQStats, error) {
	stats := &models.DLQStats{ByWorkflow: make(map[string]int)}

	err := m.db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE reprocessed_at IS NULL),
		       count(*) FILTER (WHERE reprocessed_at IS NOT NULL)
		FROM orchestrator_dead_letter
		WHERE ($1 = '' OR workflow_id = $1)`,
		workflowID).Scan(&stats.Total, &stats.Pending, &stats.Reprocessed)
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter stats: %w", err)
	}

	rows, err := m.db.Query(ctx, `
		SELECT workflow_id, count(*)
		FROM orchestrator_dead_letter
		WHERE ($1 = '' OR workflow_id = $1)
		GROUP BY workflow_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get per-workflow stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var wf string
		var count int
		if err := rows.Scan(&wf, &count); err != nil {
			return nil, err
		}
		stats.ByWorkflow[wf] = count
	}
	return stats, rows.Err()
}

// PurgeReprocessed deletes reprocessed entries older than the given number
// of days and returns the count removed.
func (m *Manager) PurgeReprocessed(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("%w: older_than_days must be >= 1", apperrors.ErrValidation)
	}
	tag, err := m.db.Exec(ctx, `
		DELETE FROM orchestrator_dead_letter
		WHERE reprocessed_at IS NOT NULL
		  AND reprocessed_at < now() - make_interval(days => $1)`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to purge reprocessed entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteEntry removes a single entry regardless of its reprocessed state.
func (m *Manager) DeleteEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := m.db.Exec(ctx, `DELETE FROM orchestrator_dead_letter WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete dead letter entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
