package queue

import (
	"context"
	"fmt"

	"github.com/casare-rpa/orchestrator/pkg/database"
)

// Schema DDL mirrors the migrations; consumers and the DLQ manager assert it
// at startup so a robot can run against a fresh database without the
// orchestrator's migration step. All statements are IF NOT EXISTS and safe
// to re-run.

const jobTableDDL = `
	CREATE TABLE IF NOT EXISTS orchestrator_jobs (
		id UUID PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL,
		workflow_json TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'pending',
		robot_id TEXT,
		environment TEXT NOT NULL DEFAULT 'default',
		visible_after TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		result JSONB,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		variables JSONB NOT NULL DEFAULT '{}'::jsonb,
		pinned_robot_id TEXT
	)`

const jobClaimIndexDDL = `
	CREATE INDEX IF NOT EXISTS idx_orchestrator_jobs_claim
	ON orchestrator_jobs (status, visible_after, priority DESC)
	WHERE status = 'pending'`

// EnsureJobTable creates the job table and its claim index if absent.
func EnsureJobTable(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, jobTableDDL); err != nil {
		return fmt.Errorf("failed to ensure job table: %w", err)
	}
	if _, err := db.Exec(ctx, jobClaimIndexDDL); err != nil {
		return fmt.Errorf("failed to ensure job claim index: %w", err)
	}
	return nil
}
