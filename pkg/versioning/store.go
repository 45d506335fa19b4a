package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/database"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

const pgUniqueViolation = "23505"

// Store persists workflow versions in the queue store. The history type
// holds the lifecycle rules; the store enforces the cross-process pieces
// (version uniqueness, single active version) through its schema.
type Store struct {
	db     *database.DB
	logger *zap.Logger
}

// NewStore creates a version store over an established pool.
func NewStore(db *database.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("version_store")}
}

const insertVersionSQL = `
	INSERT INTO orchestrator_workflow_versions (
		id, workflow_id, version, status, parent_version,
		created_by, change_summary, checksum, workflow_json, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// SaveVersion inserts a version record. A duplicate (workflow_id, version)
// pair returns ErrConflict.
func (s *Store) SaveVersion(ctx context.Context, v *WorkflowVersion) error {
	workflowJSON, err := json.Marshal(v.Workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	var parent *string
	if v.ParentVersion != nil {
		p := v.ParentVersion.String()
		parent = &p
	}

	_, err = s.db.Exec(ctx, insertVersionSQL,
		v.ID, v.WorkflowID, v.Version.String(), string(v.Status), parent,
		v.CreatedBy, v.ChangeSummary, v.Checksum, workflowJSON, v.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: version %s of workflow %s already exists",
				apperrors.ErrConflict, v.Version, v.WorkflowID)
		}
		return fmt.Errorf("failed to save workflow version: %w", err)
	}

	s.logger.Info("workflow version saved",
		zap.String("workflow_id", v.WorkflowID),
		zap.String("version", v.Version.String()),
		zap.String("checksum", v.Checksum))
	return nil
}

const selectVersionSQL = `
	SELECT id, workflow_id, version, status, parent_version,
	       created_by, change_summary, checksum, workflow_json, created_at
	FROM orchestrator_workflow_versions`

// LoadHistory rehydrates the full version history for a workflow. An
// unknown workflow yields an empty history, not an error.
func (s *Store) LoadHistory(ctx context.Context, workflowID string) (*VersionHistory, error) {
	rows, err := s.db.Query(ctx, selectVersionSQL+` WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load version history: %w", err)
	}
	defer rows.Close()

	history := NewVersionHistory(workflowID)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		if err := history.Add(v); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load version history: %w", err)
	}
	return history, nil
}

// GetVersion returns one stored version, or ErrNotFound.
func (s *Store) GetVersion(ctx context.Context, workflowID string, version SemVer) (*WorkflowVersion, error) {
	rows, err := s.db.Query(ctx, selectVersionSQL+` WHERE workflow_id = $1 AND version = $2`,
		workflowID, version.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow version: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get workflow version: %w", err)
		}
		return nil, fmt.Errorf("version %s of workflow %s: %w", version, workflowID, apperrors.ErrNotFound)
	}
	return scanVersion(rows)
}

// ActivateVersion promotes the stored version to active and demotes the
// current active one to deprecated, in one transaction. The partial unique
// index on (workflow_id) WHERE status='active' backs this invariant across
// processes.
func (s *Store) ActivateVersion(ctx context.Context, workflowID string, version SemVer) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM orchestrator_workflow_versions
		WHERE workflow_id = $1 AND version = $2
		FOR UPDATE`, workflowID, version.String()).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("version %s of workflow %s: %w", version, workflowID, apperrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock workflow version: %w", err)
	}
	if VersionStatus(status) == VersionStatusActive {
		return nil
	}
	if !CanTransition(VersionStatus(status), VersionStatusActive) {
		return fmt.Errorf("%w: cannot activate version %s from status %s",
			apperrors.ErrValidation, version, status)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orchestrator_workflow_versions
		SET status = 'deprecated'
		WHERE workflow_id = $1 AND status = 'active'`, workflowID); err != nil {
		return fmt.Errorf("failed to demote active version: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orchestrator_workflow_versions
		SET status = 'active'
		WHERE workflow_id = $1 AND version = $2`, workflowID, version.String()); err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}

	s.logger.Info("workflow version activated",
		zap.String("workflow_id", workflowID),
		zap.String("version", version.String()))
	return nil
}

// ArchiveVersion moves a deprecated version to its terminal state.
func (s *Store) ArchiveVersion(ctx context.Context, workflowID string, version SemVer) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE orchestrator_workflow_versions
		SET status = 'archived'
		WHERE workflow_id = $1 AND version = $2 AND status = 'deprecated'`,
		workflowID, version.String())
	if err != nil {
		return fmt.Errorf("failed to archive version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: version %s of workflow %s is not deprecated",
			apperrors.ErrValidation, version, workflowID)
	}
	return nil
}

func scanVersion(rows pgx.Rows) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var versionStr, status string
	var parent *string
	var workflowJSON []byte

	if err := rows.Scan(&v.ID, &v.WorkflowID, &versionStr, &status, &parent,
		&v.CreatedBy, &v.ChangeSummary, &v.Checksum, &workflowJSON, &v.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan workflow version: %w", err)
	}

	parsed, err := ParseSemVer(versionStr)
	if err != nil {
		return nil, err
	}
	v.Version = parsed
	v.Status = VersionStatus(status)

	if parent != nil {
		p, err := ParseSemVer(*parent)
		if err != nil {
			return nil, err
		}
		v.ParentVersion = &p
	}
	if len(workflowJSON) > 0 {
		wf := &models.Workflow{}
		if err := json.Unmarshal(workflowJSON, wf); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		v.Workflow = wf
	}
	return v, nil
}
