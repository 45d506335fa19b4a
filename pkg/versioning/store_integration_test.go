package versioning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/testhelpers"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	tdb := testhelpers.GetOrchestratorDB(t)
	tdb.TruncateAll(t)
	return NewStore(tdb.DB, zap.NewNop())
}

func storedVersion(workflowID, version string, status VersionStatus) *WorkflowVersion {
	wf := httpWorkflow("A", "B")
	return &WorkflowVersion{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		Version:       MustSemVer(version),
		Status:        status,
		CreatedBy:     "alice",
		ChangeSummary: "initial",
		Checksum:      Checksum(wf),
		Workflow:      wf,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestIntegration_SaveAndGetVersion(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	v := storedVersion("wf-store", "1.0.0", VersionStatusDraft)
	parent := MustSemVer("0.9.0")
	v.ParentVersion = &parent
	require.NoError(t, store.SaveVersion(ctx, v))

	got, err := store.GetVersion(ctx, "wf-store", MustSemVer("1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, VersionStatusDraft, got.Status)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, v.Checksum, got.Checksum)
	require.NotNil(t, got.ParentVersion)
	assert.Equal(t, "0.9.0", got.ParentVersion.String())
	require.NotNil(t, got.Workflow)
	assert.Len(t, got.Workflow.Nodes, 2)

	_, err = store.GetVersion(ctx, "wf-store", MustSemVer("9.9.9"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIntegration_SaveVersionConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, storedVersion("wf-dup", "1.0.0", VersionStatusDraft)))
	err := store.SaveVersion(ctx, storedVersion("wf-dup", "1.0.0", VersionStatusDraft))
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// Same version string under another workflow is fine.
	require.NoError(t, store.SaveVersion(ctx, storedVersion("wf-other", "1.0.0", VersionStatusDraft)))
}

func TestIntegration_ActivateVersionDemotesPrior(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, storedVersion("wf-act", "1.0.0", VersionStatusDraft)))
	require.NoError(t, store.SaveVersion(ctx, storedVersion("wf-act", "1.1.0", VersionStatusDraft)))

	require.NoError(t, store.ActivateVersion(ctx, "wf-act", MustSemVer("1.0.0")))
	require.NoError(t, store.ActivateVersion(ctx, "wf-act", MustSemVer("1.1.0")))

	history, err := store.LoadHistory(ctx, "wf-act")
	require.NoError(t, err)
	assert.Equal(t, VersionStatusDeprecated, history.Get(MustSemVer("1.0.0")).Status)
	assert.Equal(t, VersionStatusActive, history.Get(MustSemVer("1.1.0")).Status)
	assert.Equal(t, "1.1.0", history.Active().Version.String())

	// Re-activating the active version is a no-op.
	require.NoError(t, store.ActivateVersion(ctx, "wf-act", MustSemVer("1.1.0")))

	assert.ErrorIs(t, store.ActivateVersion(ctx, "wf-act", MustSemVer("9.9.9")), apperrors.ErrNotFound)
}

func TestIntegration_ArchiveVersion(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveVersion(ctx, storedVersion("wf-arc", "1.0.0", VersionStatusDraft)))
	require.NoError(t, store.SaveVersion(ctx, storedVersion("wf-arc", "1.1.0", VersionStatusDraft)))
	require.NoError(t, store.ActivateVersion(ctx, "wf-arc", MustSemVer("1.0.0")))
	require.NoError(t, store.ActivateVersion(ctx, "wf-arc", MustSemVer("1.1.0")))

	// Only deprecated versions can be archived.
	assert.ErrorIs(t, store.ArchiveVersion(ctx, "wf-arc", MustSemVer("1.1.0")), apperrors.ErrValidation)
	require.NoError(t, store.ArchiveVersion(ctx, "wf-arc", MustSemVer("1.0.0")))

	// Archived is terminal; activation is refused.
	assert.ErrorIs(t, store.ActivateVersion(ctx, "wf-arc", MustSemVer("1.0.0")), apperrors.ErrValidation)
}

func TestIntegration_LoadHistoryUnknownWorkflow(t *testing.T) {
	store := setupStore(t)

	history, err := store.LoadHistory(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Empty(t, history.Versions())
	assert.Nil(t, history.Latest())
}
