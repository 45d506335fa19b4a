package versioning

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

func httpWorkflow(nodes ...string) *models.Workflow {
	wf := &models.Workflow{
		Metadata: models.WorkflowMetadata{Name: "invoice-sync"},
		Nodes:    map[string]models.WorkflowNode{},
	}
	for _, id := range nodes {
		wf.Nodes[id] = models.WorkflowNode{Type: "Http"}
	}
	return wf
}

func TestCreateNewVersion_StartsAtInitial(t *testing.T) {
	h := NewVersionHistory("wf-1")

	v, err := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "first", "alice")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", v.Version.String())
	assert.Equal(t, VersionStatusDraft, v.Status)
	assert.Nil(t, v.ParentVersion)
	assert.Equal(t, "alice", v.CreatedBy)
	assert.Len(t, v.Checksum, 16)
}

func TestCreateNewVersion_BumpsOffLatest(t *testing.T) {
	h := NewVersionHistory("wf-1")

	_, err := h.CreateNewVersion(httpWorkflow("A"), BumpPatch, "", "")
	require.NoError(t, err)

	minor, err := h.CreateNewVersion(httpWorkflow("A", "B"), BumpMinor, "added B", "")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", minor.Version.String())
	require.NotNil(t, minor.ParentVersion)
	assert.Equal(t, "1.0.0", minor.ParentVersion.String())

	major, err := h.CreateNewVersion(httpWorkflow("B"), BumpMajor, "removed A", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", major.Version.String())
}

func TestActivateVersion_DemotesPriorActive(t *testing.T) {
	h := NewVersionHistory("wf-1")
	v1, _ := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "", "")
	v2, _ := h.CreateNewVersion(httpWorkflow("A", "B"), BumpMinor, "", "")

	require.NoError(t, h.ActivateVersion(v1.Version))
	assert.Equal(t, VersionStatusActive, h.Get(v1.Version).Status)

	require.NoError(t, h.ActivateVersion(v2.Version))
	assert.Equal(t, VersionStatusActive, h.Get(v2.Version).Status)
	assert.Equal(t, VersionStatusDeprecated, h.Get(v1.Version).Status)
	assert.Equal(t, v2.Version.String(), h.Active().Version.String())

	// Reactivating a deprecated version is allowed and demotes the active.
	require.NoError(t, h.ActivateVersion(v1.Version))
	assert.Equal(t, VersionStatusActive, h.Get(v1.Version).Status)
	assert.Equal(t, VersionStatusDeprecated, h.Get(v2.Version).Status)
}

func TestActivateVersion_Errors(t *testing.T) {
	h := NewVersionHistory("wf-1")
	v1, _ := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "", "")

	assert.ErrorIs(t, h.ActivateVersion(MustSemVer("9.9.9")), apperrors.ErrNotFound)

	// Activating the already-active version is a no-op.
	require.NoError(t, h.ActivateVersion(v1.Version))
	require.NoError(t, h.ActivateVersion(v1.Version))
}

func TestLifecycle_ArchivedIsTerminal(t *testing.T) {
	h := NewVersionHistory("wf-1")
	v1, _ := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "", "")
	v2, _ := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "", "")
	require.NoError(t, h.ActivateVersion(v1.Version))
	require.NoError(t, h.ActivateVersion(v2.Version)) // v1 now deprecated

	require.NoError(t, h.ArchiveVersion(v1.Version))
	assert.Equal(t, VersionStatusArchived, h.Get(v1.Version).Status)

	assert.ErrorIs(t, h.ActivateVersion(v1.Version), apperrors.ErrValidation)
	assert.ErrorIs(t, h.ArchiveVersion(v2.Version), apperrors.ErrValidation) // active, not deprecated
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(VersionStatusDraft, VersionStatusActive))
	assert.True(t, CanTransition(VersionStatusActive, VersionStatusDeprecated))
	assert.True(t, CanTransition(VersionStatusDeprecated, VersionStatusArchived))
	assert.True(t, CanTransition(VersionStatusDeprecated, VersionStatusActive))

	assert.False(t, CanTransition(VersionStatusDraft, VersionStatusDeprecated))
	assert.False(t, CanTransition(VersionStatusArchived, VersionStatusActive))
	assert.False(t, CanTransition(VersionStatusActive, VersionStatusDraft))
}

func TestVersions_SortedBySemVer(t *testing.T) {
	h := NewVersionHistory("wf-1")
	for _, raw := range []string{"2.0.0", "1.0.0", "1.10.0", "1.2.0"} {
		require.NoError(t, h.Add(&WorkflowVersion{WorkflowID: "wf-1", Version: MustSemVer(raw), Status: VersionStatusDraft}))
	}

	var got []string
	for _, v := range h.Versions() {
		got = append(got, v.Version.String())
	}
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0", "2.0.0"}, got)
	assert.Equal(t, "2.0.0", h.Latest().Version.String())
}

func TestAdd_RejectsDuplicateVersion(t *testing.T) {
	h := NewVersionHistory("wf-1")
	require.NoError(t, h.Add(&WorkflowVersion{Version: MustSemVer("1.0.0")}))
	assert.ErrorIs(t, h.Add(&WorkflowVersion{Version: MustSemVer("1.0.0")}), apperrors.ErrConflict)
}

func TestCanRollbackTo(t *testing.T) {
	h := NewVersionHistory("wf-1")
	v1, _ := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "", "")
	v2, _ := h.CreateNewVersion(httpWorkflow("A", "B"), BumpMinor, "", "")
	v3, _ := h.CreateNewVersion(httpWorkflow("A", "B", "C"), BumpMinor, "added C", "")

	require.NoError(t, h.ActivateVersion(v2.Version))

	// v1 lacks node B relative to the active v2: breaking, no rollback.
	assert.False(t, h.CanRollbackTo(v1.Version))
	assert.False(t, h.CanRollbackTo(MustSemVer("9.9.9")), "unknown version")
	// v3 is a superset of the active version: nothing breaks.
	assert.True(t, h.CanRollbackTo(v3.Version))

	// Archived versions are never a rollback target.
	require.NoError(t, h.ActivateVersion(v3.Version))
	require.NoError(t, h.ArchiveVersion(v2.Version))
	assert.False(t, h.CanRollbackTo(v2.Version))
}

func TestVersionHistory_JSONRoundTrip(t *testing.T) {
	h := NewVersionHistory("wf-1")
	_, err := h.CreateNewVersion(httpWorkflow("A"), BumpMinor, "first", "alice")
	require.NoError(t, err)
	_, err = h.CreateNewVersion(httpWorkflow("A", "B"), BumpMinor, "second", "bob")
	require.NoError(t, err)

	data, err := json.Marshal(h)
	require.NoError(t, err)

	decoded := &VersionHistory{}
	require.NoError(t, json.Unmarshal(data, decoded))

	assert.Equal(t, h.WorkflowID(), decoded.WorkflowID())
	require.Len(t, decoded.Versions(), 2)
	for i, v := range h.Versions() {
		dv := decoded.Versions()[i]
		assert.True(t, v.Version.Equal(dv.Version))
		assert.Equal(t, v.Status, dv.Status)
		assert.Equal(t, v.Checksum, dv.Checksum)
		assert.Equal(t, v.ChangeSummary, dv.ChangeSummary)
	}
}
