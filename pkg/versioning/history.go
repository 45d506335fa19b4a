package versioning

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// VersionHistory is the ordered version list for one workflow. All methods
// are safe for concurrent use; the store persists snapshots of it.
type VersionHistory struct {
	mu         sync.RWMutex
	workflowID string
	versions   []*WorkflowVersion // sorted ascending by SemVer
}

// NewVersionHistory creates an empty history for a workflow.
func NewVersionHistory(workflowID string) *VersionHistory {
	return &VersionHistory{workflowID: workflowID}
}

// WorkflowID returns the workflow this history belongs to.
func (h *VersionHistory) WorkflowID() string { return h.workflowID }

// Versions returns the versions sorted ascending by SemVer.
func (h *VersionHistory) Versions() []*WorkflowVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*WorkflowVersion(nil), h.versions...)
}

// Latest returns the highest version, or nil for an empty history.
func (h *VersionHistory) Latest() *WorkflowVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.versions) == 0 {
		return nil
	}
	return h.versions[len(h.versions)-1]
}

// Active returns the single active version, or nil when none is active.
func (h *VersionHistory) Active() *WorkflowVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.activeLocked()
}

func (h *VersionHistory) activeLocked() *WorkflowVersion {
	for _, v := range h.versions {
		if v.Status == VersionStatusActive {
			return v
		}
	}
	return nil
}

// Get returns the entry for an exact version, or nil.
func (h *VersionHistory) Get(version SemVer) *WorkflowVersion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.getLocked(version)
}

func (h *VersionHistory) getLocked(version SemVer) *WorkflowVersion {
	for _, v := range h.versions {
		if v.Version.Equal(version) {
			return v
		}
	}
	return nil
}

// Add inserts an existing version record, keeping the list sorted. Used
// when rehydrating a history from the store.
func (h *VersionHistory) Add(v *WorkflowVersion) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.getLocked(v.Version) != nil {
		return fmt.Errorf("%w: version %s already exists for workflow %s",
			apperrors.ErrConflict, v.Version, h.workflowID)
	}
	h.versions = append(h.versions, v)
	sort.Slice(h.versions, func(i, j int) bool {
		return h.versions[i].Version.LessThan(h.versions[j].Version)
	})
	return nil
}

// CreateNewVersion bumps off the latest version (or starts at 1.0.0 for an
// empty history) and stores the workflow as a draft.
func (h *VersionHistory) CreateNewVersion(wf *models.Workflow, bump BumpType, changeSummary, createdBy string) (*WorkflowVersion, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var next SemVer
	var parent *SemVer
	if len(h.versions) == 0 {
		next = InitialVersion()
	} else {
		latest := h.versions[len(h.versions)-1]
		bumped, err := latest.Version.Bump(bump)
		if err != nil {
			return nil, err
		}
		next = bumped
		p := latest.Version
		parent = &p
	}

	v := &WorkflowVersion{
		ID:            uuid.New(),
		WorkflowID:    h.workflowID,
		Version:       next,
		Status:        VersionStatusDraft,
		ParentVersion: parent,
		CreatedBy:     createdBy,
		ChangeSummary: changeSummary,
		Checksum:      Checksum(wf),
		Workflow:      wf,
		CreatedAt:     time.Now().UTC(),
	}
	h.versions = append(h.versions, v)
	return v, nil
}

// ActivateVersion promotes the given version to active and demotes the
// previously active version to deprecated.
func (h *VersionHistory) ActivateVersion(version SemVer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	target := h.getLocked(version)
	if target == nil {
		return fmt.Errorf("version %s of workflow %s: %w", version, h.workflowID, apperrors.ErrNotFound)
	}
	if target.Status == VersionStatusActive {
		return nil
	}
	if !CanTransition(target.Status, VersionStatusActive) {
		return fmt.Errorf("%w: cannot activate version %s from status %s",
			apperrors.ErrValidation, version, target.Status)
	}

	if current := h.activeLocked(); current != nil {
		current.Status = VersionStatusDeprecated
	}
	target.Status = VersionStatusActive
	return nil
}

// ArchiveVersion moves a deprecated version to its terminal state.
func (h *VersionHistory) ArchiveVersion(version SemVer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	target := h.getLocked(version)
	if target == nil {
		return fmt.Errorf("version %s of workflow %s: %w", version, h.workflowID, apperrors.ErrNotFound)
	}
	return target.Transition(VersionStatusArchived)
}

// CanRollbackTo reports whether the active version can safely be replaced
// by the given earlier version: the target must exist, must not be
// archived, and must not break compatibility against the current active
// version.
func (h *VersionHistory) CanRollbackTo(version SemVer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	target := h.getLocked(version)
	if target == nil || target.Status == VersionStatusArchived {
		return false
	}
	active := h.activeLocked()
	if active == nil || active.Workflow == nil || target.Workflow == nil {
		return true
	}
	return CheckCompatibility(active.Workflow, target.Workflow).IsCompatible
}

// historySnapshot is the serialized form of a history.
type historySnapshot struct {
	WorkflowID string             `json:"workflow_id"`
	Versions   []*WorkflowVersion `json:"versions"`
}

// MarshalJSON encodes the history with its sorted version list.
func (h *VersionHistory) MarshalJSON() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return json.Marshal(historySnapshot{WorkflowID: h.workflowID, Versions: h.versions})
}

// UnmarshalJSON decodes a history snapshot, restoring sort order.
func (h *VersionHistory) UnmarshalJSON(data []byte) error {
	var snap historySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workflowID = snap.WorkflowID
	h.versions = snap.Versions
	sort.Slice(h.versions, func(i, j int) bool {
		return h.versions[i].Version.LessThan(h.versions[j].Version)
	})
	return nil
}
