package versioning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// VersionStatus is the lifecycle state of a workflow version.
// State machine:
//
//	draft → active → deprecated → {archived, active}
//
// archived is terminal. At most one active version exists per workflow.
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "draft"
	VersionStatusActive     VersionStatus = "active"
	VersionStatusDeprecated VersionStatus = "deprecated"
	VersionStatusArchived   VersionStatus = "archived"
)

// ValidVersionStatuses contains all valid version status values.
var ValidVersionStatuses = []VersionStatus{
	VersionStatusDraft,
	VersionStatusActive,
	VersionStatusDeprecated,
	VersionStatusArchived,
}

// IsValidVersionStatus checks if the given status is valid.
func IsValidVersionStatus(s VersionStatus) bool {
	for _, v := range ValidVersionStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the lifecycle permits from → to.
func CanTransition(from, to VersionStatus) bool {
	switch from {
	case VersionStatusDraft:
		return to == VersionStatusActive
	case VersionStatusActive:
		return to == VersionStatusDeprecated
	case VersionStatusDeprecated:
		return to == VersionStatusArchived || to == VersionStatusActive
	default:
		return false
	}
}

// WorkflowVersion captures a complete serialized workflow at a point in
// time.
type WorkflowVersion struct {
	ID            uuid.UUID     `json:"id"`
	WorkflowID    string        `json:"workflow_id"`
	Version       SemVer        `json:"version"`
	Status        VersionStatus `json:"status"`
	ParentVersion *SemVer       `json:"parent_version,omitempty"`
	CreatedBy     string        `json:"created_by"`
	ChangeSummary string        `json:"change_summary"`
	Checksum      string        `json:"checksum"`
	Workflow      *models.Workflow `json:"workflow"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Transition moves the version to a new lifecycle state, rejecting
// transitions the state machine does not permit.
func (v *WorkflowVersion) Transition(to VersionStatus) error {
	if !CanTransition(v.Status, to) {
		return fmt.Errorf("%w: cannot transition version %s from %s to %s",
			apperrors.ErrValidation, v.Version, v.Status, to)
	}
	v.Status = to
	return nil
}

// Checksum returns the first 16 hex characters of SHA-256 over the
// canonical encoding of nodes, connections, variables, and settings.
// Metadata is excluded so renaming a workflow does not change its content
// identity.
func Checksum(w *models.Workflow) string {
	connections := append([]models.WorkflowConnection(nil), w.Connections...)
	sort.Slice(connections, func(i, j int) bool {
		return connectionLess(connections[i], connections[j])
	})

	canonical := struct {
		Nodes       map[string]models.WorkflowNode `json:"nodes"`
		Connections []models.WorkflowConnection    `json:"connections"`
		Variables   map[string]any                 `json:"variables"`
		Settings    map[string]any                 `json:"settings"`
	}{
		Nodes:       w.Nodes,
		Connections: connections,
		Variables:   w.Variables,
		Settings:    w.Settings,
	}

	// encoding/json sorts map keys, so the encoding is canonical given
	// sorted connections.
	raw, err := json.Marshal(canonical)
	if err != nil {
		raw = []byte{}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

func connectionLess(a, b models.WorkflowConnection) bool {
	if a.SourceNode != b.SourceNode {
		return a.SourceNode < b.SourceNode
	}
	if a.SourcePort != b.SourcePort {
		return a.SourcePort < b.SourcePort
	}
	if a.TargetNode != b.TargetNode {
		return a.TargetNode < b.TargetNode
	}
	return a.TargetPort < b.TargetPort
}
