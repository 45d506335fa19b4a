package versioning

import (
	"fmt"

	"github.com/casare-rpa/orchestrator/pkg/models"
)

// BreakingChangeKind classifies one structural incompatibility.
type BreakingChangeKind string

const (
	NodeRemoved         BreakingChangeKind = "NODE_REMOVED"
	NodeTypeChanged     BreakingChangeKind = "NODE_TYPE_CHANGED"
	PortRemoved         BreakingChangeKind = "PORT_REMOVED"
	PortTypeChanged     BreakingChangeKind = "PORT_TYPE_CHANGED"
	RequiredPortAdded   BreakingChangeKind = "REQUIRED_PORT_ADDED"
	ConnectionBroken    BreakingChangeKind = "CONNECTION_BROKEN"
	VariableRemoved     BreakingChangeKind = "VARIABLE_REMOVED"
	VariableTypeChanged BreakingChangeKind = "VARIABLE_TYPE_CHANGED"
	SettingRemoved      BreakingChangeKind = "SETTING_REMOVED"
)

// Severity splits breaking changes into hard errors and advisories.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// BreakingChange is one detected incompatibility between two versions.
type BreakingChange struct {
	Kind        BreakingChangeKind `json:"kind"`
	Severity    Severity           `json:"severity"`
	Subject     string             `json:"subject"`
	Description string             `json:"description"`
}

// CompatibilityResult is the outcome of comparing a candidate version
// against a baseline.
type CompatibilityResult struct {
	IsCompatible      bool             `json:"is_compatible"`
	BreakingChanges   []BreakingChange `json:"breaking_changes"`
	Warnings          []BreakingChange `json:"warnings"`
	MigrationRequired bool             `json:"migration_required"`
	AutoMigratable    bool             `json:"auto_migratable"`
}

// CheckCompatibility classifies the structural diff from old to new into
// breaking changes. Errors make the result incompatible; removed or
// retyped nodes additionally rule out automatic migration.
func CheckCompatibility(oldWF, newWF *models.Workflow) *CompatibilityResult {
	diff := Diff(oldWF, newWF)
	result := &CompatibilityResult{
		BreakingChanges: []BreakingChange{},
		Warnings:        []BreakingChange{},
		AutoMigratable:  true,
	}

	add := func(c BreakingChange) {
		if c.Severity == SeverityError {
			result.BreakingChanges = append(result.BreakingChanges, c)
		} else {
			result.Warnings = append(result.Warnings, c)
		}
	}

	for _, id := range diff.NodesRemoved {
		add(BreakingChange{
			Kind:        NodeRemoved,
			Severity:    SeverityError,
			Subject:     id,
			Description: fmt.Sprintf("node %q was removed", id),
		})
		result.AutoMigratable = false
	}

	for _, id := range diff.NodesModified {
		oldNode := oldWF.Nodes[id]
		newNode := newWF.Nodes[id]

		if oldNode.Type != newNode.Type {
			add(BreakingChange{
				Kind:        NodeTypeChanged,
				Severity:    SeverityError,
				Subject:     id,
				Description: fmt.Sprintf("node %q changed type from %q to %q", id, oldNode.Type, newNode.Type),
			})
			result.AutoMigratable = false
			continue
		}

		for port, oldPort := range oldNode.Inputs {
			newPort, ok := newNode.Inputs[port]
			if !ok {
				add(BreakingChange{
					Kind:        PortRemoved,
					Severity:    SeverityError,
					Subject:     id + "." + port,
					Description: fmt.Sprintf("input port %q was removed from node %q", port, id),
				})
				continue
			}
			if oldPort.Type != newPort.Type {
				add(BreakingChange{
					Kind:        PortTypeChanged,
					Severity:    SeverityError,
					Subject:     id + "." + port,
					Description: fmt.Sprintf("input port %q on node %q changed type from %q to %q", port, id, oldPort.Type, newPort.Type),
				})
			}
		}
		for port, newPort := range newNode.Inputs {
			if _, ok := oldNode.Inputs[port]; !ok && newPort.Required {
				add(BreakingChange{
					Kind:        RequiredPortAdded,
					Severity:    SeverityError,
					Subject:     id + "." + port,
					Description: fmt.Sprintf("node %q gained required input port %q", id, port),
				})
			}
		}
		for port, oldPort := range oldNode.Outputs {
			if newPort, ok := newNode.Outputs[port]; ok && oldPort.Type != newPort.Type {
				add(BreakingChange{
					Kind:        PortTypeChanged,
					Severity:    SeverityError,
					Subject:     id + "." + port,
					Description: fmt.Sprintf("output port %q on node %q changed type from %q to %q", port, id, oldPort.Type, newPort.Type),
				})
			}
		}
	}

	for _, c := range diff.ConnectionsRemoved {
		add(BreakingChange{
			Kind:     ConnectionBroken,
			Severity: SeverityWarning,
			Subject:  fmt.Sprintf("%s.%s -> %s.%s", c.SourceNode, c.SourcePort, c.TargetNode, c.TargetPort),
			Description: fmt.Sprintf("connection from %s.%s to %s.%s was removed",
				c.SourceNode, c.SourcePort, c.TargetNode, c.TargetPort),
		})
	}

	for _, name := range diff.VariablesRemoved {
		add(BreakingChange{
			Kind:        VariableRemoved,
			Severity:    SeverityWarning,
			Subject:     name,
			Description: fmt.Sprintf("variable %q was removed", name),
		})
	}
	for _, name := range diff.VariablesModified {
		oldKind := jsonKind(oldWF.Variables[name])
		newKind := jsonKind(newWF.Variables[name])
		if oldKind != newKind {
			add(BreakingChange{
				Kind:        VariableTypeChanged,
				Severity:    SeverityError,
				Subject:     name,
				Description: fmt.Sprintf("variable %q changed type from %s to %s", name, oldKind, newKind),
			})
		}
	}

	for key, change := range diff.SettingsChanged {
		if change.New == nil && change.Old != nil {
			add(BreakingChange{
				Kind:        SettingRemoved,
				Severity:    SeverityWarning,
				Subject:     key,
				Description: fmt.Sprintf("setting %q was removed", key),
			})
		}
	}

	result.IsCompatible = len(result.BreakingChanges) == 0
	result.MigrationRequired = !diff.IsEmpty() && (!result.IsCompatible || len(result.Warnings) > 0)
	return result
}
