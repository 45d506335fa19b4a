package versioning

import (
	"reflect"
	"sort"

	"github.com/casare-rpa/orchestrator/pkg/models"
)

// SettingChange records an old/new pair for one changed setting key.
type SettingChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// WorkflowDiff is the structural difference between two workflow documents,
// computed per category. Slices are sorted for deterministic output.
type WorkflowDiff struct {
	NodesAdded    []string `json:"nodes_added,omitempty"`
	NodesRemoved  []string `json:"nodes_removed,omitempty"`
	NodesModified []string `json:"nodes_modified,omitempty"`

	ConnectionsAdded   []models.WorkflowConnection `json:"connections_added,omitempty"`
	ConnectionsRemoved []models.WorkflowConnection `json:"connections_removed,omitempty"`

	VariablesAdded    []string `json:"variables_added,omitempty"`
	VariablesRemoved  []string `json:"variables_removed,omitempty"`
	VariablesModified []string `json:"variables_modified,omitempty"`

	SettingsChanged map[string]SettingChange `json:"settings_changed,omitempty"`
}

// IsEmpty reports whether the two documents were structurally identical.
func (d *WorkflowDiff) IsEmpty() bool {
	return len(d.NodesAdded) == 0 && len(d.NodesRemoved) == 0 && len(d.NodesModified) == 0 &&
		len(d.ConnectionsAdded) == 0 && len(d.ConnectionsRemoved) == 0 &&
		len(d.VariablesAdded) == 0 && len(d.VariablesRemoved) == 0 && len(d.VariablesModified) == 0 &&
		len(d.SettingsChanged) == 0
}

// Diff computes the structural difference from old to new.
func Diff(oldWF, newWF *models.Workflow) *WorkflowDiff {
	d := &WorkflowDiff{SettingsChanged: map[string]SettingChange{}}

	for id, newNode := range newWF.Nodes {
		oldNode, ok := oldWF.Nodes[id]
		if !ok {
			d.NodesAdded = append(d.NodesAdded, id)
			continue
		}
		if !reflect.DeepEqual(oldNode, newNode) {
			d.NodesModified = append(d.NodesModified, id)
		}
	}
	for id := range oldWF.Nodes {
		if _, ok := newWF.Nodes[id]; !ok {
			d.NodesRemoved = append(d.NodesRemoved, id)
		}
	}
	sort.Strings(d.NodesAdded)
	sort.Strings(d.NodesRemoved)
	sort.Strings(d.NodesModified)

	oldConns := connectionSet(oldWF.Connections)
	newConns := connectionSet(newWF.Connections)
	for c := range newConns {
		if _, ok := oldConns[c]; !ok {
			d.ConnectionsAdded = append(d.ConnectionsAdded, c)
		}
	}
	for c := range oldConns {
		if _, ok := newConns[c]; !ok {
			d.ConnectionsRemoved = append(d.ConnectionsRemoved, c)
		}
	}
	sortConnections(d.ConnectionsAdded)
	sortConnections(d.ConnectionsRemoved)

	for name, newVal := range newWF.Variables {
		oldVal, ok := oldWF.Variables[name]
		if !ok {
			d.VariablesAdded = append(d.VariablesAdded, name)
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			d.VariablesModified = append(d.VariablesModified, name)
		}
	}
	for name := range oldWF.Variables {
		if _, ok := newWF.Variables[name]; !ok {
			d.VariablesRemoved = append(d.VariablesRemoved, name)
		}
	}
	sort.Strings(d.VariablesAdded)
	sort.Strings(d.VariablesRemoved)
	sort.Strings(d.VariablesModified)

	for key, newVal := range newWF.Settings {
		oldVal, ok := oldWF.Settings[key]
		if !ok || !reflect.DeepEqual(oldVal, newVal) {
			d.SettingsChanged[key] = SettingChange{Old: oldVal, New: newVal}
		}
	}
	for key, oldVal := range oldWF.Settings {
		if _, ok := newWF.Settings[key]; !ok {
			d.SettingsChanged[key] = SettingChange{Old: oldVal, New: nil}
		}
	}

	return d
}

func connectionSet(conns []models.WorkflowConnection) map[models.WorkflowConnection]struct{} {
	set := make(map[models.WorkflowConnection]struct{}, len(conns))
	for _, c := range conns {
		set[c] = struct{}{}
	}
	return set
}

func sortConnections(conns []models.WorkflowConnection) {
	sort.Slice(conns, func(i, j int) bool { return connectionLess(conns[i], conns[j]) })
}

// jsonKind names the JSON type of a decoded value, for variable type
// comparisons.
func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return reflect.TypeOf(v).Kind().String()
	}
}
