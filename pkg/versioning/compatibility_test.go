package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casare-rpa/orchestrator/pkg/models"
)

func wfWith(nodes map[string]models.WorkflowNode) *models.Workflow {
	return &models.Workflow{
		Metadata: models.WorkflowMetadata{Name: "test"},
		Nodes:    nodes,
	}
}

func kinds(changes []BreakingChange) []BreakingChangeKind {
	var out []BreakingChangeKind
	for _, c := range changes {
		out = append(out, c.Kind)
	}
	return out
}

func TestCheckCompatibility_AddedNodeIsCompatible(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}})
	v2 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}, "B": {Type: "Transform"}})

	result := CheckCompatibility(v1, v2)
	assert.True(t, result.IsCompatible)
	assert.Empty(t, result.BreakingChanges)
	assert.Empty(t, result.Warnings)
	assert.True(t, result.AutoMigratable)
	assert.False(t, result.MigrationRequired, "pure additions run as-is")
}

func TestCheckCompatibility_RemovedNode(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}, "B": {Type: "Transform"}})
	v2 := wfWith(map[string]models.WorkflowNode{"B": {Type: "Transform"}})

	result := CheckCompatibility(v1, v2)
	assert.False(t, result.IsCompatible)
	assert.Equal(t, []BreakingChangeKind{NodeRemoved}, kinds(result.BreakingChanges))
	assert.False(t, result.AutoMigratable)
}

func TestCheckCompatibility_NodeTypeChanged(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}})
	v2 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Database"}})

	result := CheckCompatibility(v1, v2)
	assert.False(t, result.IsCompatible)
	assert.Equal(t, []BreakingChangeKind{NodeTypeChanged}, kinds(result.BreakingChanges))
	assert.False(t, result.AutoMigratable)
}

func TestCheckCompatibility_PortChanges(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {
		Type: "Http",
		Inputs: map[string]models.WorkflowPort{
			"url":  {Type: "string", Required: true},
			"body": {Type: "string"},
		},
	}})
	v2 := wfWith(map[string]models.WorkflowNode{"A": {
		Type: "Http",
		Inputs: map[string]models.WorkflowPort{
			"url":     {Type: "number", Required: true}, // type changed
			"timeout": {Type: "number", Required: true}, // new required
			// body removed
		},
	}})

	result := CheckCompatibility(v1, v2)
	assert.False(t, result.IsCompatible)
	assert.ElementsMatch(t,
		[]BreakingChangeKind{PortRemoved, PortTypeChanged, RequiredPortAdded},
		kinds(result.BreakingChanges))
	// Port-level breaks do not rule out automatic migration.
	assert.True(t, result.AutoMigratable)
}

func TestCheckCompatibility_OptionalPortAddedIsFine(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {
		Type:   "Http",
		Inputs: map[string]models.WorkflowPort{"url": {Type: "string"}},
	}})
	v2 := wfWith(map[string]models.WorkflowNode{"A": {
		Type: "Http",
		Inputs: map[string]models.WorkflowPort{
			"url":   {Type: "string"},
			"retry": {Type: "number"},
		},
	}})

	result := CheckCompatibility(v1, v2)
	assert.True(t, result.IsCompatible)
}

func TestCheckCompatibility_ConnectionAndVariableWarnings(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}, "B": {Type: "Transform"}})
	v1.Connections = []models.WorkflowConnection{
		{SourceNode: "A", SourcePort: "out", TargetNode: "B", TargetPort: "in"},
	}
	v1.Variables = map[string]any{"region": "eu", "retries": float64(3)}
	v1.Settings = map[string]any{"timeout": float64(30)}

	v2 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}, "B": {Type: "Transform"}})
	v2.Variables = map[string]any{"retries": float64(5)}

	result := CheckCompatibility(v1, v2)
	assert.True(t, result.IsCompatible, "warnings alone do not break compatibility")
	assert.ElementsMatch(t,
		[]BreakingChangeKind{ConnectionBroken, VariableRemoved, SettingRemoved},
		kinds(result.Warnings))
	assert.True(t, result.MigrationRequired)
}

func TestCheckCompatibility_VariableTypeChanged(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}})
	v1.Variables = map[string]any{"retries": float64(3)}
	v2 := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}})
	v2.Variables = map[string]any{"retries": "three"}

	result := CheckCompatibility(v1, v2)
	assert.False(t, result.IsCompatible)
	assert.Equal(t, []BreakingChangeKind{VariableTypeChanged}, kinds(result.BreakingChanges))
}

func TestCheckCompatibility_IdenticalWorkflows(t *testing.T) {
	wf := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}})

	result := CheckCompatibility(wf, wf)
	assert.True(t, result.IsCompatible)
	assert.False(t, result.MigrationRequired)
	assert.True(t, result.AutoMigratable)
}

func TestDiff_Categories(t *testing.T) {
	v1 := wfWith(map[string]models.WorkflowNode{
		"A": {Type: "Http"},
		"B": {Type: "Transform"},
		"C": {Type: "Email", Config: map[string]any{"to": "ops@example.com"}},
	})
	v1.Connections = []models.WorkflowConnection{
		{SourceNode: "A", SourcePort: "out", TargetNode: "B", TargetPort: "in"},
	}
	v1.Variables = map[string]any{"kept": "x", "dropped": "y", "changed": "a"}
	v1.Settings = map[string]any{"mode": "fast"}

	v2 := wfWith(map[string]models.WorkflowNode{
		"A": {Type: "Http"},
		"C": {Type: "Email", Config: map[string]any{"to": "alerts@example.com"}},
		"D": {Type: "Slack"},
	})
	v2.Connections = []models.WorkflowConnection{
		{SourceNode: "A", SourcePort: "out", TargetNode: "C", TargetPort: "in"},
	}
	v2.Variables = map[string]any{"kept": "x", "changed": "b", "added": "z"}
	v2.Settings = map[string]any{"mode": "safe"}

	d := Diff(v1, v2)
	assert.Equal(t, []string{"D"}, d.NodesAdded)
	assert.Equal(t, []string{"B"}, d.NodesRemoved)
	assert.Equal(t, []string{"C"}, d.NodesModified)
	require.Len(t, d.ConnectionsAdded, 1)
	assert.Equal(t, "C", d.ConnectionsAdded[0].TargetNode)
	require.Len(t, d.ConnectionsRemoved, 1)
	assert.Equal(t, "B", d.ConnectionsRemoved[0].TargetNode)
	assert.Equal(t, []string{"added"}, d.VariablesAdded)
	assert.Equal(t, []string{"dropped"}, d.VariablesRemoved)
	assert.Equal(t, []string{"changed"}, d.VariablesModified)
	require.Contains(t, d.SettingsChanged, "mode")
	assert.Equal(t, "fast", d.SettingsChanged["mode"].Old)
	assert.Equal(t, "safe", d.SettingsChanged["mode"].New)
	assert.False(t, d.IsEmpty())
}

func TestDiff_ConnectionsSortedDeterministically(t *testing.T) {
	nodes := map[string]models.WorkflowNode{
		"A": {Type: "Http"}, "B": {Type: "Http"}, "C": {Type: "Http"},
	}
	v1 := wfWith(nodes)
	v2 := wfWith(nodes)
	v2.Connections = []models.WorkflowConnection{
		{SourceNode: "B", SourcePort: "out", TargetNode: "C", TargetPort: "in"},
		{SourceNode: "A", SourcePort: "out", TargetNode: "C", TargetPort: "in"},
		{SourceNode: "A", SourcePort: "err", TargetNode: "B", TargetPort: "in"},
	}

	d := Diff(v1, v2)
	require.Len(t, d.ConnectionsAdded, 3)
	assert.Equal(t, "err", d.ConnectionsAdded[0].SourcePort)
	assert.Equal(t, "out", d.ConnectionsAdded[1].SourcePort)
	assert.Equal(t, "B", d.ConnectionsAdded[2].SourceNode)
}

func TestChecksum_StableAndContentSensitive(t *testing.T) {
	wf := wfWith(map[string]models.WorkflowNode{"A": {Type: "Http"}})
	wf.Connections = []models.WorkflowConnection{
		{SourceNode: "A", SourcePort: "out", TargetNode: "A", TargetPort: "in"},
	}

	first := Checksum(wf)
	assert.Len(t, first, 16)
	assert.Equal(t, first, Checksum(wf), "checksum must be deterministic")

	// Metadata changes do not alter content identity.
	wf.Metadata.Name = "renamed"
	assert.Equal(t, first, Checksum(wf))

	// Node changes do.
	wf.Nodes["A"] = models.WorkflowNode{Type: "Database"}
	assert.NotEqual(t, first, Checksum(wf))
}
