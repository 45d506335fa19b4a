package models

// WorkflowPort declares a typed input or output on a node.
type WorkflowPort struct {
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// WorkflowNode is one step of a workflow. Config carries node-specific
// parameters; Inputs/Outputs declare the ports connections attach to.
type WorkflowNode struct {
	Type    string                  `json:"node_type"`
	Config  map[string]any          `json:"config,omitempty"`
	Inputs  map[string]WorkflowPort `json:"inputs,omitempty"`
	Outputs map[string]WorkflowPort `json:"outputs,omitempty"`
}

// WorkflowConnection wires an output port of one node to an input port of
// another.
type WorkflowConnection struct {
	SourceNode string `json:"source_node"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node"`
	TargetPort string `json:"target_port"`
}

// WorkflowMetadata is the document header.
type WorkflowMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Workflow is the full document consumed by the loader and diffed by the
// versioning engine.
type Workflow struct {
	Metadata    WorkflowMetadata        `json:"metadata"`
	Nodes       map[string]WorkflowNode `json:"nodes"`
	Connections []WorkflowConnection    `json:"connections,omitempty"`
	Variables   map[string]any          `json:"variables,omitempty"`
	Settings    map[string]any          `json:"settings,omitempty"`
}
