package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// Limits bound the size and nesting of workflow documents the loader
// accepts. Exceeding any of them fails the load.
type Limits struct {
	MaxNodes        int
	MaxConnections  int
	MaxIDLength     int
	MaxStringLength int
	MaxDepth        int
}

// DefaultLimits returns the standard document limits.
func DefaultLimits() Limits {
	return Limits{
		MaxNodes:        1000,
		MaxConnections:  5000,
		MaxIDLength:     256,
		MaxStringLength: 10000,
		MaxDepth:        10,
	}
}

// forbiddenSubstrings in config strings fail validation (case-insensitive).
// Workflow configs are interpreted by downstream robot runtimes; these
// patterns have no legitimate use in node parameters.
var forbiddenSubstrings = []string{
	"__import__",
	"eval(",
	"exec(",
	"compile(",
	"os.system",
	"subprocess.",
	"open(",
	"pickle.",
	"marshal.",
	"__builtins__",
	"__globals__",
}

const (
	// StartNodeType marks the node execution begins from.
	StartNodeType = "Start"
	// autoStartID names the synthesized start node.
	autoStartID = "auto_start"
)

// Options tunes a single load. Validation is mandatory unless explicitly
// skipped.
type Options struct {
	SkipValidation bool
}

// Loader validates raw workflow documents and produces schemas robots can
// execute.
type Loader struct {
	limits Limits
	logger *zap.Logger
}

// NewLoader creates a loader with the given limits.
func NewLoader(limits Limits, logger *zap.Logger) *Loader {
	return &Loader{limits: limits, logger: logger.Named("workflow_loader")}
}

// LoadJSON parses, validates, and normalizes a JSON workflow document.
func (l *Loader) LoadJSON(data []byte, opts Options) (*models.Workflow, error) {
	wf := &models.Workflow{}
	if err := json.Unmarshal(data, wf); err != nil {
		return nil, fmt.Errorf("%w: malformed workflow document: %v", apperrors.ErrValidation, err)
	}
	return l.load(wf, opts)
}

// LoadYAML parses a YAML workflow document by normalizing it through JSON,
// so both formats share one field mapping.
func (l *Loader) LoadYAML(data []byte, opts Options) (*models.Workflow, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed workflow document: %v", apperrors.ErrValidation, err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: workflow document is not representable: %v", apperrors.ErrValidation, err)
	}
	return l.LoadJSON(jsonData, opts)
}

// Load validates an already-decoded document.
func (l *Loader) Load(wf *models.Workflow, opts Options) (*models.Workflow, error) {
	return l.load(wf, opts)
}

func (l *Loader) load(wf *models.Workflow, opts Options) (*models.Workflow, error) {
	if opts.SkipValidation {
		l.logger.Warn("workflow validation explicitly skipped",
			zap.String("workflow", wf.Metadata.Name))
	} else if err := l.validate(wf); err != nil {
		return nil, err
	}

	l.synthesizeStart(wf)

	l.logger.Info("workflow loaded",
		zap.String("workflow", wf.Metadata.Name),
		zap.Int("nodes", len(wf.Nodes)),
		zap.Int("connections", len(wf.Connections)))
	return wf, nil
}

// ============================================================================
// Validation
// ============================================================================

func (l *Loader) validate(wf *models.Workflow) error {
	if len(wf.Nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", apperrors.ErrValidation)
	}
	if len(wf.Nodes) > l.limits.MaxNodes {
		return fmt.Errorf("%w: %d nodes exceeds limit %d", apperrors.ErrValidation, len(wf.Nodes), l.limits.MaxNodes)
	}
	if len(wf.Connections) > l.limits.MaxConnections {
		return fmt.Errorf("%w: %d connections exceeds limit %d", apperrors.ErrValidation, len(wf.Connections), l.limits.MaxConnections)
	}

	for id, node := range wf.Nodes {
		if len(id) > l.limits.MaxIDLength {
			return fmt.Errorf("%w: node id exceeds %d characters", apperrors.ErrValidation, l.limits.MaxIDLength)
		}
		if node.Type == "" {
			return fmt.Errorf("%w: node %q has no node_type", apperrors.ErrValidation, id)
		}
		if err := l.validateConfig(id, node.Config, 1); err != nil {
			return err
		}
	}

	for i, c := range wf.Connections {
		if _, ok := wf.Nodes[c.SourceNode]; !ok {
			return fmt.Errorf("%w: connection %d references unknown source node %q", apperrors.ErrValidation, i, c.SourceNode)
		}
		if _, ok := wf.Nodes[c.TargetNode]; !ok {
			return fmt.Errorf("%w: connection %d references unknown target node %q", apperrors.ErrValidation, i, c.TargetNode)
		}
	}

	for name := range wf.Variables {
		if len(name) > l.limits.MaxIDLength {
			return fmt.Errorf("%w: variable name exceeds %d characters", apperrors.ErrValidation, l.limits.MaxIDLength)
		}
	}

	return nil
}

func (l *Loader) validateConfig(nodeID string, value any, depth int) error {
	if depth > l.limits.MaxDepth {
		return fmt.Errorf("%w: node %q config exceeds nesting depth %d", apperrors.ErrValidation, nodeID, l.limits.MaxDepth)
	}

	switch v := value.(type) {
	case string:
		return l.validateConfigString(nodeID, v)
	case map[string]any:
		for _, nested := range v {
			if err := l.validateConfig(nodeID, nested, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range v {
			if err := l.validateConfig(nodeID, nested, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) validateConfigString(nodeID, s string) error {
	if len(s) > l.limits.MaxStringLength {
		return fmt.Errorf("%w: node %q config string exceeds %d characters", apperrors.ErrValidation, nodeID, l.limits.MaxStringLength)
	}

	lower := strings.ToLower(s)
	for _, forbidden := range forbiddenSubstrings {
		if strings.Contains(lower, forbidden) {
			return fmt.Errorf("%w: node %q config contains forbidden pattern %q", apperrors.ErrValidation, nodeID, forbidden)
		}
	}

	if isSQLi, fingerprint := libinjection.IsSQLi(s); isSQLi {
		return fmt.Errorf("%w: node %q config matched SQL injection fingerprint %s", apperrors.ErrValidation, nodeID, fingerprint)
	}
	if isXSS := libinjection.IsXSS(s); isXSS {
		return fmt.Errorf("%w: node %q config contains XSS payload", apperrors.ErrValidation, nodeID)
	}
	return nil
}

// ============================================================================
// Auto-start synthesis
// ============================================================================

// synthesizeStart ensures the workflow has an entry point: when no Start
// node exists, a hidden one is added and every non-trigger node without a
// connected execution input is wired from it. Trigger nodes are their own
// entry points and are never auto-connected.
func (l *Loader) synthesizeStart(wf *models.Workflow) {
	for _, node := range wf.Nodes {
		if node.Type == StartNodeType {
			return
		}
	}

	connected := make(map[string]struct{}, len(wf.Connections))
	for _, c := range wf.Connections {
		connected[c.TargetNode] = struct{}{}
	}

	var unconnected []string
	for id, node := range wf.Nodes {
		if isTriggerNode(node) {
			continue
		}
		if _, ok := connected[id]; !ok {
			unconnected = append(unconnected, id)
		}
	}
	if len(unconnected) == 0 {
		return
	}
	sort.Strings(unconnected)

	if wf.Nodes == nil {
		wf.Nodes = map[string]models.WorkflowNode{}
	}
	wf.Nodes[autoStartID] = models.WorkflowNode{
		Type:   StartNodeType,
		Config: map[string]any{"hidden": true},
	}
	for _, id := range unconnected {
		wf.Connections = append(wf.Connections, models.WorkflowConnection{
			SourceNode: autoStartID,
			SourcePort: "exec_out",
			TargetNode: id,
			TargetPort: "exec_in",
		})
	}

	l.logger.Debug("synthesized start node",
		zap.String("workflow", wf.Metadata.Name),
		zap.Int("connected_nodes", len(unconnected)))
}

func isTriggerNode(node models.WorkflowNode) bool {
	return strings.Contains(strings.ToLower(node.Type), "trigger")
}
