package validation

import (
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
)

// maxAgentNodes caps agent nodes per workflow. Each agent node may
// spawn tool subprocesses and hold a model session, so the ceiling is
// deliberately low.
const maxAgentNodes = 5

// WorkflowValidator checks a workflow document before the engine builds
// its DAG. Structural problems found here fail the execution up front
// with a Validation fault instead of surfacing mid-traversal.
type WorkflowValidator struct{}

// NewWorkflowValidator creates a workflow validator.
func NewWorkflowValidator() *WorkflowValidator {
	return &WorkflowValidator{}
}

// Validate checks node identity, kinds, edge endpoints and the agent
// node ceiling.
func (v *WorkflowValidator) Validate(wf *models.Workflow) error {
	if wf == nil {
		return faults.Validation("workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return faults.Validation("workflow has no nodes")
	}

	seen := make(map[string]struct{}, len(wf.Nodes))
	agentCount := 0

	for i, node := range wf.Nodes {
		if err := v.validateNode(node, i); err != nil {
			return err
		}
		if _, dup := seen[node.ID]; dup {
			return faults.Validation("duplicate node id %q", node.ID)
		}
		seen[node.ID] = struct{}{}

		if models.NormalizeKind(node.Kind) == models.KindAIAgent {
			agentCount++
		}
	}

	if agentCount > maxAgentNodes {
		return faults.Validation("workflow has %d agent nodes, maximum is %d", agentCount, maxAgentNodes)
	}

	for i, edge := range wf.Edges {
		if edge.Source == "" || edge.Target == "" {
			return faults.Validation("edge %d: source and target are required", i)
		}
		if _, ok := seen[edge.Source]; !ok {
			return faults.Validation("edge %d: source %q is not a node", i, edge.Source)
		}
		if _, ok := seen[edge.Target]; !ok {
			return faults.Validation("edge %d: target %q is not a node", i, edge.Target)
		}
		if edge.Source == edge.Target {
			return faults.Validation("edge %d: self-loop on node %q", i, edge.Source)
		}
	}

	return nil
}

func (v *WorkflowValidator) validateNode(node models.Node, index int) error {
	if node.ID == "" {
		return faults.Validation("node %d: missing id", index)
	}
	if node.Kind == "" {
		return faults.Validation("node %q: missing kind", node.ID)
	}
	if node.OnError != "" {
		switch node.OnError {
		case models.OnErrorHalt, models.OnErrorContinue:
		default:
			return faults.Validation("node %q: unknown onError policy %q (hint: use %q or %q)",
				node.ID, node.OnError, models.OnErrorHalt, models.OnErrorContinue)
		}
	}
	if node.MaxRetries < 0 {
		return faults.Validation("node %q: maxRetries must be >= 0", node.ID)
	}
	if node.TimeoutMs < 0 {
		return faults.Validation("node %q: timeoutMs must be >= 0", node.ID)
	}
	return nil
}
