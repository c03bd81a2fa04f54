package engine

import (
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
)

// dag is the validated execution graph: node lookup, adjacency in both
// directions, and a proven-acyclic topological order.
type dag struct {
	nodes map[string]*models.Node

	// outgoing edges per source node, in declaration order.
	succ map[string][]models.Edge
	// incoming edge count per node.
	indegree map[string]int

	// order is a topological order of all node ids.
	order []string
}

// buildDAG validates the workflow graph and computes its traversal
// structure. Graphs with unknown edge endpoints, duplicate node ids or
// cycles are rejected before any node runs.
func buildDAG(wf *models.Workflow) (*dag, error) {
	if len(wf.Nodes) == 0 {
		return nil, faults.Validation("workflow %s has no nodes", wf.ID)
	}

	d := &dag{
		nodes:    make(map[string]*models.Node, len(wf.Nodes)),
		succ:     make(map[string][]models.Edge),
		indegree: make(map[string]int, len(wf.Nodes)),
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, faults.Validation("workflow %s has a node without an id", wf.ID)
		}
		if _, dup := d.nodes[node.ID]; dup {
			return nil, faults.Validation("workflow %s has duplicate node id %q", wf.ID, node.ID)
		}
		d.nodes[node.ID] = node
		d.indegree[node.ID] = 0
	}

	for _, edge := range wf.Edges {
		if _, ok := d.nodes[edge.Source]; !ok {
			return nil, faults.Validation("edge references unknown source node %q", edge.Source)
		}
		if _, ok := d.nodes[edge.Target]; !ok {
			return nil, faults.Validation("edge references unknown target node %q", edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, faults.Validation("node %q has a self-loop", edge.Source)
		}
		d.succ[edge.Source] = append(d.succ[edge.Source], edge)
		d.indegree[edge.Target]++
	}

	// Kahn's algorithm. Nodes left unordered sit on a cycle.
	remaining := make(map[string]int, len(d.indegree))
	for id, deg := range d.indegree {
		remaining[id] = deg
	}

	var frontier []string
	for i := range wf.Nodes {
		if remaining[wf.Nodes[i].ID] == 0 {
			frontier = append(frontier, wf.Nodes[i].ID)
		}
	}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		d.order = append(d.order, id)

		for _, edge := range d.succ[id] {
			remaining[edge.Target]--
			if remaining[edge.Target] == 0 {
				frontier = append(frontier, edge.Target)
			}
		}
	}

	if len(d.order) != len(d.nodes) {
		return nil, faults.Validation("workflow %s contains a cycle", wf.ID)
	}

	return d, nil
}

// entries returns the nodes with no incoming edges, in workflow
// declaration order (order preserves it for indegree-zero nodes).
func (d *dag) entries() []string {
	var out []string
	for _, id := range d.order {
		if d.indegree[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// terminals returns the nodes with no outgoing edges, in topological
// order. Their outputs merge into the execution result.
func (d *dag) terminals() []string {
	var out []string
	for _, id := range d.order {
		if len(d.succ[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}
