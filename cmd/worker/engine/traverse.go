package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/blockpilot/worker/cmd/worker/blocks"
	"github.com/blockpilot/worker/common/clients"
	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/models"
)

// run is the state of one execution traversal. The scheduler loop in
// traverse owns all of it except sem; node goroutines only receive
// copies and report back over the completions channel.
type run struct {
	eng  *Engine
	exec *models.Execution
	wf   *models.Workflow
	dag  *dag

	// sem caps concurrently executing nodes for this run.
	sem *semaphore.Weighted

	// meta is the {{ctx.*}} context, built once: workflow data plus
	// execution identity.
	meta map[string]any

	// outputs holds completed node outputs, keyed by node id.
	outputs map[string]map[string]any
}

func newRun(eng *Engine, exec *models.Execution, wf *models.Workflow, d *dag) *run {
	meta := make(map[string]any, len(wf.Data)+3)
	for k, v := range wf.Data {
		meta[k] = v
	}
	meta["execution_id"] = exec.ID.String()
	meta["workflow_id"] = exec.WorkflowID.String()
	meta["user_id"] = exec.UserID

	return &run{
		eng:     eng,
		exec:    exec,
		wf:      wf,
		dag:     d,
		sem:     semaphore.NewWeighted(eng.maxParallel),
		meta:    meta,
		outputs: make(map[string]map[string]any),
	}
}

type nodeResult struct {
	id     string
	status models.NodeExecutionStatus
	output map[string]any
	err    error
}

// traverse runs the graph: a node becomes ready when every incoming
// edge is resolved, runs when at least one of them carried flow, and is
// skipped otherwise. A halt-policy failure stops new launches but lets
// in-flight nodes drain; cancellation additionally cuts their contexts.
func (r *run) traverse(ctx context.Context) (models.ExecutionStatus, map[string]any, error) {
	waiting := make(map[string]int, len(r.dag.nodes))
	for id, deg := range r.dag.indegree {
		waiting[id] = deg
	}
	// live counts resolved incoming edges that carried flow.
	live := make(map[string]int, len(r.dag.nodes))

	completions := make(chan nodeResult)
	inFlight := 0
	ready := r.dag.entries()
	var skipped []string

	var firstErr error
	halted := false
	cancelled := false

	for {
		// Skips cascade immediately; they never occupy a slot.
		for len(skipped) > 0 && !halted {
			id := skipped[0]
			skipped = skipped[1:]
			r.recordSkipped(ctx, id)
			r.resolveEdges(id, "", true, waiting, live, &ready, &skipped)
		}

		if !halted {
			for _, id := range ready {
				r.launch(ctx, id, completions)
				inFlight++
			}
		}
		ready = nil

		if inFlight == 0 {
			break
		}

		var res nodeResult
		if cancelled {
			res = <-completions
		} else {
			select {
			case res = <-completions:
			case <-ctx.Done():
				cancelled = true
				halted = true
				continue
			}
		}
		inFlight--

		if res.status == models.NodeCompleted {
			r.outputs[res.id] = res.output
			r.cacheOutput(ctx, res.id, res.output)
			branch, _ := res.output["branch"].(string)
			r.resolveEdges(res.id, branch, false, waiting, live, &ready, &skipped)
			continue
		}

		if r.dag.nodes[res.id].Policy() == models.OnErrorContinue {
			// The failure is on record in the node's attempt rows; the
			// run proceeds as if the node completed with no output.
			r.outputs[res.id] = map[string]any{}
			r.resolveEdges(res.id, "", false, waiting, live, &ready, &skipped)
			continue
		}

		halted = true
		if firstErr == nil {
			firstErr = res.err
		}
	}

	if cancelled {
		return models.ExecutionCancelled, nil, errors.New("execution cancelled")
	}
	if halted {
		if firstErr == nil {
			firstErr = errors.New("execution halted")
		}
		return models.ExecutionFailed, nil, firstErr
	}

	output := map[string]any{}
	for _, id := range r.dag.terminals() {
		for k, v := range r.outputs[id] {
			output[k] = v
		}
	}
	return models.ExecutionCompleted, output, nil
}

// resolveEdges settles the outgoing edges of a finished node. branch is
// the node's taken branch handle ("" for unconditional flow); dead
// marks a skipped or untaken source, whose edges never carry flow.
func (r *run) resolveEdges(id, branch string, dead bool, waiting, live map[string]int, ready, skipped *[]string) {
	for _, edge := range r.dag.succ[id] {
		taken := !dead && (edge.SourceHandle == "" || edge.SourceHandle == branch)
		if taken {
			live[edge.Target]++
			r.eng.deps.Publisher.Publish(events.Edge(r.exec.ID, edge.Source, edge.Target))
		}
		waiting[edge.Target]--
		if waiting[edge.Target] == 0 {
			if live[edge.Target] > 0 {
				*ready = append(*ready, edge.Target)
			} else {
				*skipped = append(*skipped, edge.Target)
			}
		}
	}
}

// recordSkipped writes the skip marker row for a node no taken edge
// reached. Attempt 0 distinguishes it from real attempts.
func (r *run) recordSkipped(ctx context.Context, id string) {
	node := r.dag.nodes[id]
	kind := models.NormalizeKind(node.Kind)

	ne := &models.NodeExecution{
		ID:          uuid.New(),
		ExecutionID: r.exec.ID,
		NodeID:      id,
		Kind:        kind,
		Status:      models.NodeSkipped,
		Attempt:     0,
	}
	if err := r.eng.deps.Store.CreateNodeExecution(ctx, ne); err != nil {
		r.eng.deps.Logger.Warn("failed to record skipped node",
			"execution_id", r.exec.ID, "node_id", id, "error", err)
	}
	r.eng.deps.Publisher.Publish(events.NodeUpdate(ne))
	metrics.NodesTotal.WithLabelValues(kind, "skipped").Inc()
}

// launch snapshots the data context on the scheduler goroutine, then
// hands the node to a worker goroutine.
func (r *run) launch(ctx context.Context, id string, completions chan<- nodeResult) {
	node := r.dag.nodes[id]

	prev := make(map[string]map[string]any, len(r.outputs))
	for nodeID, out := range r.outputs {
		prev[nodeID] = out
	}
	data := r.dataFor()

	go func() {
		completions <- r.runNode(ctx, node, data, prev)
	}()
}

// dataFor builds the {{json.*}} context: execution input overlaid with
// every completed output so far, merged in topological order so later
// nodes win deterministically.
func (r *run) dataFor() map[string]any {
	data := make(map[string]any, len(r.exec.Input))
	for k, v := range r.exec.Input {
		data[k] = v
	}
	for _, id := range r.dag.order {
		out, ok := r.outputs[id]
		if !ok {
			continue
		}
		for k, v := range out {
			data[k] = v
		}
	}
	return data
}

// runNode drives one node through its attempt budget. Transient faults
// retry on the backoff curve; anything else, or a dead run context,
// ends the chain.
func (r *run) runNode(ctx context.Context, node *models.Node, data map[string]any, prev map[string]map[string]any) nodeResult {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nodeResult{id: node.ID, status: models.NodeFailed, err: err}
	}
	defer r.sem.Release(1)

	handler := r.eng.deps.Registry.Resolve(node.Kind)

	maxAttempts := r.eng.maxRetries
	if node.MaxRetries > 0 {
		maxAttempts = node.MaxRetries
	}

	var res nodeResult
	for attemptNo := 1; attemptNo <= maxAttempts; attemptNo++ {
		if attemptNo > 1 {
			metrics.NodeRetries.WithLabelValues(models.NormalizeKind(node.Kind)).Inc()
			if err := r.eng.backoff.Sleep(ctx, attemptNo-1); err != nil {
				break
			}
		}

		res = r.attempt(ctx, node, handler, attemptNo, data, prev)
		if res.err == nil {
			return res
		}
		if !faults.IsTransient(res.err) || ctx.Err() != nil {
			break
		}
	}
	return res
}

// attempt records one node execution row through its running to
// terminal transition and publishes an update per transition.
func (r *run) attempt(ctx context.Context, node *models.Node, handler blocks.Handler, attemptNo int, data map[string]any, prev map[string]map[string]any) nodeResult {
	started := time.Now()
	kind := models.NormalizeKind(node.Kind)

	ne := &models.NodeExecution{
		ID:          uuid.New(),
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		Kind:        kind,
		Status:      models.NodeRunning,
		Attempt:     attemptNo,
		Input:       data,
		StartedAt:   &started,
	}
	if err := r.eng.deps.Store.CreateNodeExecution(ctx, ne); err != nil {
		r.eng.deps.Logger.Warn("failed to record node attempt",
			"execution_id", r.exec.ID, "node_id", node.ID, "attempt", attemptNo, "error", err)
	}
	r.eng.deps.Publisher.Publish(events.NodeUpdate(ne))

	rt := metrics.CaptureStart(ctx)

	ectx := &blocks.ExecContext{
		ExecutionID:     r.exec.ID,
		WorkflowID:      r.exec.WorkflowID,
		UserID:          r.exec.UserID,
		NodeID:          node.ID,
		Attempt:         attemptNo,
		Inputs:          r.exec.Input,
		PreviousOutputs: prev,
		Data:            data,
		Meta:            r.meta,
		WorkflowData:    r.wf.Data,
		Logger:          newExecLogger(r.eng.deps.Logger, r.eng.deps.Logs, r.exec.ID, node.ID),
	}

	deadline := r.eng.nodeTimeout
	if node.TimeoutMs > 0 {
		if d := time.Duration(node.TimeoutMs) * time.Millisecond; d < deadline {
			deadline = d
		}
	}
	nodeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	// Collaborator services enforce per-user policy off this identity.
	nodeCtx = clients.WithUserID(nodeCtx, r.exec.UserID)

	output, err := runHandler(nodeCtx, handler, node, ectx)

	rt.Finalize(ctx)
	finished := time.Now()
	ne.FinishedAt = &finished
	ne.Metrics = rt.ToMap()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && faults.KindOf(err) == "" {
			err = faults.Deadline(node.Kind, err)
		}
		msg := err.Error()
		ne.Status = models.NodeFailed
		ne.Error = &msg
	} else {
		ne.Status = models.NodeCompleted
		ne.Output = output
	}

	// A cancelled run still gets its terminal rows.
	uctx := ctx
	if ctx.Err() != nil {
		var ucancel context.CancelFunc
		uctx, ucancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer ucancel()
	}
	if uerr := r.eng.deps.Store.UpdateNodeExecution(uctx, ne); uerr != nil {
		r.eng.deps.Logger.Warn("failed to update node attempt",
			"execution_id", r.exec.ID, "node_id", node.ID, "attempt", attemptNo, "error", uerr)
	}
	r.eng.deps.Publisher.Publish(events.NodeUpdate(ne))
	r.eng.deps.Publisher.Publish(events.Metrics(r.exec.ID, node.ID, ne.Metrics))

	return nodeResult{id: node.ID, status: ne.Status, output: output, err: err}
}

// runHandler guards against handlers that never return: the node
// deadline fires even when a block ignores its context.
func runHandler(ctx context.Context, handler blocks.Handler, node *models.Node, ectx *blocks.ExecContext) (map[string]any, error) {
	type handlerResult struct {
		output map[string]any
		err    error
	}
	done := make(chan handlerResult, 1)

	go func() {
		out, err := handler.Execute(ctx, node, ectx)
		done <- handlerResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, faults.Deadline(node.Kind, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// cacheOutput stores a completed node output for UI replay. Best
// effort; a cache miss later just means no replay.
func (r *run) cacheOutput(ctx context.Context, nodeID string, output map[string]any) {
	if r.eng.deps.Outputs == nil || len(output) == 0 || ctx.Err() != nil {
		return
	}
	raw, err := json.Marshal(output)
	if err != nil {
		r.eng.deps.Logger.Warn("failed to encode node output for cache",
			"execution_id", r.exec.ID, "node_id", nodeID, "error", err)
		return
	}
	key := fmt.Sprintf("%s:%s", r.exec.ID, nodeID)
	if err := r.eng.deps.Outputs.Set(ctx, key, raw, r.eng.outputTTL); err != nil {
		r.eng.deps.Logger.Warn("failed to cache node output",
			"execution_id", r.exec.ID, "node_id", nodeID, "error", err)
	}
}
