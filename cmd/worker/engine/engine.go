package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/cmd/worker/blocks"
	"github.com/blockpilot/worker/common/breaker"
	"github.com/blockpilot/worker/common/cache"
	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/queue"
	"github.com/blockpilot/worker/common/repository"
	"github.com/blockpilot/worker/common/validation"
)

// WorkerScope is the breaker scope shared by every execution this
// worker class runs; it trips when workflow execution as a whole is
// failing, independent of any single workflow.
const WorkerScope = "execution-worker:workflow-execution"

// workflowScope is the per-workflow breaker scope.
func workflowScope(workflowID uuid.UUID) string {
	return "workflow:" + workflowID.String()
}

// Engine defaults, overridable per instance and per node.
const (
	DefaultMaxParallel = 4
	DefaultNodeTimeout = 5 * time.Minute
	DefaultMaxRetries  = 3
	DefaultOutputTTL   = 15 * time.Minute
)

// Deps bundles the engine's collaborators.
type Deps struct {
	Store     repository.ExecutionStore
	Workflows WorkflowSource
	Registry  *blocks.Registry
	Breaker   *breaker.Breaker
	Publisher events.Publisher

	// Outputs caches completed node outputs for UI replay. Optional.
	Outputs cache.Cache

	// Logs persists execution-scoped log rows. Optional; without it
	// node logs only reach the process logger.
	Logs *LogWriter

	Logger Logger
}

// Engine runs workflow executions: one Execute call per queue message,
// holding the execution lock from claim to terminal status.
type Engine struct {
	workerID string
	deps     Deps

	maxParallel int64
	nodeTimeout time.Duration
	maxRetries  int
	backoff     blocks.Backoff
	outputTTL   time.Duration
	validator   *validation.WorkflowValidator

	// active maps execution ids to their cancel functions so the
	// cancellation listener can reach in-flight runs.
	active sync.Map
}

// New creates an engine for the given worker identity.
func New(workerID string, deps Deps) *Engine {
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	return &Engine{
		workerID:    workerID,
		deps:        deps,
		maxParallel: DefaultMaxParallel,
		nodeTimeout: DefaultNodeTimeout,
		maxRetries:  DefaultMaxRetries,
		backoff:     blocks.DefaultBackoff(),
		outputTTL:   DefaultOutputTTL,
		validator:   validation.NewWorkflowValidator(),
	}
}

// WithMaxParallel caps concurrent node executions per run.
func (e *Engine) WithMaxParallel(n int) *Engine {
	if n > 0 {
		e.maxParallel = int64(n)
	}
	return e
}

// WithNodeTimeout sets the default per-node deadline.
func (e *Engine) WithNodeTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.nodeTimeout = d
	}
	return e
}

// WithMaxRetries sets the default attempt budget per node.
func (e *Engine) WithMaxRetries(n int) *Engine {
	if n > 0 {
		e.maxRetries = n
	}
	return e
}

// WithBackoff swaps the retry curve.
func (e *Engine) WithBackoff(b blocks.Backoff) *Engine {
	e.backoff = b
	return e
}

// WithOutputCacheTTL sets how long cached node outputs live.
func (e *Engine) WithOutputCacheTTL(d time.Duration) *Engine {
	if d > 0 {
		e.outputTTL = d
	}
	return e
}

// Cancel aborts a running execution. Returns false when this worker is
// not currently running it.
func (e *Engine) Cancel(executionID string) bool {
	v, ok := e.active.Load(executionID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// Execute runs one execution-start message to a terminal state. A nil
// return means the message is settled (run finished, or skipped because
// another worker owns it); a non-nil return means the engine never got
// far enough to own the outcome and the message should be requeued.
func (e *Engine) Execute(ctx context.Context, msg *queue.ExecutionStart) error {
	claimed, err := e.deps.Store.ClaimLock(ctx, msg.ExecutionID, e.workerID)
	if err != nil {
		return fmt.Errorf("failed to claim execution %s: %w", msg.ExecutionID, err)
	}
	if !claimed {
		metrics.LockContentions.Inc()
		e.deps.Logger.Info("execution owned elsewhere or already settled, skipping",
			"execution_id", msg.ExecutionID, "worker_id", e.workerID)
		return nil
	}

	exec, err := e.deps.Store.GetExecution(ctx, msg.ExecutionID)
	if err != nil {
		// We hold the lock but cannot read the row; a redelivery to this
		// worker reclaims it, and the reaper frees it otherwise.
		return fmt.Errorf("failed to load execution %s: %w", msg.ExecutionID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.active.Store(exec.ID.String(), cancel)
	defer e.active.Delete(exec.ID.String())

	started := time.Now()
	e.deps.Publisher.Publish(events.Started(exec.ID, exec.WorkflowID))
	e.deps.Logger.Info("execution started",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "user_id", exec.UserID)

	for _, scope := range []string{workflowScope(exec.WorkflowID), WorkerScope} {
		if err := e.deps.Breaker.Allow(ctx, scope); err != nil {
			if faults.KindOf(err) == faults.KindCircuitOpen {
				// Fail fast. A rejection is not new evidence against the
				// circuit, so the breaker stays untouched.
				return e.settle(exec, started, models.ExecutionFailed, nil, err, false)
			}
			return fmt.Errorf("breaker check for %s: %w", scope, err)
		}
	}

	wf, err := e.deps.Workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return e.settle(exec, started, models.ExecutionFailed, nil,
			fmt.Errorf("workflow definition unavailable: %w", err), true)
	}

	if err := e.validator.Validate(wf); err != nil {
		return e.settle(exec, started, models.ExecutionFailed, nil, err, true)
	}

	d, err := buildDAG(wf)
	if err != nil {
		return e.settle(exec, started, models.ExecutionFailed, nil, err, true)
	}

	r := newRun(e, exec, wf, d)
	status, output, runErr := r.traverse(runCtx)

	return e.settle(exec, started, status, output, runErr, status != models.ExecutionCancelled)
}

// settle persists the terminal state, then announces it. The write uses
// a detached context so a cancelled run still leaves a consistent row,
// and it happens strictly before the terminal event goes out.
func (e *Engine) settle(exec *models.Execution, started time.Time, status models.ExecutionStatus, output map[string]any, runErr error, recordBreaker bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errMsg *string
	if runErr != nil {
		s := runErr.Error()
		errMsg = &s
	}

	if err := e.deps.Store.ReleaseLock(ctx, exec.ID, e.workerID, status, output, errMsg); err != nil {
		// Requeueing now would re-run completed side effects, so the
		// message is acked anyway; the reaper settles the stuck row.
		e.deps.Logger.Error("failed to release execution lock",
			"execution_id", exec.ID, "status", status, "error", err)
	}

	metrics.ObserveExecution(string(status), started)

	switch status {
	case models.ExecutionCompleted:
		e.deps.Publisher.Publish(events.Completed(exec.ID, output))
		e.deps.Logger.Info("execution completed",
			"execution_id", exec.ID, "duration_ms", time.Since(started).Milliseconds())
	case models.ExecutionCancelled:
		e.deps.Publisher.Publish(events.Failed(exec.ID, "execution cancelled"))
		e.deps.Logger.Info("execution cancelled",
			"execution_id", exec.ID, "duration_ms", time.Since(started).Milliseconds())
	default:
		msg := "execution failed"
		if errMsg != nil {
			msg = *errMsg
		}
		e.deps.Publisher.Publish(events.Failed(exec.ID, msg))
		e.deps.Logger.Error("execution failed",
			"execution_id", exec.ID, "error", msg, "duration_ms", time.Since(started).Milliseconds())
	}

	if recordBreaker {
		for _, scope := range []string{workflowScope(exec.WorkflowID), WorkerScope} {
			var err error
			if status == models.ExecutionCompleted {
				err = e.deps.Breaker.RecordSuccess(ctx, scope)
			} else if status == models.ExecutionFailed {
				err = e.deps.Breaker.RecordFailure(ctx, scope)
			}
			if err != nil {
				e.deps.Logger.Warn("failed to update circuit breaker",
					"scope", scope, "error", err)
			}
		}
	}

	return nil
}
