package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/models"
)

// ExecutionStore is the persistence boundary for workflow executions.
// The engine only talks to this interface; Postgres and the in-memory
// test store both implement it.
type ExecutionStore interface {
	// ClaimLock atomically claims an execution for a worker. The claim
	// succeeds only when the row is unlocked or already held by the same
	// worker, and the execution is still pending or running. A false
	// return with nil error means another worker holds it.
	ClaimLock(ctx context.Context, executionID uuid.UUID, workerID string) (bool, error)

	// ReleaseLock writes the terminal status, output and error, stamps
	// finished_at and clears locked_by. The caller must still hold the lock.
	ReleaseLock(ctx context.Context, executionID uuid.UUID, workerID string, status models.ExecutionStatus, output map[string]any, errMsg *string) error

	GetExecution(ctx context.Context, executionID uuid.UUID) (*models.Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status models.ExecutionStatus) error

	CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error
	UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error)

	// AppendLogs writes a batch of log entries in one round trip.
	AppendLogs(ctx context.Context, entries []*models.LogEntry) error

	CreateTranscript(ctx context.Context, t *models.AgentTranscript) error
	UpdateTranscript(ctx context.Context, t *models.AgentTranscript) error

	// ListStaleRunning returns running executions with no update since
	// the cutoff. Used by the reaper.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error)
}

// CircuitBreakerStore persists breaker state per scope so open circuits
// survive worker restarts.
type CircuitBreakerStore interface {
	// Get returns the state for a scope, or nil when the scope has never
	// tripped.
	Get(ctx context.Context, scope string) (*models.BreakerState, error)
	Put(ctx context.Context, state *models.BreakerState) error
	List(ctx context.Context) ([]*models.BreakerState, error)
	Reset(ctx context.Context, scope string) error
}

// SubscriptionPort answers plan-gated capability questions for a user.
type SubscriptionPort interface {
	CanUseDeliberate(ctx context.Context, userID string) (bool, error)
	CanUseCollaborative(ctx context.Context, userID string) (bool, error)
}

// UserCodePort fetches stored user code for CUSTOM blocks.
type UserCodePort interface {
	GetUserCode(ctx context.Context, codeID string) (*UserCode, error)
}

// UserCode is a stored user script runnable by the sandbox.
type UserCode struct {
	ID       string
	UserID   string
	Language string
	Source   string
}
