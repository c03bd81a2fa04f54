package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution represents one run of a workflow
// Maps to: executions table
type Execution struct {
	ID         uuid.UUID `db:"id" json:"id"`
	WorkflowID uuid.UUID `db:"workflow_id" json:"workflow_id"`
	UserID     string    `db:"user_id" json:"user_id"`

	Status ExecutionStatus `db:"status" json:"status"`

	// Worker instance currently holding the execution lock. NULL when
	// unclaimed or released.
	LockedBy *string `db:"locked_by" json:"locked_by,omitempty"`

	// Trigger payload handed to entry nodes
	Input map[string]any `db:"input" json:"input,omitempty"`

	// Merged outputs of terminal nodes, set on completion
	Output map[string]any `db:"output" json:"output,omitempty"`

	// Terminal error message, set on failure
	Error *string `db:"error" json:"error,omitempty"`

	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// NodeExecutionStatus represents the state of a single node attempt chain
type NodeExecutionStatus string

const (
	NodePending   NodeExecutionStatus = "pending"
	NodeRunning   NodeExecutionStatus = "running"
	NodeCompleted NodeExecutionStatus = "completed"
	NodeFailed    NodeExecutionStatus = "failed"
	NodeSkipped   NodeExecutionStatus = "skipped"
)

// NodeExecution records one node's execution within a workflow run,
// including retries. Attempt starts at 1.
// Maps to: node_executions table
type NodeExecution struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`
	NodeID      string    `db:"node_id" json:"node_id"`
	Kind        string    `db:"kind" json:"kind"`

	Status  NodeExecutionStatus `db:"status" json:"status"`
	Attempt int                 `db:"attempt" json:"attempt"`

	// Resolved config after template expansion
	Input map[string]any `db:"input" json:"input,omitempty"`

	// Handler output addressable by downstream nodes
	Output map[string]any `db:"output" json:"output,omitempty"`

	Error *string `db:"error" json:"error,omitempty"`

	// Runtime metrics snapshot (memory, goroutines, duration)
	Metrics map[string]any `db:"metrics" json:"metrics,omitempty"`

	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// LogLevel for execution log entries
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is a structured log line tied to an execution, streamed to
// subscribers and persisted for replay.
// Maps to: execution_logs table
type LogEntry struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	ExecutionID uuid.UUID      `db:"execution_id" json:"execution_id"`
	NodeID      *string        `db:"node_id" json:"node_id,omitempty"`
	Level       LogLevel       `db:"level" json:"level"`
	Message     string         `db:"message" json:"message"`
	Fields      map[string]any `db:"fields" json:"fields,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}
