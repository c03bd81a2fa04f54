package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/db"
	"github.com/blockpilot/worker/common/models"
)

// ExecutionRepository is the Postgres-backed ExecutionStore
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

var _ ExecutionStore = (*ExecutionRepository)(nil)

// ClaimLock claims an execution with a conditional update. Zero rows
// affected means another worker holds the lock or the execution is
// already terminal.
func (r *ExecutionRepository) ClaimLock(ctx context.Context, executionID uuid.UUID, workerID string) (bool, error) {
	query := `
		UPDATE executions
		SET locked_by = $2,
		    status = 'running',
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_by = $2)
		  AND status IN ('pending', 'running')
	`

	tag, err := r.db.Exec(ctx, query, executionID, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to claim execution lock: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ReleaseLock writes the terminal state and clears the lock
func (r *ExecutionRepository) ReleaseLock(ctx context.Context, executionID uuid.UUID, workerID string, status models.ExecutionStatus, output map[string]any, errMsg *string) error {
	outputJSON, err := marshalJSON(output)
	if err != nil {
		return fmt.Errorf("failed to encode execution output: %w", err)
	}

	query := `
		UPDATE executions
		SET status = $3,
		    output = $4,
		    error = $5,
		    finished_at = now(),
		    updated_at = now(),
		    locked_by = NULL
		WHERE id = $1 AND locked_by = $2
	`

	tag, err := r.db.Exec(ctx, query, executionID, workerID, status, outputJSON, errMsg)
	if err != nil {
		return fmt.Errorf("failed to release execution lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not locked by %s", executionID, workerID)
	}

	return nil
}

// GetExecution retrieves an execution by ID
func (r *ExecutionRepository) GetExecution(ctx context.Context, executionID uuid.UUID) (*models.Execution, error) {
	query := `
		SELECT id, workflow_id, user_id, status, locked_by, input, output, error,
		       started_at, finished_at, created_at, updated_at
		FROM executions
		WHERE id = $1
	`

	e := &models.Execution{}
	var inputJSON, outputJSON []byte

	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&e.ID,
		&e.WorkflowID,
		&e.UserID,
		&e.Status,
		&e.LockedBy,
		&inputJSON,
		&outputJSON,
		&e.Error,
		&e.StartedAt,
		&e.FinishedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if err := unmarshalJSON(inputJSON, &e.Input); err != nil {
		return nil, fmt.Errorf("failed to decode execution input: %w", err)
	}
	if err := unmarshalJSON(outputJSON, &e.Output); err != nil {
		return nil, fmt.Errorf("failed to decode execution output: %w", err)
	}

	return e, nil
}

// UpdateExecutionStatus updates the status of an execution
func (r *ExecutionRepository) UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status models.ExecutionStatus) error {
	query := `
		UPDATE executions
		SET status = $2, updated_at = now()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, executionID, status)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	return nil
}

// CreateNodeExecution inserts a node execution attempt
func (r *ExecutionRepository) CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	inputJSON, err := marshalJSON(ne.Input)
	if err != nil {
		return fmt.Errorf("failed to encode node input: %w", err)
	}

	query := `
		INSERT INTO node_executions (id, execution_id, node_id, kind, status, attempt, input, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.Exec(
		ctx,
		query,
		ne.ID,
		ne.ExecutionID,
		ne.NodeID,
		ne.Kind,
		ne.Status,
		ne.Attempt,
		inputJSON,
		ne.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create node execution: %w", err)
	}

	return nil
}

// UpdateNodeExecution writes the outcome of a node execution attempt
func (r *ExecutionRepository) UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	outputJSON, err := marshalJSON(ne.Output)
	if err != nil {
		return fmt.Errorf("failed to encode node output: %w", err)
	}
	metricsJSON, err := marshalJSON(ne.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode node metrics: %w", err)
	}

	query := `
		UPDATE node_executions
		SET status = $2, output = $3, error = $4, metrics = $5, finished_at = $6
		WHERE id = $1
	`

	_, err = r.db.Exec(ctx, query, ne.ID, ne.Status, outputJSON, ne.Error, metricsJSON, ne.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update node execution: %w", err)
	}

	return nil
}

// ListNodeExecutions retrieves all node executions for a run, attempt order
func (r *ExecutionRepository) ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	query := `
		SELECT id, execution_id, node_id, kind, status, attempt, input, output, error, metrics, started_at, finished_at
		FROM node_executions
		WHERE execution_id = $1
		ORDER BY started_at ASC, attempt ASC
	`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.NodeExecution
	for rows.Next() {
		ne := &models.NodeExecution{}
		var inputJSON, outputJSON, metricsJSON []byte

		err := rows.Scan(
			&ne.ID,
			&ne.ExecutionID,
			&ne.NodeID,
			&ne.Kind,
			&ne.Status,
			&ne.Attempt,
			&inputJSON,
			&outputJSON,
			&ne.Error,
			&metricsJSON,
			&ne.StartedAt,
			&ne.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}

		if err := unmarshalJSON(inputJSON, &ne.Input); err != nil {
			return nil, fmt.Errorf("failed to decode node input: %w", err)
		}
		if err := unmarshalJSON(outputJSON, &ne.Output); err != nil {
			return nil, fmt.Errorf("failed to decode node output: %w", err)
		}
		if err := unmarshalJSON(metricsJSON, &ne.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode node metrics: %w", err)
		}

		executions = append(executions, ne)
	}

	return executions, rows.Err()
}

// AppendLogs writes a batch of log entries in one statement
func (r *ExecutionRepository) AppendLogs(ctx context.Context, entries []*models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO execution_logs (id, execution_id, node_id, level, message, fields, created_at)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::text[], $4::text[], $5::text[], $6::jsonb[], $7::timestamptz[])
	`

	ids := make([]uuid.UUID, len(entries))
	execIDs := make([]uuid.UUID, len(entries))
	nodeIDs := make([]*string, len(entries))
	levels := make([]string, len(entries))
	messages := make([]string, len(entries))
	fields := make([][]byte, len(entries))
	createdAts := make([]time.Time, len(entries))

	for i, e := range entries {
		ids[i] = e.ID
		execIDs[i] = e.ExecutionID
		nodeIDs[i] = e.NodeID
		levels[i] = string(e.Level)
		messages[i] = e.Message
		fieldsJSON, err := marshalJSON(e.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode log fields: %w", err)
		}
		fields[i] = fieldsJSON
		createdAts[i] = e.CreatedAt
	}

	_, err := r.db.Exec(ctx, query, ids, execIDs, nodeIDs, levels, messages, fields, createdAts)
	if err != nil {
		return fmt.Errorf("failed to append execution logs: %w", err)
	}

	return nil
}

// CreateTranscript inserts an agent transcript
func (r *ExecutionRepository) CreateTranscript(ctx context.Context, t *models.AgentTranscript) error {
	stepsJSON, err := marshalJSON(t.ThinkingSteps)
	if err != nil {
		return fmt.Errorf("failed to encode thinking steps: %w", err)
	}
	callsJSON, err := marshalJSON(t.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}

	query := `
		INSERT INTO agent_transcripts (id, execution_id, node_id, session_id, user_id, status,
		       provider, model, prompt, system_prompt, response, thinking_steps, tool_calls,
		       confidence, total_tokens, execution_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.Exec(
		ctx,
		query,
		t.ID,
		t.ExecutionID,
		t.NodeID,
		t.SessionID,
		t.UserID,
		t.Status,
		t.Provider,
		t.Model,
		t.Prompt,
		t.SystemPrompt,
		t.Response,
		stepsJSON,
		callsJSON,
		t.Confidence,
		t.TotalTokens,
		t.ExecutionMs,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent transcript: %w", err)
	}

	return nil
}

// UpdateTranscript writes the final state of an agent transcript
func (r *ExecutionRepository) UpdateTranscript(ctx context.Context, t *models.AgentTranscript) error {
	stepsJSON, err := marshalJSON(t.ThinkingSteps)
	if err != nil {
		return fmt.Errorf("failed to encode thinking steps: %w", err)
	}
	callsJSON, err := marshalJSON(t.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}

	query := `
		UPDATE agent_transcripts
		SET status = $2, response = $3, thinking_steps = $4, tool_calls = $5, confidence = $6,
		    total_tokens = $7, execution_ms = $8, updated_at = now()
		WHERE id = $1
	`

	_, err = r.db.Exec(ctx, query, t.ID, t.Status, t.Response, stepsJSON, callsJSON, t.Confidence, t.TotalTokens, t.ExecutionMs)
	if err != nil {
		return fmt.Errorf("failed to update agent transcript: %w", err)
	}

	return nil
}

// ListStaleRunning returns running executions whose last update predates
// the cutoff. The reaper fails these and clears their locks.
func (r *ExecutionRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	query := `
		SELECT id, workflow_id, user_id, status, locked_by, input, output, error,
		       started_at, finished_at, created_at, updated_at
		FROM executions
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT 100
	`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e := &models.Execution{}
		var inputJSON, outputJSON []byte

		err := rows.Scan(
			&e.ID,
			&e.WorkflowID,
			&e.UserID,
			&e.Status,
			&e.LockedBy,
			&inputJSON,
			&outputJSON,
			&e.Error,
			&e.StartedAt,
			&e.FinishedAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		if err := unmarshalJSON(inputJSON, &e.Input); err != nil {
			return nil, fmt.Errorf("failed to decode execution input: %w", err)
		}
		if err := unmarshalJSON(outputJSON, &e.Output); err != nil {
			return nil, fmt.Errorf("failed to decode execution output: %w", err)
		}

		executions = append(executions, e)
	}

	return executions, rows.Err()
}

// marshalJSON encodes a value for a jsonb column, mapping nil to SQL NULL.
func marshalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// unmarshalJSON decodes a jsonb column, leaving the target zero for NULL.
func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
