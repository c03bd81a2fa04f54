// Package engine consumes execution-start messages and drives workflow
// runs end to end: it claims the execution lock, loads the DAG, walks it
// with bounded parallelism and per-node retries, and settles the
// terminal status before announcing it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/models"
	redisc "github.com/blockpilot/worker/common/redis"
)

// Logger interface for dependency injection
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkflowKeyPrefix is where the control plane publishes workflow
// definitions for workers to load.
const WorkflowKeyPrefix = "workflow:def"

// WorkflowKey returns the Redis key holding a workflow definition.
func WorkflowKey(workflowID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", WorkflowKeyPrefix, workflowID)
}

// WorkflowSource loads workflow definitions by id.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*models.Workflow, error)
}

// RedisWorkflows loads definitions from the shared Redis the control
// plane writes them to on publish.
type RedisWorkflows struct {
	client *redisc.Client
}

// NewRedisWorkflows creates the Redis-backed source.
func NewRedisWorkflows(client *redisc.Client) *RedisWorkflows {
	return &RedisWorkflows{client: client}
}

var _ WorkflowSource = (*RedisWorkflows)(nil)

func (s *RedisWorkflows) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*models.Workflow, error) {
	raw, err := s.client.Get(ctx, WorkflowKey(workflowID))
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	var wf models.Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", workflowID, err)
	}
	return &wf, nil
}

// StaticWorkflows serves definitions from memory. Tests and local
// development seed it directly.
type StaticWorkflows struct {
	mu  sync.RWMutex
	wfs map[uuid.UUID]*models.Workflow
}

// NewStaticWorkflows creates an empty in-memory source.
func NewStaticWorkflows() *StaticWorkflows {
	return &StaticWorkflows{wfs: make(map[uuid.UUID]*models.Workflow)}
}

var _ WorkflowSource = (*StaticWorkflows)(nil)

// Add registers a workflow definition.
func (s *StaticWorkflows) Add(wf *models.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wfs[wf.ID] = wf
}

func (s *StaticWorkflows) GetWorkflow(_ context.Context, workflowID uuid.UUID) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.wfs[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return wf, nil
}
