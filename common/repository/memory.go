package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/models"
)

// MemoryStore is an in-memory implementation of the persistence ports,
// used by tests and local development without Postgres. All methods are
// safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	executions  map[uuid.UUID]*models.Execution
	nodeExecs   map[uuid.UUID]*models.NodeExecution
	logs        []*models.LogEntry
	transcripts map[uuid.UUID]*models.AgentTranscript
	breakers    map[string]*models.BreakerState
	plans       map[string]string
	userCode    map[string]*UserCode
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[uuid.UUID]*models.Execution),
		nodeExecs:   make(map[uuid.UUID]*models.NodeExecution),
		transcripts: make(map[uuid.UUID]*models.AgentTranscript),
		breakers:    make(map[string]*models.BreakerState),
		plans:       make(map[string]string),
		userCode:    make(map[string]*UserCode),
	}
}

var (
	_ ExecutionStore      = (*MemoryStore)(nil)
	_ CircuitBreakerStore = (*MemoryStore)(nil)
	_ SubscriptionPort    = (*MemoryStore)(nil)
	_ UserCodePort        = (*MemoryStore)(nil)
)

// SeedExecution inserts an execution row, as the control plane would
// before enqueueing the start message.
func (m *MemoryStore) SeedExecution(e *models.Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.executions[cp.ID] = &cp
}

// SeedPlan sets a user's subscription plan.
func (m *MemoryStore) SeedPlan(userID, plan string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[userID] = plan
}

// SeedUserCode stores a user script for CUSTOM blocks.
func (m *MemoryStore) SeedUserCode(code *UserCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCode[code.ID] = code
}

func (m *MemoryStore) ClaimLock(ctx context.Context, executionID uuid.UUID, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[executionID]
	if !ok {
		return false, fmt.Errorf("execution %s not found", executionID)
	}

	if e.Status != models.ExecutionPending && e.Status != models.ExecutionRunning {
		return false, nil
	}
	if e.LockedBy != nil && *e.LockedBy != workerID {
		return false, nil
	}

	now := time.Now().UTC()
	e.LockedBy = &workerID
	e.Status = models.ExecutionRunning
	if e.StartedAt == nil {
		e.StartedAt = &now
	}
	e.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, executionID uuid.UUID, workerID string, status models.ExecutionStatus, output map[string]any, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	if e.LockedBy == nil || *e.LockedBy != workerID {
		return fmt.Errorf("execution %s not locked by %s", executionID, workerID)
	}

	now := time.Now().UTC()
	e.Status = status
	e.Output = output
	e.Error = errMsg
	e.FinishedAt = &now
	e.UpdatedAt = now
	e.LockedBy = nil
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, executionID uuid.UUID) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) UpdateExecutionStatus(ctx context.Context, executionID uuid.UUID, status models.ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s not found", executionID)
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ne
	m.nodeExecs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.nodeExecs[ne.ID]
	if !ok {
		return fmt.Errorf("node execution %s not found", ne.ID)
	}
	existing.Status = ne.Status
	existing.Output = ne.Output
	existing.Error = ne.Error
	existing.Metrics = ne.Metrics
	existing.FinishedAt = ne.FinishedAt
	return nil
}

func (m *MemoryStore) ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*models.NodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.NodeExecution
	for _, ne := range m.nodeExecs {
		if ne.ExecutionID == executionID {
			cp := *ne
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendLogs(ctx context.Context, entries []*models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		cp := *e
		m.logs = append(m.logs, &cp)
	}
	return nil
}

// Logs returns a snapshot of persisted log entries.
func (m *MemoryStore) Logs() []*models.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *MemoryStore) CreateTranscript(ctx context.Context, t *models.AgentTranscript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.transcripts[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTranscript(ctx context.Context, t *models.AgentTranscript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.transcripts[t.ID]
	if !ok {
		return fmt.Errorf("transcript %s not found", t.ID)
	}
	existing.Status = t.Status
	existing.Response = t.Response
	existing.ThinkingSteps = t.ThinkingSteps
	existing.ToolCalls = t.ToolCalls
	existing.Confidence = t.Confidence
	existing.TotalTokens = t.TotalTokens
	existing.ExecutionMs = t.ExecutionMs
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// Transcripts returns a snapshot of stored transcripts.
func (m *MemoryStore) Transcripts() []*models.AgentTranscript {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.AgentTranscript, 0, len(m.transcripts))
	for _, t := range m.transcripts {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

func (m *MemoryStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Execution
	for _, e := range m.executions {
		if e.Status == models.ExecutionRunning && e.UpdatedAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, scope string) (*models.BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.breakers[scope]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, state *models.BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *state
	cp.UpdatedAt = time.Now().UTC()
	m.breakers[cp.Scope] = &cp
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.BreakerState, 0, len(m.breakers))
	for _, s := range m.breakers {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Reset(ctx context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, scope)
	return nil
}

func (m *MemoryStore) CanUseDeliberate(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan := m.plans[userID]
	return plan == "pro" || plan == "team" || plan == "enterprise", nil
}

func (m *MemoryStore) CanUseCollaborative(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan := m.plans[userID]
	return plan == "team" || plan == "enterprise", nil
}

func (m *MemoryStore) GetUserCode(ctx context.Context, codeID string) (*UserCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.userCode[codeID]
	if !ok {
		return nil, fmt.Errorf("user code %s not found", codeID)
	}
	cp := *code
	return &cp, nil
}
