package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/cmd/worker/agent"
	"github.com/blockpilot/worker/cmd/worker/llm"
	"github.com/blockpilot/worker/cmd/worker/mcp"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/security"
	"github.com/blockpilot/worker/common/template"
)

// ToolSupervisor is the slice of the tool-server supervisor the agent
// handler needs: register a server, read its schemas, call its tools.
type ToolSupervisor interface {
	Register(ctx context.Context, reg mcp.Registration) (string, error)
	Discover(serverID string) ([]mcp.ToolSchema, error)
	Invoke(ctx context.Context, serverID, tool string, params map[string]any) (*mcp.ToolResult, error)
}

// TranscriptStore persists agent transcripts.
type TranscriptStore interface {
	CreateTranscript(ctx context.Context, t *models.AgentTranscript) error
	UpdateTranscript(ctx context.Context, t *models.AgentTranscript) error
}

// AgentDeps bundles the collaborators of the AI-agent handler.
type AgentDeps struct {
	Engine     *agent.Engine
	Supervisor ToolSupervisor
	Catalogue  *agent.Catalogue
	Blockchain agent.BlockchainTools
	Screener   security.Validator
	Store      TranscriptStore
	Logger     Logger
}

// AgentHandler executes AI_AGENT blocks: it parses the block config,
// loads the selected tools, screens the prompts, runs the reasoning
// engine under the execution deadline and persists the transcript.
type AgentHandler struct {
	tpl  *template.Processor
	deps AgentDeps
}

// NewAgentHandler creates the handler.
func NewAgentHandler(tpl *template.Processor, deps AgentDeps) *AgentHandler {
	if deps.Screener == nil {
		deps.Screener = security.NewScreener()
	}
	return &AgentHandler{tpl: tpl, deps: deps}
}

func (h *AgentHandler) Kind() string { return models.KindAIAgent }

func (h *AgentHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	raw, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}
	cfg, err := agent.ParseBlockConfig(raw)
	if err != nil {
		return nil, err
	}

	tools, toolIDs, err := h.loadTools(ctx, cfg, ectx)
	if err != nil {
		return nil, err
	}

	// Screening happens before any model call; a violation aborts the
	// block without spending tokens.
	screen, err := h.deps.Screener.Validate(ctx, security.ScreenRequest{
		Prompt:       cfg.Agent.UserPrompt,
		SystemPrompt: cfg.Agent.SystemPrompt,
		ToolIDs:      toolIDs,
		UserID:       ectx.UserID,
		ExecutionID:  ectx.ExecutionID.String(),
	})
	if err != nil {
		return nil, faults.Handler(models.KindAIAgent, fmt.Errorf("security screening failed: %w", err), true)
	}
	if len(screen.Violations) > 0 {
		return nil, faults.Security(screen.Violations)
	}

	sessionID := configString(raw, "sessionId")
	if sessionID == "" {
		sessionID = ectx.ExecutionID.String()
	}

	transcript := h.createTranscript(ctx, cfg, ectx, sessionID)

	started := time.Now()
	outcome, err := h.runWithDeadline(ctx, cfg, agent.Request{
		Prompt:       cfg.Agent.UserPrompt,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Provider:     cfg.Provider.Type,
		Model:        cfg.Provider.Model,
		Temperature:  cfg.Provider.Temperature,
		MaxTokens:    cfg.Provider.MaxTokens,
		Tools:        tools,
		MaxSteps:     cfg.Agent.MaxSteps,
		ThinkingMode: cfg.Agent.ThinkingMode,
		SessionID:    sessionID,
		UserID:       ectx.UserID,
	})
	if err != nil {
		h.finishTranscript(transcript, cfg, nil, err, time.Since(started))
		if faults.KindOf(err) != "" {
			return nil, err
		}
		return nil, faults.Handler(models.KindAIAgent, err, true)
	}
	h.finishTranscript(transcript, cfg, outcome, nil, time.Since(started))

	// Downstream templates address the answer under whichever key the
	// workflow author expects, so every alias carries the same string.
	text := outcome.Text
	out := map[string]any{
		"status":      "success",
		"result":      text,
		"response":    text,
		"data":        text,
		"output":      text,
		"text":        text,
		"content":     text,
		"summary":     text,
		"tool_calls":  toolRecords(outcome.ToolCalls),
		"confidence":  outcome.Confidence,
		"provider":    outcome.Provider,
		"model":       outcome.Model,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if cfg.Execution.SaveThinking {
		out["thinking_steps"] = outcome.Steps
	}
	return out, nil
}

// runWithDeadline races the reasoning engine against the block's
// execution timeout. The engine goroutine keeps the context so a lost
// race cancels the in-flight provider call.
func (h *AgentHandler) runWithDeadline(ctx context.Context, cfg *agent.BlockConfig, req agent.Request) (*agent.Outcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.Execution.Timeout)
	defer cancel()

	type result struct {
		outcome *agent.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := h.deps.Engine.Run(runCtx, req)
		done <- result{outcome, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, faults.Deadline(models.KindAIAgent, fmt.Errorf("agent run exceeded %s", cfg.Execution.Timeout))
		}
		return r.outcome, r.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, faults.Deadline(models.KindAIAgent, fmt.Errorf("agent run exceeded %s", cfg.Execution.Timeout))
		}
		return nil, runCtx.Err()
	}
}

// loadTools turns the tool selections into invokable definitions. MCP
// and builtin selections launch (or replace) a catalogue server and
// expose every discovered tool; blockchain selections wrap one provider
// operation each.
func (h *AgentHandler) loadTools(ctx context.Context, cfg *agent.BlockConfig, ectx *ExecContext) ([]llm.ToolDef, []string, error) {
	var defs []llm.ToolDef
	ids := make([]string, 0, len(cfg.Tools))

	for _, sel := range cfg.Tools {
		ids = append(ids, sel.ID)
		switch sel.Type {
		case agent.ToolTypeBlockchain:
			def, err := h.blockchainTool(ctx, sel)
			if err != nil {
				return nil, nil, err
			}
			defs = append(defs, *def)
		case agent.ToolTypeMCP, agent.ToolTypeBuiltin:
			more, err := h.mcpTools(ctx, sel, ectx.UserID)
			if err != nil {
				return nil, nil, err
			}
			defs = append(defs, more...)
		default:
			h.deps.Logger.Warn("skipping tool with unknown type",
				"tool", sel.ID, "type", sel.Type)
		}
	}
	return defs, ids, nil
}

func (h *AgentHandler) mcpTools(ctx context.Context, sel agent.ToolSelection, userID string) ([]llm.ToolDef, error) {
	spec, ok := h.deps.Catalogue.Lookup(sel.ID)
	if !ok {
		return nil, faults.Validation("unknown tool server %q", sel.ID)
	}

	serverID, err := h.deps.Supervisor.Register(ctx, mcp.Registration{
		UserID:  userID,
		Name:    sel.ID,
		Command: spec.Command,
		Args:    spec.Args,
		Env:     h.deps.Catalogue.ResolveEnv(spec, sel.Config),
	})
	if err != nil {
		return nil, err
	}

	schemas, err := h.deps.Supervisor.Discover(serverID)
	if err != nil {
		return nil, err
	}

	defs := make([]llm.ToolDef, 0, len(schemas))
	for _, schema := range schemas {
		defs = append(defs, llm.ToolDef{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  schemaParameters(schema.InputSchema),
			Invoke:      h.mcpInvoke(serverID, schema.Name),
		})
	}

	h.deps.Logger.Debug("tool server loaded",
		"server", serverID, "tools", len(defs))
	return defs, nil
}

func (h *AgentHandler) mcpInvoke(serverID, tool string) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, params map[string]any) (string, error) {
		res, err := h.deps.Supervisor.Invoke(ctx, serverID, tool, params)
		if err != nil {
			return "", err
		}
		if res.IsError {
			return "", fmt.Errorf("tool %s reported an error: %s", tool, res.Text())
		}
		return res.Text(), nil
	}
}

func (h *AgentHandler) blockchainTool(ctx context.Context, sel agent.ToolSelection) (*llm.ToolDef, error) {
	if h.deps.Blockchain == nil {
		return nil, faults.Validation("blockchain tools are not configured on this worker")
	}
	desc, err := h.deps.Blockchain.Descriptor(ctx, sel.ID)
	if err != nil {
		return nil, faults.Handler(models.KindAIAgent, err, true)
	}

	toolID := sel.ID
	return &llm.ToolDef{
		Name:        desc.Name,
		Description: desc.Description,
		Parameters:  desc.Parameters,
		Invoke: func(ctx context.Context, params map[string]any) (string, error) {
			return h.deps.Blockchain.Invoke(ctx, toolID, params)
		},
	}, nil
}

// createTranscript writes the running transcript row. A storage
// failure downgrades to a log line; the agent result matters more than
// its record.
func (h *AgentHandler) createTranscript(ctx context.Context, cfg *agent.BlockConfig, ectx *ExecContext, sessionID string) *models.AgentTranscript {
	if h.deps.Store == nil {
		return nil
	}
	now := time.Now().UTC()
	t := &models.AgentTranscript{
		ID:           uuid.New(),
		ExecutionID:  ectx.ExecutionID,
		NodeID:       ectx.NodeID,
		SessionID:    sessionID,
		UserID:       ectx.UserID,
		Status:       models.TranscriptRunning,
		Provider:     cfg.Provider.Type,
		Model:        cfg.Provider.Model,
		Prompt:       cfg.Agent.UserPrompt,
		SystemPrompt: cfg.Agent.SystemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.deps.Store.CreateTranscript(ctx, t); err != nil {
		h.deps.Logger.Warn("failed to create agent transcript",
			"execution_id", ectx.ExecutionID, "node_id", ectx.NodeID, "error", err)
		return nil
	}
	return t
}

// finishTranscript records the terminal transcript state. It runs on a
// detached context so a cancelled block still leaves a readable record.
func (h *AgentHandler) finishTranscript(t *models.AgentTranscript, cfg *agent.BlockConfig, outcome *agent.Outcome, runErr error, elapsed time.Duration) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.UpdatedAt = time.Now().UTC()
	t.ExecutionMs = elapsed.Milliseconds()
	if runErr != nil {
		t.Status = models.TranscriptFailed
		t.Response = runErr.Error()
	} else {
		t.Status = models.TranscriptCompleted
		t.Response = outcome.Text
		t.ToolCalls = toolRecords(outcome.ToolCalls)
		t.Confidence = outcome.Confidence
		t.Provider = outcome.Provider
		t.TotalTokens = outcome.Usage.TotalTokens
		if cfg.Execution.SaveThinking {
			t.ThinkingSteps = outcome.Steps
		}
	}
	if err := h.deps.Store.UpdateTranscript(ctx, t); err != nil {
		h.deps.Logger.Warn("failed to update agent transcript",
			"transcript_id", t.ID, "error", err)
	}
}

func toolRecords(calls []llm.ToolCall) []models.ToolCallRecord {
	out := make([]models.ToolCallRecord, 0, len(calls))
	for _, call := range calls {
		out = append(out, models.ToolCallRecord{
			Name:       call.Name,
			Parameters: call.Parameters,
			Result:     call.Result,
			Error:      call.Error,
		})
	}
	return out
}

func schemaParameters(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil
	}
	return params
}
