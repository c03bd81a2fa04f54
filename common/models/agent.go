package models

import (
	"time"

	"github.com/google/uuid"
)

// TranscriptStatus tracks an agent session's lifecycle
type TranscriptStatus string

const (
	TranscriptRunning   TranscriptStatus = "running"
	TranscriptCompleted TranscriptStatus = "completed"
	TranscriptFailed    TranscriptStatus = "failed"
)

// ThinkingStep is one recorded phase of the agent's reasoning.
// Step is the 1-based position in the transcript.
type ThinkingStep struct {
	Step       int       `json:"step"`
	Phase      string    `json:"phase"` // plan, select_tools, execute, reflect, conclude
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// ToolCallRecord is a normalized record of one tool invocation
type ToolCallRecord struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// AgentTranscript persists a full agent session: prompt, reasoning
// steps, tool calls and the final response.
// Maps to: agent_transcripts table
type AgentTranscript struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`
	NodeID      string    `db:"node_id" json:"node_id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	UserID      string    `db:"user_id" json:"user_id"`

	Status   TranscriptStatus `db:"status" json:"status"`
	Provider string           `db:"provider" json:"provider"`
	Model    string           `db:"model" json:"model"`

	Prompt       string `db:"prompt" json:"prompt"`
	SystemPrompt string `db:"system_prompt" json:"system_prompt,omitempty"`
	Response     string `db:"response" json:"response,omitempty"`

	ThinkingSteps []ThinkingStep   `db:"thinking_steps" json:"thinking_steps,omitempty"`
	ToolCalls     []ToolCallRecord `db:"tool_calls" json:"tool_calls,omitempty"`

	// Mean of per-step confidence scores, in [0,1]
	Confidence float64 `db:"confidence" json:"confidence"`

	// TotalTokens is the provider-reported usage; zero when the run
	// failed before a generation completed.
	TotalTokens int   `db:"total_tokens" json:"total_tokens,omitempty"`
	ExecutionMs int64 `db:"execution_ms" json:"execution_ms"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
