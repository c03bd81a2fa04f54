// Package llm holds the language-model provider pool. Each backend
// implements Provider over its vendor SDK and runs the function-calling
// loop itself: tool results are fed back into the conversation until the
// model stops requesting tools or the step budget runs out.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Logger interface for dependency injection
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ToolDef describes a callable tool bound into a generation request.
// Invoke runs the tool and returns its textual result; the provider
// feeds that result back to the model as a tool response.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Invoke      func(ctx context.Context, params map[string]interface{}) (string, error)
}

// Request is a single generation request.
type Request struct {
	// Model overrides the provider's default model when set.
	Model        string
	Prompt       string
	SystemPrompt string
	Tools        []ToolDef
	Temperature  float32
	MaxTokens    int
	// MaxSteps bounds the tool-calling conversation. Each step is one
	// round trip to the model. Zero means a single step.
	MaxSteps int
}

// ToolCall records one tool invocation made during generation.
type ToolCall struct {
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Result     string                 `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Step is one model round trip: the text it produced and the tools it
// asked for in that turn.
type Step struct {
	Index     int        `json:"index"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage aggregates token counts across all steps of a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of a generation request.
type Result struct {
	// Text is the final assistant message.
	Text      string     `json:"text"`
	Steps     []Step     `json:"steps,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Provider is a uniform handle over one model vendor.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Healthy(ctx context.Context) bool
	Name() string
}

// Provider names used for registration and fallback routing.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
	ProviderOllama     = "ollama"
)

// toolIndex builds a lookup of tool definitions by name.
func toolIndex(defs []ToolDef) map[string]ToolDef {
	idx := make(map[string]ToolDef, len(defs))
	for _, def := range defs {
		idx[def.Name] = def
	}
	return idx
}

// invokeTool runs the named tool, tolerating models that request tools
// that were never advertised.
func invokeTool(ctx context.Context, idx map[string]ToolDef, name string, params map[string]interface{}) (string, error) {
	def, ok := idx[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if def.Invoke == nil {
		return "", fmt.Errorf("tool %q has no handler", name)
	}
	return def.Invoke(ctx, params)
}

// decodeArguments parses a model-produced argument payload. Malformed
// JSON is preserved under a "raw" key so the tool still sees something.
func decodeArguments(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return params
}
