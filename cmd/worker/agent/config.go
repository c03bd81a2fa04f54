package agent

import (
	"strings"
	"time"

	"github.com/blockpilot/worker/common/faults"
)

// Thinking modes. Deliberate adds a reflection pass; collaborative is
// reserved for multi-agent sessions.
const (
	ModeFast          = "fast"
	ModeDeliberate    = "deliberate"
	ModeCollaborative = "collaborative"
)

// Tool selection types.
const (
	ToolTypeMCP        = "mcp"
	ToolTypeBlockchain = "blockchain"
	ToolTypeBuiltin    = "builtin"
)

// BlockConfig is the parsed configuration of an AI_AGENT node.
type BlockConfig struct {
	Provider  ProviderSpec
	Agent     AgentSpec
	Tools     []ToolSelection
	Execution ExecutionSpec
}

// ProviderSpec names the model backend for the run.
type ProviderSpec struct {
	Type        string
	Model       string
	Temperature float32
	MaxTokens   int
}

// AgentSpec carries the prompts and reasoning parameters.
type AgentSpec struct {
	Name         string
	SystemPrompt string
	UserPrompt   string
	MaxSteps     int
	ThinkingMode string
}

// ToolSelection is one tool the user attached to the agent.
type ToolSelection struct {
	ID      string
	Name    string
	Type    string
	Config  map[string]any
	Enabled bool
}

// ExecutionSpec bounds the run.
type ExecutionSpec struct {
	Mode            string
	Timeout         time.Duration
	RequireApproval bool
	SaveThinking    bool
}

// ParseBlockConfig decodes an AI_AGENT node configuration. Two shapes
// are accepted: the fields at the top level of `data`, or nested one
// level deeper under `data.config` (the editor emits both depending on
// version).
func ParseBlockConfig(raw map[string]any) (*BlockConfig, error) {
	root := raw
	if d, ok := asMap(raw["data"]); ok {
		if c, ok := asMap(d["config"]); ok {
			root = c
		} else {
			root = d
		}
	} else if c, ok := asMap(raw["config"]); ok {
		root = c
	}

	cfg := &BlockConfig{
		Provider: ProviderSpec{
			Type:        "openai",
			Temperature: 0.7,
		},
		Agent: AgentSpec{
			MaxSteps:     5,
			ThinkingMode: ModeFast,
		},
		Execution: ExecutionSpec{
			Timeout:      5 * time.Minute,
			SaveThinking: true,
		},
	}

	if p, ok := asMap(root["provider"]); ok {
		cfg.Provider.Type = stringOr(p["type"], cfg.Provider.Type)
		cfg.Provider.Model = stringOr(p["model"], "")
		cfg.Provider.Temperature = float32Or(p["temperature"], cfg.Provider.Temperature)
		cfg.Provider.MaxTokens = intOr(p["maxTokens"], 0)
	}

	if a, ok := asMap(root["agent"]); ok {
		cfg.Agent.Name = stringOr(a["name"], "")
		cfg.Agent.SystemPrompt = stringOr(a["systemPrompt"], "")
		cfg.Agent.UserPrompt = stringOr(a["userPrompt"], "")
		cfg.Agent.MaxSteps = intOr(a["maxSteps"], cfg.Agent.MaxSteps)
		cfg.Agent.ThinkingMode = normalizeMode(stringOr(a["thinkingMode"], cfg.Agent.ThinkingMode))
	}

	if tools, ok := root["selectedTools"].([]any); ok {
		for _, entry := range tools {
			t, ok := asMap(entry)
			if !ok {
				continue
			}
			sel := ToolSelection{
				ID:      stringOr(t["id"], ""),
				Name:    stringOr(t["name"], ""),
				Type:    strings.ToLower(stringOr(t["type"], ToolTypeMCP)),
				Enabled: boolOr(t["enabled"], true),
			}
			if c, ok := asMap(t["config"]); ok {
				sel.Config = c
			}
			if sel.ID == "" {
				sel.ID = sel.Name
			}
			if sel.Enabled && sel.ID != "" {
				cfg.Tools = append(cfg.Tools, sel)
			}
		}
	}

	if e, ok := asMap(root["execution"]); ok {
		cfg.Execution.Mode = stringOr(e["mode"], "")
		if ms := intOr(e["timeoutMs"], 0); ms > 0 {
			cfg.Execution.Timeout = time.Duration(ms) * time.Millisecond
		}
		cfg.Execution.RequireApproval = boolOr(e["requireApproval"], false)
		cfg.Execution.SaveThinking = boolOr(e["saveThinking"], true)
	}

	if cfg.Agent.UserPrompt == "" {
		// Older payloads carry the prompt at the top level.
		cfg.Agent.UserPrompt = stringOr(root["prompt"], "")
	}
	if cfg.Agent.UserPrompt == "" {
		return nil, faults.Validation("agent block requires a user prompt")
	}
	if cfg.Agent.MaxSteps < 1 {
		cfg.Agent.MaxSteps = 1
	}

	return cfg, nil
}

func normalizeMode(mode string) string {
	switch strings.ToLower(mode) {
	case ModeDeliberate:
		return ModeDeliberate
	case ModeCollaborative:
		return ModeCollaborative
	default:
		return ModeFast
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intOr(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func float32Or(v any, fallback float32) float32 {
	switch n := v.(type) {
	case float64:
		return float32(n)
	case float32:
		return n
	case int:
		return float32(n)
	}
	return fallback
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}
