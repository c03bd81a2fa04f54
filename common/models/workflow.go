package models

import (
	"strings"

	"github.com/google/uuid"
)

// Block kinds understood by the worker. Lookup is case-insensitive;
// anything else resolves to KindUnknown.
const (
	KindHTTPRequest      = "HTTP_REQUEST"
	KindWebhook          = "WEBHOOK"
	KindCondition        = "CONDITION"
	KindSchedule         = "SCHEDULE"
	KindDataTransform    = "DATA_TRANSFORM"
	KindCustom           = "CUSTOM"
	KindAIAgent          = "AI_AGENT"
	KindEmail            = "EMAIL"
	KindPriceMonitor     = "PRICE_MONITOR"
	KindDefiLiquidity    = "DEFI_LIQUIDITY"
	KindDefiYield        = "DEFI_YIELD"
	KindPortfolioBalance = "PORTFOLIO_BALANCE"
	KindUnknown          = "UNKNOWN"
)

// NormalizeKind upper-cases a block kind for registry lookup.
func NormalizeKind(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}

// OnErrorPolicy controls what a node failure does to the rest of the run
type OnErrorPolicy string

const (
	// OnErrorHalt fails the execution after in-flight nodes drain. Default.
	OnErrorHalt OnErrorPolicy = "halt"
	// OnErrorContinue marks the node completed with empty output and
	// lets successors proceed.
	OnErrorContinue OnErrorPolicy = "continue"
)

// Workflow is the DAG definition executed by the worker. The control
// plane publishes it where workers can load it by id; the worker never
// mutates it.
type Workflow struct {
	ID     uuid.UUID `json:"id"`
	UserID string    `json:"user_id"`
	Name   string    `json:"name"`

	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	// Shared workflow data addressable via {{ctx.<path>}} templates
	Data map[string]any `json:"data,omitempty"`
}

// Node is a single block in the workflow graph
type Node struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`

	// Raw block configuration, template expressions unexpanded
	Config map[string]any `json:"config,omitempty"`

	OnError OnErrorPolicy `json:"on_error,omitempty"`

	// Per-node overrides; zero means engine defaults
	TimeoutMs  int `json:"timeout_ms,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`
}

// Policy returns the node's failure policy, defaulting to halt.
func (n Node) Policy() OnErrorPolicy {
	if n.OnError == OnErrorContinue {
		return OnErrorContinue
	}
	return OnErrorHalt
}

// Edge is a directed connection between two nodes
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`

	// Branch label for condition nodes ("true"/"false"). Empty for
	// unconditional edges.
	SourceHandle string `json:"source_handle,omitempty"`
}
