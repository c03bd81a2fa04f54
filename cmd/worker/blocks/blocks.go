// Package blocks holds the handler for every block kind the worker can
// execute, plus the registry that dispatches on the kind tag. Handlers
// share one contract: expand the node config against the execution's
// data context before kind logic, then return a flat output map that
// downstream templates can address as {{json.<key>}}.
package blocks

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// Logger interface for dependency injection
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Handler executes one block kind.
type Handler interface {
	Kind() string
	Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error)
}

// ExecContext carries per-node execution state into a handler. The
// engine builds one per attempt.
type ExecContext struct {
	ExecutionID uuid.UUID
	WorkflowID  uuid.UUID
	UserID      string
	NodeID      string
	Attempt     int

	// Inputs are the execution's input parameters; they override node
	// config keys during expansion.
	Inputs map[string]any

	// PreviousOutputs maps completed upstream node ids to their outputs.
	PreviousOutputs map[string]map[string]any

	// Data is the merged {{json.*}} context: execution input overlaid
	// with upstream outputs.
	Data map[string]any

	// Meta is the {{ctx.*}} context: workflow data plus execution
	// metadata.
	Meta map[string]any

	WorkflowData map[string]any

	Logger Logger
}

// EffectiveConfig merges the node config with the execution inputs and
// expands template expressions against the data and meta contexts.
func EffectiveConfig(tpl *template.Processor, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	merged := make(map[string]any, len(node.Config)+len(ectx.Inputs))
	for k, v := range node.Config {
		merged[k] = v
	}
	for k, v := range ectx.Inputs {
		merged[k] = v
	}
	return tpl.ApplyConfig(merged, ectx.Data, ectx.Meta)
}

// Config field coercion. The editor serialises numbers as floats and
// the occasional boolean as a string; handlers tolerate both.

func configString(config map[string]any, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

func configStringOr(config map[string]any, key, fallback string) string {
	if s := configString(config, key); s != "" {
		return s
	}
	return fallback
}

func configInt(config map[string]any, key string, fallback int) int {
	switch n := config[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if v, err := strconv.Atoi(n); err == nil {
			return v
		}
	}
	return fallback
}

func configBool(config map[string]any, key string, fallback bool) bool {
	switch v := config[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func configMap(config map[string]any, key string) map[string]any {
	if m, ok := config[key].(map[string]any); ok {
		return m
	}
	return nil
}
