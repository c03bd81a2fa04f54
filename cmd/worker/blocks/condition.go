package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/tidwall/gjson"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// Comparison operators for the field/operator/value form.
var conditionOperators = map[string]bool{
	"eq": true, "neq": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
	"contains": true, "not_contains": true,
	"exists": true, "not_exists": true,
}

// ConditionHandler executes CONDITION blocks. Two config forms are
// supported: a comparison of a single field against a value
// ({field, operator, value}), or a CEL expression over the data and
// meta contexts ({expression}). Compiled expressions are cached.
//
// The output carries the branch label ("true"/"false") the engine uses
// to pick which outgoing edges fire.
type ConditionHandler struct {
	tpl *template.Processor
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionHandler creates the handler and its CEL environment.
func NewConditionHandler(tpl *template.Processor) (*ConditionHandler, error) {
	env, err := cel.NewEnv(
		cel.Variable("json", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &ConditionHandler{
		tpl:   tpl,
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (h *ConditionHandler) Kind() string { return models.KindCondition }

func (h *ConditionHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	var result bool
	switch {
	case configString(cfg, "expression") != "":
		result, err = h.evaluateCEL(configString(cfg, "expression"), ectx)
	case configString(cfg, "field") != "":
		result, err = evaluateComparison(cfg, ectx.Data)
	default:
		return nil, faults.Validation("condition block requires a field or an expression")
	}
	if err != nil {
		return nil, err
	}

	branch := "false"
	if result {
		branch = "true"
	}
	return map[string]any{
		"result":  result,
		"matched": result,
		"branch":  branch,
	}, nil
}

// evaluateCEL compiles (with caching) and runs a CEL expression against
// {json: data, ctx: meta}.
func (h *ConditionHandler) evaluateCEL(expr string, ectx *ExecContext) (bool, error) {
	h.mu.RLock()
	prg, ok := h.cache[expr]
	h.mu.RUnlock()

	if !ok {
		ast, issues := h.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return false, faults.Validation("invalid condition expression: %v", issues.Err())
		}
		var err error
		prg, err = h.env.Program(ast)
		if err != nil {
			return false, faults.Validation("failed to build condition program: %v", err)
		}

		h.mu.Lock()
		h.cache[expr] = prg
		h.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"json": ectx.Data,
		"ctx":  ectx.Meta,
	})
	if err != nil {
		return false, faults.Handler(models.KindCondition, fmt.Errorf("condition evaluation failed: %w", err), false)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, faults.Validation("condition expression returned %T, want bool", out.Value())
	}
	return result, nil
}

// evaluateComparison runs the single-field comparison form against the
// data context.
func evaluateComparison(cfg map[string]any, data map[string]any) (bool, error) {
	operator := strings.ToLower(configStringOr(cfg, "operator", "eq"))
	if !conditionOperators[operator] {
		return false, faults.Validation("unknown condition operator %q", operator)
	}

	path := strings.TrimPrefix(configString(cfg, "field"), "json.")
	encoded, err := json.Marshal(data)
	if err != nil {
		return false, faults.Handler(models.KindCondition, err, false)
	}
	field := gjson.GetBytes(encoded, path)

	switch operator {
	case "exists":
		return field.Exists(), nil
	case "not_exists":
		return !field.Exists(), nil
	}

	value := cfg["value"]
	switch operator {
	case "eq":
		return compareEqual(field, value), nil
	case "neq":
		return !compareEqual(field, value), nil
	case "contains":
		return compareContains(field, value), nil
	case "not_contains":
		return !compareContains(field, value), nil
	}

	// Ordered comparisons: numeric when both sides coerce, otherwise
	// lexicographic.
	ordering, err := compareOrder(field, value)
	if err != nil {
		return false, err
	}
	switch operator {
	case "gt":
		return ordering > 0, nil
	case "gte":
		return ordering >= 0, nil
	case "lt":
		return ordering < 0, nil
	default: // lte
		return ordering <= 0, nil
	}
}

func compareEqual(field gjson.Result, value any) bool {
	if fn, ok := numeric(field); ok {
		if vn, ok := numericValue(value); ok {
			return fn == vn
		}
	}
	return field.String() == coerceString(value)
}

func compareContains(field gjson.Result, value any) bool {
	needle := coerceString(value)
	if field.IsArray() {
		for _, item := range field.Array() {
			if item.String() == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(field.String(), needle)
}

func compareOrder(field gjson.Result, value any) (int, error) {
	if fn, ok := numeric(field); ok {
		if vn, ok := numericValue(value); ok {
			switch {
			case fn > vn:
				return 1, nil
			case fn < vn:
				return -1, nil
			default:
				return 0, nil
			}
		}
	}
	return strings.Compare(field.String(), coerceString(value)), nil
}

func numeric(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(r.Str, 64)
		return f, err == nil
	}
	return 0, false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		encoded, _ := json.Marshal(v)
		return string(encoded)
	}
}
