package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// TransformHandler executes DATA_TRANSFORM blocks. The operation field
// selects the transformation:
//
//	identity   - pass the data context through (default)
//	pick       - keep only the listed fields
//	rename     - rename fields per a mapping
//	merge      - overlay a literal object onto the data context
//	template   - emit the expanded template object
//	expression - evaluate an expr program over {json, ctx}
//	json_patch - apply an RFC 6902 patch to the data context
type TransformHandler struct {
	tpl *template.Processor

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewTransformHandler creates the handler.
func NewTransformHandler(tpl *template.Processor) *TransformHandler {
	return &TransformHandler{
		tpl:   tpl,
		cache: make(map[string]*vm.Program),
	}
}

func (h *TransformHandler) Kind() string { return models.KindDataTransform }

func (h *TransformHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	operation := strings.ToLower(configStringOr(cfg, "operation", "identity"))
	switch operation {
	case "identity", "":
		return copyMap(ectx.Data), nil

	case "pick":
		fields, ok := cfg["fields"].([]any)
		if !ok || len(fields) == 0 {
			return nil, faults.Validation("pick transform requires a fields list")
		}
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			name, ok := f.(string)
			if !ok {
				continue
			}
			if v, ok := ectx.Data[name]; ok {
				out[name] = v
			}
		}
		return out, nil

	case "rename":
		mapping := configMap(cfg, "mapping")
		if len(mapping) == 0 {
			return nil, faults.Validation("rename transform requires a mapping")
		}
		out := copyMap(ectx.Data)
		for from, to := range mapping {
			name, ok := to.(string)
			if !ok || name == "" {
				continue
			}
			if v, exists := out[from]; exists {
				delete(out, from)
				out[name] = v
			}
		}
		return out, nil

	case "merge":
		overlay := configMap(cfg, "data")
		if overlay == nil {
			return nil, faults.Validation("merge transform requires a data object")
		}
		out := copyMap(ectx.Data)
		for k, v := range overlay {
			out[k] = v
		}
		return out, nil

	case "template":
		body := configMap(cfg, "template")
		if body == nil {
			return nil, faults.Validation("template transform requires a template object")
		}
		// EffectiveConfig already expanded the string leaves.
		return body, nil

	case "expression":
		src := configString(cfg, "expression")
		if src == "" {
			return nil, faults.Validation("expression transform requires an expression")
		}
		return h.evaluateExpr(src, ectx)

	case "json_patch":
		return applyJSONPatch(cfg, ectx.Data)

	default:
		return nil, faults.Validation("unknown transform operation %q", operation)
	}
}

// evaluateExpr compiles (with caching) and runs an expr program with
// the data context bound to "json" and the meta context to "ctx". Map
// results pass through; scalar results are wrapped under "result".
func (h *TransformHandler) evaluateExpr(src string, ectx *ExecContext) (map[string]any, error) {
	h.mu.RLock()
	program, ok := h.cache[src]
	h.mu.RUnlock()

	if !ok {
		var err error
		program, err = expr.Compile(src)
		if err != nil {
			return nil, faults.Validation("invalid transform expression: %v", err)
		}
		h.mu.Lock()
		h.cache[src] = program
		h.mu.Unlock()
	}

	out, err := expr.Run(program, map[string]any{
		"json": ectx.Data,
		"ctx":  ectx.Meta,
	})
	if err != nil {
		return nil, faults.Handler(models.KindDataTransform, fmt.Errorf("transform expression failed: %w", err), false)
	}

	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": out}, nil
}

// applyJSONPatch applies an RFC 6902 patch document to the data
// context.
func applyJSONPatch(cfg map[string]any, data map[string]any) (map[string]any, error) {
	rawPatch, ok := cfg["patch"]
	if !ok {
		return nil, faults.Validation("json_patch transform requires a patch array")
	}

	patchJSON, err := json.Marshal(rawPatch)
	if err != nil {
		return nil, faults.Validation("failed to encode patch: %v", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, faults.Validation("invalid json patch: %v", err)
	}

	doc, err := json.Marshal(data)
	if err != nil {
		return nil, faults.Handler(models.KindDataTransform, err, false)
	}
	modified, err := patch.Apply(doc)
	if err != nil {
		return nil, faults.Handler(models.KindDataTransform, fmt.Errorf("patch application failed: %w", err), false)
	}

	var out map[string]any
	if err := json.Unmarshal(modified, &out); err != nil {
		return nil, faults.Handler(models.KindDataTransform, fmt.Errorf("patched document is not an object: %w", err), false)
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
