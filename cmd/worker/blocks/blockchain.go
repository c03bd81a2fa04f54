package blocks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/blockpilot/worker/cmd/worker/agent"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// BlockchainHandler executes one on-chain block kind by invoking the
// matching tool on the internal blockchain provider, the same provider
// that backs agent blockchain tools. The block config, after template
// expansion, is the tool's parameter object.
type BlockchainHandler struct {
	tpl   *template.Processor
	tools agent.BlockchainTools
	kind  string
}

// NewBlockchainHandler creates a handler for one blockchain kind.
// Register it once per kind:
//
//	builder.Register(NewBlockchainHandler(tpl, tools, models.KindDefiLiquidity))
func NewBlockchainHandler(tpl *template.Processor, tools agent.BlockchainTools, kind string) *BlockchainHandler {
	return &BlockchainHandler{tpl: tpl, tools: tools, kind: models.NormalizeKind(kind)}
}

func (h *BlockchainHandler) Kind() string { return h.kind }

func (h *BlockchainHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	toolID := strings.ToLower(h.kind)
	result, err := h.tools.Invoke(ctx, toolID, cfg)
	if err != nil {
		if faults.KindOf(err) != "" {
			return nil, err
		}
		return nil, faults.Handler(h.kind, err, true)
	}

	out := map[string]any{
		"status":      "success",
		"tool":        toolID,
		"duration_ms": time.Since(started).Milliseconds(),
	}

	// Object results merge at the top level so downstream templates can
	// address fields directly; anything else lands under result.
	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err == nil {
		for k, v := range parsed {
			if _, reserved := out[k]; !reserved {
				out[k] = v
			}
		}
	} else {
		out["result"] = result
	}
	return out, nil
}
