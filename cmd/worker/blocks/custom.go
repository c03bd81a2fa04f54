package blocks

import (
	"context"
	"fmt"
	"time"

	"github.com/blockpilot/worker/cmd/worker/sandbox"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
	"github.com/blockpilot/worker/common/template"
)

// CustomHandler executes CUSTOM blocks: it loads the referenced user
// script and runs it through the sandbox with the data context on
// stdin. The script's structured output becomes the node output.
type CustomHandler struct {
	tpl    *template.Processor
	code   repository.UserCodePort
	runner sandbox.Runner
}

// NewCustomHandler creates the handler.
func NewCustomHandler(tpl *template.Processor, code repository.UserCodePort, runner sandbox.Runner) *CustomHandler {
	return &CustomHandler{tpl: tpl, code: code, runner: runner}
}

func (h *CustomHandler) Kind() string { return models.KindCustom }

func (h *CustomHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	codeID := configString(cfg, "codeId")
	if codeID == "" {
		codeID = configString(cfg, "code_id")
	}
	if codeID == "" {
		return nil, faults.Validation("custom block requires a codeId")
	}

	code, err := h.code.GetUserCode(ctx, codeID)
	if err != nil {
		return nil, faults.Handler(models.KindCustom, fmt.Errorf("failed to load user code %s: %w", codeID, err), false)
	}
	if code.UserID != "" && ectx.UserID != "" && code.UserID != ectx.UserID {
		return nil, faults.Validation("user code %s belongs to a different user", codeID)
	}

	var timeout time.Duration
	if ms := configInt(cfg, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	res, err := h.runner.Run(ctx, sandbox.RunRequest{
		Language: code.Language,
		Source:   code.Source,
		Input:    ectx.Data,
		Timeout:  timeout,
	})
	if err != nil {
		if faults.KindOf(err) != "" {
			return nil, err
		}
		return nil, faults.Handler(models.KindCustom, err, false)
	}

	out := copyMap(res.Output)
	if _, taken := out["duration_ms"]; !taken {
		out["duration_ms"] = res.Duration.Milliseconds()
	}
	return out, nil
}
