package blocks

import (
	"context"

	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// ScheduleHandler executes SCHEDULE blocks. Scheduling happens in the
// control plane; by the time the worker sees the node the trigger has
// already fired, so the handler passes the expanded config through for
// downstream templates.
type ScheduleHandler struct {
	tpl *template.Processor
}

// NewScheduleHandler creates the handler.
func NewScheduleHandler(tpl *template.Processor) *ScheduleHandler {
	return &ScheduleHandler{tpl: tpl}
}

func (h *ScheduleHandler) Kind() string { return models.KindSchedule }

func (h *ScheduleHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	return EffectiveConfig(h.tpl, node, ectx)
}

// WebhookHandler executes WEBHOOK blocks. The webhook payload arrives
// as execution input, which EffectiveConfig merges over the node
// config, so the output exposes the payload to downstream nodes.
type WebhookHandler struct {
	tpl *template.Processor
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(tpl *template.Processor) *WebhookHandler {
	return &WebhookHandler{tpl: tpl}
}

func (h *WebhookHandler) Kind() string { return models.KindWebhook }

func (h *WebhookHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	return EffectiveConfig(h.tpl, node, ectx)
}
