package blocks

import (
	"context"
	"sort"
	"time"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/models"
)

// RegistryBuilder assembles the handler set. Build freezes it; the
// resulting registry is read-only and safe for concurrent use without
// locking.
type RegistryBuilder struct {
	handlers map[string]Handler
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{handlers: make(map[string]Handler)}
}

// Register adds a handler under its normalized kind. Later
// registrations of the same kind win.
func (b *RegistryBuilder) Register(h Handler) *RegistryBuilder {
	b.handlers[models.NormalizeKind(h.Kind())] = h
	return b
}

// Build wraps every handler with the instrumentation decorator and
// freezes the set.
func (b *RegistryBuilder) Build() *Registry {
	handlers := make(map[string]Handler, len(b.handlers))
	for kind, h := range b.handlers {
		handlers[kind] = instrumented{next: h}
	}
	return &Registry{handlers: handlers}
}

// Registry resolves block kinds to handlers. Lookup is case-insensitive
// on the kind; unknown kinds resolve to a handler that fails with the
// unknown-block fault so the failure flows through the normal node
// lifecycle.
type Registry struct {
	handlers map[string]Handler
}

// Resolve never returns nil.
func (r *Registry) Resolve(kind string) Handler {
	if h, ok := r.handlers[models.NormalizeKind(kind)]; ok {
		return h
	}
	return instrumented{next: unknownHandler{kind: kind}}
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// instrumented decorates a handler with duration metrics and start/end
// log rows.
type instrumented struct {
	next Handler
}

func (h instrumented) Kind() string { return h.next.Kind() }

func (h instrumented) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	started := time.Now()
	if ectx.Logger != nil {
		ectx.Logger.Info("block started",
			"node_id", ectx.NodeID,
			"kind", h.next.Kind(),
			"attempt", ectx.Attempt)
	}

	out, err := h.next.Execute(ctx, node, ectx)
	duration := time.Since(started)

	if err != nil {
		metrics.ObserveNode(h.next.Kind(), "failed", started)
		if ectx.Logger != nil {
			ectx.Logger.Error("block failed",
				"node_id", ectx.NodeID,
				"kind", h.next.Kind(),
				"attempt", ectx.Attempt,
				"duration_ms", duration.Milliseconds(),
				"fault", string(faults.KindOf(err)),
				"error", err)
		}
		return nil, err
	}

	metrics.ObserveNode(h.next.Kind(), "completed", started)
	if ectx.Logger != nil {
		ectx.Logger.Info("block completed",
			"node_id", ectx.NodeID,
			"kind", h.next.Kind(),
			"attempt", ectx.Attempt,
			"duration_ms", duration.Milliseconds())
	}
	return out, nil
}

// unknownHandler rejects kinds nothing registered for.
type unknownHandler struct {
	kind string
}

func (h unknownHandler) Kind() string { return models.KindUnknown }

func (h unknownHandler) Execute(context.Context, *models.Node, *ExecContext) (map[string]any, error) {
	return nil, faults.UnknownBlock(h.kind)
}
