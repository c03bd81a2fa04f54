package blocks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blockpilot/worker/common/clients"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// EmailMessage is a rendered notification ready for delivery.
type EmailMessage struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html"`
}

// Notifier delivers rendered email messages. Delivery transport lives
// in the control plane; the worker only renders and hands off.
type Notifier interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg EmailMessage) error

func (f NotifierFunc) Send(ctx context.Context, msg EmailMessage) error { return f(ctx, msg) }

// HTTPNotifier posts messages to the control plane's internal
// notification endpoint.
type HTTPNotifier struct {
	client  *clients.HTTPClient
	baseURL string
}

// NewHTTPNotifier creates a notifier against the control plane API.
func NewHTTPNotifier(client *clients.HTTPClient, baseURL string) *HTTPNotifier {
	return &HTTPNotifier{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (n *HTTPNotifier) Send(ctx context.Context, msg EmailMessage) error {
	url := fmt.Sprintf("%s/internal/notifications/email", n.baseURL)
	var resp struct {
		Status string `json:"status"`
	}
	if err := n.client.PostJSON(ctx, url, msg, &resp); err != nil {
		return fmt.Errorf("notification dispatch failed: %w", err)
	}
	return nil
}

// EmailHandler executes EMAIL blocks: it renders the recipient list,
// subject and body from the block config and hands the message to the
// notifier.
type EmailHandler struct {
	tpl      *template.Processor
	notifier Notifier
}

// NewEmailHandler creates the handler.
func NewEmailHandler(tpl *template.Processor, notifier Notifier) *EmailHandler {
	return &EmailHandler{tpl: tpl, notifier: notifier}
}

func (h *EmailHandler) Kind() string { return models.KindEmail }

func (h *EmailHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	to := recipients(cfg)
	if len(to) == 0 {
		return nil, faults.Validation("email block requires at least one recipient")
	}
	subject := configString(cfg, "subject")
	if subject == "" {
		return nil, faults.Validation("email block requires a subject")
	}

	body := configString(cfg, "body")
	html := false
	if body == "" {
		if body = configString(cfg, "html"); body != "" {
			html = true
		} else {
			body = configString(cfg, "text")
		}
	}

	started := time.Now()
	msg := EmailMessage{To: to, Subject: subject, Body: body, HTML: html}
	if err := h.notifier.Send(ctx, msg); err != nil {
		if faults.KindOf(err) != "" {
			return nil, err
		}
		return nil, faults.Handler(models.KindEmail, err, true)
	}

	return map[string]any{
		"status":      "sent",
		"to":          to,
		"subject":     subject,
		"duration_ms": time.Since(started).Milliseconds(),
	}, nil
}

// recipients accepts "to" as a single address, a comma-separated list
// or a JSON array.
func recipients(cfg map[string]any) []string {
	var out []string
	switch v := cfg["to"].(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if addr := strings.TrimSpace(part); addr != "" {
				out = append(out, addr)
			}
		}
	case []any:
		for _, item := range v {
			if addr, ok := item.(string); ok && strings.TrimSpace(addr) != "" {
				out = append(out, strings.TrimSpace(addr))
			}
		}
	case []string:
		for _, addr := range v {
			if strings.TrimSpace(addr) != "" {
				out = append(out, strings.TrimSpace(addr))
			}
		}
	}
	return out
}
