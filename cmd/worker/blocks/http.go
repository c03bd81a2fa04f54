package blocks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/security"
	"github.com/blockpilot/worker/common/template"
)

// Reserved output keys the response body may not shadow.
var reservedHTTPKeys = map[string]bool{
	"status":      true,
	"status_code": true,
	"headers":     true,
	"body":        true,
	"duration_ms": true,
	"url":         true,
	"method":      true,
}

// HTTPHandler executes HTTP_REQUEST blocks: template-expanded URL,
// method, headers and body, four auth shapes, response-format
// selection, and an optional in-handler retry loop for flaky targets.
// When the config carries an asset but no URL the handler falls back to
// the legacy price-monitor behaviour.
type HTTPHandler struct {
	tpl      *template.Processor
	guard    *security.URLGuard
	client   *http.Client
	insecure *http.Client
	prices   *priceFetcher
	backoff  Backoff
	logger   Logger
}

// NewHTTPHandler creates the handler with a 30s default client.
func NewHTTPHandler(tpl *template.Processor, guard *security.URLGuard, logger Logger) *HTTPHandler {
	client := &http.Client{Timeout: 30 * time.Second}
	return &HTTPHandler{
		tpl:      tpl,
		guard:    guard,
		client:   client,
		insecure: insecureClient(client),
		prices:   newPriceFetcher(client, logger),
		backoff:  DefaultBackoff(),
		logger:   logger,
	}
}

// WithClient swaps the HTTP client, used by tests.
func (h *HTTPHandler) WithClient(client *http.Client) *HTTPHandler {
	h.client = client
	h.insecure = insecureClient(client)
	h.prices = newPriceFetcher(client, h.logger)
	return h
}

// WithBackoff overrides the retry curve.
func (h *HTTPHandler) WithBackoff(b Backoff) *HTTPHandler {
	h.backoff = b
	return h
}

func (h *HTTPHandler) Kind() string { return models.KindHTTPRequest }

func (h *HTTPHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	url := configString(cfg, "url")
	if url == "" {
		// Legacy price-monitor blocks carry an asset instead of a URL.
		if configString(cfg, "asset") != "" {
			return h.prices.fetch(ctx, cfg)
		}
		return nil, faults.Validation("http block requires a url")
	}
	if err := h.guard.Validate(url); err != nil {
		return nil, faults.Validation("url rejected: %v", err)
	}

	method := strings.ToUpper(configStringOr(cfg, "method", http.MethodGet))
	body, err := requestBody(cfg)
	if err != nil {
		return nil, err
	}

	if ms := configInt(cfg, "timeoutMs", 0); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	client := h.client
	if configBool(cfg, "skipTlsVerify", false) {
		client = h.insecure
	}

	attempts := configInt(cfg, "retries", 0) + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := h.backoff.Sleep(ctx, attempt-1); err != nil {
				return nil, faults.Deadline(h.Kind(), err)
			}
			h.logger.Debug("retrying http request",
				"node_id", ectx.NodeID, "url", url, "attempt", attempt)
		}

		out, err := h.doRequest(ctx, client, method, url, body, cfg)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !faults.IsTransient(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// doRequest performs one round trip and shapes the output map.
func (h *HTTPHandler) doRequest(ctx context.Context, client *http.Client, method, url string, body []byte, cfg map[string]any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, faults.Validation("failed to build request: %v", err)
	}

	req.Header.Set("User-Agent", "blockpilot-worker/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range configMap(cfg, "headers") {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}
	if err := applyAuth(req, configMap(cfg, "auth")); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Deadline(h.Kind(), err)
		}
		return nil, faults.Handler(h.Kind(), err, true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, faults.Handler(h.Kind(), fmt.Errorf("failed to read response: %w", err), true)
	}

	if resp.StatusCode >= 400 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, faults.Handler(h.Kind(),
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url), transient)
	}

	out := map[string]any{
		"status":      "success",
		"status_code": resp.StatusCode,
		"headers":     flattenHeaders(resp.Header),
		"duration_ms": duration.Milliseconds(),
		"url":         url,
		"method":      method,
	}

	switch strings.ToLower(configStringOr(cfg, "responseFormat", "json")) {
	case "binary":
		out["body"] = base64.StdEncoding.EncodeToString(raw)
		out["encoding"] = "base64"
	case "text", "xml", "html":
		out["body"] = string(raw)
	default:
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			out["body"] = string(raw)
			break
		}
		out["body"] = parsed
		// Object bodies are also merged at the top level so templates
		// can address fields as {{json.field}} without the body prefix.
		if m, ok := parsed.(map[string]any); ok {
			for k, v := range m {
				if !reservedHTTPKeys[k] {
					out[k] = v
				}
			}
		}
	}

	return out, nil
}

// applyAuth sets request credentials from the auth config: none, basic,
// bearer, or api-key.
func applyAuth(req *http.Request, auth map[string]any) error {
	if auth == nil {
		return nil
	}

	switch strings.ToLower(configString(auth, "type")) {
	case "", "none":
		return nil
	case "basic":
		req.SetBasicAuth(configString(auth, "username"), configString(auth, "password"))
	case "bearer":
		token := configString(auth, "token")
		if token == "" {
			return faults.Validation("bearer auth requires a token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "api-key", "api_key", "apikey":
		key := configString(auth, "key")
		if key == "" {
			key = configString(auth, "value")
		}
		if key == "" {
			return faults.Validation("api-key auth requires a key")
		}
		req.Header.Set(configStringOr(auth, "header", "X-API-Key"), key)
	default:
		return faults.Validation("unsupported auth type %q", configString(auth, "type"))
	}
	return nil
}

// requestBody encodes the configured body. Strings pass through raw
// (templates already expanded); structured values are JSON-encoded.
func requestBody(cfg map[string]any) ([]byte, error) {
	body, ok := cfg["body"]
	if !ok || body == nil {
		if payload := configString(cfg, "payload"); payload != "" {
			return []byte(payload), nil
		}
		return nil, nil
	}

	switch v := body.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return []byte(v), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, faults.Validation("failed to encode request body: %v", err)
		}
		return encoded, nil
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func insecureClient(base *http.Client) *http.Client {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		transport = &http.Transport{}
	}
	cloned := transport.Clone()
	cloned.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	client := *base
	client.Transport = cloned
	return &client
}
