package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blockpilot/worker/common/clients"
)

// ToolDescriptor describes one callable operation exposed by the
// blockchain operations service.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// BlockchainTools resolves tool descriptors from the blockchain
// operations service and executes them on behalf of a user.
type BlockchainTools interface {
	Descriptor(ctx context.Context, toolID string) (*ToolDescriptor, error)
	Invoke(ctx context.Context, toolID string, params map[string]any) (string, error)
}

// HTTPBlockchainTools calls the blockchain operations service over its
// internal HTTP API. The acting user travels in the X-User-ID header
// set by the client wrapper.
type HTTPBlockchainTools struct {
	client  *clients.HTTPClient
	baseURL string
	logger  Logger
}

// NewHTTPBlockchainTools creates the HTTP-backed provider.
func NewHTTPBlockchainTools(client *clients.HTTPClient, baseURL string, logger Logger) *HTTPBlockchainTools {
	return &HTTPBlockchainTools{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

var _ BlockchainTools = (*HTTPBlockchainTools)(nil)

// Descriptor fetches the tool's schema.
func (b *HTTPBlockchainTools) Descriptor(ctx context.Context, toolID string) (*ToolDescriptor, error) {
	var desc ToolDescriptor
	url := fmt.Sprintf("%s/internal/tools/%s", b.baseURL, toolID)
	if err := b.client.GetJSON(ctx, url, &desc); err != nil {
		return nil, fmt.Errorf("failed to fetch tool descriptor %s: %w", toolID, err)
	}
	if desc.Name == "" {
		desc.Name = toolID
	}
	return &desc, nil
}

// Invoke executes the tool and returns the raw result as a string for
// the model conversation.
func (b *HTTPBlockchainTools) Invoke(ctx context.Context, toolID string, params map[string]any) (string, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}

	url := fmt.Sprintf("%s/internal/tools/%s/invoke", b.baseURL, toolID)
	if err := b.client.PostJSON(ctx, url, map[string]any{"parameters": params}, &out); err != nil {
		return "", fmt.Errorf("failed to invoke tool %s: %w", toolID, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("tool %s failed: %s", toolID, out.Error)
	}

	return string(out.Result), nil
}
