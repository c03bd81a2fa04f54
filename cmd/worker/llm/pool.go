package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blockpilot/worker/common/config"
	"github.com/blockpilot/worker/common/metrics"
)

// Pool holds providers by name and routes around unhealthy ones using a
// fallback ordering table.
type Pool struct {
	providers map[string]Provider
	fallbacks map[string]string
	logger    Logger
}

// NewPool creates an empty provider pool.
func NewPool(logger Logger) *Pool {
	return &Pool{
		providers: make(map[string]Provider),
		fallbacks: make(map[string]string),
		logger:    logger,
	}
}

// WithFallbacks sets the fallback ordering table. Keys and values are
// provider names; a chain is followed until a healthy provider is found.
func (p *Pool) WithFallbacks(order map[string]string) *Pool {
	for from, to := range order {
		p.fallbacks[strings.ToLower(from)] = strings.ToLower(to)
	}
	return p
}

// Register adds a provider under its own name. Calls are wrapped with
// request metrics.
func (p *Pool) Register(prov Provider) {
	p.providers[strings.ToLower(prov.Name())] = instrumented{prov}
}

// Get returns the provider registered under name without health checks.
func (p *Pool) Get(name string) (Provider, bool) {
	prov, ok := p.providers[strings.ToLower(name)]
	return prov, ok
}

// Names lists the registered provider names.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}

// Select resolves the requested provider, walking the fallback chain
// past unregistered or unhealthy entries.
func (p *Pool) Select(ctx context.Context, name string) (Provider, error) {
	requested := strings.ToLower(name)
	seen := make(map[string]bool, len(p.providers))
	for cur := requested; cur != "" && !seen[cur]; cur = p.fallbacks[cur] {
		seen[cur] = true
		prov, ok := p.providers[cur]
		if !ok {
			p.logger.Debug("provider not registered, trying fallback",
				"provider", cur,
				"fallback", p.fallbacks[cur])
			continue
		}
		if !prov.Healthy(ctx) {
			p.logger.Warn("provider unhealthy, trying fallback",
				"provider", cur,
				"fallback", p.fallbacks[cur])
			continue
		}
		if cur != requested {
			p.logger.Info("provider fallback selected",
				"requested", requested,
				"selected", cur)
		}
		return prov, nil
	}
	return nil, fmt.Errorf("no healthy provider for %q", name)
}

// FromConfig registers every provider the configuration carries
// credentials for. Ollama needs no key and is registered whenever its
// base URL is set.
func FromConfig(cfg config.ProviderConfig, logger Logger) *Pool {
	pool := NewPool(logger).WithFallbacks(cfg.FallbackOrder)

	var httpClient *http.Client
	if cfg.RequestTimeout > 0 {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	if cfg.OpenAIKey != "" {
		pool.Register(NewOpenAI(cfg.OpenAIKey, cfg.DefaultModel, httpClient))
	}
	if cfg.OpenRouterKey != "" {
		pool.Register(NewOpenRouter(cfg.OpenRouterKey, cfg.OpenRouterURL, cfg.DefaultModel, httpClient))
	}
	if cfg.AnthropicKey != "" {
		pool.Register(NewAnthropic(cfg.AnthropicKey, cfg.DefaultModel, httpClient))
	}
	if cfg.OllamaURL != "" {
		pool.Register(NewOllama(cfg.OllamaURL, cfg.DefaultModel, httpClient))
	}

	logger.Info("provider pool initialized", "providers", pool.Names())
	return pool
}

// instrumented wraps a provider with call metrics.
type instrumented struct {
	Provider
}

func (i instrumented) Generate(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	result, err := i.Provider.Generate(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveProvider(i.Name(), outcome, started)
	return result, err
}
