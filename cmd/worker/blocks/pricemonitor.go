package blocks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/template"
)

// dataSource describes one public price API: a URL template taking
// (asset, currency) and a gjson path locating the price in the
// response. The table is policy; add entries rather than branching.
type dataSource struct {
	urlTemplate  string
	pathTemplate string
	// upper rewrites asset and currency to upper case, for APIs keyed
	// by ticker symbol rather than slug.
	upper bool
}

var dataSources = map[string]dataSource{
	"coingecko": {
		urlTemplate:  "https://api.coingecko.com/api/v3/simple/price?ids=%s&vs_currencies=%s",
		pathTemplate: "%s.%s",
	},
	"coinbase": {
		urlTemplate:  "https://api.coinbase.com/v2/prices/%s-%s/spot",
		pathTemplate: "data.amount",
		upper:        true,
	},
	"binance": {
		urlTemplate:  "https://api.binance.com/api/v3/ticker/price?symbol=%s%s",
		pathTemplate: "price",
		upper:        true,
	},
}

// priceFetcher resolves an asset price through one of the configured
// data sources. Shared by the price-monitor handler and the HTTP
// handler's legacy branch.
type priceFetcher struct {
	client *http.Client
	logger Logger
}

func newPriceFetcher(client *http.Client, logger Logger) *priceFetcher {
	return &priceFetcher{client: client, logger: logger}
}

func (f *priceFetcher) fetch(ctx context.Context, cfg map[string]any) (map[string]any, error) {
	asset := configString(cfg, "asset")
	if asset == "" {
		return nil, faults.Validation("price monitor requires an asset")
	}
	currency := configStringOr(cfg, "currency", "usd")
	sourceName := strings.ToLower(configStringOr(cfg, "datasource", configStringOr(cfg, "source", "coingecko")))

	source, ok := dataSources[sourceName]
	if !ok {
		return nil, faults.Validation("unknown price data source %q", sourceName)
	}

	a, c := strings.ToLower(asset), strings.ToLower(currency)
	if source.upper {
		a, c = strings.ToUpper(asset), strings.ToUpper(currency)
	}
	url := fmt.Sprintf(source.urlTemplate, a, c)
	path := source.pathTemplate
	if strings.Contains(path, "%s") {
		path = fmt.Sprintf(path, a, c)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, faults.Validation("failed to build price request: %v", err)
	}
	req.Header.Set("User-Agent", "blockpilot-worker/1.0")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, faults.Handler(models.KindPriceMonitor, err, true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, faults.Handler(models.KindPriceMonitor, fmt.Errorf("failed to read price response: %w", err), true)
	}
	if resp.StatusCode >= 400 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, faults.Handler(models.KindPriceMonitor,
			fmt.Errorf("price source returned status %d", resp.StatusCode), transient)
	}

	price := gjson.GetBytes(raw, path)
	if !price.Exists() {
		return nil, faults.Handler(models.KindPriceMonitor,
			fmt.Errorf("no price at path %q in %s response", path, sourceName), false)
	}

	f.logger.Debug("price fetched",
		"asset", asset, "currency", currency, "source", sourceName, "price", price.String())

	return map[string]any{
		"status":      "success",
		"asset":       asset,
		"currency":    currency,
		"price":       price.Float(),
		"source":      sourceName,
		"url":         url,
		"duration_ms": time.Since(start).Milliseconds(),
		"fetched_at":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// PriceMonitorHandler executes PRICE_MONITOR blocks: fetch the asset
// price and, when a threshold is configured, report whether it
// triggered.
type PriceMonitorHandler struct {
	tpl    *template.Processor
	prices *priceFetcher
}

// NewPriceMonitorHandler creates the handler.
func NewPriceMonitorHandler(tpl *template.Processor, logger Logger) *PriceMonitorHandler {
	return &PriceMonitorHandler{
		tpl:    tpl,
		prices: newPriceFetcher(&http.Client{Timeout: 15 * time.Second}, logger),
	}
}

// WithClient swaps the HTTP client, used by tests.
func (h *PriceMonitorHandler) WithClient(client *http.Client) *PriceMonitorHandler {
	h.prices.client = client
	return h
}

func (h *PriceMonitorHandler) Kind() string { return models.KindPriceMonitor }

func (h *PriceMonitorHandler) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) (map[string]any, error) {
	cfg, err := EffectiveConfig(h.tpl, node, ectx)
	if err != nil {
		return nil, err
	}

	out, err := h.prices.fetch(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if threshold, ok := configFloat(cfg, "threshold"); ok {
		price := out["price"].(float64)
		direction := strings.ToLower(configStringOr(cfg, "condition", "above"))

		var triggered bool
		switch direction {
		case "above":
			triggered = price > threshold
		case "below":
			triggered = price < threshold
		default:
			return nil, faults.Validation("unknown price condition %q", direction)
		}
		out["threshold"] = threshold
		out["condition"] = direction
		out["triggered"] = triggered
	}

	return out, nil
}

func configFloat(config map[string]any, key string) (float64, bool) {
	switch n := config[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
