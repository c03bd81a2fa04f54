package blocks

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/security"
)

func newHTTPTestHandler() *HTTPHandler {
	return NewHTTPHandler(newTestProcessor(), security.NewURLGuard(true, nil), testLogger{}).
		WithBackoff(Backoff{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond})
}

func TestHTTPHandler_JSONObjectMergesTopLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"v":"expected","count":3,"status":"shadow"}`)
	}))
	defer srv.Close()

	h := newHTTPTestHandler()
	out, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url": srv.URL,
	}), testCtx(nil))
	require.NoError(t, err)

	assert.Equal(t, "expected", out["v"])
	assert.Equal(t, float64(3), out["count"])
	// Reserved keys never get shadowed by the body.
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, http.StatusOK, out["status_code"])
	assert.Equal(t, "GET", out["method"])

	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "shadow", body["status"])
}

func TestHTTPHandler_TemplatesExpandURLAndBody(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	h := newHTTPTestHandler()
	_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url":    "{{json.base}}/echo",
		"method": "post",
		"body":   map[string]any{"asset": "{{json.name}}"},
	}), testCtx(map[string]any{"base": srv.URL, "name": "sei"}))
	require.NoError(t, err)

	assert.Equal(t, "/echo", gotPath)
	assert.JSONEq(t, `{"asset":"sei"}`, gotBody)
}

func TestHTTPHandler_AuthShapes(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		auth   map[string]any
		header string
		want   string
	}{
		{
			name:   "basic",
			auth:   map[string]any{"type": "basic", "username": "u", "password": "p"},
			header: "Authorization",
			want:   "Basic dTpw",
		},
		{
			name:   "bearer",
			auth:   map[string]any{"type": "bearer", "token": "tok-123"},
			header: "Authorization",
			want:   "Bearer tok-123",
		},
		{
			name:   "api key default header",
			auth:   map[string]any{"type": "api-key", "key": "k-1"},
			header: "X-API-Key",
			want:   "k-1",
		},
		{
			name:   "api key custom header",
			auth:   map[string]any{"type": "api_key", "value": "k-2", "header": "X-Custom"},
			header: "X-Custom",
			want:   "k-2",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHTTPTestHandler()
			_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
				"url":  srv.URL,
				"auth": tc.auth,
			}), testCtx(nil))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Get(tc.header))
		})
	}

	t.Run("bearer without token", func(t *testing.T) {
		h := newHTTPTestHandler()
		_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
			"url":  srv.URL,
			"auth": map[string]any{"type": "bearer"},
		}), testCtx(nil))
		require.Error(t, err)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	})

	t.Run("unsupported type", func(t *testing.T) {
		h := newHTTPTestHandler()
		_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
			"url":  srv.URL,
			"auth": map[string]any{"type": "ntlm"},
		}), testCtx(nil))
		require.Error(t, err)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	})
}

func TestHTTPHandler_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	h := newHTTPTestHandler()
	out, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url":     srv.URL,
		"retries": 2,
	}), testCtx(nil))
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPHandler_ClientErrorStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHTTPTestHandler()
	_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url":     srv.URL,
		"retries": 3,
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindHandler, faults.KindOf(err))
	assert.False(t, faults.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPHandler_RateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := newHTTPTestHandler()
	_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url": srv.URL,
	}), testCtx(nil))
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestHTTPHandler_ResponseFormats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x01, 0x02, 0xFF})
	}))
	defer srv.Close()

	t.Run("binary encodes base64", func(t *testing.T) {
		h := newHTTPTestHandler()
		out, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
			"url":            srv.URL,
			"responseFormat": "binary",
		}), testCtx(nil))
		require.NoError(t, err)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0xFF}), out["body"])
		assert.Equal(t, "base64", out["encoding"])
	})

	textSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain text here")
	}))
	defer textSrv.Close()

	t.Run("text passes through", func(t *testing.T) {
		h := newHTTPTestHandler()
		out, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
			"url":            textSrv.URL,
			"responseFormat": "text",
		}), testCtx(nil))
		require.NoError(t, err)
		assert.Equal(t, "plain text here", out["body"])
	})

	t.Run("unparseable json degrades to string", func(t *testing.T) {
		h := newHTTPTestHandler()
		out, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
			"url": textSrv.URL,
		}), testCtx(nil))
		require.NoError(t, err)
		assert.Equal(t, "plain text here", out["body"])
	})
}

func TestHTTPHandler_LegacyPriceBranch(t *testing.T) {
	var gotURL string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(`{"eth":{"usd":3500.25}}`)),
		}, nil
	})}

	h := newHTTPTestHandler().WithClient(client)
	out, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"asset": "ETH",
	}), testCtx(nil))
	require.NoError(t, err)

	assert.Contains(t, gotURL, "api.coingecko.com")
	assert.Contains(t, gotURL, "ids=eth")
	assert.Equal(t, 3500.25, out["price"])
	assert.Equal(t, "coingecko", out["source"])
	assert.Equal(t, "ETH", out["asset"])
}

func TestHTTPHandler_MissingURLFails(t *testing.T) {
	h := newHTTPTestHandler()
	_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestHTTPHandler_GuardRejectsPrivateAddress(t *testing.T) {
	h := NewHTTPHandler(newTestProcessor(), security.NewURLGuard(false, nil), testLogger{})
	_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url": "http://127.0.0.1:8080/admin",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestHTTPHandler_TimeoutProducesDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	h := newHTTPTestHandler()
	_, err := h.Execute(context.Background(), testNode(models.KindHTTPRequest, map[string]any{
		"url":       srv.URL,
		"timeoutMs": 50,
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindDeadline, faults.KindOf(err))
}

func TestPriceMonitorHandler_Threshold(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(`{"price":"65000.50"}`)),
		}, nil
	})}

	h := NewPriceMonitorHandler(newTestProcessor(), testLogger{}).WithClient(client)

	out, err := h.Execute(context.Background(), testNode(models.KindPriceMonitor, map[string]any{
		"asset":      "BTC",
		"datasource": "binance",
		"threshold":  60000,
		"condition":  "above",
	}), testCtx(nil))
	require.NoError(t, err)
	assert.Equal(t, 65000.50, out["price"])
	assert.Equal(t, true, out["triggered"])

	out, err = h.Execute(context.Background(), testNode(models.KindPriceMonitor, map[string]any{
		"asset":      "BTC",
		"datasource": "binance",
		"threshold":  60000,
		"condition":  "below",
	}), testCtx(nil))
	require.NoError(t, err)
	assert.Equal(t, false, out["triggered"])
}

func TestPriceMonitorHandler_Validation(t *testing.T) {
	h := NewPriceMonitorHandler(newTestProcessor(), testLogger{})

	_, err := h.Execute(context.Background(), testNode(models.KindPriceMonitor, map[string]any{}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = h.Execute(context.Background(), testNode(models.KindPriceMonitor, map[string]any{
		"asset":      "BTC",
		"datasource": "nyse",
	}), testCtx(nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
