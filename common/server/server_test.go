package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blockpilot/worker/common/logger"
	"github.com/blockpilot/worker/common/models"
)

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Health(context.Context) error { return f.err }

type fakeBreakers struct {
	states []*models.BreakerState
	reset  []string
}

func (f *fakeBreakers) States(context.Context) ([]*models.BreakerState, error) {
	return f.states, nil
}

func (f *fakeBreakers) Reset(_ context.Context, scope string) error {
	f.reset = append(f.reset, scope)
	return nil
}

func newTestOps(health HealthChecker, breakers BreakerAdmin) *Ops {
	log := logger.New("error", "json")
	return NewOps("worker-test", 0, log, health, breakers)
}

func do(o *Ops, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	o.echo.ServeHTTP(rec, req)
	return rec
}

func TestOps_Healthz(t *testing.T) {
	o := newTestOps(&fakeHealth{}, nil)

	rec := do(o, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["service"] != "worker-test" {
		t.Errorf("service = %q", body["service"])
	}
}

func TestOps_ReadyzReflectsHealth(t *testing.T) {
	healthy := newTestOps(&fakeHealth{}, nil)
	if rec := do(healthy, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("healthy readyz = %d, want 200", rec.Code)
	}

	sick := newTestOps(&fakeHealth{err: errors.New("redis: connection refused")}, nil)
	if rec := do(sick, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("sick readyz = %d, want 503", rec.Code)
	}
}

func TestOps_BreakerList(t *testing.T) {
	fb := &fakeBreakers{states: []*models.BreakerState{
		{Scope: "workflow:abc", Status: models.BreakerOpen, Failures: 5},
	}}
	o := newTestOps(&fakeHealth{}, fb)

	rec := do(o, http.MethodGet, "/ops/breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("breakers list status = %d", rec.Code)
	}

	var states []models.BreakerState
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(states) != 1 || states[0].Scope != "workflow:abc" {
		t.Errorf("states = %+v", states)
	}
}

func TestOps_BreakerListEmpty(t *testing.T) {
	o := newTestOps(&fakeHealth{}, &fakeBreakers{})

	rec := do(o, http.MethodGet, "/ops/breakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "[]\n" {
		t.Errorf("empty list body = %q, want JSON array", got)
	}
}

func TestOps_BreakerReset(t *testing.T) {
	fb := &fakeBreakers{}
	o := newTestOps(&fakeHealth{}, fb)

	rec := do(o, http.MethodPost, "/ops/breakers/workflow:abc/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(fb.reset) != 1 || fb.reset[0] != "workflow:abc" {
		t.Errorf("reset scopes = %v", fb.reset)
	}
}

func TestOps_NoBreakerRoutesWithoutAdmin(t *testing.T) {
	o := newTestOps(&fakeHealth{}, nil)

	if rec := do(o, http.MethodGet, "/ops/breakers"); rec.Code != http.StatusNotFound {
		t.Errorf("breakers route should be absent, got %d", rec.Code)
	}
}
