package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}

func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}

func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}

func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func newTestBreaker(t *testing.T) (*Breaker, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	b := New(store, &testLogger{t: t})
	return b, store
}

func TestBreaker_AllowsUnknownScope(t *testing.T) {
	b, _ := newTestBreaker(t)

	if err := b.Allow(context.Background(), "workflow:fresh"); err != nil {
		t.Fatalf("fresh scope should be allowed: %v", err)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, store := newTestBreaker(t)
	ctx := context.Background()
	scope := "workflow:abc"

	for i := 0; i < DefaultThreshold-1; i++ {
		if err := b.RecordFailure(ctx, scope); err != nil {
			t.Fatalf("RecordFailure #%d: %v", i+1, err)
		}
		if err := b.Allow(ctx, scope); err != nil {
			t.Fatalf("breaker opened before threshold at failure %d: %v", i+1, err)
		}
	}

	if err := b.RecordFailure(ctx, scope); err != nil {
		t.Fatalf("RecordFailure at threshold: %v", err)
	}

	err := b.Allow(ctx, scope)
	if faults.KindOf(err) != faults.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen after %d failures, got %v", DefaultThreshold, err)
	}

	state, _ := store.Get(ctx, scope)
	if state.Status != models.BreakerOpen {
		t.Errorf("persisted status = %s, want open", state.Status)
	}
	if state.NextAttemptAt == nil {
		t.Error("open circuit must schedule next attempt")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, store := newTestBreaker(t)
	ctx := context.Background()
	scope := "workflow:cooled"

	now := time.Now().UTC()
	b.now = func() time.Time { return now }

	for i := 0; i < DefaultThreshold; i++ {
		if err := b.RecordFailure(ctx, scope); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	if err := b.Allow(ctx, scope); faults.KindOf(err) != faults.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen inside cooldown, got %v", err)
	}

	// Jump past the cooldown; the next call probes.
	b.now = func() time.Time { return now.Add(DefaultCooldown + time.Second) }

	if err := b.Allow(ctx, scope); err != nil {
		t.Fatalf("expected half-open probe to be admitted: %v", err)
	}
	state, _ := store.Get(ctx, scope)
	if state.Status != models.BreakerHalfOpen {
		t.Errorf("status after cooldown = %s, want half_open", state.Status)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, store := newTestBreaker(t)
	ctx := context.Background()
	scope := "workflow:recovers"

	now := time.Now().UTC()
	b.now = func() time.Time { return now }
	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure(ctx, scope)
	}
	b.now = func() time.Time { return now.Add(DefaultCooldown + time.Second) }

	if err := b.Allow(ctx, scope); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}
	if err := b.RecordSuccess(ctx, scope); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	state, _ := store.Get(ctx, scope)
	if state.Status != models.BreakerClosed {
		t.Errorf("status after probe success = %s, want closed", state.Status)
	}
	if state.Failures != 0 {
		t.Errorf("failures after close = %d, want 0", state.Failures)
	}
	if err := b.Allow(ctx, scope); err != nil {
		t.Errorf("closed circuit should admit calls: %v", err)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, store := newTestBreaker(t)
	ctx := context.Background()
	scope := "workflow:relapse"

	now := time.Now().UTC()
	b.now = func() time.Time { return now }
	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure(ctx, scope)
	}

	later := now.Add(DefaultCooldown + time.Second)
	b.now = func() time.Time { return later }
	if err := b.Allow(ctx, scope); err != nil {
		t.Fatalf("probe not admitted: %v", err)
	}

	// One failed probe re-opens without needing the full threshold.
	if err := b.RecordFailure(ctx, scope); err != nil {
		t.Fatalf("RecordFailure on probe: %v", err)
	}

	state, _ := store.Get(ctx, scope)
	if state.Status != models.BreakerOpen {
		t.Fatalf("status after failed probe = %s, want open", state.Status)
	}
	wantNext := later.Add(DefaultCooldown)
	if !state.NextAttemptAt.Equal(wantNext) {
		t.Errorf("next attempt = %v, want %v", state.NextAttemptAt, wantNext)
	}
}

func TestBreaker_SuccessOnCleanScopeIsNoop(t *testing.T) {
	b, store := newTestBreaker(t)
	ctx := context.Background()

	if err := b.RecordSuccess(ctx, "workflow:never-failed"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	state, _ := store.Get(ctx, "workflow:never-failed")
	if state != nil {
		t.Errorf("clean scope should not be materialised, got %+v", state)
	}
}

func TestBreaker_ResetClearsScope(t *testing.T) {
	b, store := newTestBreaker(t)
	ctx := context.Background()
	scope := "execution-worker:workflow-execution"

	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure(ctx, scope)
	}
	if err := b.Reset(ctx, scope); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	state, _ := store.Get(ctx, scope)
	if state != nil {
		t.Errorf("reset scope should be gone, got %+v", state)
	}
	if err := b.Allow(ctx, scope); err != nil {
		t.Errorf("reset scope should admit calls: %v", err)
	}
}

func TestBreaker_ScopesAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure(ctx, "workflow:bad")
	}

	if err := b.Allow(ctx, "workflow:bad"); faults.KindOf(err) != faults.KindCircuitOpen {
		t.Fatalf("bad scope should be open, got %v", err)
	}
	if err := b.Allow(ctx, "workflow:good"); err != nil {
		t.Errorf("unrelated scope must stay closed: %v", err)
	}
}

func TestBreaker_CircuitOpenMatchesSentinel(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()
	scope := "workflow:sentinel"

	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure(ctx, scope)
	}

	err := b.Allow(ctx, scope)
	if !errors.Is(err, faults.CircuitOpen("")) {
		t.Fatalf("errors.Is should match CircuitOpen kind, got %v", err)
	}
}
