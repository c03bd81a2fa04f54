package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/blockpilot/worker/common/db"
	"github.com/blockpilot/worker/common/faults"
	"github.com/blockpilot/worker/common/metrics"
	"github.com/blockpilot/worker/common/models"
	"github.com/blockpilot/worker/common/repository"
)

// Logger interface for dependency injection
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DefaultThreshold is how many consecutive failures open a circuit.
const DefaultThreshold = 5

// DefaultCooldown is how long an open circuit rejects calls before a
// half-open probe is allowed.
const DefaultCooldown = 60 * time.Second

// Breaker is a per-scope circuit breaker whose state lives in a
// CircuitBreakerStore so open circuits survive worker restarts. Updates
// for one scope are serialised; distinct scopes proceed independently.
type Breaker struct {
	store     repository.CircuitBreakerStore
	logger    Logger
	threshold int
	cooldown  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is swapped in tests to control cooldown expiry.
	now func() time.Time
}

// New creates a breaker over the given store.
func New(store repository.CircuitBreakerStore, logger Logger) *Breaker {
	return &Breaker{
		store:     store,
		logger:    logger,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// WithThreshold sets the consecutive-failure count that opens the circuit.
func (b *Breaker) WithThreshold(n int) *Breaker {
	if n > 0 {
		b.threshold = n
	}
	return b
}

// WithCooldown sets how long an open circuit stays closed to callers.
func (b *Breaker) WithCooldown(d time.Duration) *Breaker {
	if d > 0 {
		b.cooldown = d
	}
	return b
}

// Allow checks whether a call may proceed under the given scope.
// CLOSED and HALF_OPEN admit the call. OPEN rejects with CircuitOpen
// until the cooldown passes, at which point the circuit transitions to
// HALF_OPEN and the call probes it.
func (b *Breaker) Allow(ctx context.Context, scope string) error {
	unlock := b.lockScope(scope)
	defer unlock()

	state, err := b.store.Get(ctx, scope)
	if err != nil {
		return storeFault(err)
	}
	if state == nil || state.Status == models.BreakerClosed {
		return nil
	}

	switch state.Status {
	case models.BreakerHalfOpen:
		return nil
	case models.BreakerOpen:
		if state.NextAttemptAt != nil && b.now().Before(*state.NextAttemptAt) {
			return faults.CircuitOpen(scope)
		}
		// Cooldown passed. Let this call probe the circuit.
		if err := b.transition(ctx, state, models.BreakerHalfOpen); err != nil {
			return err
		}
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, scope string) error {
	unlock := b.lockScope(scope)
	defer unlock()

	state, err := b.store.Get(ctx, scope)
	if err != nil {
		return storeFault(err)
	}
	if state == nil {
		return nil
	}
	if state.Status == models.BreakerClosed && state.Failures == 0 {
		return nil
	}

	state.Failures = 0
	state.LastFailureAt = nil
	state.NextAttemptAt = nil
	return b.transition(ctx, state, models.BreakerClosed)
}

// RecordFailure counts one failure against the scope. Reaching the
// threshold, or failing a half-open probe, opens the circuit and
// schedules the next attempt after the cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, scope string) error {
	unlock := b.lockScope(scope)
	defer unlock()

	state, err := b.store.Get(ctx, scope)
	if err != nil {
		return storeFault(err)
	}
	nowAt := b.now().UTC()
	if state == nil {
		state = &models.BreakerState{
			Scope:  scope,
			Status: models.BreakerClosed,
		}
	}

	state.Failures++
	state.LastFailureAt = &nowAt

	// A failed probe re-opens immediately regardless of the count.
	if state.Status == models.BreakerHalfOpen || state.Failures >= b.threshold {
		next := nowAt.Add(b.cooldown)
		state.NextAttemptAt = &next
		return b.transition(ctx, state, models.BreakerOpen)
	}

	state.UpdatedAt = nowAt
	if err := b.store.Put(ctx, state); err != nil {
		return storeFault(err)
	}
	return nil
}

// States lists every persisted scope, for the ops endpoints.
func (b *Breaker) States(ctx context.Context) ([]*models.BreakerState, error) {
	return b.store.List(ctx)
}

// Reset deletes the state for a scope, returning it to CLOSED.
func (b *Breaker) Reset(ctx context.Context, scope string) error {
	unlock := b.lockScope(scope)
	defer unlock()

	if err := b.store.Reset(ctx, scope); err != nil {
		return storeFault(err)
	}
	b.logger.Info("circuit breaker reset", "scope", scope)
	metrics.BreakerTransitions.WithLabelValues(string(models.BreakerClosed)).Inc()
	return nil
}

func (b *Breaker) transition(ctx context.Context, state *models.BreakerState, to models.BreakerStatus) error {
	from := state.Status
	state.Status = to
	state.UpdatedAt = b.now().UTC()

	if err := b.store.Put(ctx, state); err != nil {
		return storeFault(err)
	}

	if from != to {
		metrics.BreakerTransitions.WithLabelValues(string(to)).Inc()
		switch to {
		case models.BreakerOpen:
			b.logger.Warn("circuit breaker opened",
				"scope", state.Scope,
				"failures", state.Failures,
				"next_attempt_at", state.NextAttemptAt)
		case models.BreakerHalfOpen:
			b.logger.Info("circuit breaker half-open, probing", "scope", state.Scope)
		case models.BreakerClosed:
			b.logger.Info("circuit breaker closed", "scope", state.Scope)
		}
	}
	return nil
}

func storeFault(err error) error {
	return faults.Database(err, db.Classify(err) == db.SeverityCritical)
}

func (b *Breaker) lockScope(scope string) func() {
	b.mu.Lock()
	l, ok := b.locks[scope]
	if !ok {
		l = &sync.Mutex{}
		b.locks[scope] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}
