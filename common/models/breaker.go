package models

import "time"

// BreakerStatus is a circuit breaker state
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the persisted circuit breaker record for one scope.
// Scopes look like "workflow:<id>" or "execution-worker:workflow-execution".
// State survives worker restarts so a crash loop cannot reset an open
// circuit.
// Maps to: circuit_breakers table
type BreakerState struct {
	Scope    string        `db:"scope" json:"scope"`
	Status   BreakerStatus `db:"status" json:"status"`
	Failures int           `db:"failures" json:"failures"`

	LastFailureAt *time.Time `db:"last_failure_at" json:"last_failure_at,omitempty"`

	// Earliest time a half-open probe may run while the circuit is open
	NextAttemptAt *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
