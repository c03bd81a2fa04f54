package repository

import (
	"context"
	"fmt"

	"github.com/blockpilot/worker/common/db"
	"github.com/blockpilot/worker/common/models"
)

// BreakerRepository is the Postgres-backed CircuitBreakerStore
type BreakerRepository struct {
	db *db.DB
}

// NewBreakerRepository creates a new circuit breaker repository
func NewBreakerRepository(database *db.DB) *BreakerRepository {
	return &BreakerRepository{db: database}
}

var _ CircuitBreakerStore = (*BreakerRepository)(nil)

// Get returns breaker state for a scope, nil when the scope has no record
func (r *BreakerRepository) Get(ctx context.Context, scope string) (*models.BreakerState, error) {
	query := `
		SELECT scope, status, failures, last_failure_at, next_attempt_at, updated_at
		FROM circuit_breakers
		WHERE scope = $1
	`

	s := &models.BreakerState{}
	err := r.db.QueryRow(ctx, query, scope).Scan(
		&s.Scope,
		&s.Status,
		&s.Failures,
		&s.LastFailureAt,
		&s.NextAttemptAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}

	return s, nil
}

// Put upserts breaker state for a scope
func (r *BreakerRepository) Put(ctx context.Context, state *models.BreakerState) error {
	query := `
		INSERT INTO circuit_breakers (scope, status, failures, last_failure_at, next_attempt_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (scope) DO UPDATE
		SET status = EXCLUDED.status,
		    failures = EXCLUDED.failures,
		    last_failure_at = EXCLUDED.last_failure_at,
		    next_attempt_at = EXCLUDED.next_attempt_at,
		    updated_at = now()
	`

	_, err := r.db.Exec(ctx, query, state.Scope, state.Status, state.Failures, state.LastFailureAt, state.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to put breaker state: %w", err)
	}

	return nil
}

// List returns all breaker records
func (r *BreakerRepository) List(ctx context.Context) ([]*models.BreakerState, error) {
	query := `
		SELECT scope, status, failures, last_failure_at, next_attempt_at, updated_at
		FROM circuit_breakers
		ORDER BY scope
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list breaker states: %w", err)
	}
	defer rows.Close()

	var states []*models.BreakerState
	for rows.Next() {
		s := &models.BreakerState{}
		if err := rows.Scan(&s.Scope, &s.Status, &s.Failures, &s.LastFailureAt, &s.NextAttemptAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan breaker state: %w", err)
		}
		states = append(states, s)
	}

	return states, rows.Err()
}

// Reset deletes the record for a scope, returning it to closed
func (r *BreakerRepository) Reset(ctx context.Context, scope string) error {
	query := `DELETE FROM circuit_breakers WHERE scope = $1`

	_, err := r.db.Exec(ctx, query, scope)
	if err != nil {
		return fmt.Errorf("failed to reset breaker state: %w", err)
	}

	return nil
}
