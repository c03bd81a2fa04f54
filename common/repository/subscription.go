package repository

import (
	"context"
	"fmt"

	"github.com/blockpilot/worker/common/db"
)

// SubscriptionRepository answers plan capability checks from the
// subscriptions table. Unknown users fall back to the free plan.
type SubscriptionRepository struct {
	db *db.DB
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(database *db.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: database}
}

var _ SubscriptionPort = (*SubscriptionRepository)(nil)

// Plans that unlock deliberate (reflection) and collaborative modes.
var planCapabilities = map[string]struct {
	deliberate    bool
	collaborative bool
}{
	"free":       {deliberate: false, collaborative: false},
	"pro":        {deliberate: true, collaborative: false},
	"team":       {deliberate: true, collaborative: true},
	"enterprise": {deliberate: true, collaborative: true},
}

func (r *SubscriptionRepository) plan(ctx context.Context, userID string) (string, error) {
	query := `
		SELECT plan FROM subscriptions
		WHERE user_id = $1 AND active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var plan string
	err := r.db.QueryRow(ctx, query, userID).Scan(&plan)
	if err != nil {
		if db.IsNotFound(err) {
			return "free", nil
		}
		return "", fmt.Errorf("failed to get subscription plan: %w", err)
	}

	return plan, nil
}

// CanUseDeliberate reports whether the user's plan unlocks reflection
func (r *SubscriptionRepository) CanUseDeliberate(ctx context.Context, userID string) (bool, error) {
	plan, err := r.plan(ctx, userID)
	if err != nil {
		return false, err
	}
	return planCapabilities[plan].deliberate, nil
}

// CanUseCollaborative reports whether the user's plan unlocks collaborative mode
func (r *SubscriptionRepository) CanUseCollaborative(ctx context.Context, userID string) (bool, error) {
	plan, err := r.plan(ctx, userID)
	if err != nil {
		return false, err
	}
	return planCapabilities[plan].collaborative, nil
}
