package repository

import (
	"context"
	"fmt"

	"github.com/blockpilot/worker/common/db"
)

// UserCodeRepository loads stored user scripts from the user_code table.
type UserCodeRepository struct {
	db *db.DB
}

// NewUserCodeRepository creates a new user code repository
func NewUserCodeRepository(database *db.DB) *UserCodeRepository {
	return &UserCodeRepository{db: database}
}

var _ UserCodePort = (*UserCodeRepository)(nil)

// GetUserCode retrieves a stored script by ID
func (r *UserCodeRepository) GetUserCode(ctx context.Context, codeID string) (*UserCode, error) {
	query := `
		SELECT id, user_id, language, source
		FROM user_code
		WHERE id = $1
	`

	var code UserCode
	err := r.db.QueryRow(ctx, query, codeID).Scan(&code.ID, &code.UserID, &code.Language, &code.Source)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("user code %s not found", codeID)
		}
		return nil, fmt.Errorf("failed to get user code: %w", err)
	}

	return &code, nil
}
