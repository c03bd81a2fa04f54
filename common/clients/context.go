package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// UserIDKey carries the workflow owner's id so collaborator services
	// can enforce per-user policy on the worker's behalf.
	UserIDKey contextKey = "user-id"
)

// WithUserID adds a user ID to the context. DoRequest extracts it as
// the X-User-ID header.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}
