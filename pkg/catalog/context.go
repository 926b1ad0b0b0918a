package catalog

import "context"

type userKey struct{}

// WithUser records the acting user on ctx for event attribution.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the acting user, or "" for anonymous calls.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}
