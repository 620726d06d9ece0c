package auth

import "context"

const RoleAdmin = "admin"

type contextKey struct{}

type cronKey struct{}

type AuthContext struct {
	UserID string
	Email  string
	Role   string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

func UserID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}

func IsAdmin(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == RoleAdmin
}

// WithCron marks a request authenticated by the scheduler secret.
func WithCron(ctx context.Context) context.Context {
	return context.WithValue(ctx, cronKey{}, true)
}

func IsCron(ctx context.Context) bool {
	v, _ := ctx.Value(cronKey{}).(bool)
	return v
}
