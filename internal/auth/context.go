package auth

import "context"

type contextKey struct{}

// Caller identifies the internal service behind an authenticated request.
type Caller struct {
	Service   string
	RequestID string
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	return c, ok
}

// Service returns the calling service name, or "" for anonymous requests.
func Service(ctx context.Context) string {
	c, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return c.Service
}
