package middleware

import "context"

type connIDKey struct{}

// WithConnID tags ctx with the id of the connection a request arrived on.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the connection id stored by WithConnID, or "".
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
