package inventory

import "context"

type actorKey struct{}

// WithActor returns a context carrying the acting staff id for the request.
// The value is request scoped; the ledger copies it into the transaction it
// opens and never stores it anywhere longer lived.
func WithActor(ctx context.Context, staffID string) context.Context {
	return context.WithValue(ctx, actorKey{}, staffID)
}

// ActorFromContext returns the acting staff id, or "" when none is set
func ActorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok {
		return id
	}
	return ""
}
