package task

import "context"

type idKey struct{}

// WithID returns a context carrying the task id of one operation.
// Concurrent operations each carry their own id; nothing is shared.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// IDFromContext returns the task id carried by ctx, if any.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey{}).(string)
	return id, ok && id != ""
}
