package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey int

const (
	requestIDKey contextKey = iota
	runnerIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRunnerID returns a new context carrying the runner id a gateway
// message arrived on.
func WithRunnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runnerIDKey, id)
}

// RunnerID extracts the runner id from the context, or "".
func RunnerID(ctx context.Context) string {
	id, _ := ctx.Value(runnerIDKey).(string)
	return id
}
