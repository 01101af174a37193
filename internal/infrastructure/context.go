package infrastructure

import "context"

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID stores the trace id on the context so handlers and middleware
// can attach it to responses and log records.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace id from the context, or "".
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
