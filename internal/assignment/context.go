package assignment

import "context"

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID attaches an opaque correlation identifier to ctx so
// every log line the coordinator emits while processing one article can
// be tied back together, without the identifier affecting any scoring
// or assignment decision.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func correlationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
