package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestCtxKey struct{}
type userCtxKey struct{}
type partitionCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

var (
	requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// Users may be e-mail style identifiers.
	userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._@+-]+$`)
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if user := UserFromContext(ctx); user != "" {
		fields = append(fields, zap.String("user.id", user))
	}
	if p := PartitionFromContext(ctx); p != "" {
		fields = append(fields, zap.String("partition", p))
	}

	return fields
}

func validID(id string, pattern *regexp.Regexp) bool {
	return id != "" && len(id) <= maxIDLen && pattern.MatchString(id)
}

// WithRequestID adds a request ID to ctx. Values that are empty, too long or
// contain characters outside [a-zA-Z0-9_-] are dropped, since request IDs
// may originate from client headers.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID, requestIDPattern) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithUser adds the calling user identity to ctx. Invalid values are dropped.
func WithUser(ctx context.Context, user string) context.Context {
	if !validID(user, userIDPattern) {
		return ctx
	}
	return context.WithValue(ctx, userCtxKey{}, user)
}

// UserFromContext extracts the user identity from ctx.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// WithPartition tags ctx with the partition being built or searched.
func WithPartition(ctx context.Context, partition string) context.Context {
	if partition == "" {
		return ctx
	}
	return context.WithValue(ctx, partitionCtxKey{}, partition)
}

// PartitionFromContext extracts the partition from ctx.
func PartitionFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(partitionCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
