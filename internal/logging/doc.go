// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with a Trace level below Debug, optional OTEL log export,
// key based secret redaction, level-aware sampling and automatic injection
// of request correlation fields carried on the context:
//
//	ctx = logging.WithRequestID(ctx, "req_123")
//	ctx = logging.WithUser(ctx, "alice")
//	ctx = logging.WithPartition(ctx, "hr")
//	logger.Info(ctx, "retrieval complete", zap.Int("passages", 4))
//
// produces
//
//	{"level":"info","msg":"retrieval complete","request.id":"req_123",
//	 "user.id":"alice","partition":"hr","passages":4}
//
// Packages below the HTTP boundary that do not carry request context accept
// a plain *zap.Logger; use Underlying to obtain one.
package logging
