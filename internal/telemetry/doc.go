// Package telemetry sets up OpenTelemetry tracing and metrics export.
//
// Telemetry is off by default. When enabled, spans and otel metrics are
// exported over OTLP (gRPC or HTTP) and installed as the global providers,
// so packages that call otel.Tracer or otel.Meter pick them up without
// being handed a Telemetry value. Prometheus metrics are separate and are
// always served at /metrics.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
