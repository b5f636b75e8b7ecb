// Package telemetry wires OpenTelemetry tracing and metrics for patternd.
//
// # Overview
//
// New builds OTLP/gRPC trace and metric exporters and installs them as the
// otel global providers, so packages that call otel.Tracer and otel.Meter
// at construction pick them up. With telemetry disabled the globals stay
// no-op.
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  service_name: "patternd"
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Error Handling
//
// Exporter construction failures mark the instance degraded and are logged;
// they never fail startup.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	tt.Install(t)
//	updater, _ := patterns.NewUpdater(nil, store, logger)
//	_ = updater.RecordOutcome(ctx, event)
//	tt.AssertSpanExists(t, "patterns.RecordOutcome")
package telemetry
