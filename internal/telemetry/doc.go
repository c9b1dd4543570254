// Package telemetry sets up OpenTelemetry tracing and metrics export for
// roundtable.
//
// New installs its providers as the otel globals, so the controller's cycle
// spans and the executor's retry and breaker instruments flow to the
// configured OTLP collector without further wiring:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Configuration:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sample_rate: 1.0
//	  export_interval: 15s
//
// Insecure (plaintext) export is refused for non-loopback endpoints.
// Exporter setup failures mark the instance degraded and fall back to the
// global no-op providers.
package telemetry
