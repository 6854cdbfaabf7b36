// Package telemetry wires the OpenTelemetry trace and metric providers for
// validationd.
//
// The executor client, poller, orchestrator and transports take their
// tracers and meters from the global providers that New installs. Export
// goes to an OTLP collector over gRPC or HTTP/protobuf:
//
//	observability:
//	  enable_telemetry: true
//	  service_name: validationd
//	  otlp_endpoint: localhost:4317
//
// Telemetry never stops the daemon. When an exporter cannot be created the
// instance reports itself degraded and the affected signal falls back to
// the no-op provider.
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tel := telemetry.NewTestTelemetry()
//	c := executor.NewClient(cfg, nil, executor.WithTracer(tel.Tracer("test")))
//	...
//	tel.AssertSpanExists(t, "executor.Status")
package telemetry
