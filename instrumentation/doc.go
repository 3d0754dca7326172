// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// The package is designed around dependency injection: construct an
// Instrumentation with New and hand it to the server, handler, and storage
// layers via their SetInstrumentation methods. When disabled, no-op providers
// are used and the overhead is negligible.
//
// Exporter wiring (OTLP, Prometheus) is left to the embedding application:
// pass your own MeterProvider and TracerProvider through Config to connect
// the instruments to a real backend.
package instrumentation
