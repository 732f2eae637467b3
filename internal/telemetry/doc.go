// Package telemetry sets up OpenTelemetry tracing and metrics export over
// OTLP for the immunity daemon. Prometheus scraping of /metrics is separate
// and always on.
//
// Each step produces an immunity.process span with immunity.scan,
// immunity.repair and immunity.precommit children. Per-vector spans are
// dropped by the sampler unless VectorSpans is set:
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  sample_rate: 0.25
//	  vector_spans: true
package telemetry
