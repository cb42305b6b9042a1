// Package telemetry provides the observability surface of the engine:
// OpenTelemetry tracer bootstrap, OTel metric instruments for step and cascade
// events, and a Prometheus registry for loader and loop gauges exposed on
// /metrics.
package telemetry
