// Package otel exposes chainauth engine metrics as OpenTelemetry observable
// instruments: one counter per engine counter and one gauge per cumulative
// latency bucket. Callers supply the Meter.
package otel
