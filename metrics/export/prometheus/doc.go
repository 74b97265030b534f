// Package prometheus renders chainauth engine metrics in the Prometheus text
// exposition format. Counters are named chainauth_*_total; the validate and
// refresh latency histograms are chainauth_*_latency_seconds.
//
// The exporter reads snapshots only and never touches a global registry.
package prometheus
