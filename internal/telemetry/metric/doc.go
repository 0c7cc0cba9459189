// Package metric provides Prometheus metrics for tablesnap.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: Prometheus registry and HTTP handler
//   - collector.go: Custom collector for live table statistics
//
// Metrics include:
//
//   - Save request, drop and supersede counters
//   - Collection time and longest blocking step histograms
//   - Snapshot write results, duration and size
//   - Table size gauges
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
