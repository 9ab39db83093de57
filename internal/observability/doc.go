// Package observability provides structured logging and metrics for
// the audit control plane.
//
// This package implements:
//   - The process zap logger, with optional on-disk rotation
//   - Prometheus request counters and latency histograms
//   - Router middleware binding the metrics to every request
package observability
