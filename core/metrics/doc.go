// Package metrics defines the sink interfaces used by the dispatch engine to
// report dispatches, cleanings, ticks and positions. Concrete sinks live in
// infra/metrics.
package metrics
