// Package metrics collects load balancer events.
//
// Producers (the dispatcher, the connection handler and the health monitor)
// hand MetricEvents to a Collector through Emit, which never blocks: when the
// buffer is full the event is dropped and counted. A single goroutine started
// by Run folds events into two views:
//   - an in-memory Snapshot served as JSON, with per-backend selection counts,
//     status code distribution and response time percentiles
//   - Prometheus collectors on a private registry, served in the text
//     exposition format
//
// The Collector is also a health observer: Update turns every post-check
// backend state into an EventHealthReported.
//
//	collector := metrics.NewCollector(1000, logger)
//	go collector.Run(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Backend:    "localhost:7076",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot("round-robin")
package metrics
