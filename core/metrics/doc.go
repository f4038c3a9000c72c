// Package metrics defines the observability hooks of the driver. Sinks record
// dispatch outcomes per event kind and, optionally, every event loop pass.
// Implementations such as PromSink and InfluxSink live in infra/metrics and
// register themselves with RegisterMetricsSink; NewMetricsSink returns a
// MultiSink automatically when several sinks are configured.
package metrics
