// Package metrics contains the Prometheus and InfluxDB implementations of the
// core metrics sinks, registered under the names "prometheus", "influx" and
// "nop".
package metrics
