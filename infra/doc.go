// Package infra groups the concrete adapters behind the core interfaces: the
// bundled MQTT engine, the poll(2) readiness wait, zerolog logging and the
// Prometheus and InfluxDB metrics sinks.
package infra
