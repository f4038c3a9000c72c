// Package mqtt defines the contract between the driver and an MQTT protocol
// engine: a readiness-driven state machine exposing its socket, step
// functions, and per-event callbacks. Implementations live in infra/mqtt.
package mqtt
