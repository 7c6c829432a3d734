// Package events turns engine lifecycle notifications into outbound
// telemetry: MQTT run events and InfluxDB run/step metrics.
//
// Both observers implement automation.Observer and are registered with
// automation.WithObserver. The WebSocket hub in package api consumes the same
// Event envelope.
package events
