// Package api implements the operational HTTP API and WebSocket event stream
// for the automation engine.
//
// This package provides:
//   - Signal dispatch (POST /api/v1/signals) returning the run summary
//   - Run inspection with filtering and paging
//   - Definition management (create, update, status changes)
//   - The registered action catalogue
//   - A WebSocket hub that relays run lifecycle events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # WebSocket
//
// Clients subscribe to one or more channels:
//
//	{"type": "subscribe", "id": "1", "payload": {"channels": ["automation.run_finished"]}}
//
// The hub is an automation.Observer; the engine calls it for every run
// start, step completion and run completion. Slow clients miss events
// rather than delaying step execution.
//
// # Graceful Degradation
//
// MQTT and InfluxDB are optional. Their absence is reported by /health
// and /metrics but never blocks signal dispatch.
package api
