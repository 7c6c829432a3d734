// Package actions implements the built-in automation actions:
//
//	log.record         write a structured log line (reads_only)
//	mqtt.publish       publish a JSON message to an MQTT topic (external)
//	http.webhook.call  call an outbound HTTP endpoint (external)
//	metrics.write      write a point to InfluxDB (external)
//
// Each action is an automation.SchemaAction, so inputs are type-checked
// before a step is recorded. RegisterBuiltins wires them to the service's
// clients at startup.
package actions
