// Package influxdb provides InfluxDB connectivity for the automation service.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched non-blocking writes and health monitoring.
//
// # Purpose
//
// Two writers use this package:
//   - the run metrics observer, which records automation_runs and
//     automation_steps points as runs finish
//   - the metrics.write built-in action, which lets a step write an
//     arbitrary point
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WritePoint("signups", map[string]string{"plan": "pro"}, map[string]any{"count": 1})
//
// # Error Handling
//
// Writes are non-blocking; batch errors are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
