package influxdb

import "errors"

// Sentinel errors for InfluxDB operations.
//
//	if errors.Is(err, influxdb.ErrNotConnected) {
//	    // Handle disconnected state
//	}
var (
	// ErrNotConnected indicates the client is not connected to InfluxDB.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrInvalidPoint indicates a point cannot be written.
	ErrInvalidPoint = errors.New("influxdb: invalid point")

	// ErrDisabled indicates InfluxDB integration is disabled in configuration.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
