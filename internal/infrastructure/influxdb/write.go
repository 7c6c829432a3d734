package influxdb

import (
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurements written by the automation metrics observer.
const (
	MeasurementRuns  = "automation_runs"
	MeasurementSteps = "automation_steps"
)

// WritePoint writes a point stamped with the current time.
// The write is non-blocking; points are batched and sent asynchronously.
//
// Example:
//
//	client.WritePoint("signups",
//	    map[string]string{"plan": "pro"},
//	    map[string]any{"count": 1})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
// Points written while disconnected are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

// ValidatePoint checks that a point can be encoded as line protocol: a
// non-empty measurement, at least one field, and field values that are
// numbers, strings or booleans.
func ValidatePoint(measurement string, fields map[string]any) error {
	if strings.TrimSpace(measurement) == "" {
		return fmt.Errorf("%w: measurement is required", ErrInvalidPoint)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrInvalidPoint)
	}
	for name, v := range fields {
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, string, bool:
		default:
			return fmt.Errorf("%w: field %q has unsupported type %T", ErrInvalidPoint, name, v)
		}
	}
	return nil
}
