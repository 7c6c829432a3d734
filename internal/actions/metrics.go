package actions

import (
	"context"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
)

// PointWriter writes a point stamped with the current time. *influxdb.Client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any)
}

// NewMetricsWrite returns the metrics.write action.
//
// Input: {measurement: string, tags?: object of strings, fields: object}
func NewMetricsWrite(w PointWriter) *automation.SchemaAction {
	a := automation.NewSchemaAction(map[string]automation.Field{
		"measurement": automation.Required(automation.FieldString),
		"tags":        automation.Optional(automation.FieldObject),
		"fields":      automation.Required(automation.FieldObject),
	}, func(_ context.Context, input map[string]any) (any, error) {
		measurement, _ := input["measurement"].(string)
		fields, _ := input["fields"].(map[string]any)
		tags, err := stringMap("tags", input["tags"])
		if err != nil {
			return nil, err
		}
		w.WritePoint(measurement, tags, fields)
		return map[string]any{"measurement": measurement, "fields": len(fields)}, nil
	})
	a.Check = func(input map[string]any) error {
		measurement, _ := input["measurement"].(string)
		fields, _ := input["fields"].(map[string]any)
		if err := influxdb.ValidatePoint(measurement, fields); err != nil {
			return err
		}
		_, err := stringMap("tags", input["tags"])
		return err
	}
	return a
}
