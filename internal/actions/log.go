package actions

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// NewLogRecord returns the log.record action: it writes message (and any
// fields) to logger at the requested level, defaulting to info.
//
// Input: {message: string, level?: string, fields?: object}
func NewLogRecord(logger automation.Logger) *automation.SchemaAction {
	a := automation.NewSchemaAction(map[string]automation.Field{
		"message": automation.Required(automation.FieldString),
		"level":   automation.Optional(automation.FieldString),
		"fields":  automation.Optional(automation.FieldObject),
	}, func(_ context.Context, input map[string]any) (any, error) {
		msg, _ := input["message"].(string)
		level, _ := input["level"].(string)
		if level == "" {
			level = "info"
		}
		if logger != nil {
			logAt(logger, level, msg, fieldArgs(input["fields"]))
		}
		return map[string]any{"logged": true, "level": level}, nil
	})
	a.Check = func(input map[string]any) error {
		level, _ := input["level"].(string)
		if level != "" && !slices.Contains(logLevels, level) {
			return fmt.Errorf("level: must be one of %s", strings.Join(logLevels, ", "))
		}
		return nil
	}
	return a
}

func logAt(logger automation.Logger, level, msg string, args []any) {
	switch level {
	case "debug":
		logger.Debug(msg, args...)
	case "warn":
		logger.Warn(msg, args...)
	case "error":
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

// fieldArgs flattens fields into sorted key-value arguments.
func fieldArgs(v any) []any {
	fields, _ := v.(map[string]any)
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	args := make([]any, 0, 2*len(names)+2)
	args = append(args, "source", "automation")
	for _, k := range names {
		args = append(args, k, fields[k])
	}
	return args
}
