package events

import (
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
)

// PointWriter writes one time-series point. *influxdb.Client satisfies it.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time)
}

// MetricsObserver records an automation_steps point per finished step and an
// automation_runs point per finished run. Nothing is written on RunStarted.
type MetricsObserver struct {
	w    PointWriter
	site string
	keys RunKeys
}

// NewMetricsObserver creates an observer tagging every point with site.
func NewMetricsObserver(w PointWriter, site string) *MetricsObserver {
	return &MetricsObserver{w: w, site: site}
}

// RunStarted implements automation.Observer.
func (m *MetricsObserver) RunStarted(run automation.Run) {
	m.keys.Track(run)
}

// StepFinished implements automation.Observer.
func (m *MetricsObserver) StepFinished(step automation.RunStep) {
	finished := finishTime(step.FinishedAt)
	m.w.WritePointWithTime(influxdb.MeasurementSteps,
		map[string]string{
			"site":           m.site,
			"automation_key": m.keys.Lookup(step.RunID),
			"action_key":     step.ActionKey,
			"status":         string(step.Status),
		},
		map[string]any{
			"count":       1,
			"step_index":  step.StepIndex,
			"duration_ms": finished.Sub(step.StartedAt).Milliseconds(),
		},
		finished,
	)
}

// RunFinished implements automation.Observer.
func (m *MetricsObserver) RunFinished(run automation.Run) {
	m.keys.Forget(run.ID)

	finished := finishTime(run.FinishedAt)
	fields := map[string]any{
		"count":       1,
		"duration_ms": finished.Sub(run.StartedAt).Milliseconds(),
	}
	for _, key := range []string{"steps_continued", "steps_skipped"} {
		if n, ok := asInt64(run.Meta[key]); ok {
			fields[key] = n
		}
	}

	m.w.WritePointWithTime(influxdb.MeasurementRuns,
		map[string]string{
			"site":           m.site,
			"automation_key": run.AutomationKey,
			"signal_type":    run.SignalType,
			"status":         string(run.Status),
		},
		fields,
		finished,
	)
}

func finishTime(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
