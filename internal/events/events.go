package events

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Event types, shared by the MQTT topics and the WebSocket channels.
const (
	TypeRunStarted   = "automation.run_started"
	TypeRunFinished  = "automation.run_finished"
	TypeStepFinished = "automation.step_finished"
)

// Event is the envelope published for every run lifecycle notification.
type Event struct {
	Type          string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	AutomationKey string    `json:"automation_key,omitempty"`
	RunID         string    `json:"run_id"`
	Payload       any       `json:"payload"`
}

// RunStarted builds the event for a run that has just been persisted.
func RunStarted(run automation.Run) Event {
	return Event{
		Type:          TypeRunStarted,
		Timestamp:     run.StartedAt,
		AutomationKey: run.AutomationKey,
		RunID:         run.ID,
		Payload:       run,
	}
}

// RunFinished builds the event for a run in a terminal state.
func RunFinished(run automation.Run) Event {
	ts := time.Now().UTC()
	if run.FinishedAt != nil {
		ts = *run.FinishedAt
	}
	return Event{
		Type:          TypeRunFinished,
		Timestamp:     ts,
		AutomationKey: run.AutomationKey,
		RunID:         run.ID,
		Payload:       run,
	}
}

// StepFinished builds the event for a step in a terminal state.
// Steps do not carry their automation key, so the caller supplies it.
func StepFinished(automationKey string, step automation.RunStep) Event {
	ts := time.Now().UTC()
	if step.FinishedAt != nil {
		ts = *step.FinishedAt
	}
	return Event{
		Type:          TypeStepFinished,
		Timestamp:     ts,
		AutomationKey: automationKey,
		RunID:         step.RunID,
		Payload:       step,
	}
}

// Logger is the subset of logging.Logger the observers use.
type Logger interface {
	Warn(msg string, args ...any)
}

// RunKeys remembers the automation key of every run between RunStarted and
// RunFinished so step notifications can be attributed. The zero value is ready to use.
type RunKeys struct {
	mu   sync.Mutex
	keys map[string]string
}

// Track records the key of a started run.
func (r *RunKeys) Track(run automation.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[string]string)
	}
	r.keys[run.ID] = run.AutomationKey
}

// Lookup returns the key of a tracked run, or "" when unknown.
func (r *RunKeys) Lookup(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[runID]
}

// Forget drops a finished run.
func (r *RunKeys) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, runID)
}

// Len returns the number of tracked runs.
func (r *RunKeys) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
