package automation

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Signal is an immutable domain event that may trigger automations.
// The engine only reads it; payload and metadata are never mutated.
type Signal struct {
	ID       string         `json:"signal_id"`
	Type     string         `json:"signal_type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Automation is a stored automation definition row.
type Automation struct {
	ID          string           `json:"id"`
	Key         string           `json:"automation_key"`
	Name        string           `json:"name"`
	Description *string          `json:"description,omitempty"`
	Definition  Definition       `json:"definition"`
	Version     int              `json:"version"`
	Status      DefinitionStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// DefinitionStatus is the lifecycle state of an automation definition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "draft"
	DefinitionActive     DefinitionStatus = "active"
	DefinitionDeprecated DefinitionStatus = "deprecated"
	DefinitionBroken     DefinitionStatus = "broken"
)

// AllDefinitionStatuses returns every valid definition status.
func AllDefinitionStatuses() []DefinitionStatus {
	return []DefinitionStatus{DefinitionDraft, DefinitionActive, DefinitionDeprecated, DefinitionBroken}
}

// Definition is the declarative body of an automation.
//
// When ParallelGroups is non-empty, only the steps referenced by a group
// are executed. Otherwise Steps run sequentially in array order.
type Definition struct {
	Trigger        Trigger         `json:"trigger" yaml:"trigger"`
	Steps          []Step          `json:"steps" yaml:"steps"`
	ParallelGroups []ParallelGroup `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
}

// Trigger selects the signal type an automation listens to.
type Trigger struct {
	SignalType string `json:"signalType" yaml:"signalType"`
}

// Step is one action invocation within a definition.
type Step struct {
	ActionKey     string         `json:"actionKey" yaml:"actionKey"`
	InputTemplate map[string]any `json:"inputTemplate,omitempty" yaml:"inputTemplate,omitempty"`
	OnError       OnError        `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// stepFields mirrors Step and additionally accepts the snake_case action key.
type stepFields struct {
	ActionKey      string         `json:"actionKey" yaml:"actionKey"`
	ActionKeySnake string         `json:"action_key" yaml:"action_key"`
	InputTemplate  map[string]any `json:"inputTemplate" yaml:"inputTemplate"`
	OnError        OnError        `json:"onError" yaml:"onError"`
}

func (f stepFields) step() Step {
	key := f.ActionKey
	if key == "" {
		key = f.ActionKeySnake
	}
	return Step{ActionKey: key, InputTemplate: f.InputTemplate, OnError: f.OnError}
}

// UnmarshalJSON accepts both "actionKey" and "action_key".
func (s *Step) UnmarshalJSON(data []byte) error {
	var f stepFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = f.step()
	return nil
}

// UnmarshalYAML accepts both "actionKey" and "action_key".
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var f stepFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*s = f.step()
	return nil
}

// Policy returns the effective error policy (fail when unset).
func (s Step) Policy() OnError {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// OnError controls what happens to a run when a step's handler fails.
type OnError string

const (
	// OnErrorFail aborts the run after recording the step as failed.
	OnErrorFail OnError = "fail"
	// OnErrorContinue records the step as failed and proceeds.
	OnErrorContinue OnError = "continue"
	// OnErrorSkip records the step as skipped (keeping the error) and proceeds.
	OnErrorSkip OnError = "skip"
)

// ParallelGroup is a set of step indices executed concurrently.
//
// It decodes from either a bare index list ([0, 1]) or an object
// ({"steps": [0, 1]}) and always encodes as the object form.
type ParallelGroup struct {
	Steps []int `json:"steps" yaml:"steps"`
}

// UnmarshalJSON decodes either form of a parallel group.
func (g *ParallelGroup) UnmarshalJSON(data []byte) error {
	var indices []int
	if err := json.Unmarshal(data, &indices); err == nil {
		g.Steps = indices
		return nil
	}
	var obj struct {
		Steps []int `json:"steps"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("parallel group must be an index list or {\"steps\": [...]}: %w", err)
	}
	g.Steps = obj.Steps
	return nil
}

// UnmarshalYAML decodes either form of a parallel group.
func (g *ParallelGroup) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&g.Steps)
	}
	var obj struct {
		Steps []int `yaml:"steps"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	g.Steps = obj.Steps
	return nil
}

// RunStatus is the state of a run or a run step.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Run is one execution attempt of one automation against one signal.
type Run struct {
	ID            string         `json:"id"`
	AutomationID  string         `json:"automation_id"`
	AutomationKey string         `json:"automation_key"`
	SignalID      string         `json:"signal_id"`
	SignalType    string         `json:"signal_type"`
	Status        RunStatus      `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// RunStep records one executed step attempt within a run.
type RunStep struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	StepIndex  int            `json:"step_index"`
	ActionKey  string         `json:"action_key"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Input      map[string]any `json:"input"`
	Output     any            `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// RunResult is the outcome of processing one automation for a signal.
type RunResult struct {
	OK            bool      `json:"ok"`
	AutomationKey string    `json:"automation_key"`
	RunID         string    `json:"run_id,omitempty"`
	Status        RunStatus `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// AutomationError records an automation that could not be processed cleanly.
type AutomationError struct {
	AutomationKey string `json:"automation_key"`
	Error         string `json:"error"`
}

// Summary aggregates every automation outcome for one signal.
type Summary struct {
	OK         bool              `json:"ok"`
	Skipped    bool              `json:"skipped,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	SignalID   string            `json:"signal_id"`
	SignalType string            `json:"signal_type"`
	Runs       []RunResult       `json:"runs"`
	Errors     []AutomationError `json:"errors"`
}

// Summary reasons and meta keys.
const (
	ReasonFeatureFlagOff = "feature_flag_off"
	ReasonDedupe         = "dedupe"
	ReasonOnErrorSkip    = "on_error_skip"

	unknownAutomationKey = "unknown"
)

// DeepCopy returns an independent copy of the automation.
// The definition's templates are cloned so cached values cannot be mutated.
func (a *Automation) DeepCopy() *Automation {
	if a == nil {
		return nil
	}
	cpy := *a
	cpy.Description = cloneStringPtr(a.Description)
	cpy.Definition = a.Definition.DeepCopy()
	return &cpy
}

// DeepCopy returns an independent copy of the definition.
func (d Definition) DeepCopy() Definition {
	cpy := d
	if d.Steps != nil {
		cpy.Steps = make([]Step, len(d.Steps))
		for i, step := range d.Steps {
			cpy.Steps[i] = step
			cpy.Steps[i].InputTemplate = deepCopyMap(step.InputTemplate)
		}
	}
	if d.ParallelGroups != nil {
		cpy.ParallelGroups = make([]ParallelGroup, len(d.ParallelGroups))
		for i, group := range d.ParallelGroups {
			cpy.ParallelGroups[i] = ParallelGroup{Steps: append([]int(nil), group.Steps...)}
		}
	}
	return cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}

// cloneStringPtr creates an independent copy of a *string.
func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// stringPtr returns a pointer to s, or nil when s is empty.
func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
