package automation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Action is a side-effecting operation a step can invoke.
//
// Validate is called on the resolved input before any step row is written;
// Handle performs the work and must honour ctx cancellation.
type Action interface {
	Validate(input map[string]any) error
	Handle(ctx context.Context, input map[string]any) (any, error)
}

// SideEffects classifies what an action does to the outside world.
type SideEffects string

const (
	SideEffectsMutatesState SideEffects = "mutates_state"
	SideEffectsReadsOnly    SideEffects = "reads_only"
	SideEffectsExternal     SideEffects = "external"
)

// ActionInfo describes a registered action for listing.
type ActionInfo struct {
	Key         string            `json:"key"`
	Description string            `json:"description"`
	SideEffects SideEffects       `json:"side_effects"`
	Schema      map[string]string `json:"schema,omitempty"`
}

type registeredAction struct {
	action Action
	info   ActionInfo
}

// ActionRegistry maps action keys to handlers.
//
// Registration normally happens during startup; lookups are safe for
// concurrent use with registration.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]registeredAction
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]registeredAction)}
}

// Register adds an action under key.
func (r *ActionRegistry) Register(key, description string, effects SideEffects, action Action) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: action key cannot be empty", ErrInvalidDefinition)
	}
	if action == nil {
		return fmt.Errorf("%w: action %q has no handler", ErrInvalidDefinition, key)
	}
	if effects == "" {
		effects = SideEffectsMutatesState
	}

	info := ActionInfo{Key: key, Description: description, SideEffects: effects}
	if sa, ok := action.(*SchemaAction); ok {
		info.Schema = sa.schemaDescription()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[key]; exists {
		return fmt.Errorf("%w: %q", ErrActionExists, key)
	}
	r.actions[key] = registeredAction{action: action, info: info}
	return nil
}

// MustRegister is Register for static startup wiring; it panics on error.
func (r *ActionRegistry) MustRegister(key, description string, effects SideEffects, action Action) {
	if err := r.Register(key, description, effects, action); err != nil {
		panic(err)
	}
}

// Get returns the action registered under key.
func (r *ActionRegistry) Get(key string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ra, ok := r.actions[key]
	return ra.action, ok
}

// Has reports whether key is registered.
func (r *ActionRegistry) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// List returns every registered action sorted by key.
func (r *ActionRegistry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionInfo, 0, len(r.actions))
	for _, ra := range r.actions {
		out = append(out, ra.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ─── Schema-validated actions ───────────────────────────────────────────────

// FieldType is a JSON-ish value kind accepted by SchemaAction.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// Field describes one input field of a SchemaAction.
type Field struct {
	Type     FieldType
	Optional bool
}

// Required returns a required field of type t.
func Required(t FieldType) Field { return Field{Type: t} }

// Optional returns an optional field of type t.
func Optional(t FieldType) Field { return Field{Type: t, Optional: true} }

// HandlerFunc performs the work of a SchemaAction.
type HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

// SchemaAction validates its input against a flat field schema before the
// handler runs. Unknown fields are rejected and every problem is reported.
//
// Check, when set, runs after the schema passes and covers rules a flat
// schema cannot express (enumerations, nested value types).
type SchemaAction struct {
	Schema  map[string]Field
	Handler HandlerFunc
	Check   func(input map[string]any) error
}

// NewSchemaAction creates a SchemaAction.
func NewSchemaAction(schema map[string]Field, handler HandlerFunc) *SchemaAction {
	return &SchemaAction{Schema: schema, Handler: handler}
}

// Validate checks input against the schema.
func (a *SchemaAction) Validate(input map[string]any) error {
	var problems []string

	for _, name := range sortedKeys(a.Schema) {
		field := a.Schema[name]
		value, present := input[name]
		if !present || value == nil {
			if !field.Optional {
				problems = append(problems, fmt.Sprintf("%s: required", name))
			}
			continue
		}
		if !matchesType(value, field.Type) {
			problems = append(problems, fmt.Sprintf("%s: expected %s, got %s", name, field.Type, kindName(value)))
		}
	}

	unknown := make([]string, 0)
	for name := range input {
		if _, ok := a.Schema[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		problems = append(problems, fmt.Sprintf("%s: unknown field", name))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	if a.Check != nil {
		if err := a.Check(input); err != nil {
			if errors.Is(err, ErrInvalidInput) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	return nil
}

// Handle invokes the handler.
func (a *SchemaAction) Handle(ctx context.Context, input map[string]any) (any, error) {
	if a.Handler == nil {
		return nil, errors.New("schema action has no handler")
	}
	return a.Handler(ctx, input)
}

func (a *SchemaAction) schemaDescription() map[string]string {
	out := make(map[string]string, len(a.Schema))
	for name, field := range a.Schema {
		t := string(field.Type)
		if field.Optional {
			t += "?"
		}
		out[name] = t
	}
	return out
}

func matchesType(value any, t FieldType) bool {
	switch t {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldArray:
		rv := reflect.ValueOf(value)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	case FieldNumber:
		// YAML decodes integers as int and JSON decodes every number as float64.
		switch reflect.ValueOf(value).Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func kindName(value any) string {
	switch value.(type) {
	case string:
		return string(FieldString)
	case bool:
		return string(FieldBoolean)
	case map[string]any:
		return string(FieldObject)
	}
	if matchesType(value, FieldNumber) {
		return string(FieldNumber)
	}
	if matchesType(value, FieldArray) {
		return string(FieldArray)
	}
	return fmt.Sprintf("%T", value)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
