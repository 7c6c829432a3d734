package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrActionNotRegistered) {
//	    // definition references an unknown action
//	}
var (
	// ErrActionNotRegistered is returned when a step references an action key
	// that is not present in the ActionRegistry.
	ErrActionNotRegistered = errors.New("automation: action not registered")

	// ErrActionExists is returned when registering a duplicate action key.
	ErrActionExists = errors.New("automation: action already registered")

	// ErrInvalidInput is returned when a resolved step input fails the
	// action's validation.
	ErrInvalidInput = errors.New("automation: invalid action input")

	// ErrStepIndexOutOfRange is returned when a parallel group references
	// a step index that does not exist.
	ErrStepIndexOutOfRange = errors.New("automation: step index out of range")

	// ErrStepTimeout is returned when an action handler exceeds the step timeout.
	ErrStepTimeout = errors.New("automation: step timed out")

	// ErrRunTimeout is returned when a run exceeds its overall deadline.
	ErrRunTimeout = errors.New("automation: run timed out")

	// ErrInvalidSignal is returned when a signal lacks an id or type.
	ErrInvalidSignal = errors.New("automation: invalid signal")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("automation: run not found")

	// ErrStepNotFound is returned when a run step ID does not exist.
	ErrStepNotFound = errors.New("automation: run step not found")

	// ErrDefinitionNotFound is returned when an automation key does not exist.
	ErrDefinitionNotFound = errors.New("automation: definition not found")

	// ErrDefinitionExists is returned when creating a definition whose key is taken.
	ErrDefinitionExists = errors.New("automation: definition already exists")

	// ErrInvalidDefinition is returned when definition validation fails.
	ErrInvalidDefinition = errors.New("automation: invalid definition")

	// ErrInvalidAutomationKey is returned when an automation key has a bad format.
	ErrInvalidAutomationKey = errors.New("automation: invalid automation key")

	// ErrVersionConflict is returned when an update targets a stale version.
	ErrVersionConflict = errors.New("automation: version conflict")
)
