package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxKeyLength         = 100
	maxNameLength        = 200
	maxDescriptionLength = 1000
	maxSteps             = 100
	automationKeyPattern = `^[a-z0-9_-]+$`
)

var automationKeyRegex = regexp.MustCompile(automationKeyPattern)

// Pre-computed validation sets for O(1) lookups.
var (
	validOnError = map[OnError]struct{}{
		OnErrorFail:     {},
		OnErrorContinue: {},
		OnErrorSkip:     {},
	}
	validStatuses map[DefinitionStatus]struct{}
)

func init() {
	validStatuses = make(map[DefinitionStatus]struct{}, len(AllDefinitionStatuses()))
	for _, s := range AllDefinitionStatuses() {
		validStatuses[s] = struct{}{}
	}
}

func validDefinitionStatus(s DefinitionStatus) bool {
	_, ok := validStatuses[s]
	return ok
}

// ParseDefinitionStatus converts s to a DefinitionStatus.
func ParseDefinitionStatus(s string) (DefinitionStatus, error) {
	status := DefinitionStatus(s)
	if !validDefinitionStatus(status) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidDefinition, s)
	}
	return status, nil
}

// ParseRunStatus converts s to a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	switch status := RunStatus(s); status {
	case StatusRunning, StatusSuccess, StatusFailed, StatusSkipped:
		return status, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// ValidateAutomationKey checks the format of an automation key.
func ValidateAutomationKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidAutomationKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidAutomationKey, maxKeyLength)
	}
	if !automationKeyRegex.MatchString(key) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidAutomationKey, key, automationKeyPattern)
	}
	return nil
}

// ValidateAutomation checks the row-level fields and the definition body.
func ValidateAutomation(a *Automation, actions *ActionRegistry) error {
	if a == nil {
		return ErrInvalidDefinition
	}
	if err := ValidateAutomationKey(a.Key); err != nil {
		return err
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDefinition)
	}
	if len(a.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDefinition, maxNameLength)
	}
	if a.Description != nil && len(*a.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalidDefinition, maxDescriptionLength)
	}
	return ValidateDefinition(a.Definition, actions)
}

// ValidateDefinition checks a definition body. Every problem found is
// reported in the returned error, which wraps ErrInvalidDefinition.
//
// When actions is nil, action keys are only checked for presence.
func ValidateDefinition(def Definition, actions *ActionRegistry) error {
	var problems []error

	if strings.TrimSpace(def.Trigger.SignalType) == "" {
		problems = append(problems, errors.New("trigger.signalType is required"))
	}

	if len(def.Steps) == 0 {
		problems = append(problems, errors.New("steps must not be empty"))
	}
	if len(def.Steps) > maxSteps {
		problems = append(problems, fmt.Errorf("steps exceeds maximum of %d", maxSteps))
	}

	for i, step := range def.Steps {
		switch {
		case step.ActionKey == "":
			problems = append(problems, fmt.Errorf("steps[%d]: actionKey is required", i))
		case actions != nil && !actions.Has(step.ActionKey):
			problems = append(problems, fmt.Errorf("steps[%d]: %w: %q", i, ErrActionNotRegistered, step.ActionKey))
		}
		if step.OnError != "" {
			if _, ok := validOnError[step.OnError]; !ok {
				problems = append(problems, fmt.Errorf("steps[%d]: onError must be fail, continue or skip, got %q", i, step.OnError))
			}
		}
	}

	seen := make(map[int]int)
	for g, group := range def.ParallelGroups {
		if len(group.Steps) == 0 {
			problems = append(problems, fmt.Errorf("parallel_groups[%d]: steps must not be empty", g))
		}
		for _, idx := range group.Steps {
			if idx < 0 || idx >= len(def.Steps) {
				problems = append(problems, fmt.Errorf("parallel_groups[%d]: %w: %d", g, ErrStepIndexOutOfRange, idx))
				continue
			}
			if prev, dup := seen[idx]; dup {
				problems = append(problems, fmt.Errorf("parallel_groups[%d]: step %d already listed in parallel_groups[%d]", g, idx, prev))
				continue
			}
			seen[idx] = g
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(problems...))
}

// GenerateID creates a new UUID for a definition, run or step.
func GenerateID() string {
	return uuid.New().String()
}
