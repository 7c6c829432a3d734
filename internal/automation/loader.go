package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// definitionsFile is the on-disk shape of a definitions seed file.
type definitionsFile struct {
	Automations []seedDefinition `yaml:"automations"`
}

type seedDefinition struct {
	Key         string           `yaml:"key"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Status      DefinitionStatus `yaml:"status"`
	Definition  Definition       `yaml:"definition"`
}

// LoadDefinitionsFile reads automation definitions from a YAML file.
//
// Example:
//
//	automations:
//	  - key: welcome_email
//	    name: Welcome email
//	    status: active
//	    definition:
//	      trigger: { signalType: user.signed_up }
//	      steps:
//	        - actionKey: log.record
//	          inputTemplate: { message: "welcome {{ payload.email }}" }
func LoadDefinitionsFile(path string) ([]Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definitions file: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes a YAML definitions document.
func ParseDefinitions(data []byte) ([]Automation, error) {
	var file definitionsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing definitions file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Automations))
	out := make([]Automation, 0, len(file.Automations))
	for i, sd := range file.Automations {
		if _, dup := seen[sd.Key]; dup {
			return nil, fmt.Errorf("automations[%d]: %w: duplicate key %q", i, ErrDefinitionExists, sd.Key)
		}
		seen[sd.Key] = struct{}{}

		status := sd.Status
		if status == "" {
			status = DefinitionActive
		}
		if !validDefinitionStatus(status) {
			return nil, fmt.Errorf("automations[%d]: %w: unknown status %q", i, ErrInvalidDefinition, status)
		}
		out = append(out, Automation{
			Key:         sd.Key,
			Name:        sd.Name,
			Description: stringPtr(sd.Description),
			Status:      status,
			Definition:  sd.Definition,
		})
	}
	return out, nil
}

// SeedResult counts what SeedDefinitions changed.
type SeedResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// SeedDefinitions upserts defs through the registry: absent keys are
// created, changed bodies are updated to a new version, and the status is
// aligned with the file. Every definition is validated first; nothing is
// written when any of them is invalid.
func SeedDefinitions(ctx context.Context, reg *Registry, defs []Automation) (SeedResult, error) {
	var result SeedResult

	for i := range defs {
		if err := ValidateAutomation(&defs[i], reg.actions); err != nil {
			return result, fmt.Errorf("automation %q: %w", defs[i].Key, err)
		}
	}

	for i := range defs {
		want := defs[i]
		current, err := reg.GetDefinition(ctx, want.Key)
		switch {
		case errors.Is(err, ErrDefinitionNotFound):
			created := want
			if err := reg.CreateDefinition(ctx, &created); err != nil {
				return result, fmt.Errorf("creating %q: %w", want.Key, err)
			}
			result.Created++
			continue
		case err != nil:
			return result, fmt.Errorf("loading %q: %w", want.Key, err)
		}

		changed := false
		same, err := sameBody(current, &want)
		if err != nil {
			return result, fmt.Errorf("comparing %q: %w", want.Key, err)
		}
		if !same {
			updated := want
			updated.Version = current.Version
			if err := reg.UpdateDefinition(ctx, &updated); err != nil {
				return result, fmt.Errorf("updating %q: %w", want.Key, err)
			}
			changed = true
		}
		if current.Status != want.Status {
			if err := reg.SetDefinitionStatus(ctx, want.Key, want.Status); err != nil {
				return result, fmt.Errorf("setting status of %q: %w", want.Key, err)
			}
			changed = true
		}

		if changed {
			result.Updated++
		} else {
			result.Unchanged++
		}
	}

	reg.logger.Info("automation definitions seeded",
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
	)
	return result, nil
}

// sameBody compares the user-editable fields of two definitions. Bodies
// are compared in their JSON form so YAML ints and JSON floats agree.
func sameBody(a, b *Automation) (bool, error) {
	if a.Name != b.Name || derefString(a.Description) != derefString(b.Description) {
		return false, nil
	}
	aj, err := json.Marshal(a.Definition)
	if err != nil {
		return false, err
	}
	bj, err := json.Marshal(b.Definition)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aj, bj), nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
