package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository implements Store in process memory.
//
// It backs the "memory" database driver and unit tests. All data is lost
// when the process exits. Safe for concurrent use.
type MemoryRepository struct {
	mu          sync.RWMutex
	definitions map[string]*Automation // by automation key
	defSeq      map[string]int         // insertion order, tie-break for equal created_at
	runs        map[string]*Run
	runSeq      map[string]int
	steps       map[string]*RunStep
	stepSlots   map[string]map[int]string // run_id -> step_index -> step id
	dedup       map[string]time.Time
	seq         int
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		definitions: make(map[string]*Automation),
		defSeq:      make(map[string]int),
		runs:        make(map[string]*Run),
		runSeq:      make(map[string]int),
		steps:       make(map[string]*RunStep),
		stepSlots:   make(map[string]map[int]string),
		dedup:       make(map[string]time.Time),
	}
}

func (m *MemoryRepository) next() int {
	m.seq++
	return m.seq
}

// ActiveForSignalType returns active definitions triggered by signalType.
func (m *MemoryRepository) ActiveForSignalType(_ context.Context, signalType string) ([]Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Automation
	for _, a := range m.definitions {
		if a.Status == DefinitionActive && a.Definition.Trigger.SignalType == signalType {
			out = append(out, *a.DeepCopy())
		}
	}
	m.sortDefinitions(out)
	return out, nil
}

// ListDefinitions returns all definitions, optionally filtered by status.
func (m *MemoryRepository) ListDefinitions(_ context.Context, status DefinitionStatus) ([]Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Automation
	for _, a := range m.definitions {
		if status == "" || a.Status == status {
			out = append(out, *a.DeepCopy())
		}
	}
	m.sortDefinitions(out)
	return out, nil
}

func (m *MemoryRepository) sortDefinitions(defs []Automation) {
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return m.defSeq[defs[i].Key] < m.defSeq[defs[j].Key]
	})
}

// GetDefinition retrieves a definition by key.
func (m *MemoryRepository) GetDefinition(_ context.Context, key string) (*Automation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.definitions[key]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return a.DeepCopy(), nil
}

// CreateDefinition stores a new definition.
func (m *MemoryRepository) CreateDefinition(_ context.Context, a *Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.definitions[a.Key]; exists {
		return fmt.Errorf("%w: %q", ErrDefinitionExists, a.Key)
	}

	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = GenerateID()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	if a.Status == "" {
		a.Status = DefinitionDraft
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	m.definitions[a.Key] = a.DeepCopy()
	m.defSeq[a.Key] = m.next()
	return nil
}

// UpdateDefinition replaces a definition body when the version matches.
func (m *MemoryRepository) UpdateDefinition(_ context.Context, a *Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.definitions[a.Key]
	if !ok {
		return ErrDefinitionNotFound
	}
	if stored.Version != a.Version {
		return fmt.Errorf("%w: %q is no longer at version %d", ErrVersionConflict, a.Key, a.Version)
	}

	a.Version++
	a.UpdatedAt = time.Now().UTC()
	a.ID = stored.ID
	a.Status = stored.Status
	a.CreatedAt = stored.CreatedAt
	m.definitions[a.Key] = a.DeepCopy()
	return nil
}

// SetDefinitionStatus changes the lifecycle status of a definition.
func (m *MemoryRepository) SetDefinitionStatus(_ context.Context, key string, status DefinitionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.definitions[key]
	if !ok {
		return ErrDefinitionNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateRun stores a new run.
func (m *MemoryRepository) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = copyRun(run)
	m.runSeq[run.ID] = m.next()
	return nil
}

// UpdateRun replaces the mutable fields of a run.
func (m *MemoryRepository) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	updated := copyRun(run)
	stored.Status = updated.Status
	stored.FinishedAt = updated.FinishedAt
	stored.Error = updated.Error
	stored.Meta = updated.Meta
	return nil
}

// CreateStep stores a new run step, enforcing one row per (run, index).
func (m *MemoryRepository) CreateStep(_ context.Context, step *RunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[step.RunID]; !ok {
		return fmt.Errorf("inserting step: %w", ErrRunNotFound)
	}
	slots := m.stepSlots[step.RunID]
	if slots == nil {
		slots = make(map[int]string)
		m.stepSlots[step.RunID] = slots
	}
	if _, taken := slots[step.StepIndex]; taken {
		return fmt.Errorf("inserting step: step %d already recorded for run %s", step.StepIndex, step.RunID)
	}
	slots[step.StepIndex] = step.ID
	m.steps[step.ID] = copyStep(step)
	return nil
}

// UpdateStep replaces the mutable fields of a run step.
func (m *MemoryRepository) UpdateStep(_ context.Context, step *RunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.steps[step.ID]
	if !ok {
		return ErrStepNotFound
	}
	updated := copyStep(step)
	stored.Status = updated.Status
	stored.FinishedAt = updated.FinishedAt
	stored.Output = updated.Output
	stored.Error = updated.Error
	stored.Meta = updated.Meta
	return nil
}

// GetRun retrieves a run by ID.
func (m *MemoryRepository) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns runs matching filter, newest first.
func (m *MemoryRepository) ListRuns(_ context.Context, filter RunFilter) ([]Run, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Run
	for _, run := range m.runs {
		if filter.AutomationKey != "" && run.AutomationKey != filter.AutomationKey {
			continue
		}
		if filter.SignalType != "" && run.SignalType != filter.SignalType {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, *copyRun(run))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return m.runSeq[matched[i].ID] > m.runSeq[matched[j].ID]
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

// ListSteps returns the steps of a run ordered by step index.
func (m *MemoryRepository) ListSteps(_ context.Context, runID string) ([]RunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slots := m.stepSlots[runID]
	steps := make([]RunStep, 0, len(slots))
	for _, id := range slots {
		steps = append(steps, *copyStep(m.steps[id]))
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// ExistsDedup reports whether key has been registered.
func (m *MemoryRepository) ExistsDedup(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dedup[key]
	return ok, nil
}

// RegisterDedup records key; an existing key is left untouched.
func (m *MemoryRepository) RegisterDedup(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dedup[key]; !ok {
		m.dedup[key] = time.Now().UTC()
	}
	return nil
}

func copyRun(run *Run) *Run {
	cpy := *run
	cpy.Error = cloneStringPtr(run.Error)
	cpy.Meta = deepCopyMap(run.Meta)
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		cpy.FinishedAt = &t
	}
	return &cpy
}

func copyStep(step *RunStep) *RunStep {
	cpy := *step
	cpy.Input = deepCopyMap(step.Input)
	cpy.Output = deepCopyValue(step.Output)
	cpy.Error = cloneStringPtr(step.Error)
	cpy.Meta = deepCopyMap(step.Meta)
	if step.FinishedAt != nil {
		t := *step.FinishedAt
		cpy.FinishedAt = &t
	}
	return &cpy
}
