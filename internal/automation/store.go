package automation

import "context"

// DefinitionSource supplies the automations that react to a signal type.
// Implementations return only active definitions, oldest first.
type DefinitionSource interface {
	ActiveForSignalType(ctx context.Context, signalType string) ([]Automation, error)
}

// RunRepository persists runs and their steps.
// Implementations must be safe for concurrent writers.
type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	CreateStep(ctx context.Context, step *RunStep) error
	UpdateStep(ctx context.Context, step *RunStep) error
}

// RunReader is the read side of run persistence used for inspection.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListSteps(ctx context.Context, runID string) ([]RunStep, error)
}

// DefinitionRepository persists automation definitions.
type DefinitionRepository interface {
	DefinitionSource
	ListDefinitions(ctx context.Context, status DefinitionStatus) ([]Automation, error)
	GetDefinition(ctx context.Context, key string) (*Automation, error)
	CreateDefinition(ctx context.Context, a *Automation) error
	// UpdateDefinition stores a.Definition, a.Name and a.Description and bumps
	// the version. It fails with ErrVersionConflict unless the stored version
	// equals a.Version.
	UpdateDefinition(ctx context.Context, a *Automation) error
	SetDefinitionStatus(ctx context.Context, key string, status DefinitionStatus) error
}

// Store is the full persistence surface implemented by every backend.
type Store interface {
	DefinitionRepository
	RunRepository
	RunReader
	DedupStore
}

// Stores groups the persistence dependencies of the Engine.
type Stores struct {
	Definitions DefinitionSource
	Runs        RunRepository
	Dedup       DedupStore
}

// StoresFrom returns a Stores backed entirely by s, with definitions served
// through src (typically a cached Registry).
func StoresFrom(s Store, src DefinitionSource) Stores {
	if src == nil {
		src = s
	}
	return Stores{Definitions: src, Runs: s, Dedup: s}
}

// RunFilter narrows ListRuns. Zero values mean "no filter".
type RunFilter struct {
	AutomationKey string
	SignalType    string
	Status        RunStatus
	Limit         int
	Offset        int
}

// Run listing limits.
const (
	DefaultRunLimit = 50
	MaxRunLimit     = 200
)

// Normalize clamps Limit and Offset to the accepted range.
func (f RunFilter) Normalize() RunFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultRunLimit
	}
	if f.Limit > MaxRunLimit {
		f.Limit = MaxRunLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
