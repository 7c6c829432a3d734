package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry and Engine.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides definition management with caching and thread safety.
// It wraps a DefinitionRepository and serves ActiveForSignalType from an
// in-memory index of active definitions keyed by signal type.
//
// The cache is populated on startup via RefreshCache(). Each write made
// through the registry updates only the entry it touched.
//
// All public methods are thread-safe.
type Registry struct {
	repo    DefinitionRepository
	actions *ActionRegistry
	byKey   map[string]*Automation   // every cached definition
	active  map[string][]*Automation // signal type -> active definitions, oldest first
	cacheMu sync.RWMutex
	writeMu sync.Mutex // orders store writes with their cache updates
	logger  Logger
}

// NewRegistry creates a new definition registry.
// actions is used to validate action keys on write; it may be nil to skip
// that check.
func NewRegistry(repo DefinitionRepository, actions *ActionRegistry) *Registry {
	return &Registry{
		repo:    repo,
		actions: actions,
		byKey:   make(map[string]*Automation),
		active:  make(map[string][]*Automation),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all definitions from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	defs, err := r.repo.ListDefinitions(ctx, "")
	if err != nil {
		return fmt.Errorf("loading definitions: %w", err)
	}

	byKey := make(map[string]*Automation, len(defs))
	active := make(map[string][]*Automation)
	for i := range defs {
		a := defs[i].DeepCopy()
		byKey[a.Key] = a
		if a.Status == DefinitionActive {
			signalType := a.Definition.Trigger.SignalType
			active[signalType] = append(active[signalType], a)
		}
	}
	for _, list := range active {
		sortByCreation(list)
	}

	r.cacheMu.Lock()
	r.byKey = byKey
	r.active = active
	r.cacheMu.Unlock()

	r.logger.Info("automation definition cache refreshed", "count", len(defs), "signal_types", len(active))
	return nil
}

// ActiveForSignalType returns deep copies of the active definitions for a
// signal type, oldest first.
func (r *Registry) ActiveForSignalType(_ context.Context, signalType string) ([]Automation, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	cached := r.active[signalType]
	out := make([]Automation, 0, len(cached))
	for _, a := range cached {
		out = append(out, *a.DeepCopy())
	}
	return out, nil
}

// GetDefinition retrieves a definition by key from the cache.
func (r *Registry) GetDefinition(_ context.Context, key string) (*Automation, error) {
	r.cacheMu.RLock()
	cached, ok := r.byKey[key]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	return nil, ErrDefinitionNotFound
}

// ListDefinitions returns cached definitions, optionally filtered by status.
func (r *Registry) ListDefinitions(_ context.Context, status DefinitionStatus) ([]Automation, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	list := make([]*Automation, 0, len(r.byKey))
	for _, a := range r.byKey {
		if status == "" || a.Status == status {
			list = append(list, a)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	sortByCreation(list)

	out := make([]Automation, 0, len(list))
	for _, a := range list {
		out = append(out, *a.DeepCopy())
	}
	return out, nil
}

// CreateDefinition validates, persists, and caches a new definition.
func (r *Registry) CreateDefinition(ctx context.Context, a *Automation) error {
	if err := ValidateAutomation(a, r.actions); err != nil {
		return err
	}
	if a.Status != "" && !validDefinitionStatus(a.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDefinition, a.Status)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.CreateDefinition(ctx, a); err != nil {
		return err
	}

	r.logger.Info("automation definition created", "automation_key", a.Key, "status", a.Status)
	return r.reload(ctx, a.Key)
}

// UpdateDefinition validates and persists a new version of a definition.
// a.Version must be the version the caller last read.
func (r *Registry) UpdateDefinition(ctx context.Context, a *Automation) error {
	if err := ValidateAutomation(a, r.actions); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.UpdateDefinition(ctx, a); err != nil {
		return err
	}

	r.logger.Info("automation definition updated", "automation_key", a.Key, "version", a.Version)
	return r.reload(ctx, a.Key)
}

// SetDefinitionStatus changes the status of a definition.
func (r *Registry) SetDefinitionStatus(ctx context.Context, key string, status DefinitionStatus) error {
	if !validDefinitionStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidDefinition, status)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.repo.SetDefinitionStatus(ctx, key, status); err != nil {
		return err
	}

	r.logger.Info("automation definition status changed", "automation_key", key, "status", status)
	return r.reload(ctx, key)
}

// reload reads one definition back from the repository and replaces its
// cache entry. The caller holds writeMu.
func (r *Registry) reload(ctx context.Context, key string) error {
	stored, err := r.repo.GetDefinition(ctx, key)
	if err != nil {
		return fmt.Errorf("reloading definition %s: %w", key, err)
	}
	a := stored.DeepCopy()

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if old, ok := r.byKey[key]; ok {
		r.dropActive(old)
	}
	r.byKey[key] = a
	if a.Status == DefinitionActive {
		signalType := a.Definition.Trigger.SignalType
		r.active[signalType] = append(r.active[signalType], a)
		sortByCreation(r.active[signalType])
	}
	return nil
}

// dropActive removes a from the active index. The caller holds cacheMu.
func (r *Registry) dropActive(a *Automation) {
	signalType := a.Definition.Trigger.SignalType
	list := r.active[signalType]
	kept := list[:0:0]
	for _, cached := range list {
		if cached.Key != a.Key {
			kept = append(kept, cached)
		}
	}
	if len(kept) == 0 {
		delete(r.active, signalType)
		return
	}
	r.active[signalType] = kept
}

// DefinitionCount returns the number of cached definitions.
func (r *Registry) DefinitionCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.byKey)
}

// sortByCreation orders definitions by created_at, keeping input order for ties.
func sortByCreation(list []*Automation) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
