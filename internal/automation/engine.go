package automation

import (
	"context"
	"fmt"
	"time"
)

// Engine defaults.
const (
	DefaultStepTimeout    = 30 * time.Second
	DefaultRunTimeout     = 5 * time.Minute
	DefaultMaxConcurrency = 8
)

// Gate decides whether the engine processes signals at all.
type Gate interface {
	Enabled() bool
}

// StaticGate is a Gate with a fixed answer, typically built from config.
type StaticGate bool

// Enabled reports the gate value.
func (g StaticGate) Enabled() bool { return bool(g) }

type engineConfig struct {
	stepTimeout    time.Duration
	runTimeout     time.Duration
	maxConcurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an observer for run lifecycle events.
// It may be given several times.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers.observers = append(e.observers.observers, o)
		}
	}
}

// WithStepTimeout bounds each action handler invocation.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cfg.stepTimeout = d
		}
	}
}

// WithRunTimeout bounds the whole step phase of a run.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cfg.runTimeout = d
		}
	}
}

// WithMaxConcurrency bounds simultaneously executing steps within one run.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cfg.maxConcurrency = n
		}
	}
}

// Engine resolves the automations for a signal and executes them.
//
// Automations for one signal are processed one after another in definition
// order; a failure or panic in one never prevents the next from running.
//
// Thread Safety: RunAutomations is safe for concurrent use.
type Engine struct {
	gate        Gate
	definitions DefinitionSource
	runs        RunRepository
	dedup       dedupService
	actions     *ActionRegistry
	exec        *executor
	observers   observerSet
	cfg         engineConfig
	logger      Logger
}

// NewEngine creates an automation engine.
//
// A nil gate disables the engine. Every store in stores must be non-nil.
func NewEngine(gate Gate, stores Stores, actions *ActionRegistry, opts ...Option) *Engine {
	if gate == nil {
		gate = StaticGate(false)
	}
	if actions == nil {
		actions = NewActionRegistry()
	}
	e := &Engine{
		gate:        gate,
		definitions: stores.Definitions,
		runs:        stores.Runs,
		dedup:       dedupService{store: stores.Dedup},
		actions:     actions,
		cfg: engineConfig{
			stepTimeout:    DefaultStepTimeout,
			runTimeout:     DefaultRunTimeout,
			maxConcurrency: DefaultMaxConcurrency,
		},
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.observers.logger = e.logger
	e.exec = &executor{
		actions:     e.actions,
		runs:        e.runs,
		stepTimeout: e.cfg.stepTimeout,
		observers:   e.observers,
		logger:      e.logger,
	}
	return e
}

// Actions returns the engine's action registry.
func (e *Engine) Actions() *ActionRegistry {
	return e.actions
}

// Enabled reports whether the engine gate is open.
func (e *Engine) Enabled() bool {
	return e.gate.Enabled()
}

// RunAutomations executes every active automation whose trigger matches the
// signal type and returns an aggregated summary. It never returns an error
// or panics; every problem is reported in the summary.
func (e *Engine) RunAutomations(ctx context.Context, sig Signal) *Summary {
	summary := &Summary{
		OK:         true,
		SignalID:   sig.ID,
		SignalType: sig.Type,
		Runs:       []RunResult{},
		Errors:     []AutomationError{},
	}

	if !e.gate.Enabled() {
		summary.Skipped = true
		summary.Reason = ReasonFeatureFlagOff
		return summary
	}

	if sig.ID == "" || sig.Type == "" {
		summary.addError(unknownAutomationKey, fmt.Errorf("%w: signal_id and signal_type are required", ErrInvalidSignal))
		return summary
	}

	automations, err := e.definitions.ActiveForSignalType(ctx, sig.Type)
	if err != nil {
		e.logger.Error("failed to load automations",
			"signal_id", sig.ID,
			"signal_type", sig.Type,
			"error", err,
		)
		summary.addError(unknownAutomationKey, fmt.Errorf("loading automations: %w", err))
		return summary
	}

	for _, a := range automations {
		result, procErr := e.safeProcess(ctx, a, sig)
		if procErr != nil {
			e.logger.Error("automation processing failed",
				"automation_key", a.Key,
				"signal_id", sig.ID,
				"error", procErr,
			)
			summary.addError(a.Key, procErr)
			continue
		}
		summary.Runs = append(summary.Runs, result)
		if !result.OK {
			summary.OK = false
			summary.Errors = append(summary.Errors, AutomationError{AutomationKey: a.Key, Error: result.Error})
		}
	}

	e.logger.Debug("signal processed",
		"signal_id", sig.ID,
		"signal_type", sig.Type,
		"automations", len(automations),
		"ok", summary.OK,
	)
	return summary
}

// safeProcess converts a panic during processing into an error.
func (e *Engine) safeProcess(ctx context.Context, a Automation, sig Signal) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("automation panicked: %v", r)
		}
	}()
	return e.processAutomation(ctx, a, sig)
}

func (s *Summary) addError(key string, err error) {
	s.OK = false
	s.Errors = append(s.Errors, AutomationError{AutomationKey: key, Error: err.Error()})
}
