// Package automation provides the automation execution engine for Gray Logic.
//
// A Signal (an immutable domain event) is matched against active automation
// definitions by signal type. Each matching definition becomes a Run whose
// Steps invoke registered Actions, sequentially or in parallel groups, with
// every run and step persisted as it progresses.
//
// Architecture:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                         │
//	│  Gate check, signal check, definition lookup, fault         │
//	│  isolation between automations, Summary aggregation         │
//	│  ┌──────────────┐    ┌────────────────────────────────┐    │
//	│  │   Registry   │───▶│ Store (SQLite/PostgreSQL/memory)│    │
//	│  │(registry.go) │    │ definitions, runs, steps, dedup │    │
//	│  └──────────────┘    └────────────────────────────────┘    │
//	│        │                                                    │
//	│        ▼                                                    │
//	│  ┌──────────────────────────────────────────────────┐      │
//	│  │  Run pipeline (orchestrator.go, executor.go)      │      │
//	│  │  1. Dedup check (signal_id:automation_key)        │      │
//	│  │  2. Create run row (running)                      │      │
//	│  │  3. Steps: sequential, or groups via errgroup     │      │
//	│  │     bounded by a per-run weighted semaphore       │      │
//	│  │  4. Per step: resolve template, validate input,   │      │
//	│  │     create step row, invoke with timeout, apply   │      │
//	│  │     onError, persist terminal status              │      │
//	│  │  5. Finalise run row; register dedup on success   │      │
//	│  │  6. Notify observers (metrics, MQTT, WebSocket)   │      │
//	│  └──────────────────────────────────────────────────┘      │
//	└────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Signal: Event that may trigger automations
//   - Automation / Definition / Step: Declarative automation body
//   - Run / RunStep: Persisted execution records
//   - ActionRegistry / SchemaAction: Registered side-effecting operations
//   - Registry: Thread-safe definition cache wrapping a DefinitionRepository
//   - Engine: Entry point, RunAutomations returns a Summary
//
// # Step error policies
//
// A handler error is subject to the step's onError policy: "fail" (default)
// aborts the run, "continue" records the step as failed and moves on, and
// "skip" records the step as skipped with the error kept. Unknown actions,
// invalid input and step persistence failures always fail the run.
//
// # Thread Safety
//
// Engine, Registry, ActionRegistry and every Store implementation are safe
// for concurrent use from multiple goroutines.
//
// # Usage
//
//	store := automation.NewSQLiteRepository(db.DB)
//	actions := automation.NewActionRegistry()
//	registry := automation.NewRegistry(store, actions)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	engine := automation.NewEngine(
//	    automation.StaticGate(cfg.Features.AutomationEngine),
//	    automation.StoresFrom(store, registry),
//	    actions,
//	    automation.WithLogger(log),
//	)
//	summary := engine.RunAutomations(ctx, automation.Signal{ID: "sig-1", Type: "user.signed_up"})
package automation
