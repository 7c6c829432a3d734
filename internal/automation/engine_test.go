package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// countingStore wraps MemoryRepository, counting calls and injecting failures.
type countingStore struct {
	*MemoryRepository

	mu    sync.Mutex
	calls map[string]int

	failActive      error
	failExists      error
	failCreateRun   error
	failUpdateRun   error
	failCreateStep  error
	blockCreateStep bool   // CreateStep waits for the run context to end
	panicExistsFor  string // automation key whose dedup check panics
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryRepository: NewMemoryRepository(), calls: make(map[string]int)}
}

func (s *countingStore) count(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *countingStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *countingStore) ActiveForSignalType(ctx context.Context, signalType string) ([]Automation, error) {
	s.count("ActiveForSignalType")
	if s.failActive != nil {
		return nil, s.failActive
	}
	return s.MemoryRepository.ActiveForSignalType(ctx, signalType)
}

func (s *countingStore) ExistsDedup(ctx context.Context, key string) (bool, error) {
	s.count("ExistsDedup")
	if s.panicExistsFor != "" && strings.HasSuffix(key, ":"+s.panicExistsFor) {
		panic("dedup store exploded")
	}
	if s.failExists != nil {
		return false, s.failExists
	}
	return s.MemoryRepository.ExistsDedup(ctx, key)
}

func (s *countingStore) RegisterDedup(ctx context.Context, key string) error {
	s.count("RegisterDedup")
	return s.MemoryRepository.RegisterDedup(ctx, key)
}

func (s *countingStore) CreateRun(ctx context.Context, run *Run) error {
	s.count("CreateRun")
	if s.failCreateRun != nil {
		return s.failCreateRun
	}
	return s.MemoryRepository.CreateRun(ctx, run)
}

func (s *countingStore) UpdateRun(ctx context.Context, run *Run) error {
	s.count("UpdateRun")
	if s.failUpdateRun != nil {
		return s.failUpdateRun
	}
	return s.MemoryRepository.UpdateRun(ctx, run)
}

func (s *countingStore) CreateStep(ctx context.Context, step *RunStep) error {
	s.count("CreateStep")
	if s.failCreateStep != nil {
		return s.failCreateStep
	}
	if s.blockCreateStep {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryRepository.CreateStep(ctx, step)
}

func (s *countingStore) UpdateStep(ctx context.Context, step *RunStep) error {
	s.count("UpdateStep")
	return s.MemoryRepository.UpdateStep(ctx, step)
}

// funcAction adapts plain functions to the Action interface.
type funcAction struct {
	validate func(map[string]any) error
	handle   func(context.Context, map[string]any) (any, error)
}

func (a funcAction) Validate(input map[string]any) error {
	if a.validate == nil {
		return nil
	}
	return a.validate(input)
}

func (a funcAction) Handle(ctx context.Context, input map[string]any) (any, error) {
	return a.handle(ctx, input)
}

// callLog records action invocations in order.
type callLog struct {
	mu     sync.Mutex
	events []string
	inputs []map[string]any
}

func (l *callLog) add(event string, input map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.inputs = append(l.inputs, input)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// recordingObserver captures lifecycle notifications.
type recordingObserver struct {
	mu       sync.Mutex
	started  []Run
	steps    []RunStep
	finished []Run
}

func (o *recordingObserver) RunStarted(run Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, run)
}

func (o *recordingObserver) StepFinished(step RunStep) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

func (o *recordingObserver) RunFinished(run Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, run)
}

// ─── Helper ─────────────────────────────────────────────────────────────────

func setupEngine(t *testing.T, opts ...Option) (*Engine, *countingStore, *ActionRegistry) {
	t.Helper()

	store := newCountingStore()
	actions := NewActionRegistry()
	engine := NewEngine(StaticGate(true), StoresFrom(store, nil), actions, opts...)
	return engine, store, actions
}

func addAutomation(t *testing.T, store *countingStore, key, signalType string, def Definition) {
	t.Helper()

	def.Trigger.SignalType = signalType
	a := &Automation{Key: key, Name: key, Status: DefinitionActive, Definition: def}
	if err := store.MemoryRepository.CreateDefinition(context.Background(), a); err != nil {
		t.Fatalf("CreateDefinition(%s): %v", key, err)
	}
}

func okAction(log *callLog, name string) funcAction {
	return funcAction{handle: func(_ context.Context, input map[string]any) (any, error) {
		log.add(name, input)
		return map[string]any{"done": name}, nil
	}}
}

func failingAction(log *callLog, name string) funcAction {
	return funcAction{handle: func(_ context.Context, input map[string]any) (any, error) {
		log.add(name, input)
		return nil, errors.New(name + " failed")
	}}
}

func mustRegister(t *testing.T, actions *ActionRegistry, key string, a Action) {
	t.Helper()
	if err := actions.Register(key, key, SideEffectsMutatesState, a); err != nil {
		t.Fatalf("Register(%s): %v", key, err)
	}
}

func onlyRun(t *testing.T, store *countingStore) (Run, []RunStep) {
	t.Helper()
	runs, err := store.ListRuns(context.Background(), RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	steps, err := store.ListSteps(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	return runs[0], steps
}

func signal(id, typ string, payload map[string]any) Signal {
	return Signal{ID: id, Type: typ, Payload: payload}
}

// ─── Entry point ────────────────────────────────────────────────────────────

func TestEngine_RunAutomations_GateOff(t *testing.T) {
	store := newCountingStore()
	actions := NewActionRegistry()
	engine := NewEngine(StaticGate(false), StoresFrom(store, nil), actions)

	summary := engine.RunAutomations(context.Background(), signal("sig-1", "user.signed_up", nil))

	if !summary.OK || !summary.Skipped {
		t.Fatalf("summary = %+v, want ok and skipped", summary)
	}
	if summary.Reason != ReasonFeatureFlagOff {
		t.Errorf("reason = %q, want %q", summary.Reason, ReasonFeatureFlagOff)
	}
	if summary.SignalID != "sig-1" || summary.SignalType != "user.signed_up" {
		t.Errorf("signal fields = %q/%q", summary.SignalID, summary.SignalType)
	}
	if n := store.total(); n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

func TestEngine_RunAutomations_NilGateDisables(t *testing.T) {
	store := newCountingStore()
	engine := NewEngine(nil, StoresFrom(store, nil), nil)

	summary := engine.RunAutomations(context.Background(), signal("sig-1", "x", nil))
	if !summary.Skipped {
		t.Error("nil gate should disable the engine")
	}
	if store.total() != 0 {
		t.Error("nil gate must not touch the store")
	}
}

func TestEngine_RunAutomations_InvalidSignal(t *testing.T) {
	engine, store, _ := setupEngine(t)

	tests := []struct {
		name string
		sig  Signal
	}{
		{"missing id", Signal{Type: "user.signed_up"}},
		{"missing type", Signal{ID: "sig-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := engine.RunAutomations(context.Background(), tt.sig)
			if summary.OK {
				t.Fatal("expected ok = false")
			}
			if len(summary.Errors) != 1 || summary.Errors[0].AutomationKey != "unknown" {
				t.Fatalf("errors = %+v, want one entry for unknown", summary.Errors)
			}
		})
	}
	if store.total() != 0 {
		t.Errorf("store calls = %d, want 0", store.total())
	}
}

func TestEngine_RunAutomations_DefinitionLookupFails(t *testing.T) {
	engine, store, _ := setupEngine(t)
	store.failActive = errors.New("connection refused")

	summary := engine.RunAutomations(context.Background(), signal("sig-1", "user.signed_up", nil))

	if summary.OK {
		t.Fatal("expected ok = false")
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(summary.Errors))
	}
	if summary.Errors[0].AutomationKey != "unknown" {
		t.Errorf("automation_key = %q, want unknown", summary.Errors[0].AutomationKey)
	}
	if !strings.Contains(summary.Errors[0].Error, "connection refused") {
		t.Errorf("error = %q, want cause", summary.Errors[0].Error)
	}
}

func TestEngine_RunAutomations_NoAutomations(t *testing.T) {
	engine, _, _ := setupEngine(t)

	summary := engine.RunAutomations(context.Background(), signal("sig-1", "nothing.listens", nil))

	if !summary.OK || summary.Skipped {
		t.Fatalf("summary = %+v, want ok and not skipped", summary)
	}
	if summary.Runs == nil || len(summary.Runs) != 0 {
		t.Errorf("runs = %v, want empty non-nil", summary.Runs)
	}
	if summary.Errors == nil || len(summary.Errors) != 0 {
		t.Errorf("errors = %v, want empty non-nil", summary.Errors)
	}
}

func TestEngine_WelcomeEmailScenario(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "email.send", okAction(log, "email.send"))
	addAutomation(t, store, "welcome_email", "student.practice_registered", Definition{
		Steps: []Step{{
			ActionKey:     "email.send",
			InputTemplate: map[string]any{"to": "{{payload.student.email}}"},
			OnError:       OnErrorFail,
		}},
	})

	sig := Signal{
		ID:      "sig-1",
		Type:    "student.practice_registered",
		Payload: map[string]any{"student": map[string]any{"email": "x@y.com"}},
	}
	summary := engine.RunAutomations(context.Background(), sig)

	if !summary.OK {
		t.Fatalf("summary not ok: %+v", summary)
	}
	if len(summary.Runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(summary.Runs))
	}
	res := summary.Runs[0]
	if res.Status != StatusSuccess || res.AutomationKey != "welcome_email" || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}

	run, steps := onlyRun(t, store)
	if run.Status != StatusSuccess {
		t.Errorf("run status = %q, want success", run.Status)
	}
	if run.FinishedAt == nil {
		t.Error("run finished_at not set")
	}
	if len(steps) != 1 {
		t.Fatalf("steps = %d, want 1", len(steps))
	}
	if steps[0].Status != StatusSuccess {
		t.Errorf("step status = %q, want success", steps[0].Status)
	}
	if steps[0].Input["to"] != "x@y.com" {
		t.Errorf("step input = %v, want to=x@y.com", steps[0].Input)
	}

	exists, _ := store.MemoryRepository.ExistsDedup(context.Background(), "sig-1:welcome_email")
	if !exists {
		t.Error("dedup key sig-1:welcome_email not registered")
	}
}

// ─── Dedup ──────────────────────────────────────────────────────────────────

func TestEngine_Idempotency(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "noop", okAction(log, "noop"))
	addAutomation(t, store, "k", "order.paid", Definition{Steps: []Step{{ActionKey: "noop"}}})

	sig := signal("S", "order.paid", nil)
	first := engine.RunAutomations(context.Background(), sig)
	second := engine.RunAutomations(context.Background(), sig)

	if first.Runs[0].Status != StatusSuccess {
		t.Fatalf("first status = %q, want success", first.Runs[0].Status)
	}
	if got := second.Runs[0]; got.Status != StatusSkipped || got.Reason != ReasonDedupe || !got.OK {
		t.Errorf("second result = %+v, want skipped/dedupe", got)
	}

	runs, _ := store.ListRuns(context.Background(), RunFilter{Status: StatusSuccess})
	if len(runs) != 1 {
		t.Errorf("success runs = %d, want 1", len(runs))
	}
	if n := len(log.snapshot()); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestEngine_RetryAfterFailure(t *testing.T) {
	engine, store, actions := setupEngine(t)
	var attempts atomic.Int32
	mustRegister(t, actions, "flaky", funcAction{handle: func(context.Context, map[string]any) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("upstream unavailable")
		}
		return "ok", nil
	}})
	addAutomation(t, store, "k", "order.paid", Definition{Steps: []Step{{ActionKey: "flaky"}}})

	sig := signal("S", "order.paid", nil)
	first := engine.RunAutomations(context.Background(), sig)
	if first.OK || first.Runs[0].Status != StatusFailed {
		t.Fatalf("first = %+v, want failed", first)
	}
	if len(first.Errors) != 1 || first.Errors[0].AutomationKey != "k" {
		t.Errorf("first errors = %+v, want one entry for k", first.Errors)
	}
	if exists, _ := store.MemoryRepository.ExistsDedup(context.Background(), "S:k"); exists {
		t.Fatal("dedup registered for failed run")
	}

	second := engine.RunAutomations(context.Background(), sig)
	if !second.OK || second.Runs[0].Status != StatusSuccess {
		t.Fatalf("second = %+v, want success", second)
	}
	if second.Runs[0].RunID == first.Runs[0].RunID {
		t.Error("retry reused the failed run id")
	}
}

func TestEngine_DedupCheckError(t *testing.T) {
	engine, store, actions := setupEngine(t)
	mustRegister(t, actions, "noop", okAction(&callLog{}, "noop"))
	addAutomation(t, store, "k", "order.paid", Definition{Steps: []Step{{ActionKey: "noop"}}})
	store.failExists = errors.New("dedup store down")

	summary := engine.RunAutomations(context.Background(), signal("S", "order.paid", nil))

	if summary.OK {
		t.Fatal("expected ok = false")
	}
	if len(summary.Runs) != 0 {
		t.Errorf("runs = %d, want 0", len(summary.Runs))
	}
	if len(summary.Errors) != 1 || summary.Errors[0].AutomationKey != "k" {
		t.Errorf("errors = %+v", summary.Errors)
	}
}

// ─── Sequential execution ───────────────────────────────────────────────────

func TestEngine_SequentialOrdering(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}

	var active atomic.Int32
	for _, name := range []string{"A", "B", "C"} {
		mustRegister(t, actions, name, funcAction{handle: func(context.Context, map[string]any) (any, error) {
			if active.Add(1) != 1 {
				t.Errorf("step %s overlapped another step", name)
			}
			log.add("start:"+name, nil)
			time.Sleep(5 * time.Millisecond)
			log.add("end:"+name, nil)
			active.Add(-1)
			return nil, nil
		}})
	}
	addAutomation(t, store, "seq", "tick", Definition{Steps: []Step{
		{ActionKey: "A"}, {ActionKey: "B"}, {ActionKey: "C"},
	}})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))
	if !summary.OK {
		t.Fatalf("summary not ok: %+v", summary)
	}

	want := []string{"start:A", "end:A", "start:B", "end:B", "start:C", "end:C"}
	got := log.snapshot()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestEngine_FailFastPersistsFailedStep(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "ok", okAction(log, "ok"))
	mustRegister(t, actions, "boom", failingAction(log, "boom"))
	mustRegister(t, actions, "after", okAction(log, "after"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{
		{ActionKey: "ok"}, {ActionKey: "boom", OnError: OnErrorFail}, {ActionKey: "after"},
	}})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.OK || summary.Runs[0].Status != StatusFailed {
		t.Fatalf("summary = %+v, want failed run", summary)
	}
	if !strings.Contains(summary.Runs[0].Error, "boom failed") {
		t.Errorf("run error = %q, want handler error", summary.Runs[0].Error)
	}

	run, steps := onlyRun(t, store)
	if run.Status != StatusFailed || run.Error == nil {
		t.Errorf("run = %+v, want failed with error", run)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2 (third never started)", len(steps))
	}
	if steps[1].Status != StatusFailed {
		t.Errorf("failed step status = %q, want failed (never left running)", steps[1].Status)
	}
	if steps[1].FinishedAt == nil {
		t.Error("failed step finished_at not set")
	}
	for _, e := range log.snapshot() {
		if e == "after" {
			t.Error("step after fail-fast error was executed")
		}
	}
}

func TestEngine_SkipAndContinuePolicies(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "boom", failingAction(log, "boom"))
	mustRegister(t, actions, "ok", okAction(log, "ok"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{
		{ActionKey: "boom", OnError: OnErrorSkip},
		{ActionKey: "boom", OnError: OnErrorContinue},
		{ActionKey: "ok"},
	}})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))
	if !summary.OK || summary.Runs[0].Status != StatusSuccess {
		t.Fatalf("summary = %+v, want success", summary)
	}

	run, steps := onlyRun(t, store)
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}

	skipped := steps[0]
	if skipped.Status != StatusSkipped {
		t.Errorf("skip step status = %q, want skipped", skipped.Status)
	}
	if skipped.Error == nil || !strings.Contains(*skipped.Error, "boom failed") {
		t.Errorf("skip step error = %v, want kept", skipped.Error)
	}
	if skipped.Meta["reason"] != ReasonOnErrorSkip {
		t.Errorf("skip step meta = %v", skipped.Meta)
	}

	continued := steps[1]
	if continued.Status != StatusFailed {
		t.Errorf("continue step status = %q, want failed", continued.Status)
	}
	if steps[2].Status != StatusSuccess {
		t.Errorf("last step status = %q, want success", steps[2].Status)
	}

	if run.Meta[metaStepsSkipped] != int64(1) || run.Meta[metaStepsContinued] != int64(1) {
		t.Errorf("run meta = %v, want one skipped and one continued", run.Meta)
	}
	if _, ok := run.Meta[metaDurationMS]; !ok {
		t.Error("run meta missing duration_ms")
	}
}

func TestEngine_DefinitionErrorsIgnoreOnError(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*ActionRegistry)
		step    Step
		wantErr string
	}{
		{
			name:    "unregistered action",
			setup:   func(*ActionRegistry) {},
			step:    Step{ActionKey: "missing", OnError: OnErrorContinue},
			wantErr: "action not registered",
		},
		{
			name: "invalid input",
			setup: func(r *ActionRegistry) {
				_ = r.Register("strict", "", SideEffectsReadsOnly, NewSchemaAction(
					map[string]Field{"to": Required(FieldString)},
					func(context.Context, map[string]any) (any, error) { return nil, nil },
				))
			},
			step:    Step{ActionKey: "strict", OnError: OnErrorSkip},
			wantErr: "invalid action input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store, actions := setupEngine(t)
			tt.setup(actions)
			addAutomation(t, store, "k", "tick", Definition{Steps: []Step{tt.step}})

			summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))
			if summary.OK || summary.Runs[0].Status != StatusFailed {
				t.Fatalf("summary = %+v, want failed", summary)
			}
			if !strings.Contains(summary.Runs[0].Error, tt.wantErr) {
				t.Errorf("error = %q, want %q", summary.Runs[0].Error, tt.wantErr)
			}
			_, steps := onlyRun(t, store)
			if len(steps) != 0 {
				t.Errorf("steps = %d, want 0 (no row for definition errors)", len(steps))
			}
		})
	}
}

func TestEngine_CreateRunFailure(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "ok", okAction(log, "ok"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "ok"}}})
	store.failCreateRun = errors.New("disk full")

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.OK {
		t.Fatal("expected ok = false")
	}
	res := summary.Runs[0]
	if res.Status != StatusFailed || !strings.HasPrefix(res.Error, "creating run:") {
		t.Errorf("result = %+v, want failed with creating run error", res)
	}
	if len(log.snapshot()) != 0 {
		t.Error("steps executed without a run row")
	}
}

func TestEngine_CreateStepFailureFailsRun(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "ok", okAction(log, "ok"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "ok", OnError: OnErrorContinue}}})
	store.failCreateStep = errors.New("constraint violated")

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.Runs[0].Status != StatusFailed {
		t.Fatalf("status = %q, want failed", summary.Runs[0].Status)
	}
	if len(log.snapshot()) != 0 {
		t.Error("handler ran without a step row")
	}
}

func TestEngine_UpdateRunFailureStillRegistersDedup(t *testing.T) {
	engine, store, actions := setupEngine(t)
	mustRegister(t, actions, "ok", okAction(&callLog{}, "ok"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "ok"}}})
	store.failUpdateRun = errors.New("write timeout")

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if !summary.OK || summary.Runs[0].Status != StatusSuccess {
		t.Fatalf("summary = %+v, want success", summary)
	}
	if exists, _ := store.MemoryRepository.ExistsDedup(context.Background(), "s1:k"); !exists {
		t.Error("dedup not registered after successful run")
	}
}

// ─── Parallel execution ─────────────────────────────────────────────────────

func TestEngine_ParallelFanOutCompletion(t *testing.T) {
	obs := &recordingObserver{}
	engine, store, actions := setupEngine(t, WithObserver(obs))

	var finished atomic.Int32
	slow := funcAction{handle: func(context.Context, map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
		return nil, nil
	}}
	mustRegister(t, actions, "slow", slow)
	mustRegister(t, actions, "boom", funcAction{handle: func(context.Context, map[string]any) (any, error) {
		finished.Add(1)
		return nil, errors.New("boom")
	}})
	addAutomation(t, store, "fan", "tick", Definition{
		Steps: []Step{
			{ActionKey: "boom"}, {ActionKey: "slow"}, {ActionKey: "slow"}, {ActionKey: "slow"},
		},
		ParallelGroups: []ParallelGroup{{Steps: []int{0, 1}}, {Steps: []int{2, 3}}},
	})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.Runs[0].Status != StatusFailed {
		t.Fatalf("status = %q, want failed", summary.Runs[0].Status)
	}
	if finished.Load() != 4 {
		t.Errorf("finished steps = %d, want 4 before run terminal status", finished.Load())
	}
	_, steps := onlyRun(t, store)
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(steps))
	}
	for _, s := range steps {
		if !s.Status.Terminal() {
			t.Errorf("step %d status = %q, want terminal", s.StepIndex, s.Status)
		}
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.finished) != 1 || len(obs.steps) != 4 {
		t.Errorf("observer saw %d runs / %d steps, want 1 / 4", len(obs.finished), len(obs.steps))
	}
}

func TestEngine_ParallelUngroupedStepsNotRun(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "a", okAction(log, "a"))
	mustRegister(t, actions, "b", okAction(log, "b"))
	addAutomation(t, store, "k", "tick", Definition{
		Steps:          []Step{{ActionKey: "a"}, {ActionKey: "b"}},
		ParallelGroups: []ParallelGroup{{Steps: []int{0}}},
	})

	engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if got := log.snapshot(); len(got) != 1 || got[0] != "a" {
		t.Errorf("executed = %v, want only a", got)
	}
}

func TestEngine_ParallelIndexOutOfRange(t *testing.T) {
	engine, store, actions := setupEngine(t)
	mustRegister(t, actions, "a", okAction(&callLog{}, "a"))
	addAutomation(t, store, "k", "tick", Definition{
		Steps:          []Step{{ActionKey: "a"}},
		ParallelGroups: []ParallelGroup{{Steps: []int{0, 5}}},
	})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.Runs[0].Status != StatusFailed {
		t.Fatalf("status = %q, want failed", summary.Runs[0].Status)
	}
	if !strings.Contains(summary.Runs[0].Error, "step index out of range") {
		t.Errorf("error = %q", summary.Runs[0].Error)
	}
}

func TestEngine_ConcurrencyBound(t *testing.T) {
	engine, store, actions := setupEngine(t, WithMaxConcurrency(2))

	var current, peak atomic.Int32
	mustRegister(t, actions, "work", funcAction{handle: func(context.Context, map[string]any) (any, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}})

	steps := make([]Step, 6)
	for i := range steps {
		steps[i] = Step{ActionKey: "work"}
	}
	addAutomation(t, store, "k", "tick", Definition{
		Steps:          steps,
		ParallelGroups: []ParallelGroup{{Steps: []int{0, 1, 2}}, {Steps: []int{3, 4, 5}}},
	})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if !summary.OK {
		t.Fatalf("summary not ok: %+v", summary)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

// ─── Timeouts and panics ────────────────────────────────────────────────────

func TestEngine_StepTimeout(t *testing.T) {
	engine, store, actions := setupEngine(t, WithStepTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	mustRegister(t, actions, "hang", funcAction{handle: func(context.Context, map[string]any) (any, error) {
		<-release // ignores ctx on purpose
		return nil, nil
	}})
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "hang", OnError: OnErrorContinue}}})

	start := time.Now()
	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))
	if time.Since(start) > time.Second {
		t.Fatal("engine waited for a hung handler")
	}

	if summary.Runs[0].Status != StatusSuccess {
		t.Fatalf("status = %q, want success (continue policy)", summary.Runs[0].Status)
	}
	_, steps := onlyRun(t, store)
	if steps[0].Status != StatusFailed || steps[0].Error == nil || !strings.Contains(*steps[0].Error, "step timed out") {
		t.Errorf("step = %+v, want failed with timeout", steps[0])
	}
}

func TestEngine_RunTimeout(t *testing.T) {
	engine, store, actions := setupEngine(t, WithRunTimeout(30*time.Millisecond))
	log := &callLog{}
	mustRegister(t, actions, "wait", funcAction{handle: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	mustRegister(t, actions, "after", okAction(log, "after"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{
		{ActionKey: "wait", OnError: OnErrorContinue},
		{ActionKey: "after"},
	}})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	res := summary.Runs[0]
	if res.Status != StatusFailed || !strings.Contains(res.Error, "run timed out") {
		t.Fatalf("result = %+v, want run timeout", res)
	}
	if len(log.snapshot()) != 0 {
		t.Error("step started after the run deadline")
	}
	run, steps := onlyRun(t, store)
	if run.Status != StatusFailed {
		t.Errorf("persisted run status = %q, want failed", run.Status)
	}
	if len(steps) != 1 || steps[0].Status != StatusFailed {
		t.Errorf("steps = %+v, want one failed step", steps)
	}
}

func TestEngine_RunTimeoutWhileCreatingStep(t *testing.T) {
	engine, store, actions := setupEngine(t, WithRunTimeout(30*time.Millisecond))
	log := &callLog{}
	mustRegister(t, actions, "ok", okAction(log, "ok"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "ok", OnError: OnErrorContinue}}})
	store.blockCreateStep = true

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	res := summary.Runs[0]
	if res.Status != StatusFailed || !strings.Contains(res.Error, ErrRunTimeout.Error()) {
		t.Fatalf("result = %+v, want run timeout", res)
	}
	if strings.Contains(res.Error, "deadline exceeded") {
		t.Errorf("error %q leaks the raw context error", res.Error)
	}
	if len(log.snapshot()) != 0 {
		t.Error("handler ran without a step row")
	}
	run, _ := onlyRun(t, store)
	if run.Status != StatusFailed {
		t.Errorf("persisted run status = %q, want failed", run.Status)
	}
}

func TestEngine_ActionPanicIsStepFailure(t *testing.T) {
	engine, store, actions := setupEngine(t)
	mustRegister(t, actions, "panic", funcAction{handle: func(context.Context, map[string]any) (any, error) {
		panic("nil map write")
	}})
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "panic"}}})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.Runs[0].Status != StatusFailed || !strings.Contains(summary.Runs[0].Error, "action panicked") {
		t.Fatalf("result = %+v, want failed with panic", summary.Runs[0])
	}
	_, steps := onlyRun(t, store)
	if steps[0].Status != StatusFailed {
		t.Errorf("step status = %q, want failed", steps[0].Status)
	}
}

// ─── Fault isolation ────────────────────────────────────────────────────────

func TestEngine_FaultIsolation(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "ok", okAction(log, "ok"))
	addAutomation(t, store, "x", "tick", Definition{Steps: []Step{{ActionKey: "ok"}}})
	addAutomation(t, store, "y", "tick", Definition{Steps: []Step{{ActionKey: "ok"}}})
	store.panicExistsFor = "x"

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.OK {
		t.Fatal("expected ok = false")
	}
	if len(summary.Errors) != 1 || summary.Errors[0].AutomationKey != "x" {
		t.Fatalf("errors = %+v, want one for x", summary.Errors)
	}
	if !strings.Contains(summary.Errors[0].Error, "panicked") {
		t.Errorf("error = %q, want panic message", summary.Errors[0].Error)
	}
	if len(summary.Runs) != 1 || summary.Runs[0].AutomationKey != "y" || summary.Runs[0].Status != StatusSuccess {
		t.Errorf("runs = %+v, want y success", summary.Runs)
	}
}

func TestEngine_AutomationsRunInDefinitionOrder(t *testing.T) {
	engine, store, actions := setupEngine(t)
	log := &callLog{}
	mustRegister(t, actions, "first", okAction(log, "first"))
	mustRegister(t, actions, "second", okAction(log, "second"))
	addAutomation(t, store, "b_first", "tick", Definition{Steps: []Step{{ActionKey: "first"}}})
	addAutomation(t, store, "a_second", "tick", Definition{Steps: []Step{{ActionKey: "second"}}})

	summary := engine.RunAutomations(context.Background(), signal("s1", "tick", nil))

	if summary.Runs[0].AutomationKey != "b_first" || summary.Runs[1].AutomationKey != "a_second" {
		t.Errorf("order = %s, %s", summary.Runs[0].AutomationKey, summary.Runs[1].AutomationKey)
	}
	if got := log.snapshot(); got[0] != "first" || got[1] != "second" {
		t.Errorf("handler order = %v", got)
	}
}

func TestEngine_SignalNotMutated(t *testing.T) {
	engine, store, actions := setupEngine(t)
	mustRegister(t, actions, "mutate", funcAction{handle: func(_ context.Context, input map[string]any) (any, error) {
		if m, ok := input["user"].(map[string]any); ok {
			m["email"] = "changed"
		}
		return nil, nil
	}})
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{
		ActionKey:     "mutate",
		InputTemplate: map[string]any{"user": "{{ payload.user }}"},
	}}})

	payload := map[string]any{"user": map[string]any{"email": "a@b.com"}}
	engine.RunAutomations(context.Background(), signal("s1", "tick", payload))

	if payload["user"].(map[string]any)["email"] != "a@b.com" {
		t.Error("handler mutated the signal payload")
	}
	_, steps := onlyRun(t, store)
	if steps[0].Input["user"].(map[string]any)["email"] != "a@b.com" {
		t.Error("handler mutated the persisted step input")
	}
}

func TestEngine_RunMetaFromSignal(t *testing.T) {
	obs := &recordingObserver{}
	engine, store, actions := setupEngine(t, WithObserver(obs))
	mustRegister(t, actions, "ok", okAction(&callLog{}, "ok"))
	addAutomation(t, store, "k", "tick", Definition{Steps: []Step{{ActionKey: "ok"}}})

	sig := Signal{ID: "s1", Type: "tick", Metadata: map[string]any{"trace_id": "tr-9"}}
	engine.RunAutomations(context.Background(), sig)

	run, _ := onlyRun(t, store)
	if run.Meta["trace_id"] != "tr-9" {
		t.Errorf("trace_id = %v, want tr-9", run.Meta["trace_id"])
	}
	if v, ok := run.Meta["actor"]; !ok || v != nil {
		t.Errorf("actor = %v (present %v), want explicit nil", v, ok)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 1 || obs.started[0].Status != StatusRunning {
		t.Errorf("started = %+v", obs.started)
	}
	if _, ok := obs.started[0].Meta[metaDurationMS]; ok {
		t.Error("run_started meta was mutated after notification")
	}
}
