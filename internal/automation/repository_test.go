package automation

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the automation schema
// applied from the migration files.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.up.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("finding migrations: %v (found %d)", err, len(files))
	}
	sort.Strings(files)
	for _, f := range files {
		schema, readErr := os.ReadFile(f)
		if readErr != nil {
			t.Fatalf("reading %s: %v", f, readErr)
		}
		if _, execErr := db.Exec(string(schema)); execErr != nil {
			t.Fatalf("applying %s: %v", f, execErr)
		}
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testDefinition(signalType string) Definition {
	return Definition{
		Trigger: Trigger{SignalType: signalType},
		Steps: []Step{{
			ActionKey:     "log.record",
			InputTemplate: map[string]any{"message": "{{ payload.email }}", "level": "info"},
			OnError:       OnErrorContinue,
		}},
	}
}

func createTestRun(t *testing.T, repo RunRepository, key string, startedAt time.Time) *Run {
	t.Helper()

	run := &Run{
		ID:            GenerateID(),
		AutomationID:  "def-" + key,
		AutomationKey: key,
		SignalID:      "sig-" + key,
		SignalType:    "user.signed_up",
		Status:        StatusRunning,
		StartedAt:     startedAt,
		Meta:          map[string]any{"trace_id": "tr-1", "actor": nil},
	}
	if err := repo.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

// ─── Definitions ────────────────────────────────────────────────────────────

func TestSQLiteRepository_DefinitionCRUD(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	desc := "sends the welcome email"
	a := &Automation{
		Key:         "welcome_email",
		Name:        "Welcome email",
		Description: &desc,
		Definition:  testDefinition("user.signed_up"),
	}
	if err := repo.CreateDefinition(ctx, a); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if a.ID == "" || a.Version != 1 || a.Status != DefinitionDraft {
		t.Errorf("defaults not applied: id=%q version=%d status=%q", a.ID, a.Version, a.Status)
	}

	got, err := repo.GetDefinition(ctx, "welcome_email")
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if got.Name != "Welcome email" || got.Description == nil || *got.Description != desc {
		t.Errorf("got = %+v", got)
	}
	if got.Definition.Trigger.SignalType != "user.signed_up" {
		t.Errorf("signalType = %q", got.Definition.Trigger.SignalType)
	}
	if len(got.Definition.Steps) != 1 || got.Definition.Steps[0].OnError != OnErrorContinue {
		t.Errorf("steps = %+v", got.Definition.Steps)
	}
	if got.Definition.Steps[0].InputTemplate["message"] != "{{ payload.email }}" {
		t.Errorf("inputTemplate = %v", got.Definition.Steps[0].InputTemplate)
	}
	if !got.CreatedAt.Equal(a.CreatedAt.Truncate(time.Millisecond)) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, a.CreatedAt)
	}

	if err := repo.CreateDefinition(ctx, &Automation{Key: "welcome_email", Name: "dup", Definition: testDefinition("x")}); !errors.Is(err, ErrDefinitionExists) {
		t.Errorf("duplicate create error = %v, want ErrDefinitionExists", err)
	}

	if _, err := repo.GetDefinition(ctx, "missing"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("GetDefinition(missing) error = %v, want ErrDefinitionNotFound", err)
	}
}

func TestSQLiteRepository_UpdateDefinitionVersioning(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	a := &Automation{Key: "k", Name: "first", Definition: testDefinition("a.b")}
	if err := repo.CreateDefinition(ctx, a); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}

	stale := *a
	a.Name = "second"
	if err := repo.UpdateDefinition(ctx, a); err != nil {
		t.Fatalf("UpdateDefinition: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("version = %d, want 2", a.Version)
	}

	stale.Name = "stale write"
	if err := repo.UpdateDefinition(ctx, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}

	missing := &Automation{Key: "nope", Name: "x", Version: 1, Definition: testDefinition("a.b")}
	if err := repo.UpdateDefinition(ctx, missing); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("missing update error = %v, want ErrDefinitionNotFound", err)
	}

	got, _ := repo.GetDefinition(ctx, "k")
	if got.Name != "second" || got.Version != 2 {
		t.Errorf("stored = %q v%d, want second v2", got.Name, got.Version)
	}
}

func TestSQLiteRepository_ActiveForSignalType(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	defs := []struct {
		key        string
		signalType string
		status     DefinitionStatus
		createdAt  time.Time
	}{
		{"newer", "order.paid", DefinitionActive, base.Add(time.Minute)},
		{"older", "order.paid", DefinitionActive, base},
		{"draft", "order.paid", DefinitionDraft, base},
		{"other", "order.refunded", DefinitionActive, base},
		{"tie", "order.paid", DefinitionActive, base.Add(time.Minute)},
	}
	for _, d := range defs {
		a := &Automation{Key: d.key, Name: d.key, Status: d.status, CreatedAt: d.createdAt, Definition: testDefinition(d.signalType)}
		if err := repo.CreateDefinition(ctx, a); err != nil {
			t.Fatalf("CreateDefinition(%s): %v", d.key, err)
		}
	}

	got, err := repo.ActiveForSignalType(ctx, "order.paid")
	if err != nil {
		t.Fatalf("ActiveForSignalType: %v", err)
	}
	want := []string{"older", "newer", "tie"}
	if len(got) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(got), len(want))
	}
	for i, key := range want {
		if got[i].Key != key {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Key, key)
		}
	}

	if err := repo.SetDefinitionStatus(ctx, "older", DefinitionDeprecated); err != nil {
		t.Fatalf("SetDefinitionStatus: %v", err)
	}
	got, _ = repo.ActiveForSignalType(ctx, "order.paid")
	if len(got) != 2 {
		t.Errorf("after deprecate got %d, want 2", len(got))
	}

	if err := repo.SetDefinitionStatus(ctx, "missing", DefinitionActive); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("SetDefinitionStatus(missing) = %v, want ErrDefinitionNotFound", err)
	}

	drafts, err := repo.ListDefinitions(ctx, DefinitionDraft)
	if err != nil {
		t.Fatalf("ListDefinitions: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Key != "draft" {
		t.Errorf("drafts = %v", drafts)
	}
}

// ─── Runs and steps ─────────────────────────────────────────────────────────

func TestSQLiteRepository_RunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	run := createTestRun(t, repo, "k", time.Now().UTC())

	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusRunning || got.FinishedAt != nil || got.Error != nil {
		t.Errorf("fresh run = %+v", got)
	}
	if got.Meta["trace_id"] != "tr-1" {
		t.Errorf("meta = %v", got.Meta)
	}

	finished := time.Now().UTC()
	msg := "step 0 (x): boom"
	run.Status = StatusFailed
	run.FinishedAt = &finished
	run.Error = &msg
	run.Meta = map[string]any{"duration_ms": int64(12), "steps_skipped": int64(0)}
	if err := repo.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ = repo.GetRun(ctx, run.ID)
	if got.Status != StatusFailed || got.FinishedAt == nil || got.Error == nil || *got.Error != msg {
		t.Errorf("updated run = %+v", got)
	}
	// JSON numbers come back as float64.
	if got.Meta["duration_ms"] != float64(12) {
		t.Errorf("duration_ms = %v (%T)", got.Meta["duration_ms"], got.Meta["duration_ms"])
	}

	if err := repo.UpdateRun(ctx, &Run{ID: "missing", Status: StatusSuccess}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("UpdateRun(missing) = %v, want ErrRunNotFound", err)
	}
	if _, err := repo.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun(missing) = %v, want ErrRunNotFound", err)
	}
}

func TestSQLiteRepository_Steps(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	run := createTestRun(t, repo, "k", time.Now().UTC())

	for _, idx := range []int{1, 0} {
		step := &RunStep{
			ID:        GenerateID(),
			RunID:     run.ID,
			StepIndex: idx,
			ActionKey: "log.record",
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
			Input:     map[string]any{"message": "hello", "index": idx},
		}
		if err := repo.CreateStep(ctx, step); err != nil {
			t.Fatalf("CreateStep(%d): %v", idx, err)
		}
		if idx == 0 {
			finished := time.Now().UTC()
			errMsg := "upstream 503"
			step.Status = StatusSkipped
			step.FinishedAt = &finished
			step.Error = &errMsg
			step.Meta = map[string]any{"reason": ReasonOnErrorSkip}
			if err := repo.UpdateStep(ctx, step); err != nil {
				t.Fatalf("UpdateStep: %v", err)
			}
		}
	}

	dup := &RunStep{ID: GenerateID(), RunID: run.ID, StepIndex: 1, ActionKey: "x", Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := repo.CreateStep(ctx, dup); err == nil {
		t.Error("expected error for duplicate (run_id, step_index)")
	}

	steps, err := repo.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(steps))
	}
	if steps[0].StepIndex != 0 || steps[1].StepIndex != 1 {
		t.Errorf("order = %d,%d, want 0,1", steps[0].StepIndex, steps[1].StepIndex)
	}
	if steps[0].Status != StatusSkipped || steps[0].Error == nil || steps[0].Meta["reason"] != ReasonOnErrorSkip {
		t.Errorf("skipped step = %+v", steps[0])
	}
	if steps[1].Input["message"] != "hello" {
		t.Errorf("input = %v", steps[1].Input)
	}
	if steps[1].Output != nil {
		t.Errorf("running step output = %v, want nil", steps[1].Output)
	}

	if err := repo.UpdateStep(ctx, &RunStep{ID: "missing", Status: StatusSuccess}); !errors.Is(err, ErrStepNotFound) {
		t.Errorf("UpdateStep(missing) = %v, want ErrStepNotFound", err)
	}
}

func TestSQLiteRepository_ListRunsFilters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := createTestRun(t, repo, "a", base)
	second := createTestRun(t, repo, "b", base.Add(time.Second))
	third := createTestRun(t, repo, "a", base.Add(2*time.Second))

	third.Status = StatusSuccess
	if err := repo.UpdateRun(ctx, third); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{"all newest first", RunFilter{}, []string{third.ID, second.ID, first.ID}},
		{"by key", RunFilter{AutomationKey: "a"}, []string{third.ID, first.ID}},
		{"by status", RunFilter{Status: StatusRunning}, []string{second.ID, first.ID}},
		{"by signal type", RunFilter{SignalType: "nope"}, nil},
		{"limit", RunFilter{Limit: 1}, []string{third.ID}},
		{"offset", RunFilter{Limit: 1, Offset: 1}, []string{second.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := repo.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(runs), len(tt.want))
			}
			for i, id := range tt.want {
				if runs[i].ID != id {
					t.Errorf("runs[%d] = %s, want %s", i, runs[i].ID, id)
				}
			}
		})
	}
}

func TestRunFilter_Normalize(t *testing.T) {
	tests := []struct {
		in        RunFilter
		wantLimit int
		wantOff   int
	}{
		{RunFilter{}, DefaultRunLimit, 0},
		{RunFilter{Limit: -3, Offset: -1}, DefaultRunLimit, 0},
		{RunFilter{Limit: 10, Offset: 5}, 10, 5},
		{RunFilter{Limit: MaxRunLimit + 1}, MaxRunLimit, 0},
	}
	for _, tt := range tests {
		got := tt.in.Normalize()
		if got.Limit != tt.wantLimit || got.Offset != tt.wantOff {
			t.Errorf("Normalize(%+v) = limit %d offset %d, want %d %d", tt.in, got.Limit, got.Offset, tt.wantLimit, tt.wantOff)
		}
	}
}

// ─── Dedup ──────────────────────────────────────────────────────────────────

func TestSQLiteRepository_Dedup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	key := DedupKey("sig-1", "welcome_email")
	if key != "sig-1:welcome_email" {
		t.Fatalf("DedupKey = %q", key)
	}

	exists, err := repo.ExistsDedup(ctx, key)
	if err != nil || exists {
		t.Fatalf("ExistsDedup before register = %v, %v", exists, err)
	}
	if err := repo.RegisterDedup(ctx, key); err != nil {
		t.Fatalf("RegisterDedup: %v", err)
	}
	if err := repo.RegisterDedup(ctx, key); err != nil {
		t.Errorf("second RegisterDedup should be a no-op, got %v", err)
	}
	exists, err = repo.ExistsDedup(ctx, key)
	if err != nil || !exists {
		t.Errorf("ExistsDedup after register = %v, %v", exists, err)
	}
}

// ─── Memory repository ──────────────────────────────────────────────────────

func TestMemoryRepository_MatchesSQLiteSemantics(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a := &Automation{Key: "k", Name: "k", Status: DefinitionActive, Definition: testDefinition("t")}
	if err := repo.CreateDefinition(ctx, a); err != nil {
		t.Fatalf("CreateDefinition: %v", err)
	}
	if err := repo.CreateDefinition(ctx, &Automation{Key: "k"}); !errors.Is(err, ErrDefinitionExists) {
		t.Errorf("duplicate = %v, want ErrDefinitionExists", err)
	}

	stale := *a
	if err := repo.UpdateDefinition(ctx, a); err != nil {
		t.Fatalf("UpdateDefinition: %v", err)
	}
	if err := repo.UpdateDefinition(ctx, &stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update = %v, want ErrVersionConflict", err)
	}

	// Returned definitions are copies.
	got, _ := repo.GetDefinition(ctx, "k")
	got.Definition.Steps[0].InputTemplate["message"] = "changed"
	again, _ := repo.GetDefinition(ctx, "k")
	if again.Definition.Steps[0].InputTemplate["message"] == "changed" {
		t.Error("GetDefinition returned shared state")
	}

	run := &Run{ID: "r1", AutomationKey: "k", Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	step := &RunStep{ID: "s1", RunID: "r1", StepIndex: 0, Status: StatusRunning}
	if err := repo.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	if err := repo.CreateStep(ctx, &RunStep{ID: "s2", RunID: "r1", StepIndex: 0}); err == nil {
		t.Error("expected error for duplicate step index")
	}
	if err := repo.CreateStep(ctx, &RunStep{ID: "s3", RunID: "missing"}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("orphan step = %v, want ErrRunNotFound", err)
	}
	if err := repo.UpdateRun(ctx, &Run{ID: "missing"}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("UpdateRun(missing) = %v", err)
	}
}
