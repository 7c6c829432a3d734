package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timestampLayout is fixed-width so stored timestamps sort lexicographically.
// It matches strftime('%Y-%m-%dT%H:%M:%fZ') used by the schema defaults.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// definitionColumns is the SELECT column list for definition queries.
const definitionColumns = `id, automation_key, name, description, definition, version, status,
			created_at, updated_at`

// runColumns is the SELECT column list for run queries.
const runColumns = `id, automation_id, automation_key, signal_id, signal_type, status,
			started_at, finished_at, error, meta`

// stepColumns is the SELECT column list for run step queries.
const stepColumns = `id, run_id, step_index, action_key, status, started_at, finished_at,
			input, output, error, meta`

// SQLiteRepository implements Store using SQLite.
//
// The schema lives in the migrations package. The connection is expected to
// be opened through database.Open, which serialises writers on one connection.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ─── Definitions ────────────────────────────────────────────────────────────

// ActiveForSignalType returns active definitions triggered by signalType,
// oldest first.
func (r *SQLiteRepository) ActiveForSignalType(ctx context.Context, signalType string) ([]Automation, error) {
	query := `SELECT ` + definitionColumns + ` FROM automation_definitions
		WHERE status = 'active'
		  AND json_extract(definition, '$.trigger.signalType') = ?
		ORDER BY created_at ASC, rowid ASC`
	return r.queryDefinitions(ctx, query, signalType)
}

// ListDefinitions returns all definitions, optionally filtered by status.
func (r *SQLiteRepository) ListDefinitions(ctx context.Context, status DefinitionStatus) ([]Automation, error) {
	if status == "" {
		query := `SELECT ` + definitionColumns + ` FROM automation_definitions ORDER BY created_at ASC, rowid ASC`
		return r.queryDefinitions(ctx, query)
	}
	query := `SELECT ` + definitionColumns + ` FROM automation_definitions
		WHERE status = ? ORDER BY created_at ASC, rowid ASC`
	return r.queryDefinitions(ctx, query, string(status))
}

// GetDefinition retrieves a definition by automation key.
func (r *SQLiteRepository) GetDefinition(ctx context.Context, key string) (*Automation, error) {
	query := `SELECT ` + definitionColumns + ` FROM automation_definitions WHERE automation_key = ?`

	a, err := scanDefinitionRow(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("querying definition: %w", err)
	}
	return a, nil
}

// CreateDefinition inserts a new definition.
func (r *SQLiteRepository) CreateDefinition(ctx context.Context, a *Automation) error {
	defJSON, err := json.Marshal(a.Definition)
	if err != nil {
		return fmt.Errorf("marshalling definition: %w", err)
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

	query := `
		INSERT INTO automation_definitions (
			id, automation_key, name, description, definition, version, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID,
		a.Key,
		a.Name,
		nullableString(a.Description),
		string(defJSON),
		a.Version,
		string(a.Status),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %q", ErrDefinitionExists, a.Key)
		}
		return fmt.Errorf("inserting definition: %w", err)
	}
	return nil
}

// UpdateDefinition replaces the body of a definition, bumping its version.
func (r *SQLiteRepository) UpdateDefinition(ctx context.Context, a *Automation) error {
	defJSON, err := json.Marshal(a.Definition)
	if err != nil {
		return fmt.Errorf("marshalling definition: %w", err)
	}

	updatedAt := time.Now().UTC()
	query := `
		UPDATE automation_definitions SET
			name = ?, description = ?, definition = ?, version = version + 1, updated_at = ?
		WHERE automation_key = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		a.Name,
		nullableString(a.Description),
		string(defJSON),
		formatTime(updatedAt),
		a.Key,
		a.Version,
	)
	if err != nil {
		return fmt.Errorf("updating definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing key from a stale version.
		if _, getErr := r.GetDefinition(ctx, a.Key); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %q is no longer at version %d", ErrVersionConflict, a.Key, a.Version)
	}

	a.Version++
	a.UpdatedAt = updatedAt
	return nil
}

// SetDefinitionStatus changes the lifecycle status of a definition.
func (r *SQLiteRepository) SetDefinitionStatus(ctx context.Context, key string, status DefinitionStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automation_definitions SET status = ?, updated_at = ? WHERE automation_key = ?`,
		string(status),
		formatTime(time.Now().UTC()),
		key,
	)
	if err != nil {
		return fmt.Errorf("updating definition status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// queryDefinitions executes a query and returns a slice of definitions.
func (r *SQLiteRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying definitions: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, scanErr := scanDefinitionRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning definition: %w", scanErr)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating definitions: %w", err)
	}
	return out, nil
}

// ─── Runs and steps ─────────────────────────────────────────────────────────

// CreateRun inserts a new run.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	meta, err := marshalNullableJSON(run.Meta)
	if err != nil {
		return fmt.Errorf("marshalling run meta: %w", err)
	}

	query := `
		INSERT INTO automation_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.AutomationID,
		run.AutomationKey,
		run.SignalID,
		run.SignalType,
		string(run.Status),
		formatTime(run.StartedAt),
		nullableTime(run.FinishedAt),
		nullableString(run.Error),
		meta,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun writes the status, finish time, error and meta of a run.
func (r *SQLiteRepository) UpdateRun(ctx context.Context, run *Run) error {
	meta, err := marshalNullableJSON(run.Meta)
	if err != nil {
		return fmt.Errorf("marshalling run meta: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_runs SET status = ?, finished_at = ?, error = ?, meta = ?
		WHERE id = ?`,
		string(run.Status),
		nullableTime(run.FinishedAt),
		nullableString(run.Error),
		meta,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	return expectOneRow(result, ErrRunNotFound)
}

// CreateStep inserts a new run step.
func (r *SQLiteRepository) CreateStep(ctx context.Context, step *RunStep) error {
	input, err := json.Marshal(nonNilMap(step.Input))
	if err != nil {
		return fmt.Errorf("marshalling step input: %w", err)
	}
	meta, err := marshalNullableJSON(step.Meta)
	if err != nil {
		return fmt.Errorf("marshalling step meta: %w", err)
	}

	query := `
		INSERT INTO automation_run_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		step.ID,
		step.RunID,
		step.StepIndex,
		step.ActionKey,
		string(step.Status),
		formatTime(step.StartedAt),
		nullableTime(step.FinishedAt),
		string(input),
		nullableString(step.Error),
		meta,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("inserting step: step %d already recorded for run %s: %w", step.StepIndex, step.RunID, err)
		}
		return fmt.Errorf("inserting step: %w", err)
	}
	return nil
}

// UpdateStep writes the terminal state of a run step.
func (r *SQLiteRepository) UpdateStep(ctx context.Context, step *RunStep) error {
	output, err := marshalNullableJSON(step.Output)
	if err != nil {
		return fmt.Errorf("marshalling step output: %w", err)
	}
	meta, err := marshalNullableJSON(step.Meta)
	if err != nil {
		return fmt.Errorf("marshalling step meta: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_run_steps SET status = ?, finished_at = ?, output = ?, error = ?, meta = ?
		WHERE id = ?`,
		string(step.Status),
		nullableTime(step.FinishedAt),
		output,
		nullableString(step.Error),
		meta,
		step.ID,
	)
	if err != nil {
		return fmt.Errorf("updating step: %w", err)
	}
	return expectOneRow(result, ErrStepNotFound)
}

// GetRun retrieves a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM automation_runs WHERE id = ?`

	run, err := scanRunRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	filter = filter.Normalize()

	var where []string
	var args []any
	if filter.AutomationKey != "" {
		where = append(where, "automation_key = ?")
		args = append(args, filter.AutomationKey)
	}
	if filter.SignalType != "" {
		where = append(where, "signal_type = ?")
		args = append(args, filter.SignalType)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM automation_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, scanErr := scanRunRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning run: %w", scanErr)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// ListSteps returns the steps of a run ordered by step index.
func (r *SQLiteRepository) ListSteps(ctx context.Context, runID string) ([]RunStep, error) {
	query := `SELECT ` + stepColumns + ` FROM automation_run_steps WHERE run_id = ? ORDER BY step_index`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		step, scanErr := scanStepRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning step: %w", scanErr)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating steps: %w", err)
	}
	return steps, nil
}

// ─── Dedup ──────────────────────────────────────────────────────────────────

// ExistsDedup reports whether key has been registered.
func (r *SQLiteRepository) ExistsDedup(ctx context.Context, key string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM automation_dedup WHERE dedup_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying dedup key: %w", err)
	}
	return true, nil
}

// RegisterDedup records key; an existing key is not an error.
func (r *SQLiteRepository) RegisterDedup(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO automation_dedup (dedup_key, created_at) VALUES (?, ?) ON CONFLICT (dedup_key) DO NOTHING`,
		key,
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("inserting dedup key: %w", err)
	}
	return nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinitionRow(scanner rowScanner) (*Automation, error) {
	var a Automation
	var description sql.NullString
	var defJSON, status, createdAt, updatedAt string

	err := scanner.Scan(
		&a.ID,
		&a.Key,
		&a.Name,
		&description,
		&defJSON,
		&a.Version,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		a.Description = &description.String
	}
	a.Status = DefinitionStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(defJSON), &a.Definition); err != nil {
		return nil, fmt.Errorf("unmarshalling definition: %w", err)
	}
	return &a, nil
}

func scanRunRow(scanner rowScanner) (*Run, error) {
	var run Run
	var status, startedAt string
	var finishedAt, errText, meta sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.AutomationID,
		&run.AutomationKey,
		&run.SignalID,
		&run.SignalType,
		&status,
		&startedAt,
		&finishedAt,
		&errText,
		&meta,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseNullableTime(finishedAt)
	if errText.Valid {
		run.Error = &errText.String
	}
	if meta.Valid && meta.String != "" {
		if jsonErr := json.Unmarshal([]byte(meta.String), &run.Meta); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling run meta: %w", jsonErr)
		}
	}
	return &run, nil
}

func scanStepRow(scanner rowScanner) (*RunStep, error) {
	var step RunStep
	var status, startedAt, input string
	var finishedAt, output, errText, meta sql.NullString

	err := scanner.Scan(
		&step.ID,
		&step.RunID,
		&step.StepIndex,
		&step.ActionKey,
		&status,
		&startedAt,
		&finishedAt,
		&input,
		&output,
		&errText,
		&meta,
	)
	if err != nil {
		return nil, err
	}

	step.Status = RunStatus(status)
	step.StartedAt = parseTime(startedAt)
	step.FinishedAt = parseNullableTime(finishedAt)
	if errText.Valid {
		step.Error = &errText.String
	}
	if err := json.Unmarshal([]byte(input), &step.Input); err != nil {
		return nil, fmt.Errorf("unmarshalling step input: %w", err)
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &step.Output); err != nil {
			return nil, fmt.Errorf("unmarshalling step output: %w", err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &step.Meta); err != nil {
			return nil, fmt.Errorf("unmarshalling step meta: %w", err)
		}
	}
	return &step, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// marshalNullableJSON encodes v, mapping nil to SQL NULL.
func marshalNullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
