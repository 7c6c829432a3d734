package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresRepository implements Store using PostgreSQL via pgxpool.
//
// JSON columns are jsonb; timestamps are timestamptz. The schema is applied
// by postgres.EnsureSchema.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL-backed repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ActiveForSignalType returns active definitions triggered by signalType, oldest first.
func (r *PostgresRepository) ActiveForSignalType(ctx context.Context, signalType string) ([]Automation, error) {
	query := `SELECT ` + definitionColumns + ` FROM automation_definitions
		WHERE status = 'active' AND definition->'trigger'->>'signalType' = $1
		ORDER BY created_at ASC, seq ASC`
	return r.queryDefinitions(ctx, query, signalType)
}

// ListDefinitions returns all definitions, optionally filtered by status.
func (r *PostgresRepository) ListDefinitions(ctx context.Context, status DefinitionStatus) ([]Automation, error) {
	if status == "" {
		return r.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM automation_definitions
			ORDER BY created_at ASC, seq ASC`)
	}
	return r.queryDefinitions(ctx, `SELECT `+definitionColumns+` FROM automation_definitions
		WHERE status = $1 ORDER BY created_at ASC, seq ASC`, string(status))
}

// GetDefinition retrieves a definition by automation key.
func (r *PostgresRepository) GetDefinition(ctx context.Context, key string) (*Automation, error) {
	row := r.db.QueryRow(ctx, `SELECT `+definitionColumns+` FROM automation_definitions WHERE automation_key = $1`, key)
	a, err := scanPgDefinition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("querying definition: %w", err)
	}
	return a, nil
}

// CreateDefinition inserts a new definition.
func (r *PostgresRepository) CreateDefinition(ctx context.Context, a *Automation) error {
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

	_, err = r.db.Exec(ctx, `
		INSERT INTO automation_definitions (
			id, automation_key, name, description, definition, version, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Key, a.Name, a.Description, defJSON, a.Version, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDefinitionExists, a.Key)
		}
		return fmt.Errorf("inserting definition: %w", err)
	}
	return nil
}

// UpdateDefinition replaces the body of a definition, bumping its version.
func (r *PostgresRepository) UpdateDefinition(ctx context.Context, a *Automation) error {
	defJSON, err := json.Marshal(a.Definition)
	if err != nil {
		return fmt.Errorf("marshalling definition: %w", err)
	}

	var updatedAt time.Time
	var version int
	err = r.db.QueryRow(ctx, `
		UPDATE automation_definitions SET
			name = $1, description = $2, definition = $3, version = version + 1, updated_at = now()
		WHERE automation_key = $4 AND version = $5
		RETURNING version, updated_at`,
		a.Name, a.Description, defJSON, a.Key, a.Version,
	).Scan(&version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetDefinition(ctx, a.Key); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %q is no longer at version %d", ErrVersionConflict, a.Key, a.Version)
	}
	if err != nil {
		return fmt.Errorf("updating definition: %w", err)
	}

	a.Version = version
	a.UpdatedAt = updatedAt.UTC()
	return nil
}

// SetDefinitionStatus changes the lifecycle status of a definition.
func (r *PostgresRepository) SetDefinitionStatus(ctx context.Context, key string, status DefinitionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE automation_definitions SET status = $1, updated_at = now() WHERE automation_key = $2`,
		string(status), key,
	)
	if err != nil {
		return fmt.Errorf("updating definition status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

func (r *PostgresRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]Automation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying definitions: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, scanErr := scanPgDefinition(rows)
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

// CreateRun inserts a new run.
func (r *PostgresRepository) CreateRun(ctx context.Context, run *Run) error {
	meta, err := jsonbValue(run.Meta)
	if err != nil {
		return fmt.Errorf("marshalling run meta: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO automation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.AutomationID, run.AutomationKey, run.SignalID, run.SignalType,
		string(run.Status), run.StartedAt, run.FinishedAt, run.Error, meta,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRun writes the status, finish time, error and meta of a run.
func (r *PostgresRepository) UpdateRun(ctx context.Context, run *Run) error {
	meta, err := jsonbValue(run.Meta)
	if err != nil {
		return fmt.Errorf("marshalling run meta: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE automation_runs SET status = $1, finished_at = $2, error = $3, meta = $4
		WHERE id = $5`,
		string(run.Status), run.FinishedAt, run.Error, meta, run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// CreateStep inserts a new run step.
func (r *PostgresRepository) CreateStep(ctx context.Context, step *RunStep) error {
	input, err := json.Marshal(nonNilMap(step.Input))
	if err != nil {
		return fmt.Errorf("marshalling step input: %w", err)
	}
	meta, err := jsonbValue(step.Meta)
	if err != nil {
		return fmt.Errorf("marshalling step meta: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO automation_run_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10)`,
		step.ID, step.RunID, step.StepIndex, step.ActionKey, string(step.Status),
		step.StartedAt, step.FinishedAt, input, step.Error, meta,
	)
	if err != nil {
		return fmt.Errorf("inserting step: %w", err)
	}
	return nil
}

// UpdateStep writes the terminal state of a run step.
func (r *PostgresRepository) UpdateStep(ctx context.Context, step *RunStep) error {
	output, err := jsonbValue(step.Output)
	if err != nil {
		return fmt.Errorf("marshalling step output: %w", err)
	}
	meta, err := jsonbValue(step.Meta)
	if err != nil {
		return fmt.Errorf("marshalling step meta: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE automation_run_steps SET status = $1, finished_at = $2, output = $3, error = $4, meta = $5
		WHERE id = $6`,
		string(step.Status), step.FinishedAt, output, step.Error, meta, step.ID,
	)
	if err != nil {
		return fmt.Errorf("updating step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStepNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *PostgresRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanPgRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first.
func (r *PostgresRepository) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	filter = filter.Normalize()

	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, clause+" = $"+strconv.Itoa(len(args)))
	}
	if filter.AutomationKey != "" {
		add("automation_key", filter.AutomationKey)
	}
	if filter.SignalType != "" {
		add("signal_type", filter.SignalType)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM automation_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY started_at DESC, seq DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, scanErr := scanPgRun(rows)
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
func (r *PostgresRepository) ListSteps(ctx context.Context, runID string) ([]RunStep, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+stepColumns+` FROM automation_run_steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		step, scanErr := scanPgStep(rows)
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

// ExistsDedup reports whether key has been registered.
func (r *PostgresRepository) ExistsDedup(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM automation_dedup WHERE dedup_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying dedup key: %w", err)
	}
	return exists, nil
}

// RegisterDedup records key; a concurrent or repeated insert is a no-op.
func (r *PostgresRepository) RegisterDedup(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO automation_dedup (dedup_key) VALUES ($1) ON CONFLICT (dedup_key) DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("inserting dedup key: %w", err)
	}
	return nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

func scanPgDefinition(row pgx.Row) (*Automation, error) {
	var a Automation
	var status string
	var defJSON []byte

	if err := row.Scan(&a.ID, &a.Key, &a.Name, &a.Description, &defJSON, &a.Version, &status,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = DefinitionStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if err := json.Unmarshal(defJSON, &a.Definition); err != nil {
		return nil, fmt.Errorf("unmarshalling definition: %w", err)
	}
	return &a, nil
}

func scanPgRun(row pgx.Row) (*Run, error) {
	var run Run
	var status string
	var meta []byte

	if err := row.Scan(&run.ID, &run.AutomationID, &run.AutomationKey, &run.SignalID, &run.SignalType,
		&status, &run.StartedAt, &run.FinishedAt, &run.Error, &meta); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		run.FinishedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Meta); err != nil {
			return nil, fmt.Errorf("unmarshalling run meta: %w", err)
		}
	}
	return &run, nil
}

func scanPgStep(row pgx.Row) (*RunStep, error) {
	var step RunStep
	var status string
	var input, output, meta []byte

	if err := row.Scan(&step.ID, &step.RunID, &step.StepIndex, &step.ActionKey, &status,
		&step.StartedAt, &step.FinishedAt, &input, &output, &step.Error, &meta); err != nil {
		return nil, err
	}
	step.Status = RunStatus(status)
	step.StartedAt = step.StartedAt.UTC()
	if step.FinishedAt != nil {
		t := step.FinishedAt.UTC()
		step.FinishedAt = &t
	}
	if err := json.Unmarshal(input, &step.Input); err != nil {
		return nil, fmt.Errorf("unmarshalling step input: %w", err)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &step.Output); err != nil {
			return nil, fmt.Errorf("unmarshalling step output: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &step.Meta); err != nil {
			return nil, fmt.Errorf("unmarshalling step meta: %w", err)
		}
	}
	return &step, nil
}

// jsonbValue encodes v for a nullable jsonb column.
func jsonbValue(v any) ([]byte, error) {
	ns, err := marshalNullableJSON(v)
	if err != nil || !ns.Valid {
		return nil, err
	}
	return []byte(ns.String), nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
