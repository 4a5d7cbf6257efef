// Package store is the Run Store (spec.md §4.3/§4.8, C3): the
// authoritative, relational persistence layer for runs, steps, jobs,
// worker heartbeats, and learning events. Generalized from the teacher's
// NATS JetStream KV entity store (storage/entity.go, storage/errors.go) to
// Postgres, because spec.md's invariants — at-most-one-active-run per
// project, SELECT ... FOR UPDATE SKIP LOCKED job claims, lease expiry — are
// inherently relational and have no JetStream KV equivalent. The
// connection stack (pgx/sqlx/goose) is grounded on jordigilh-kubernaut's
// go.mod, the one example repo in the pack with a genuine Postgres domain
// stack.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/c360studio/deeprun/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound mirrors the teacher's storage.ErrNotFound sentinel, returned
// whenever a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyActive is returned by CreateRun when the project already has a
// non-terminal run, per the at-most-one-active-run-per-project invariant.
var ErrAlreadyActive = errors.New("store: project already has an active run")

// ErrOptimisticLock is returned by UpdateRun when the row's updated_at
// changed between read and write, per spec.md §4.1's resume-vs-concurrent-
// write race.
var ErrOptimisticLock = errors.New("store: run was concurrently modified")

// ErrLockHeld is returned by AcquireRunLock when the run's execution lock is
// held by a different, non-stale owner.
var ErrLockHeld = errors.New("store: run lock held by another owner")

// Store wraps a pooled Postgres connection through sqlx for scanning
// convenience, per the teacher's pattern of a thin struct around the
// backing client (component.Component wraps *nats.Conn; Store wraps *sqlx.DB).
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	return &Store{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every embedded migration up to the latest version.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// activeStatuses is the set of RunStatus values store's partial unique
// index and claim queries treat as "non-terminal"/"executing".
var activeStatuses = []model.RunStatus{
	model.RunStatusQueued, model.RunStatusRunning, model.RunStatusCorrecting,
	model.RunStatusOptimizing, model.RunStatusValidating,
}

// CreateRun inserts a new run row. Postgres's partial unique index
// (uq_agent_runs_one_active_per_project) is the enforcement point for the
// at-most-one-active-run invariant; a unique_violation maps to
// ErrAlreadyActive.
func (s *Store) CreateRun(ctx context.Context, run *model.AgentRun) error {
	const q = `
INSERT INTO agent_runs (
  id, project_id, org_id, workspace_id, created_by_user_id, goal, provider_id, model,
  status, plan, current_step_index, last_step_id, run_branch, worktree_path,
  base_commit_hash, current_commit_hash, last_valid_commit_hash,
  correction_attempts, metadata, created_at, updated_at
) VALUES (
  :id, :project_id, :org_id, :workspace_id, :created_by_user_id, :goal, :provider_id, :model,
  :status, :plan, :current_step_index, :last_step_id, :run_branch, :worktree_path,
  :base_commit_hash, :current_commit_hash, :last_valid_commit_hash,
  :correction_attempts, :metadata, :created_at, :updated_at
)`
	row := runRow{}
	row.fromModel(run)
	_, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyActive
		}
		return fmt.Errorf("insert agent_run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.AgentRun, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agent_runs WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent_run %s: %w", id, err)
	}
	return row.toModel(), nil
}

// UpdateRun persists run's current state, failing with ErrOptimisticLock if
// the row's updated_at no longer matches expectedUpdatedAt — the resume
// path's guard against a second worker having already mutated the run.
func (s *Store) UpdateRun(ctx context.Context, run *model.AgentRun, expectedUpdatedAt time.Time) error {
	row := runRow{}
	row.fromModel(run)
	const q = `
UPDATE agent_runs SET
  status = :status, plan = :plan, current_step_index = :current_step_index,
  last_step_id = :last_step_id, worktree_path = :worktree_path,
  current_commit_hash = :current_commit_hash, last_valid_commit_hash = :last_valid_commit_hash,
  validation_status = :validation_status, validation_result = :validation_result,
  validated_at = :validated_at, correction_attempts = :correction_attempts,
  last_correction_reason = :last_correction_reason, run_lock_owner = :run_lock_owner,
  run_lock_acquired_at = :run_lock_acquired_at, metadata = :metadata,
  error_message = :error_message, error_details = :error_details,
  updated_at = now(), finished_at = :finished_at
WHERE id = :id AND updated_at = :expected_updated_at`
	named := struct {
		runRow
		ExpectedUpdatedAt time.Time `db:"expected_updated_at"`
	}{runRow: row, ExpectedUpdatedAt: expectedUpdatedAt}

	res, err := s.db.NamedExecContext(ctx, q, named)
	if err != nil {
		return fmt.Errorf("update agent_run %s: %w", run.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

// AcquireRunLock durably claims run's execution lock for owner with a
// single conditional UPDATE, closing the race a purely in-memory Acquire
// leaves open between two processes (e.g. a `run resume` invocation and a
// worker's claim) racing the same run row: it succeeds only when the row
// currently has no owner, is already held by owner (idempotent re-acquire),
// or its run_lock_acquired_at predates now-staleAfter (preemption of a
// crashed worker's abandoned lock). No row matching returns ErrLockHeld.
func (s *Store) AcquireRunLock(ctx context.Context, runID, owner string, staleAfter time.Duration, now time.Time) (time.Time, error) {
	const q = `
UPDATE agent_runs SET run_lock_owner = $1, run_lock_acquired_at = $2
WHERE id = $3 AND (run_lock_owner = '' OR run_lock_owner = $1 OR run_lock_acquired_at < $4)
RETURNING run_lock_acquired_at`
	var acquired time.Time
	err := s.db.GetContext(ctx, &acquired, q, owner, now, runID, now.Add(-staleAfter))
	if err != nil {
		if isNoRows(err) {
			return time.Time{}, ErrLockHeld
		}
		return time.Time{}, fmt.Errorf("acquire run lock %s: %w", runID, err)
	}
	return acquired, nil
}

// ReleaseRunLock durably clears run's lock, but only if owner currently
// holds it, mirroring runlock.Lock.Release's in-memory ownership check.
func (s *Store) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	const q = `
UPDATE agent_runs SET run_lock_owner = '', run_lock_acquired_at = NULL
WHERE id = $1 AND run_lock_owner = $2`
	_, err := s.db.ExecContext(ctx, q, runID, owner)
	if err != nil {
		return fmt.Errorf("release run lock %s: %w", runID, err)
	}
	return nil
}

// ActiveRunForProject returns the project's single non-terminal run, if
// any, per the at-most-one-active-run invariant.
func (s *Store) ActiveRunForProject(ctx context.Context, projectID string) (*model.AgentRun, error) {
	var row runRow
	q, args, err := sqlxIn(`SELECT * FROM agent_runs WHERE project_id = ? AND status IN (?) LIMIT 1`, projectID, statusStrings(activeStatuses))
	if err != nil {
		return nil, err
	}
	err = s.db.GetContext(ctx, &row, s.db.Rebind(q), args...)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active run for project %s: %w", projectID, err)
	}
	return row.toModel(), nil
}

// InsertStepRecord appends an execution artifact for one attempt of one
// plan step. (run_id, step_index, attempt) is the append-only primary key.
func (s *Store) InsertStepRecord(ctx context.Context, rec *model.StepRecord) error {
	const q = `
INSERT INTO agent_steps (
  run_id, step_index, attempt, step_id, type, tool, input_payload, output_payload,
  status, error_message, commit_hash, runtime_status, started_at, finished_at, created_at
) VALUES (
  :run_id, :step_index, :attempt, :step_id, :type, :tool, :input_payload, :output_payload,
  :status, :error_message, :commit_hash, :runtime_status, :started_at, :finished_at, now()
)`
	_, err := s.db.NamedExecContext(ctx, q, stepRow{}.fromModel(rec))
	if err != nil {
		return fmt.Errorf("insert agent_step %s#%d: %w", rec.RunID, rec.StepIndex, err)
	}
	return nil
}

// ListStepRecords returns every recorded attempt for runID, ordered by
// step index then attempt.
func (s *Store) ListStepRecords(ctx context.Context, runID string) ([]model.StepRecord, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM agent_steps WHERE run_id = $1 ORDER BY step_index, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agent_steps for %s: %w", runID, err)
	}
	out := make([]model.StepRecord, len(rows))
	for i, r := range rows {
		out[i] = *r.toModel()
	}
	return out, nil
}

// InsertLearningEvent appends a stub-debt or provisional-fix record to the
// learning ledger (C8's persistence dependency).
func (s *Store) InsertLearningEvent(ctx context.Context, id, runID, kind string, payload []byte) error {
	const q = `INSERT INTO learning_events (id, run_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, now())`
	if _, err := s.db.ExecContext(ctx, q, id, runID, kind, payload); err != nil {
		return fmt.Errorf("insert learning_event %s: %w", id, err)
	}
	return nil
}

// RecentLearningEventPayloads returns, newest first, up to limit
// learning_events payloads of kind recorded against any run belonging to
// projectID. The outer validation auto-correction loop decodes these into
// import-pressure and stall-pressure samples (spec.md §4.1's "import
// pressure statistics (recent 20 events)").
func (s *Store) RecentLearningEventPayloads(ctx context.Context, projectID, kind string, limit int) ([]json.RawMessage, error) {
	var rows [][]byte
	const q = `
SELECT le.payload FROM learning_events le
JOIN agent_runs ar ON ar.id = le.run_id
WHERE ar.project_id = $1 AND le.kind = $2
ORDER BY le.created_at DESC
LIMIT $3`
	if err := s.db.SelectContext(ctx, &rows, q, projectID, kind, limit); err != nil {
		return nil, fmt.Errorf("recent learning events for %s/%s: %w", projectID, kind, err)
	}
	out := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		out[i] = json.RawMessage(r)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sqlNoRowsSentinel)
}

func statusStrings(statuses []model.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
