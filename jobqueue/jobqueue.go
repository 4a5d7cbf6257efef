// Package jobqueue is the Job Queue & Leased Worker Dispatch (spec.md §4.8,
// C10): durable cross-process run scheduling backed by the run_jobs table,
// claimed via SELECT ... FOR UPDATE SKIP LOCKED with a renewable lease.
// Generalized from the teacher's task-dispatcher component (sem chan
// struct{} + atomic metrics, processor/task-dispatcher/component.go) from
// an in-process JetStream consumer to a durable, reclaim-on-expiry lease
// because spec.md requires a crashed worker's claim to eventually free up
// for another worker — a guarantee no in-memory channel can give across
// process boundaries.
package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Status is the lifecycle state of a run_jobs row.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// JobType is the kind of execution a run_jobs row drives.
type JobType string

const (
	JobTypeKernel     JobType = "kernel"
	JobTypeValidation JobType = "validation"
	JobTypeEvaluation JobType = "evaluation"
)

// Role is the worker kind a job targets, and the kind a worker_nodes row
// is registered as. A worker's role is immutable once recorded: Heartbeat
// only sets it on first insert.
type Role string

const (
	RoleCompute Role = "compute"
	RoleEval    Role = "eval"
)

// WorkerStatus is a worker_nodes row's liveness state.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Job is one queued unit of run execution.
type Job struct {
	ID             string
	RunID          string
	Status         Status
	JobType        JobType
	TargetRole     Role
	RequiredCaps   Capabilities
	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time
	Attempts       int
	LastError      string
}

// ErrAlreadyQueued mirrors store.ErrAlreadyActive at the queue layer: a run
// already has a non-terminal job, per the run_jobs partial unique index.
var ErrAlreadyQueued = fmt.Errorf("jobqueue: run already has an active job")

// ErrNoJobAvailable is returned by Claim when no pending job matches the
// worker's role and capabilities.
var ErrNoJobAvailable = fmt.Errorf("jobqueue: no job available")

// ErrWorkerOffline is returned by Claim when the claiming worker has no
// worker_nodes row recorded online (e.g. it never heartbeat, or its
// heartbeat lapsed into offline).
var ErrWorkerOffline = fmt.Errorf("jobqueue: worker not recorded online")

// Queue dispatches jobs against a pooled Postgres connection, capping the
// number of concurrent local claim attempts with a semaphore the way the
// teacher's task-dispatcher caps concurrent task execution with sem chan
// struct{}.
type Queue struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	sem      *semaphore.Weighted
	leaseTTL time.Duration

	claimed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	metrics   *metrics
}

// New constructs a Queue bounded to maxConcurrentClaims simultaneous local
// claim attempts, with leaseTTL controlling how long a claimed job may run
// before another worker is permitted to reclaim it. Counters are exported
// to prometheus.DefaultRegisterer; use NewWithRegistry to supply a
// different one (tests, multiple Queues in one process).
func New(pool *pgxpool.Pool, logger *slog.Logger, maxConcurrentClaims int64, leaseTTL time.Duration) *Queue {
	return NewWithRegistry(pool, logger, maxConcurrentClaims, leaseTTL, prometheus.DefaultRegisterer)
}

// NewWithRegistry is New with an explicit Prometheus registerer.
func NewWithRegistry(pool *pgxpool.Pool, logger *slog.Logger, maxConcurrentClaims int64, leaseTTL time.Duration, reg prometheus.Registerer) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pool:     pool,
		logger:   logger,
		sem:      semaphore.NewWeighted(maxConcurrentClaims),
		leaseTTL: leaseTTL,
		metrics:  newMetrics(reg),
	}
}

// Enqueue inserts a pending job of jobType for runID, targeting workers
// recorded with targetRole. The run_jobs partial unique index
// (uq_run_jobs_one_active_per_run) enforces idempotency: a second Enqueue
// for a run with an already-active job fails with ErrAlreadyQueued.
func (q *Queue) Enqueue(ctx context.Context, id, runID string, jobType JobType, targetRole Role, requiredCaps Capabilities) error {
	capsJSON, err := marshalCaps(requiredCaps)
	if err != nil {
		return err
	}
	const sql = `INSERT INTO run_jobs (id, run_id, status, job_type, target_role, required_caps, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, $4, $5, now(), now())`
	_, err = q.pool.Exec(ctx, sql, id, runID, jobType, targetRole, capsJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyQueued
		}
		return fmt.Errorf("enqueue job %s for run %s: %w", id, runID, err)
	}
	return nil
}

// Claim atomically claims one pending job targeting role whose
// required_caps is a subset of workerCaps, using SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent workers never double-claim the same row.
// workerID must be recorded online in worker_nodes (ErrWorkerOffline
// otherwise) and registered under role (a mismatch is refused as
// ErrNoJobAvailable, since a worker never claims outside its recorded
// role). Returns ErrNoJobAvailable if nothing matches.
func (q *Queue) Claim(ctx context.Context, workerID string, role Role, workerCaps Capabilities) (*Job, error) {
	if !q.sem.TryAcquire(1) {
		return nil, ErrNoJobAvailable
	}
	defer q.sem.Release(1)

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var workerRole Role
	var workerStatus WorkerStatus
	const workerSQL = `SELECT role, status FROM worker_nodes WHERE id = $1`
	if err := tx.QueryRow(ctx, workerSQL, workerID).Scan(&workerRole, &workerStatus); err != nil {
		return nil, ErrWorkerOffline
	}
	if workerStatus != WorkerOnline {
		return nil, ErrWorkerOffline
	}
	if workerRole != role {
		return nil, ErrNoJobAvailable
	}

	const selectSQL = `
SELECT id, run_id, job_type, target_role, required_caps, attempts
FROM run_jobs
WHERE target_role = $1
  AND (status = 'pending'
       OR (status IN ('claimed', 'running') AND lease_expires_at < now()))
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT 20`
	rows, err := tx.Query(ctx, selectSQL, role)
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}

	var chosen *Job
	for rows.Next() {
		var j Job
		var capsJSON []byte
		if err := rows.Scan(&j.ID, &j.RunID, &j.JobType, &j.TargetRole, &capsJSON, &j.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable job: %w", err)
		}
		caps, err := unmarshalCaps(capsJSON)
		if err != nil {
			rows.Close()
			return nil, err
		}
		j.RequiredCaps = caps
		if isSubset(caps, workerCaps) {
			chosen = &j
			break
		}
	}
	rows.Close()

	if chosen == nil {
		return nil, ErrNoJobAvailable
	}

	claimedAt := time.Now()
	leaseExpires := claimedAt.Add(q.leaseTTL)
	const updateSQL = `
UPDATE run_jobs SET status = 'claimed', claimed_by = $1, claimed_at = $2,
  lease_expires_at = $3, attempts = attempts + 1, updated_at = now()
WHERE id = $4`
	if _, err := tx.Exec(ctx, updateSQL, workerID, claimedAt, leaseExpires, chosen.ID); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", chosen.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	chosen.Status = StatusClaimed
	chosen.ClaimedBy = workerID
	chosen.ClaimedAt = &claimedAt
	chosen.LeaseExpiresAt = &leaseExpires
	chosen.Attempts++
	q.claimed.Add(1)
	if q.metrics != nil {
		q.metrics.claimedTotal.Inc()
	}
	q.logger.Info("job claimed", "job_id", chosen.ID, "run_id", chosen.RunID, "worker_id", workerID)
	return chosen, nil
}

// RenewLease extends a claimed job's lease, called periodically by the
// worker (cmd/deeprun's renewLeaseUntilDone) while a run is actively
// executing to prevent another worker from reclaiming it out from under a
// live execution.
func (q *Queue) RenewLease(ctx context.Context, jobID, workerID string) error {
	expires := time.Now().Add(q.leaseTTL)
	const sql = `UPDATE run_jobs SET lease_expires_at = $1, status = 'running', updated_at = now()
WHERE id = $2 AND claimed_by = $3`
	tag, err := q.pool.Exec(ctx, sql, expires, jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("renew lease for job %s: lease no longer owned by %s", jobID, workerID)
	}
	return nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	const sql = `UPDATE run_jobs SET status = 'done', updated_at = now() WHERE id = $1`
	if _, err := q.pool.Exec(ctx, sql, jobID); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	q.completed.Add(1)
	if q.metrics != nil {
		q.metrics.completedTotal.Inc()
	}
	return nil
}

// Fail marks a job failed with reason, freeing the run for a new Enqueue
// once the run itself transitions to a terminal status.
func (q *Queue) Fail(ctx context.Context, jobID, reason string) error {
	const sql = `UPDATE run_jobs SET status = 'failed', last_error = $1, updated_at = now() WHERE id = $2`
	if _, err := q.pool.Exec(ctx, sql, reason, jobID); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	q.failed.Add(1)
	if q.metrics != nil {
		q.metrics.failedTotal.Inc()
	}
	return nil
}

// Heartbeat upserts a worker node's liveness row, marking it online and
// recording its advertised capacity and capabilities. role is set only on
// the row's first insert: a worker's role is immutable for its lifetime,
// so a later Heartbeat under a different role leaves the stored role
// untouched rather than silently reassigning it.
func (q *Queue) Heartbeat(ctx context.Context, workerID string, role Role, capabilities Capabilities, capacity int) error {
	capsJSON, err := marshalCaps(capabilities)
	if err != nil {
		return err
	}
	const sql = `
INSERT INTO worker_nodes (id, role, status, capabilities, capacity, last_heartbeat_at, created_at)
VALUES ($1, $2, 'online', $3, $4, now(), now())
ON CONFLICT (id) DO UPDATE SET status = 'online', capabilities = $3, capacity = $4, last_heartbeat_at = now()`
	if _, err := q.pool.Exec(ctx, sql, workerID, role, capsJSON, capacity); err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", workerID, err)
	}
	return nil
}

// MarkOffline clears a worker's online status, e.g. on graceful shutdown,
// so Claim stops matching jobs to it before its heartbeat would otherwise
// be considered stale.
func (q *Queue) MarkOffline(ctx context.Context, workerID string) error {
	const sql = `UPDATE worker_nodes SET status = 'offline' WHERE id = $1`
	if _, err := q.pool.Exec(ctx, sql, workerID); err != nil {
		return fmt.Errorf("mark worker %s offline: %w", workerID, err)
	}
	return nil
}

// Metrics snapshots the queue's lifetime counters for telemetry export.
type Metrics struct {
	Claimed   int64
	Completed int64
	Failed    int64
}

// Snapshot returns the queue's current counters.
func (q *Queue) Snapshot() Metrics {
	return Metrics{
		Claimed:   q.claimed.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

