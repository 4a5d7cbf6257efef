// Package runlock implements the Run Execution Lock (spec.md §4.8): the
// single-writer guarantee that only one worker process executes a given
// run at a time, backed by the owner/acquired-at columns store.Store
// persists on agent_runs. The lock owner value is "<processId>:<requestId>"
// per spec.md §6, and a lock older than staleAfterSeconds may be preempted
// by a new owner.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/store"
)

// Owner formats the "<processId>:<requestId>" lock owner value spec.md §6
// specifies.
func Owner(processID, requestID string) string {
	return processID + ":" + requestID
}

// ErrHeldByOther is returned by Acquire when the run's lock is held by a
// different, non-stale owner.
var ErrHeldByOther = fmt.Errorf("runlock: held by another owner")

// lockStore is the subset of store.Store's run-lock columns Lock drives;
// accepting the interface rather than *store.Store lets tests substitute a
// fake without a live database.
type lockStore interface {
	AcquireRunLock(ctx context.Context, runID, owner string, staleAfter time.Duration, now time.Time) (time.Time, error)
	ReleaseRunLock(ctx context.Context, runID, owner string) error
}

// Lock mediates run-execution exclusivity through store.Store.
type Lock struct {
	store      lockStore
	staleAfter time.Duration
	now        func() time.Time
}

// New constructs a Lock with staleAfterSeconds taken from
// config.NormalizedExecutionConfig.RunLockStaleSeconds.
func New(s *store.Store, staleAfterSeconds int) *Lock {
	return newWithStore(s, staleAfterSeconds)
}

func newWithStore(s lockStore, staleAfterSeconds int) *Lock {
	return &Lock{
		store:      s,
		staleAfter: time.Duration(staleAfterSeconds) * time.Second,
		now:        time.Now,
	}
}

// Acquire durably claims the run's lock for owner via a single conditional
// UPDATE against agent_runs (store.Store.AcquireRunLock), then mirrors the
// result onto run in memory. It succeeds if the run has no current lock
// owner, the lock is already held by owner (idempotent re-acquire across a
// resumed worker), or the existing lock's RunLockAcquiredAt is older than
// staleAfter (preemption of a crashed worker's abandoned lock). Acquire must
// be called, and must succeed, before any execution loop body runs — a
// deferred persist of the lock columns (e.g. only inside the next
// UpdateRun) leaves a window where two owners can both believe they hold an
// unclaimed lock and execute against the same worktree concurrently.
func (l *Lock) Acquire(ctx context.Context, run *model.AgentRun, owner string) error {
	acquired, err := l.store.AcquireRunLock(ctx, run.ID, owner, l.staleAfter, l.now())
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return ErrHeldByOther
		}
		return fmt.Errorf("acquire run lock %s: %w", run.ID, err)
	}
	run.RunLockOwner = owner
	run.RunLockAcquiredAt = &acquired
	return nil
}

// Release clears the run's lock, both durably and in memory, called once a
// run reaches a terminal status or a worker cleanly hands it back to the
// queue.
func (l *Lock) Release(ctx context.Context, run *model.AgentRun, owner string) error {
	if run.RunLockOwner != "" && run.RunLockOwner != owner {
		return ErrHeldByOther
	}
	if err := l.store.ReleaseRunLock(ctx, run.ID, owner); err != nil {
		return fmt.Errorf("release run lock %s: %w", run.ID, err)
	}
	run.RunLockOwner = ""
	run.RunLockAcquiredAt = nil
	return nil
}

// IsStale reports whether run's current lock (if any) has exceeded
// staleAfter without a renewal, making it eligible for preemption.
func (l *Lock) IsStale(run *model.AgentRun) bool {
	if run.RunLockOwner == "" || run.RunLockAcquiredAt == nil {
		return false
	}
	return l.now().Sub(*run.RunLockAcquiredAt) >= l.staleAfter
}
