package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/store"
)

// fakeLockStore models agent_runs's run_lock_owner/run_lock_acquired_at
// columns in memory, so runlock's unit tests exercise the same
// conditional-acquire semantics store.Store.AcquireRunLock applies in
// Postgres without a live database.
type fakeLockStore struct {
	owner      string
	acquiredAt time.Time
}

func (f *fakeLockStore) AcquireRunLock(ctx context.Context, runID, owner string, staleAfter time.Duration, now time.Time) (time.Time, error) {
	if f.owner != "" && f.owner != owner && now.Sub(f.acquiredAt) < staleAfter {
		return time.Time{}, store.ErrLockHeld
	}
	f.owner = owner
	f.acquiredAt = now
	return now, nil
}

func (f *fakeLockStore) ReleaseRunLock(ctx context.Context, runID, owner string) error {
	if f.owner == owner {
		f.owner = ""
		f.acquiredAt = time.Time{}
	}
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAcquireSucceedsWhenUnlocked(t *testing.T) {
	l := newWithStore(&fakeLockStore{}, 60)
	run := &model.AgentRun{}
	require.NoError(t, l.Acquire(context.Background(), run, "proc-1:req-1"))
	assert.Equal(t, "proc-1:req-1", run.RunLockOwner)
	assert.NotNil(t, run.RunLockAcquiredAt)
}

func TestAcquireIsIdempotentForSameOwner(t *testing.T) {
	acquiredAt := time.Now().Add(-5 * time.Second)
	l := newWithStore(&fakeLockStore{owner: "proc-1:req-1", acquiredAt: acquiredAt}, 60)
	run := &model.AgentRun{RunLockOwner: "proc-1:req-1", RunLockAcquiredAt: &acquiredAt}
	require.NoError(t, l.Acquire(context.Background(), run, "proc-1:req-1"))
}

func TestAcquireFailsWhenHeldByFreshOtherOwner(t *testing.T) {
	acquiredAt := time.Unix(990, 0)
	l := newWithStore(&fakeLockStore{owner: "proc-1:req-1", acquiredAt: acquiredAt}, 60)
	l.now = fixedClock(time.Unix(1000, 0))
	run := &model.AgentRun{RunLockOwner: "proc-1:req-1", RunLockAcquiredAt: &acquiredAt}

	err := l.Acquire(context.Background(), run, "proc-2:req-2")
	assert.ErrorIs(t, err, ErrHeldByOther)
}

func TestAcquireSucceedsWhenOtherOwnerLockIsStale(t *testing.T) {
	acquiredAt := time.Unix(900, 0) // 100s old, staleAfter=60s
	l := newWithStore(&fakeLockStore{owner: "proc-1:req-1", acquiredAt: acquiredAt}, 60)
	l.now = fixedClock(time.Unix(1000, 0))
	run := &model.AgentRun{RunLockOwner: "proc-1:req-1", RunLockAcquiredAt: &acquiredAt}

	err := l.Acquire(context.Background(), run, "proc-2:req-2")
	require.NoError(t, err)
	assert.Equal(t, "proc-2:req-2", run.RunLockOwner)
}

func TestReleaseClearsLockForOwner(t *testing.T) {
	acquiredAt := time.Now()
	l := newWithStore(&fakeLockStore{owner: "proc-1:req-1", acquiredAt: acquiredAt}, 60)
	run := &model.AgentRun{RunLockOwner: "proc-1:req-1", RunLockAcquiredAt: &acquiredAt}

	require.NoError(t, l.Release(context.Background(), run, "proc-1:req-1"))
	assert.Empty(t, run.RunLockOwner)
	assert.Nil(t, run.RunLockAcquiredAt)
}

func TestReleaseRejectsWrongOwner(t *testing.T) {
	acquiredAt := time.Now()
	l := newWithStore(&fakeLockStore{owner: "proc-1:req-1", acquiredAt: acquiredAt}, 60)
	run := &model.AgentRun{RunLockOwner: "proc-1:req-1", RunLockAcquiredAt: &acquiredAt}

	err := l.Release(context.Background(), run, "proc-2:req-2")
	assert.ErrorIs(t, err, ErrHeldByOther)
}

func TestIsStale(t *testing.T) {
	l := newWithStore(&fakeLockStore{}, 60)
	l.now = fixedClock(time.Unix(1000, 0))

	fresh := time.Unix(990, 0)
	run := &model.AgentRun{RunLockOwner: "x", RunLockAcquiredAt: &fresh}
	assert.False(t, l.IsStale(run))

	old := time.Unix(900, 0)
	run.RunLockAcquiredAt = &old
	assert.True(t, l.IsStale(run))
}

func TestOwnerFormat(t *testing.T) {
	assert.Equal(t, "pid-1:req-1", Owner("pid-1", "req-1"))
}
