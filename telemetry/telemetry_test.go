package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOutcomeSuccess(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, ClassifyOutcome(3, 0, false, false))
}

func TestClassifyOutcomeProvisionallyFixed(t *testing.T) {
	assert.Equal(t, OutcomeProvisionallyFixed, ClassifyOutcome(3, 0, false, true))
}

func TestClassifyOutcomeImproved(t *testing.T) {
	assert.Equal(t, OutcomeImproved, ClassifyOutcome(5, 2, false, false))
}

func TestClassifyOutcomeRegressed(t *testing.T) {
	assert.Equal(t, OutcomeRegressed, ClassifyOutcome(2, 5, false, false))
}

func TestClassifyOutcomeNoop(t *testing.T) {
	assert.Equal(t, OutcomeNoop, ClassifyOutcome(3, 3, false, false))
}

func TestClassifyOutcomeStalledTakesPrecedenceOverNoop(t *testing.T) {
	assert.Equal(t, OutcomeStalled, ClassifyOutcome(3, 3, true, false))
}

func TestNewLearningEventDerivesFlags(t *testing.T) {
	now := time.Now()
	ev := NewLearningEvent("evt-1", "run-1", "proj-1", 2, "heavy_validation", "goal", nil, 5, 2, false, 0, nil, false, false, now)
	assert.Equal(t, 3, ev.Delta)
	assert.False(t, ev.RegressionFlag)
	assert.False(t, ev.ConvergenceFlag)
	assert.Equal(t, OutcomeImproved, ev.Outcome)
	assert.Equal(t, json.RawMessage("[]"), ev.Clusters)
	assert.Equal(t, json.RawMessage("{}"), ev.Metadata)
}

func TestNewLearningEventConvergenceFlagOnZeroAfter(t *testing.T) {
	ev := NewLearningEvent("evt-2", "run-1", "proj-1", 0, "heavy_validation", "goal", nil, 4, 0, false, 0, nil, false, false, time.Now())
	assert.True(t, ev.ConvergenceFlag)
}

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRecorder(dir, nil, nil), dir
}

func TestRecordWritesJSONLAndSnapshot(t *testing.T) {
	r, root := newTestRecorder(t)
	ev := NewLearningEvent("evt-1", "run-1", "proj-1", 1, "heavy_validation", "goal", nil, 3, 0, false, 0, nil, false, false, time.Now())

	err := r.Record(context.Background(), ev, 1, 1)
	require.NoError(t, err)

	jsonlPath := filepath.Join(root, ".deeprun", "learning", "runs", "run-1.jsonl")
	data, err := os.ReadFile(jsonlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "evt-1")

	snapPath := filepath.Join(root, ".deeprun", "learning", "snapshots", "run-1_1_1.json")
	_, err = os.Stat(snapPath)
	require.NoError(t, err)
}

func TestRecordTwiceSameAttemptFailsOnSnapshotCollision(t *testing.T) {
	r, _ := newTestRecorder(t)
	ev := NewLearningEvent("evt-1", "run-1", "proj-1", 1, "heavy_validation", "goal", nil, 3, 0, false, 0, nil, false, false, time.Now())

	require.NoError(t, r.Record(context.Background(), ev, 1, 1))
	err := r.Record(context.Background(), ev, 1, 1)
	assert.Error(t, err)
}

func TestOpenAndCloseStubDebt(t *testing.T) {
	r, root := newTestRecorder(t)
	rec := StubDebtRecord{RunID: "run-1", StepIndex: 2, Attempt: 1, StubPath: "src/widgets/index.ts", OpenedAt: time.Now()}

	require.NoError(t, r.OpenStubDebt(rec))
	path := filepath.Join(root, ".deeprun", "learning", "stub-debt", "run-1_2_1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"open"`)

	require.NoError(t, r.CloseStubDebt(rec, time.Now()))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"closed"`)
}
