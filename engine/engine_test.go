package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/interpreter"
	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/planner"
	"github.com/c360studio/deeprun/taxonomy"
)

// fakeExecutor returns one scripted StepOutput per Execute call, in order.
type fakeExecutor struct {
	outputs []StepOutput
	errs    []error
	calls   int
}

func (f *fakeExecutor) Execute(ctx context.Context, run *model.AgentRun, step model.Step) (StepOutput, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.outputs) {
		return f.outputs[i], err
	}
	return StepOutput{Completed: true}, err
}

type fakeSession struct {
	staged  []StagedFileView
	aborted bool
	failOn  string
}

func (s *fakeSession) Stage(path string, op correctionOp, content []byte) error {
	s.staged = append(s.staged, StagedFileView{Path: path, Bytes: len(content)})
	return nil
}
func (s *fakeSession) StagedFiles() []StagedFileView { return s.staged }
func (s *fakeSession) Validate() error {
	if s.failOn == "validate" {
		return assert.AnError
	}
	return nil
}
func (s *fakeSession) Apply() error {
	if s.failOn == "apply" {
		return assert.AnError
	}
	return nil
}
func (s *fakeSession) Abort()          { s.aborted = true }
func (s *fakeSession) TotalBytes() int { return 0 }

type fakeWorktree struct {
	commitHash string
	commitErr  error
}

func (w *fakeWorktree) IsDirty(ctx context.Context) (bool, error)               { return false, nil }
func (w *fakeWorktree) RecoverDirty(ctx context.Context, lastValidCommit string) error { return nil }
func (w *fakeWorktree) CommitAll(ctx context.Context, message string) (string, error) {
	return w.commitHash, w.commitErr
}
func (w *fakeWorktree) HeadCommit(ctx context.Context) (string, error) { return w.commitHash, nil }

type fakeLightValidator struct {
	blocking bool
	err      error
}

func (v *fakeLightValidator) Validate(ctx context.Context, run *model.AgentRun, changes []ProposedChange) (bool, string, error) {
	return v.blocking, "", v.err
}

type fakeHeavyValidator struct {
	verdicts []interpreter.Verdict
	calls    int
}

func (v *fakeHeavyValidator) Validate(ctx context.Context, run *model.AgentRun) (interpreter.Verdict, error) {
	i := v.calls
	v.calls++
	if i < len(v.verdicts) {
		return v.verdicts[i], nil
	}
	return interpreter.Verdict{OK: true}, nil
}

type fakeStore struct {
	updated []*model.AgentRun
}

func (s *fakeStore) UpdateRun(ctx context.Context, run *model.AgentRun, expectedUpdatedAt time.Time) error {
	s.updated = append(s.updated, run)
	return nil
}
func (s *fakeStore) InsertStepRecord(ctx context.Context, rec *model.StepRecord) error { return nil }
func (s *fakeStore) RecentLearningEventPayloads(ctx context.Context, projectID, kind string, limit int) ([]json.RawMessage, error) {
	return nil, nil
}

type fakeLock struct {
	err   error
	calls int
}

func (l *fakeLock) Acquire(ctx context.Context, run *model.AgentRun, owner string) error {
	l.calls++
	return l.err
}

func testConfig() Config {
	return Config{
		LightValidationMode:        "enforce",
		HeavyValidationMode:        "enforce",
		CorrectionPolicyMode:       correction.PolicyEnforce,
		CorrectionConvergenceMode:  "enforce",
		GoalMaxCorrections:         1,
		OptimizationMaxCorrections: 1,
		MaxHeavyCorrectionAttempts: 1,
		AllowedPathPrefixes:        []string{"src/**"},
		FileLimits:                 correction.Limits{MaxFiles: 10, MaxTotalDiffBytes: 100000},
	}
}

func newTestEngine(executor StepExecutor, session FileSession, light LightValidator, heavy HeavyValidator, store RunStore, lock Lock, cfg Config) *Engine {
	return New(store, lock, func(string) FileSession { return session }, executor, light, heavy, nil, nil, cfg, func() time.Time { return time.Unix(0, 0) }, nil)
}

func newRun(steps ...model.Step) *model.AgentRun {
	return &model.AgentRun{ID: "run-1", Status: model.RunStatusRunning, Plan: model.Plan{Steps: steps}}
}

func TestExecuteRunCompletesSimpleAnalyzePlan(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeAnalyze, Tool: "noop"})
	executor := &fakeExecutor{outputs: []StepOutput{{Completed: true}}}
	store := &fakeStore{}
	e := newTestEngine(executor, &fakeSession{}, &fakeLightValidator{}, &fakeHeavyValidator{}, store, &fakeLock{}, testConfig())
	e.cfg.HeavyValidationMode = "off"

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{commitHash: "deadbeef"}, "/tmp/wt", "owner-1")

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestExecuteRunAbortsOnLockLoss(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeAnalyze, Tool: "noop"})
	e := newTestEngine(&fakeExecutor{}, &fakeSession{}, &fakeLightValidator{}, &fakeHeavyValidator{}, &fakeStore{}, &fakeLock{err: assert.AnError}, testConfig())

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{}, "/tmp/wt", "owner-1")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionLockLost)
}

func TestExecuteRunMutatingStepCommitsAndAdvances(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeModify, Tool: model.ToolWriteFile})
	executor := &fakeExecutor{outputs: []StepOutput{{
		Completed:       true,
		ProposedChanges: []ProposedChange{{Action: ActionCreate, Path: "src/a.ts", Content: []byte("x")}},
	}}}
	e := newTestEngine(executor, &fakeSession{}, &fakeLightValidator{}, &fakeHeavyValidator{}, &fakeStore{}, &fakeLock{}, testConfig())
	e.cfg.HeavyValidationMode = "off"

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{commitHash: "abc123"}, "/tmp/wt", "owner-1")

	require.NoError(t, err)
	assert.Equal(t, "abc123", run.CurrentCommitHash)
	assert.Equal(t, "abc123", run.LastValidCommitHash)
}

func TestExecuteRunFailsStepExecutionError(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeAnalyze, Tool: "noop"})
	executor := &fakeExecutor{errs: []error{assert.AnError}}
	store := &fakeStore{}
	e := newTestEngine(executor, &fakeSession{}, &fakeLightValidator{}, &fakeHeavyValidator{}, store, &fakeLock{}, testConfig())

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{}, "/tmp/wt", "owner-1")

	require.Error(t, err)
	var stepFailure *taxonomy.Error
	require.ErrorAs(t, err, &stepFailure)
	assert.Equal(t, taxonomy.CategoryStepExecution, stepFailure.Category)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.Len(t, store.updated, 1)
}

func TestExecuteRunLightValidationBlockingFailsStep(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeModify, Tool: model.ToolWriteFile})
	executor := &fakeExecutor{outputs: []StepOutput{{
		Completed:       true,
		ProposedChanges: []ProposedChange{{Action: ActionCreate, Path: "src/a.ts", Content: []byte("x")}},
	}}}
	session := &fakeSession{}
	e := newTestEngine(executor, session, &fakeLightValidator{blocking: true}, &fakeHeavyValidator{}, &fakeStore{}, &fakeLock{}, testConfig())

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{commitHash: "x"}, "/tmp/wt", "owner-1")

	require.Error(t, err)
	assert.True(t, session.aborted)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestExecuteRunCorrectionStepPolicyViolationFails(t *testing.T) {
	run := newRun(model.Step{ID: "validation-correction-1", Type: model.StepTypeModify, Tool: model.ToolWriteFile})
	executor := &fakeExecutor{outputs: []StepOutput{{
		Completed:       true,
		ProposedChanges: []ProposedChange{{Action: ActionCreate, Path: "outside/a.ts", Content: []byte("x")}},
	}}}
	session := &fakeSession{}
	e := newTestEngine(executor, session, &fakeLightValidator{}, &fakeHeavyValidator{}, &fakeStore{}, &fakeLock{}, testConfig())

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{commitHash: "x"}, "/tmp/wt", "owner-1")

	require.Error(t, err)
	assert.True(t, session.aborted)
	var stepFailure *taxonomy.Error
	require.ErrorAs(t, err, &stepFailure)
	assert.Equal(t, taxonomy.CategoryCorrectionPolicy, stepFailure.Category)
}

func TestExecuteRunRuntimeVerifyUnhealthyFailsWhenCorrectionPlanningFails(t *testing.T) {
	run := newRun(
		model.Step{ID: "step-1", Type: model.StepTypeVerify, Tool: model.ToolRunPreviewContainer},
		model.Step{ID: "step-2", Type: model.StepTypeAnalyze, Tool: "noop"},
	)
	executor := &fakeExecutor{outputs: []StepOutput{
		{Completed: true, RuntimeHealthy: false, RuntimeSignature: "sig-a", Logs: "EADDRINUSE"},
		{Completed: true, RuntimeHealthy: true},
		{Completed: true},
	}}
	e := newTestEngine(executor, &fakeSession{}, &fakeLightValidator{}, &fakeHeavyValidator{}, &fakeStore{}, &fakeLock{}, testConfig())
	e.cfg.HeavyValidationMode = "off"
	unparseableResponses := make([]planner.Response, 5)
	for i := range unparseableResponses {
		unparseableResponses[i] = planner.Response{Content: "not json"}
	}
	e.plan = planner.New(planner.NewStaticProvider("test-provider", unparseableResponses...), nil, nil)

	err := e.ExecuteRun(context.Background(), run, &fakeWorktree{commitHash: "x"}, "/tmp/wt", "owner-1")

	require.Error(t, err)
	var stepFailure *taxonomy.Error
	require.ErrorAs(t, err, &stepFailure)
	assert.Equal(t, taxonomy.CategoryCorrectionPolicy, stepFailure.Category)
}

func TestExecuteRunRuntimeVerifyConvergenceFailureOnRepeatedSignature(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeVerify, Tool: model.ToolRunPreviewContainer})
	executor := &fakeExecutor{outputs: []StepOutput{
		{Completed: true, RuntimeHealthy: false, RuntimeSignature: "sig-a"},
	}}
	e := newTestEngine(executor, &fakeSession{}, &fakeLightValidator{}, &fakeHeavyValidator{}, &fakeStore{}, &fakeLock{}, testConfig())

	state := &stepRunState{lastRuntimeSignature: "sig-a"}
	out := StepOutput{RuntimeHealthy: false, RuntimeSignature: "sig-a"}
	err := e.handleRuntimeVerify(context.Background(), run, &fakeWorktree{}, run.Plan.Steps[0], out, state)

	require.Error(t, err)
	var stepFailure *taxonomy.Error
	require.ErrorAs(t, err, &stepFailure)
	assert.Equal(t, taxonomy.CategoryRuntimeCorrectionConvergence, stepFailure.Category)
}

func TestHandleHeavyValidationBudgetExhaustionFailsRun(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeAnalyze, Tool: "noop"})
	heavy := &fakeHeavyValidator{verdicts: []interpreter.Verdict{{OK: false, BlockingCount: 1}}}
	e := newTestEngine(&fakeExecutor{}, &fakeSession{}, &fakeLightValidator{}, heavy, &fakeStore{}, &fakeLock{}, testConfig())

	state := &stepRunState{heavyCorrectionCount: 1}
	err := e.handleHeavyValidation(context.Background(), run, &fakeWorktree{}, state)

	require.Error(t, err)
	var stepFailure *taxonomy.Error
	require.ErrorAs(t, err, &stepFailure)
	assert.Equal(t, taxonomy.CategoryHeavyValidationCorrectionLimit, stepFailure.Category)
}

func TestHandleHeavyValidationPassingVerdictReturnsNil(t *testing.T) {
	run := newRun(model.Step{ID: "step-1", Type: model.StepTypeAnalyze, Tool: "noop"})
	heavy := &fakeHeavyValidator{verdicts: []interpreter.Verdict{{OK: true}}}
	e := newTestEngine(&fakeExecutor{}, &fakeSession{}, &fakeLightValidator{}, heavy, &fakeStore{}, &fakeLock{}, testConfig())

	err := e.handleHeavyValidation(context.Background(), run, &fakeWorktree{}, &stepRunState{})

	require.NoError(t, err)
	assert.NotEqual(t, model.RunStatusOptimizing, run.Status)
}

func TestPhaseMaxCorrectionsSelectsByStatus(t *testing.T) {
	e := &Engine{cfg: Config{GoalMaxCorrections: 2, OptimizationMaxCorrections: 5}}
	assert.Equal(t, 2, e.phaseMaxCorrections(&model.AgentRun{Status: model.RunStatusRunning}))
	assert.Equal(t, 5, e.phaseMaxCorrections(&model.AgentRun{Status: model.RunStatusOptimizing}))
}

func TestConstraintFromStepRecoversEmbeddedConstraint(t *testing.T) {
	cfg := testConfig()
	embedded := correction.Constraint{Intent: correction.IntentTestFailure, MaxFiles: 1}
	raw := marshalConstraint(embedded)
	step := model.Step{Reasoning: &model.CorrectionReasoning{Constraint: raw}}

	got := constraintFromStep(step, cfg)

	assert.Equal(t, correction.IntentTestFailure, got.Intent)
	assert.Equal(t, 1, got.MaxFiles)
}

func TestConstraintFromStepFallsBackToConfigWhenAbsent(t *testing.T) {
	cfg := testConfig()
	step := model.Step{ID: "step-1"}

	got := constraintFromStep(step, cfg)

	assert.Equal(t, cfg.FileLimits.MaxFiles, got.MaxFiles)
	assert.Equal(t, cfg.AllowedPathPrefixes, got.AllowedPathPrefixes)
}

func TestCommitMessageTruncatesLongGoal(t *testing.T) {
	goal := ""
	for i := 0; i < 100; i++ {
		goal += "x"
	}
	msg := commitMessage(model.Step{ID: "step-1", Tool: "write_file"}, goal)
	assert.Contains(t, msg, "step-1 (write_file) ::")
	assert.LessOrEqual(t, len(msg), len("step-1 (write_file) :: ")+64)
}

func TestDecideValidationAutoCorrectionPrefersImportResolutionRecipe(t *testing.T) {
	profile := interpreter.Profile{
		Clusters: []interpreter.Cluster{{
			Type:    interpreter.ClusterImportResolutionError,
			Files:   []string{"src/a.ts"},
			Imports: []string{"./missing"},
		}},
	}

	decision := DecideValidationAutoCorrection(profile, nil, correction.StallPressure{}, false)

	assert.Equal(t, PhaseImportResolutionRecipe, decision.Phase)
}

func TestDecideValidationAutoCorrectionFallsBackToStructuralReset(t *testing.T) {
	events := make([]correction.ImportPressureEvent, 20)
	for i := range events {
		events[i] = correction.ImportPressureEvent{Regressed: true}
	}

	decision := DecideValidationAutoCorrection(interpreter.Profile{}, events, correction.StallPressure{}, false)

	assert.True(t, decision.ArchitectureCollapse)
	assert.True(t, decision.PlannerDelegated)
}

func TestDecideValidationAutoCorrectionEscalatesOnStallPressure(t *testing.T) {
	decision := DecideValidationAutoCorrection(interpreter.Profile{}, nil, correction.StallPressure{ConsecutiveRunStalls: 2}, false)

	assert.Equal(t, correction.EscalationArchitectureReconstruction, decision.EscalateTo)
}

func TestRunValidationAutoCorrectionRejectsWhenAttemptsExhausted(t *testing.T) {
	e := &Engine{now: time.Now}
	run := &model.AgentRun{Status: model.RunStatusComplete, CorrectionAttempts: 2}

	err := e.RunValidationAutoCorrection(context.Background(), run, interpreter.Profile{}, ValidationAutoCorrectionDecision{}, 1)

	assert.Error(t, err)
}

func TestRunValidationAutoCorrectionReentersRunningOnImportRecipe(t *testing.T) {
	e := &Engine{now: time.Now}
	run := &model.AgentRun{Status: model.RunStatusComplete}
	profile := interpreter.Profile{
		Clusters: []interpreter.Cluster{{
			Type:    interpreter.ClusterImportResolutionError,
			Files:   []string{"src/a.ts"},
			Imports: []string{"./missing"},
		}},
	}

	err := e.RunValidationAutoCorrection(context.Background(), run, profile, ValidationAutoCorrectionDecision{Phase: PhaseImportResolutionRecipe}, 1)

	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.CorrectionAttempts)
	require.Len(t, run.Plan.Steps, 1)
	assert.Equal(t, "validation-correction-1", run.Plan.Steps[0].ID)
}

func TestBuildDebtResolutionPlanSkipsPaidDownTargets(t *testing.T) {
	targets := []correction.DebtTarget{
		{Path: "src/a.ts", FileExists: false},
		{Path: "src/b.ts", FileExists: true, HasStubMarker: true, HasRemainingReferrers: true},
	}

	steps := BuildDebtResolutionPlan(targets, nil, 1, func() string { return "now" })

	require.Len(t, steps, 1)
	assert.Contains(t, steps[0].ID, "debt-0")
}
