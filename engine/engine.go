// Package engine is the Run Lifecycle Engine (spec.md §4.1, C9): the
// top-level per-step execution loop that drives an AgentRun from queued
// through correction/optimization/validation to a terminal status,
// orchestrating the injected C1 (vcs), C2 (filesession), C3 (store),
// C5 (correction), C6 (interpreter), C7 (planner), C8 (telemetry) and
// runlock components.
//
// Grounded on the teacher's workflow-orchestrator component: a
// rules-driven loop reacting to completion events and chaining the next
// workflow step, generalized here from the plan-review lifecycle
// (created→drafted→reviewed→approved→implementing→complete→archived) to
// spec.md §4.1's run lifecycle, and on workflow/types.go's
// Status/CanTransitionTo pattern, which model.RunStatus.CanTransitionTo
// already implements directly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/interpreter"
	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/planner"
	"github.com/c360studio/deeprun/taxonomy"
	"github.com/c360studio/deeprun/telemetry"
)

// ChangeAction is the tagged action a StepOutput's ProposedChange carries,
// per spec.md §4.1.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// ProposedChange is one filesystem mutation a mutating step's tool
// returned, per spec.md §4.1.
type ProposedChange struct {
	Action  ChangeAction
	Path    string
	Content []byte
}

// StepOutput is what a StepExecutor returns for one step execution.
type StepOutput struct {
	Completed       bool
	ProposedChanges []ProposedChange
	RuntimeHealthy  bool
	RuntimeSignature string
	Logs            string
	Err             error
}

// StepExecutor runs a single plan step's tool and reports its result; the
// concrete tool dispatch (ai_mutation, run_preview_container, ...) is out
// of scope per spec.md §1's Non-goals ("does not prescribe ... the
// specific validators used").
type StepExecutor interface {
	Execute(ctx context.Context, run *model.AgentRun, step model.Step) (StepOutput, error)
}

// FileSession is the subset of filesession.Session the engine drives.
type FileSession interface {
	Stage(path string, op correctionOp, content []byte) error
	StagedFiles() []StagedFileView
	Validate() error
	Apply() error
	Abort()
	TotalBytes() int
}

// correctionOp mirrors filesession.Op without importing filesession,
// keeping engine decoupled from the session's concrete staging type; the
// SessionAdapter in wiring.go converts between the two.
type correctionOp string

const (
	opWrite  correctionOp = "write"
	opDelete correctionOp = "delete"
)

// StagedFileView is the read-only projection of a staged file the engine
// needs for correction-policy evaluation.
type StagedFileView struct {
	Path  string
	Bytes int
}

// Worktree is the subset of vcs.Worktree the engine drives.
type Worktree interface {
	IsDirty(ctx context.Context) (bool, error)
	RecoverDirty(ctx context.Context, lastValidCommit string) error
	CommitAll(ctx context.Context, message string) (string, error)
	HeadCommit(ctx context.Context) (string, error)
}

// SessionFactory begins a new FileSession rooted at a worktree path.
type SessionFactory func(worktreePath string) FileSession

// LightValidator runs light validation over staged changes for a step.
type LightValidator interface {
	Validate(ctx context.Context, run *model.AgentRun, changes []ProposedChange) (blockingViolation bool, summary string, err error)
}

// HeavyValidator runs heavy validation at plan end, producing the verdict
// the interpreter classifies.
type HeavyValidator interface {
	Validate(ctx context.Context, run *model.AgentRun) (interpreter.Verdict, error)
}

// RunStore is the subset of store.Store the engine drives.
type RunStore interface {
	UpdateRun(ctx context.Context, run *model.AgentRun, expectedUpdatedAt time.Time) error
	InsertStepRecord(ctx context.Context, rec *model.StepRecord) error
	RecentLearningEventPayloads(ctx context.Context, projectID, kind string, limit int) ([]json.RawMessage, error)
}

// Lock is the subset of runlock.Lock the engine drives.
type Lock interface {
	Acquire(ctx context.Context, run *model.AgentRun, owner string) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config bounds the engine's correction/validation behavior, sealed from
// the execution contract's effective config at run-create time.
type Config struct {
	LightValidationMode       string
	HeavyValidationMode       string
	CorrectionPolicyMode      correction.PolicyMode
	CorrectionConvergenceMode string
	GoalMaxCorrections        int
	OptimizationMaxCorrections int
	MaxHeavyCorrectionAttempts int
	AllowedPathPrefixes       []string
	FileLimits                correction.Limits
}

// Engine is the run lifecycle driver. It holds no run-specific state
// across calls; every method takes the run explicitly, mirroring the
// teacher's stateless-per-message rules evaluation in
// workflow-orchestrator.
type Engine struct {
	store    RunStore
	lock     Lock
	sessions SessionFactory
	executor StepExecutor
	light    LightValidator
	heavy    HeavyValidator
	plan     *planner.Facade
	learning *telemetry.Recorder
	cfg      Config
	now      Clock
	logger   *slog.Logger
}

// New constructs an Engine from its injected dependencies.
func New(store RunStore, lock Lock, sessions SessionFactory, executor StepExecutor, light LightValidator, heavy HeavyValidator, plan *planner.Facade, learning *telemetry.Recorder, cfg Config, now Clock, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: store, lock: lock, sessions: sessions, executor: executor,
		light: light, heavy: heavy, plan: plan, learning: learning,
		cfg: cfg, now: now, logger: logger,
	}
}

// StepFailure is a categorized engine error that aborts the step loop
// without going through failRun; ErrExecutionLockLost is its one value.
// Failures that transition the run come back from failRun as a
// *taxonomy.Error, which populates errorDetails per spec.md §7.
type StepFailure struct {
	Category taxonomy.Category
	Message  string
	Cause    error
}

func (f *StepFailure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Category, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

// ErrExecutionLockLost is returned (wrapped) by lock refresh failure, per
// spec.md §4.1 step 1 ("Refresh run lock; lost lock ⇒ abort with
// 'execution lock lost'"). It is returned without calling failRun because,
// per spec.md §7's propagation policy, infrastructure errors during lock
// handling abort without transitioning the run.
var ErrExecutionLockLost = &StepFailure{Category: taxonomy.CategoryExecutionLockLost, Message: "execution lock lost"}
