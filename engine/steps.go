package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/interpreter"
	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/taxonomy"
	"github.com/c360studio/deeprun/telemetry"
)

// stepRunState is the per-ExecuteRun-call mutable bookkeeping the step
// loop needs: budgets, the last runtime-verify failure signature, and the
// pending heavy-validation attempt baseline, kept local to one worker's
// ownership of the run rather than persisted, since spec.md §5 guarantees
// step execution within one run is strictly serial under a single lock
// owner.
type stepRunState struct {
	heavyCorrectionCount   int
	runtimeCorrectionCount int
	lastRuntimeSignature   string
	pendingHeavyAttempt    int
	pendingHeavyBefore     int

	// builderProfile records whether the plan ExecuteRun was first handed
	// carried an ai_mutation step, computed once up front since later
	// correction steps append other tools and must not change the answer.
	builderProfile bool
	// stubDebt accumulates open debt-ledger entries for stubs materialized
	// by an import-resolution recipe correction, per spec.md §4.1's
	// debt-resolution paragraph.
	stubDebt []stubDebtEntry
}

type stubDebtEntry struct {
	stepIndex int
	attempt   int
	path      string
}

// ExecuteRun drives run's plan from its CurrentStepIndex to completion (or
// a terminal failure), per spec.md §4.1's execution step loop, then — when
// the plan's builder-profile output reaches complete — drives spec.md
// §4.1's outer validation auto-correction loop until the output validates
// or correctionAttempts is exhausted. worktreePath is the run's isolated
// execution context root; wt is its opened vcs.Worktree (engine.Worktree
// interface). owner is the run-lock owner token
// (runlock.Owner(processID, requestID)).
func (e *Engine) ExecuteRun(ctx context.Context, run *model.AgentRun, wt Worktree, worktreePath, owner string) error {
	state := &stepRunState{builderProfile: hasBuilderProfileStep(run)}

	if err := e.executeSteps(ctx, run, wt, worktreePath, owner, state); err != nil {
		return err
	}
	return e.driveValidationAutoCorrection(ctx, run, wt, worktreePath, owner, state)
}

// executeSteps runs the plan's step loop from CurrentStepIndex to the end
// of the (possibly still growing, as corrections are appended) plan.
func (e *Engine) executeSteps(ctx context.Context, run *model.AgentRun, wt Worktree, worktreePath, owner string, state *stepRunState) error {
	for run.CurrentStepIndex < len(run.Plan.Steps) {
		if err := e.lock.Acquire(ctx, run, owner); err != nil {
			return fmt.Errorf("%w: %v", ErrExecutionLockLost, err)
		}

		startedAt := e.now()
		step := run.Plan.Steps[run.CurrentStepIndex]
		out, execErr := e.executor.Execute(ctx, run, step)
		if execErr != nil {
			e.recordStep(ctx, run, step, model.StepStatusFailed, "", execErr.Error(), "", startedAt)
			return e.failRun(ctx, run, wt, taxonomy.CategoryStepExecution, "step execution failed", execErr, "")
		}

		if step.Mutates() && out.Completed {
			if err := e.executeMutatingStep(ctx, run, wt, worktreePath, step, out, startedAt, state); err != nil {
				return err
			}
		} else {
			e.recordStep(ctx, run, step, model.StepStatusCompleted, run.CurrentCommitHash, "", runtimeStatusOf(out), startedAt)
		}

		if step.Type == model.StepTypeVerify && step.Tool == model.ToolRunPreviewContainer {
			terminalErr := e.handleRuntimeVerify(ctx, run, wt, step, out, state)
			if terminalErr != nil {
				return terminalErr
			}
			if run.Status == model.RunStatusCorrecting {
				continue
			}
		}

		isTerminalStep := run.CurrentStepIndex == len(run.Plan.Steps)-1
		if isTerminalStep && e.cfg.HeavyValidationMode != "off" {
			terminalErr := e.handleHeavyValidation(ctx, run, wt, state)
			if terminalErr != nil {
				return terminalErr
			}
			if run.Status == model.RunStatusOptimizing {
				continue
			}
		}

		run.CurrentStepIndex++
		run.LastStepID = step.ID
	}

	now := e.now()
	run.Status = model.RunStatusComplete
	run.FinishedAt = &now
	return e.persist(ctx, run)
}

// executeMutatingStep stages, validates, and commits a single mutating
// step's proposed changes, per spec.md §4.1 step 3.
func (e *Engine) executeMutatingStep(ctx context.Context, run *model.AgentRun, wt Worktree, worktreePath string, step model.Step, out StepOutput, startedAt time.Time, state *stepRunState) error {
	session := e.sessions(worktreePath)
	for _, change := range out.ProposedChanges {
		op := opWrite
		if change.Action == ActionDelete {
			op = opDelete
		}
		if err := session.Stage(change.Path, op, change.Content); err != nil {
			session.Abort()
			e.recordStep(ctx, run, step, model.StepStatusFailed, "", err.Error(), "", startedAt)
			return e.failRun(ctx, run, wt, taxonomy.CategoryStepTransaction, "stage proposed change failed", err, "")
		}
	}

	if step.IsCorrectionStep() {
		constraint := constraintFromStep(step, e.cfg)
		policy := correction.Evaluate(e.cfg.CorrectionPolicyMode, constraint, stagedChangesToPolicy(session.StagedFiles()), len(session.StagedFiles()) > 0)
		if !policy.Compliant {
			session.Abort()
			e.recordStep(ctx, run, step, model.StepStatusFailed, "", "correction step violated its constraint", "", startedAt)
			return e.failRun(ctx, run, wt, taxonomy.CategoryCorrectionPolicy, "correction step violated its constraint", nil, "")
		}
	}

	if e.cfg.LightValidationMode != "off" {
		blocking, _, err := e.light.Validate(ctx, run, out.ProposedChanges)
		if err != nil {
			session.Abort()
			e.recordStep(ctx, run, step, model.StepStatusFailed, "", err.Error(), "", startedAt)
			return e.failRun(ctx, run, wt, taxonomy.CategoryStepExecution, "light validation failed to run", err, "")
		}
		if blocking && e.cfg.LightValidationMode == "enforce" {
			session.Abort()
			e.recordStep(ctx, run, step, model.StepStatusFailed, "", "light validation blocking violation", "", startedAt)
			return e.failRun(ctx, run, wt, taxonomy.CategoryStepTransaction, "light validation blocking violation", nil, "")
		}
	}

	if err := session.Validate(); err != nil {
		session.Abort()
		e.recordStep(ctx, run, step, model.StepStatusFailed, "", err.Error(), "", startedAt)
		return e.failRun(ctx, run, wt, taxonomy.CategoryStepTransaction, "file session cap exceeded", err, "")
	}
	if err := session.Apply(); err != nil {
		session.Abort()
		e.recordStep(ctx, run, step, model.StepStatusFailed, "", err.Error(), "", startedAt)
		return e.failRun(ctx, run, wt, taxonomy.CategoryStepTransaction, "file session apply failed", err, "")
	}

	commitMsg := commitMessage(step, run.Goal)
	commitHash, err := wt.CommitAll(ctx, commitMsg)
	if err != nil {
		e.recordStep(ctx, run, step, model.StepStatusFailed, "", err.Error(), "", startedAt)
		return e.failRun(ctx, run, wt, taxonomy.CategoryStepTransaction, "commit failed", err, "")
	}
	if commitHash == "" && step.IsCorrectionStep() {
		e.recordStep(ctx, run, step, model.StepStatusFailed, "", "silent patching blocked", "", startedAt)
		return e.failRun(ctx, run, wt, taxonomy.CategoryStepTransaction, "silent patching blocked", nil, "")
	}
	if commitHash != "" {
		run.BaseCommitHash = run.CurrentCommitHash
		run.CurrentCommitHash = commitHash
		run.LastValidCommitHash = commitHash
	}
	e.openStubDebtForCommit(run, step, out, startedAt, state)
	e.recordStep(ctx, run, step, model.StepStatusCompleted, commitHash, "", "", startedAt)
	return nil
}

// openStubDebtForCommit opens a stub-debt ledger entry for every committed
// change whose content carries the correction.StubMarkerPrefix header, per
// spec.md §4.1's "stub was materialized" case: the import-resolution
// recipe's outcome is provisionally_fixed until debt-resolution replaces
// the stub with a real module.
func (e *Engine) openStubDebtForCommit(run *model.AgentRun, step model.Step, out StepOutput, startedAt time.Time, state *stepRunState) {
	if e.learning == nil || !step.IsCorrectionStep() {
		return
	}
	attempt := stepAttempt(step)
	for _, change := range out.ProposedChanges {
		if !bytes.HasPrefix(change.Content, []byte(correction.StubMarkerPrefix)) {
			continue
		}
		rec := telemetry.StubDebtRecord{
			RunID:     run.ID,
			StepIndex: run.CurrentStepIndex,
			Attempt:   attempt,
			StubPath:  change.Path,
		}
		if err := e.learning.OpenStubDebt(rec); err != nil {
			e.logger.Error("failed to open stub debt record", "run_id", run.ID, "path", change.Path, "error", err)
			continue
		}
		state.stubDebt = append(state.stubDebt, stubDebtEntry{stepIndex: run.CurrentStepIndex, attempt: attempt, path: change.Path})
	}
}

// handleRuntimeVerify interprets a runtime verify step's result, inserting
// a runtime-correction pair on failure within budget, or failing the run
// on repeated identical-signature failure under enforce convergence mode,
// per spec.md §4.1 step 4/6.
func (e *Engine) handleRuntimeVerify(ctx context.Context, run *model.AgentRun, wt Worktree, step model.Step, out StepOutput, state *stepRunState) error {
	if out.RuntimeHealthy {
		state.lastRuntimeSignature = ""
		return nil
	}

	previousSignature := state.lastRuntimeSignature
	if out.RuntimeSignature != "" && out.RuntimeSignature == previousSignature && e.cfg.CorrectionConvergenceMode == "enforce" {
		return e.failRun(ctx, run, wt, taxonomy.CategoryRuntimeCorrectionConvergence, "runtime verify failed with identical signature", nil, run.LastValidCommitHash)
	}
	state.lastRuntimeSignature = out.RuntimeSignature

	budget := e.phaseMaxCorrections(run)
	if state.runtimeCorrectionCount >= budget {
		return e.failRun(ctx, run, wt, taxonomy.CategoryRuntimeCorrectionLimit, "runtime correction attempts exhausted", nil, run.LastValidCommitHash)
	}
	state.runtimeCorrectionCount++

	in := correction.ClassifierInput{
		Phase:        correction.PhaseGoal,
		FailedStepID: step.ID,
		Attempt:      state.runtimeCorrectionCount,
		RuntimeLogs:  out.Logs,
		Limits:       e.cfg.FileLimits,
	}
	constraint := correction.BuildConstraint(in, e.cfg.AllowedPathPrefixes)

	correctionStep, retryStep, err := e.planRuntimeCorrectionPair(ctx, run, constraint, out.Logs, state.runtimeCorrectionCount)
	if err != nil {
		return e.failRun(ctx, run, wt, taxonomy.CategoryCorrectionPolicy, "runtime correction planning failed", err, "")
	}

	unchanged := out.RuntimeSignature != "" && out.RuntimeSignature == previousSignature
	e.recordLearningEvent(ctx, run, "runtime_correction", "goal", nil, 1, 1, false, unchanged, false, state.runtimeCorrectionCount)

	run.Plan.InsertAfter(run.CurrentStepIndex, correctionStep, retryStep)
	run.Status = model.RunStatusCorrecting
	run.CurrentStepIndex++
	return nil
}

// handleHeavyValidation runs heavy validation at the terminal step,
// queuing a heavy-validation correction on failure within budget or
// rolling back and failing the run once exhausted, per spec.md §4.1
// step 5.
func (e *Engine) handleHeavyValidation(ctx context.Context, run *model.AgentRun, wt Worktree, state *stepRunState) error {
	run.Status = model.RunStatusValidating
	verdict, err := e.heavy.Validate(ctx, run)
	if err != nil {
		return e.failRun(ctx, run, wt, taxonomy.CategoryHeavyValidationExecution, "heavy validation execution failed", err, run.LastValidCommitHash)
	}

	// A correction planned on the previous call is resolved by this
	// verdict: close out its learning event with the observed effect
	// before deciding what to do about the current verdict.
	if state.pendingHeavyAttempt > 0 {
		profile := e.interpretVerdict(verdict)
		clusters := marshalClusters(profile)
		unchanged := verdict.BlockingCount == state.pendingHeavyBefore
		e.recordLearningEvent(ctx, run, "heavy_validation_correction", "optimization", clusters, state.pendingHeavyBefore, verdict.BlockingCount, profile.ArchitectureCollapse, unchanged, false, state.pendingHeavyAttempt)
		state.pendingHeavyAttempt = 0
	}

	if verdict.OK {
		return nil
	}

	if state.heavyCorrectionCount >= e.cfg.MaxHeavyCorrectionAttempts {
		return e.failRun(ctx, run, wt, taxonomy.CategoryHeavyValidationCorrectionLimit, "heavy validation correction attempts exhausted", nil, run.LastValidCommitHash)
	}
	state.heavyCorrectionCount++

	profile := e.interpretVerdict(verdict)
	correctionStep, err := e.planHeavyCorrection(ctx, run, profile, state.heavyCorrectionCount)
	if err != nil {
		return e.failRun(ctx, run, wt, taxonomy.CategoryCorrectionPolicy, "heavy validation correction planning failed", err, run.LastValidCommitHash)
	}

	state.pendingHeavyAttempt = state.heavyCorrectionCount
	state.pendingHeavyBefore = verdict.BlockingCount

	run.Plan.InsertAfter(run.CurrentStepIndex, correctionStep)
	run.Status = model.RunStatusOptimizing
	run.CurrentStepIndex++
	return nil
}

// phaseMaxCorrections returns the correction budget for run's current
// phase, per spec.md §6's GoalMaxCorrections/OptimizationMaxCorrections.
func (e *Engine) phaseMaxCorrections(run *model.AgentRun) int {
	if run.Status == model.RunStatusOptimizing {
		return e.cfg.OptimizationMaxCorrections
	}
	return e.cfg.GoalMaxCorrections
}

// failRun marks run failed with a structured taxonomy error, rolling
// worktree back to rollbackCommit first when one is given, per spec.md
// §4.1 step 7. A rollback failure is logged but never masks the original
// terminal error.
func (e *Engine) failRun(ctx context.Context, run *model.AgentRun, wt Worktree, category taxonomy.Category, message string, cause error, rollbackCommit string) error {
	if rollbackCommit != "" && wt != nil {
		if err := wt.RecoverDirty(ctx, rollbackCommit); err != nil {
			e.logger.Error("failed to roll worktree back to last valid commit", "run_id", run.ID, "commit", rollbackCommit, "error", err)
		}
	}
	terr := taxonomy.Wrap(category, message, cause)
	run.Status = model.RunStatusFailed
	run.ErrorMessage = terr.Error()
	if details, err := terr.MarshalDetails(); err == nil {
		run.ErrorDetails = details
	}
	now := e.now()
	run.FinishedAt = &now
	if persistErr := e.persist(ctx, run); persistErr != nil {
		e.logger.Error("failed to persist terminal run failure", "run_id", run.ID, "error", persistErr)
	}
	return terr
}

func (e *Engine) persist(ctx context.Context, run *model.AgentRun) error {
	expected := run.UpdatedAt
	return e.store.UpdateRun(ctx, run, expected)
}

// recordStep appends the per-attempt execution artifact for step, per
// spec.md §3's StepRecord. Insertion failure is logged, never fatal to the
// run: the record is an artifact of the attempt, not a gate on it.
func (e *Engine) recordStep(ctx context.Context, run *model.AgentRun, step model.Step, status model.StepStatus, commitHash, errMessage, runtimeStatus string, startedAt time.Time) {
	rec := &model.StepRecord{
		RunID:         run.ID,
		StepIndex:     run.CurrentStepIndex,
		Attempt:       stepAttempt(step),
		StepID:        step.ID,
		Type:          step.Type,
		Tool:          step.Tool,
		InputPayload:  step.Input,
		Status:        status,
		ErrorMessage:  errMessage,
		CommitHash:    commitHash,
		RuntimeStatus: runtimeStatus,
		StartedAt:     startedAt,
		FinishedAt:    e.now(),
		CreatedAt:     e.now(),
	}
	if err := e.store.InsertStepRecord(ctx, rec); err != nil {
		e.logger.Error("failed to insert step record", "run_id", run.ID, "step_id", step.ID, "error", err)
	}
}

// recordLearningEvent builds and persists a single LearningEvent for one
// correction attempt, per spec.md §4.8. A nil learning recorder (e.g. a
// test harness) is a silent no-op.
func (e *Engine) recordLearningEvent(ctx context.Context, run *model.AgentRun, eventType, phase string, clusters json.RawMessage, before, after int, architectureCollapse, unchanged, stubMaterialized bool, attempt int) {
	if e.learning == nil {
		return
	}
	ev := telemetry.NewLearningEvent(uuid.New().String(), run.ID, run.ProjectID, run.CurrentStepIndex, eventType, phase, clusters, before, after, architectureCollapse, 0, nil, unchanged, stubMaterialized, e.now())
	if err := e.learning.Record(ctx, ev, run.CurrentStepIndex, attempt); err != nil {
		e.logger.Error("failed to record learning event", "run_id", run.ID, "event_type", eventType, "error", err)
	}
}

func marshalClusters(profile interpreter.Profile) json.RawMessage {
	b, err := json.Marshal(profile.Clusters)
	if err != nil {
		return nil
	}
	return b
}

func runtimeStatusOf(out StepOutput) string {
	if out.RuntimeSignature == "" {
		return ""
	}
	if out.RuntimeHealthy {
		return "healthy"
	}
	return "unhealthy"
}

// stepAttempt recovers the correction-attempt ordinal a step carries in
// its embedded CorrectionReasoning, defaulting to 0 for a plan's original,
// non-correction steps.
func stepAttempt(step model.Step) int {
	if step.Reasoning != nil {
		return step.Reasoning.Attempt
	}
	return 0
}

// commitMessage renders `<stepId> (<tool>) :: <goalSummary>`, per
// spec.md §6.
func commitMessage(step model.Step, goal string) string {
	summary := goal
	if len(summary) > 64 {
		summary = summary[:64]
	}
	return fmt.Sprintf("%s (%s) :: %s", step.ID, step.Tool, summary)
}

// constraintFromStep recovers the constraint a correction step was
// planned under from its embedded CorrectionReasoning, falling back to a
// fresh build from the engine config when absent (e.g. a hand-authored
// plan's correction step).
func constraintFromStep(step model.Step, cfg Config) correction.Constraint {
	if step.Reasoning != nil && len(step.Reasoning.Constraint) > 0 {
		var c correction.Constraint
		if err := unmarshalConstraint(step.Reasoning.Constraint, &c); err == nil {
			return c
		}
	}
	return correction.Constraint{
		MaxFiles:            cfg.FileLimits.MaxFiles,
		MaxTotalDiffBytes:   cfg.FileLimits.MaxTotalDiffBytes,
		AllowedPathPrefixes: cfg.AllowedPathPrefixes,
	}
}
