package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/interpreter"
	"github.com/c360studio/deeprun/model"
	"github.com/c360studio/deeprun/taxonomy"
	"github.com/c360studio/deeprun/telemetry"
)

// hasBuilderProfileStep reports whether run's plan, as handed to
// ExecuteRun, already carries an ai_mutation step: spec.md §4.1's outer
// validation auto-correction loop only engages for this "builder
// profile", never for a plan that only runs validators/retries.
func hasBuilderProfileStep(run *model.AgentRun) bool {
	for _, step := range run.Plan.Steps {
		if step.Tool == model.ToolAIMutation && !step.IsCorrectionStep() {
			return true
		}
	}
	return false
}

// driveValidationAutoCorrection implements spec.md §4.1's outer loop: once
// a builder-profile plan reaches complete, re-validate it; on failure,
// decide and append a correction step and re-enter the step loop, up to
// spec.md §3's correctionAttempts budget of 2; on success, resolve any
// accumulated stub debt.
func (e *Engine) driveValidationAutoCorrection(ctx context.Context, run *model.AgentRun, wt Worktree, worktreePath, owner string, state *stepRunState) error {
	if !state.builderProfile {
		return nil
	}

	for {
		verdict, err := e.heavy.Validate(ctx, run)
		if err != nil {
			return e.failRun(ctx, run, wt, taxonomy.CategoryHeavyValidationExecution, "validation auto-correction re-validation failed", err, run.LastValidCommitHash)
		}
		if verdict.OK {
			return e.resolveStubDebt(ctx, run, wt, worktreePath, owner, state)
		}
		if run.CorrectionAttempts >= 2 {
			return e.failRun(ctx, run, wt, taxonomy.CategoryHeavyValidationCorrectionLimit, "validation auto-correction attempts exhausted", nil, run.LastValidCommitHash)
		}

		profile := e.interpretVerdict(verdict)
		pressure, stall := e.loadPressure(ctx, run.ProjectID)
		decision := DecideValidationAutoCorrection(profile, pressure, stall, profile.ArchitectureCollapse)

		attempt := run.CorrectionAttempts + 1
		if err := e.RunValidationAutoCorrection(ctx, run, profile, decision, attempt); err != nil {
			return e.failRun(ctx, run, wt, taxonomy.CategoryCorrectionPolicy, "validation auto-correction planning failed", err, run.LastValidCommitHash)
		}
		if err := e.persist(ctx, run); err != nil {
			return fmt.Errorf("persist validation auto-correction plan: %w", err)
		}

		if err := e.executeSteps(ctx, run, wt, worktreePath, owner, state); err != nil {
			return err
		}
	}
}

// resolveStubDebt synthesizes and runs the debt-resolution plan for any
// stub-debt entries opened during this run's corrections, per spec.md
// §4.1's paragraph following a provisionally_fixed success. Paid-down
// status is approximated by "the re-validation following debt resolution
// passes": engine.Worktree exposes no file-read/hash primitive, so the
// fuller correction.DebtTarget hash/referrer check cannot be evaluated
// here (recorded in DESIGN.md).
func (e *Engine) resolveStubDebt(ctx context.Context, run *model.AgentRun, wt Worktree, worktreePath, owner string, state *stepRunState) error {
	if len(state.stubDebt) == 0 {
		return nil
	}

	targets := make([]correction.DebtTarget, 0, len(state.stubDebt))
	for _, d := range state.stubDebt {
		targets = append(targets, correction.DebtTarget{Path: d.path, FileExists: true, HasStubMarker: true, ContentIsStubLike: true, HasRemainingReferrers: true})
	}

	attempt := run.CorrectionAttempts + 1
	steps := BuildDebtResolutionPlan(targets, nil, attempt, func() string { return e.now().Format(time.RFC3339) })
	if len(steps) == 0 {
		return nil
	}
	for _, s := range steps {
		run.Plan.Append(s)
	}
	run.Status = model.RunStatusRunning
	if err := e.persist(ctx, run); err != nil {
		return fmt.Errorf("persist debt resolution plan: %w", err)
	}

	if err := e.executeSteps(ctx, run, wt, worktreePath, owner, state); err != nil {
		return err
	}

	verdict, err := e.heavy.Validate(ctx, run)
	if err != nil {
		return e.failRun(ctx, run, wt, taxonomy.CategoryHeavyValidationExecution, "debt resolution re-validation failed", err, run.LastValidCommitHash)
	}
	if !verdict.OK {
		return nil
	}

	debt := state.stubDebt
	state.stubDebt = nil
	if e.learning == nil {
		return nil
	}
	closedAt := e.now()
	for _, d := range debt {
		rec := telemetry.StubDebtRecord{RunID: run.ID, StepIndex: d.stepIndex, Attempt: d.attempt, StubPath: d.path}
		if err := e.learning.CloseStubDebt(rec, closedAt); err != nil {
			e.logger.Error("failed to close stub debt record", "run_id", run.ID, "path", d.path, "error", err)
		}
	}
	return nil
}

// loadPressure decodes projectID's recent validation_auto_correction
// learning events into the import-pressure and stall-pressure samples
// DecideValidationAutoCorrection's fallback rules consume, per spec.md
// §4.1's "import pressure statistics (recent 20 events)".
func (e *Engine) loadPressure(ctx context.Context, projectID string) ([]correction.ImportPressureEvent, correction.StallPressure) {
	var pressure []correction.ImportPressureEvent
	var stall correction.StallPressure
	if e.store == nil {
		return pressure, stall
	}

	payloads, err := e.store.RecentLearningEventPayloads(ctx, projectID, "validation_auto_correction", correction.ImportPressureWindowSize)
	if err != nil {
		e.logger.Error("failed to load recent learning events for pressure statistics", "project_id", projectID, "error", err)
		return pressure, stall
	}

	// payloads is ordered newest-first; count the run of stalls at its head.
	countingConsecutive := true
	for _, raw := range payloads {
		var ev telemetry.LearningEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		pressure = append(pressure, correction.ImportPressureEvent{
			BlockingBefore: ev.BlockingBefore,
			BlockingAfter:  ev.BlockingAfter,
			Regressed:      ev.RegressionFlag,
		})
		stall.SessionEvents++
		if ev.Outcome == telemetry.OutcomeStalled {
			stall.SessionStalls++
			if countingConsecutive {
				stall.ConsecutiveRunStalls++
			}
		} else {
			countingConsecutive = false
		}
	}
	return pressure, stall
}

func unmarshalConstraint(raw json.RawMessage, c *correction.Constraint) error {
	return json.Unmarshal(raw, c)
}

func marshalConstraint(c correction.Constraint) json.RawMessage {
	b, err := json.Marshal(c)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// interpretVerdict derives an interpreter.Profile from a heavy-validation
// verdict, per spec.md §4.5.
func (e *Engine) interpretVerdict(v interpreter.Verdict) interpreter.Profile {
	return interpreter.DeriveProfile(v)
}

// planRuntimeCorrectionPair builds the (runtime-correction-N, retry) step
// pair spec.md §4.4 describes, using the planner facade to produce the
// correction step's proposed tool input.
func (e *Engine) planRuntimeCorrectionPair(ctx context.Context, run *model.AgentRun, constraint correction.Constraint, failureLogs string, attempt int) (model.Step, model.Step, error) {
	plan, _, err := e.plan.PlanRuntimeCorrection(ctx, constraint, failureLogs)
	if err != nil {
		return model.Step{}, model.Step{}, fmt.Errorf("plan runtime correction: %w", err)
	}
	if len(plan.Steps) == 0 {
		return model.Step{}, model.Step{}, fmt.Errorf("planner returned empty runtime correction plan")
	}

	id := fmt.Sprintf("runtime-correction-%d", attempt)
	correctionStep := plan.Steps[0]
	correctionStep.ID = id
	correctionStep.Reasoning = &model.CorrectionReasoning{
		Phase:          "goal",
		Attempt:        attempt,
		FailedStepID:   run.LastStepID,
		Classification: string(constraint.Intent),
		Constraint:     marshalConstraint(constraint),
		Summary:        "runtime verify failure correction",
		CreatedAt:      e.now(),
	}

	retryStep := model.Step{
		ID:   fmt.Sprintf("runtime-correction-%d-retry", attempt),
		Type: model.StepTypeVerify,
		Tool: model.ToolRunPreviewContainer,
	}
	return correctionStep, retryStep, nil
}

// planHeavyCorrection builds the single validation-correction-N step
// spec.md §4.4 describes for a heavy-validation failure.
func (e *Engine) planHeavyCorrection(ctx context.Context, run *model.AgentRun, profile interpreter.Profile, attempt int) (model.Step, error) {
	constraint := correction.BuildConstraint(correction.ClassifierInput{
		Phase:        correction.PhaseOptimization,
		FailedStepID: run.LastStepID,
		Attempt:      attempt,
		Limits:       e.cfg.FileLimits,
	}, e.cfg.AllowedPathPrefixes)

	plan, _, err := e.plan.PlanCorrection(ctx, constraint, profile)
	if err != nil {
		return model.Step{}, fmt.Errorf("plan heavy validation correction: %w", err)
	}
	if len(plan.Steps) == 0 {
		return model.Step{}, fmt.Errorf("planner returned empty heavy validation correction plan")
	}

	step := plan.Steps[0]
	step.ID = fmt.Sprintf("validation-correction-%d", attempt)
	step.Reasoning = &model.CorrectionReasoning{
		Phase:          "optimization",
		Attempt:        attempt,
		FailedStepID:   run.LastStepID,
		Classification: profile.Reason,
		Constraint:     marshalConstraint(constraint),
		Summary:        profile.Reason,
		CreatedAt:      e.now(),
	}
	return step, nil
}

// DeepCorrectionPhase is the `_deepCorrection.phase` tag a deterministic
// recipe plan carries, per spec.md §4.4.
type DeepCorrectionPhase string

const (
	PhaseImportResolutionRecipe DeepCorrectionPhase = "import_resolution_recipe"
	PhaseDebtResolution         DeepCorrectionPhase = "debt_resolution"
	PhaseStructuralReset        DeepCorrectionPhase = "structural_reset"
)

// ValidationAutoCorrectionDecision is what the outer auto-correction loop
// decided to do after a completed run's output fails validation, per
// spec.md §4.1.
type ValidationAutoCorrectionDecision struct {
	Phase              DeepCorrectionPhase
	PlannerDelegated   bool
	ArchitectureCollapse bool
	EscalateTo         correction.EscalationTarget
}

// DecideValidationAutoCorrection implements spec.md §4.1's outer
// validation-auto-correction decision tree: prefer the deterministic
// import-resolution recipe when available, else a structural reset
// fallback on import pressure, else stall escalation, else delegate to
// the planner.
func DecideValidationAutoCorrection(profile interpreter.Profile, recentPressure []correction.ImportPressureEvent, stallPressure correction.StallPressure, structuralInconsistency bool) ValidationAutoCorrectionDecision {
	if file, specifier, ok := interpreter.ImportSignalFromCluster(profile); ok {
		_ = file
		_ = specifier
		return ValidationAutoCorrectionDecision{Phase: PhaseImportResolutionRecipe}
	}

	if correction.ShouldStructuralReset(recentPressure) {
		return ValidationAutoCorrectionDecision{Phase: PhaseStructuralReset, ArchitectureCollapse: true, PlannerDelegated: true}
	}

	if target := correction.Escalate(stallPressure, structuralInconsistency); target != correction.EscalationNone {
		return ValidationAutoCorrectionDecision{PlannerDelegated: true, EscalateTo: target}
	}

	return ValidationAutoCorrectionDecision{PlannerDelegated: true}
}

// RunValidationAutoCorrection drives spec.md §4.1's outer loop once a
// complete run's builder-profile output has failed validation:
// it re-enters running from complete (the sole exception
// model.RunStatus.CanTransitionTo allows), appends the decided
// correction plan, and hands back to ExecuteRun.
func (e *Engine) RunValidationAutoCorrection(ctx context.Context, run *model.AgentRun, profile interpreter.Profile, decision ValidationAutoCorrectionDecision, attempt int) error {
	if run.CorrectionAttempts >= 2 {
		return fmt.Errorf("validation auto-correction attempts exhausted")
	}
	if !run.Status.CanTransitionTo(model.RunStatusRunning, true) {
		return fmt.Errorf("run status %s cannot re-enter running", run.Status)
	}

	var step model.Step
	var err error
	switch decision.Phase {
	case PhaseImportResolutionRecipe:
		step, err = e.buildImportResolutionStep(run, profile, attempt)
	default:
		step, err = e.planHeavyCorrection(ctx, run, profile, attempt)
	}
	if err != nil {
		return err
	}

	clusters, marshalErr := json.Marshal(profile.Clusters)
	if marshalErr != nil {
		clusters = nil
	}
	e.recordLearningEvent(ctx, run, "validation_auto_correction", string(decision.Phase), clusters, profile.BlockingCount, profile.BlockingCount, decision.ArchitectureCollapse, false, false, attempt)

	run.Plan.Append(step)
	run.Status = model.RunStatusRunning
	run.CorrectionAttempts++
	return nil
}

// buildImportResolutionStep materializes the deterministic
// import-resolution recipe as a single plan step tagged with
// `_deepCorrection.phase = import_resolution_recipe`, per spec.md §4.4.
func (e *Engine) buildImportResolutionStep(run *model.AgentRun, profile interpreter.Profile, attempt int) (model.Step, error) {
	file, specifier, ok := interpreter.ImportSignalFromCluster(profile)
	if !ok {
		return model.Step{}, fmt.Errorf("no import signal available for import-resolution recipe")
	}

	input, err := json.Marshal(map[string]any{
		"_deepCorrection": map[string]any{"phase": string(PhaseImportResolutionRecipe)},
		"containingFile":  file,
		"specifier":       specifier,
	})
	if err != nil {
		return model.Step{}, fmt.Errorf("marshal import resolution input: %w", err)
	}

	return model.Step{
		ID:    fmt.Sprintf("validation-correction-%d", attempt),
		Type:  model.StepTypeModify,
		Tool:  model.ToolApplyPatch,
		Input: input,
		Reasoning: &model.CorrectionReasoning{
			Phase:          "optimization",
			Attempt:        attempt,
			FailedStepID:   run.LastStepID,
			Classification: "import_resolution_error",
			Summary:        "deterministic import-resolution recipe",
			CreatedAt:      e.now(),
		},
	}, nil
}

// BuildDebtResolutionPlan synthesizes the debt-resolution plan spec.md
// §4.1 describes after a provisionally_fixed success: replace each
// tracked stub with a non-stub placeholder, tagged
// `_deepCorrection.phase = debt_resolution`.
func BuildDebtResolutionPlan(targets []correction.DebtTarget, exports map[string]map[string]any, attempt int, now func() string) []model.Step {
	resolutions := correction.BuildDebtResolutionPlan(targets, exports)
	steps := make([]model.Step, 0, len(resolutions))
	for i, r := range resolutions {
		input, _ := json.Marshal(map[string]any{
			"_deepCorrection": map[string]any{"phase": string(PhaseDebtResolution)},
			"path":            r.Path,
			"content":         r.Content,
		})
		steps = append(steps, model.Step{
			ID:   fmt.Sprintf("validation-correction-%d-debt-%d", attempt, i),
			Type: model.StepTypeModify,
			Tool: model.ToolWriteFile,
			Input: input,
		})
	}
	return steps
}
