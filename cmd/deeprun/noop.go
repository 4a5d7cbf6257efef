package main

import (
	"context"

	"github.com/c360studio/deeprun/config"
	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/engine"
	"github.com/c360studio/deeprun/interpreter"
	"github.com/c360studio/deeprun/model"
)

// noopExecutor, noopLightValidator, and noopHeavyValidator are the seam
// spec.md §1's Non-goals leave unfilled: "does not prescribe ... the
// specific validators used" or the concrete tool dispatch (ai_mutation,
// run_preview_container, ...) a mutating step invokes. A deployment wires
// its own StepExecutor/LightValidator/HeavyValidator here; these
// placeholders let the engine's wiring compile and run end to end against
// plans whose steps never actually mutate anything.

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, run *model.AgentRun, step model.Step) (engine.StepOutput, error) {
	return engine.StepOutput{Completed: true, RuntimeHealthy: true}, nil
}

type noopLightValidator struct{}

func (noopLightValidator) Validate(ctx context.Context, run *model.AgentRun, changes []engine.ProposedChange) (bool, string, error) {
	return false, "no light validator configured", nil
}

type noopHeavyValidator struct{}

func (noopHeavyValidator) Validate(ctx context.Context, run *model.AgentRun) (interpreter.Verdict, error) {
	return interpreter.Verdict{OK: true, Summary: "no heavy validator configured"}, nil
}

// policyModeFrom maps a config.ValidationMode onto correction.PolicyMode;
// the string spaces are identical (off/warn/enforce) by design.
func policyModeFrom(mode config.ValidationMode) correction.PolicyMode {
	switch mode {
	case config.ValidationOff:
		return correction.PolicyOff
	case config.ValidationWarn:
		return correction.PolicyWarn
	default:
		return correction.PolicyEnforce
	}
}

// correctionLimitsFrom projects the file-session limits sealed into the
// contract onto correction.Limits, the bounding box the correction
// planner enforces on a constraint.
func correctionLimitsFrom(cfg config.NormalizedExecutionConfig) correction.Limits {
	return correction.Limits{
		MaxFiles:          cfg.FileSession.MaxFilesPerStep,
		MaxTotalDiffBytes: cfg.FileSession.MaxTotalDiffBytes,
	}
}
