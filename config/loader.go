package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProjectConfigFile is the project-level override file a workspace root may
// carry, checked in before the environment-driven defaults of spec.md §6
// are overlaid on top. Grounded on the teacher's config.Loader
// (config/loader.go: user config < project config < env, "future"), adapted
// here to two layers since the run engine has no per-user config concept —
// only a per-project one, sealed into the Execution Contract at run-create
// time.
const ProjectConfigFile = "deeprun.yaml"

// ProjectOverrides is the subset of NormalizedExecutionConfig a project may
// override via ProjectConfigFile. It intentionally omits FileSession.
// AllowEnvMutation and the correction caps' hard ceilings are still
// enforced by applyOverrides — a project file can lower a cap, never
// raise it past the §6 limits.
type ProjectOverrides struct {
	LightValidationMode        *ValidationMode  `yaml:"light_validation_mode"`
	HeavyValidationMode        *ValidationMode  `yaml:"heavy_validation_mode"`
	CorrectionPolicyMode       *ValidationMode  `yaml:"correction_policy_mode"`
	CorrectionConvergenceMode  *ConvergenceMode `yaml:"correction_convergence_mode"`
	GoalMaxCorrections         *int             `yaml:"goal_max_corrections"`
	OptimizationMaxCorrections *int             `yaml:"optimization_max_corrections"`
	ProfileLabel               *string          `yaml:"profile_label"`
}

// LoadProjectOverrides reads path (normally <projectRoot>/deeprun.yaml) and
// parses it as ProjectOverrides. A missing file is not an error — it
// returns a zero-value ProjectOverrides, meaning "nothing to override" —
// matching the teacher's Loader.Load, which treats os.IsNotExist as the
// "no project config found" case rather than a failure.
func LoadProjectOverrides(path string) (ProjectOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ProjectOverrides{}, nil
		}
		return ProjectOverrides{}, fmt.Errorf("read project config %s: %w", path, err)
	}
	var out ProjectOverrides
	if err := yaml.Unmarshal(data, &out); err != nil {
		return ProjectOverrides{}, fmt.Errorf("parse project config %s: %w", path, err)
	}
	return out, nil
}

// BuildFallbackFrom layers DefaultNormalizedExecutionConfig, then
// projectConfigPath's ProjectOverrides (if present), then the §6
// environment variables, matching the teacher's layered-precedence Loader
// (lowest to highest: default, [user], project, env). A project override
// that fails to parse is surfaced as an error rather than silently
// discarded, since unlike a single malformed env var it usually means a
// hand-edited file is broken and the operator should know.
func BuildFallbackFrom(projectConfigPath string) (NormalizedExecutionConfig, error) {
	overrides, err := LoadProjectOverrides(projectConfigPath)
	if err != nil {
		return NormalizedExecutionConfig{}, err
	}

	cfg := DefaultNormalizedExecutionConfig()
	applyOverrides(&cfg, overrides)

	overlayEnv(&cfg)
	if _, set := os.LookupEnv("DEEPRUN_PROFILE_LABEL"); set {
		cfg.ProfileLabel = os.Getenv("DEEPRUN_PROFILE_LABEL")
	}

	return cfg, nil
}

func applyOverrides(cfg *NormalizedExecutionConfig, o ProjectOverrides) {
	if o.LightValidationMode != nil && o.LightValidationMode.valid() {
		cfg.LightValidationMode = *o.LightValidationMode
	}
	if o.HeavyValidationMode != nil && o.HeavyValidationMode.valid() {
		cfg.HeavyValidationMode = *o.HeavyValidationMode
	}
	if o.CorrectionPolicyMode != nil && o.CorrectionPolicyMode.valid() {
		cfg.CorrectionPolicyMode = *o.CorrectionPolicyMode
	}
	if o.CorrectionConvergenceMode != nil && o.CorrectionConvergenceMode.valid() {
		cfg.CorrectionConvergenceMode = *o.CorrectionConvergenceMode
	}
	if o.GoalMaxCorrections != nil {
		cfg.GoalMaxCorrections = clampInt(*o.GoalMaxCorrections, 0, goalMaxCorrectionsCap)
	}
	if o.OptimizationMaxCorrections != nil {
		cfg.OptimizationMaxCorrections = clampInt(*o.OptimizationMaxCorrections, 0, optimizationMaxCorrectionsCap)
	}
	if o.ProfileLabel != nil && *o.ProfileLabel != "" {
		cfg.ProfileLabel = *o.ProfileLabel
	}
}

func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
