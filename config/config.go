// Package config loads the environment-driven defaults that get sealed into
// an Execution Contract at run-create time (spec.md §6). No other package
// reads these environment variables directly — per the Design Note "no
// ad-hoc env reads inside the engine body", every env read collapses into
// BuildFallback here.
package config

import (
	"os"
	"strconv"
	"time"
)

// ValidationMode is the off/warn/enforce tri-state spec.md uses for light
// and heavy validation and for correction-policy enforcement.
type ValidationMode string

const (
	ValidationOff     ValidationMode = "off"
	ValidationWarn    ValidationMode = "warn"
	ValidationEnforce ValidationMode = "enforce"
)

func (m ValidationMode) valid() bool {
	return m == ValidationOff || m == ValidationWarn || m == ValidationEnforce
}

// ConvergenceMode is the warn/enforce choice for correction-convergence
// handling (spec.md §9 Open Question #3).
type ConvergenceMode string

const (
	ConvergenceWarn    ConvergenceMode = "warn"
	ConvergenceEnforce ConvergenceMode = "enforce"
)

func (m ConvergenceMode) valid() bool {
	return m == ConvergenceWarn || m == ConvergenceEnforce
}

// FileSessionLimits bounds what a single step's File Session may stage,
// per spec.md §4.2.
type FileSessionLimits struct {
	MaxFilesPerStep    int  `json:"maxFilesPerStep" yaml:"max_files_per_step"`
	MaxTotalDiffBytes  int  `json:"maxTotalDiffBytes" yaml:"max_total_diff_bytes"`
	MaxFileBytes       int  `json:"maxFileBytes" yaml:"max_file_bytes"`
	AllowEnvMutation   bool `json:"allowEnvMutation" yaml:"allow_env_mutation"`
}

// NormalizedExecutionConfig is the pre-hash, pre-contract bundle of every
// knob spec.md §6 lists as an environment-driven default. It is the
// "requested" or "persisted" config the contract package normalizes and
// hashes; config.BuildFallback is the one place that reads the process
// environment to produce it.
type NormalizedExecutionConfig struct {
	LightValidationMode      ValidationMode    `json:"lightValidationMode"`
	HeavyValidationMode      ValidationMode    `json:"heavyValidationMode"`
	CorrectionPolicyMode     ValidationMode    `json:"correctionPolicyMode"`
	CorrectionConvergenceMode ConvergenceMode  `json:"correctionConvergenceMode"`
	GoalMaxCorrections       int               `json:"goalMaxCorrections"`
	OptimizationMaxCorrections int             `json:"optimizationMaxCorrections"`
	RunLockStaleSeconds      int               `json:"runLockStaleSeconds"`
	FileSession              FileSessionLimits `json:"fileSession"`
	PlannerTimeout           time.Duration     `json:"plannerTimeout"`
	ProfileLabel             string            `json:"profileLabel"`
}

// Hard caps spec.md §6 places on the environment-driven knobs.
const (
	goalMaxCorrectionsCap       = 5
	optimizationMaxCorrectionsCap = 3
	runLockStaleSecondsMin      = 60
	runLockStaleSecondsMax      = 86400
	plannerTimeoutMsMin         = 1000
	plannerTimeoutMsMax         = 300_000
)

// DefaultNormalizedExecutionConfig returns the baseline config used when no
// environment variable is set or a value fails to parse — spec.md §6:
// "failing to parse falls back to the default."
func DefaultNormalizedExecutionConfig() NormalizedExecutionConfig {
	return NormalizedExecutionConfig{
		LightValidationMode:       ValidationWarn,
		HeavyValidationMode:       ValidationEnforce,
		CorrectionPolicyMode:      ValidationEnforce,
		CorrectionConvergenceMode: ConvergenceEnforce,
		GoalMaxCorrections:        2,
		OptimizationMaxCorrections: 1,
		RunLockStaleSeconds:       1800,
		FileSession: FileSessionLimits{
			MaxFilesPerStep:   25,
			MaxTotalDiffBytes: 2_000_000,
			MaxFileBytes:      500_000,
			AllowEnvMutation:  false,
		},
		PlannerTimeout: 60 * time.Second,
		ProfileLabel:   "default",
	}
}

// BuildFallback reads the §6 environment variables and overlays them on the
// default config, silently keeping the default for any variable that is
// absent or unparsable. BuildFallback and BuildFallbackFrom (through
// overlayEnv) are the module's only readers of the §6 variables; everything
// downstream receives a sealed NormalizedExecutionConfig.
func BuildFallback() NormalizedExecutionConfig {
	cfg := DefaultNormalizedExecutionConfig()
	overlayEnv(&cfg)
	return cfg
}

// overlayEnv overlays the §6 environment variables on cfg, keeping cfg's
// current value for any variable that is absent or unparsable.
func overlayEnv(cfg *NormalizedExecutionConfig) {
	if v, ok := lookupMode("AGENT_LIGHT_VALIDATION_MODE"); ok {
		cfg.LightValidationMode = v
	}
	if v, ok := lookupMode("AGENT_HEAVY_VALIDATION_MODE"); ok {
		cfg.HeavyValidationMode = v
	}
	if v, ok := lookupMode("AGENT_CORRECTION_POLICY_MODE"); ok {
		cfg.CorrectionPolicyMode = v
	}
	if v, ok := os.LookupEnv("AGENT_CORRECTION_CONVERGENCE_MODE"); ok {
		m := ConvergenceMode(v)
		if m.valid() {
			cfg.CorrectionConvergenceMode = m
		}
	}
	if v, ok := lookupIntClamped("AGENT_GOAL_MAX_CORRECTIONS", 0, goalMaxCorrectionsCap); ok {
		cfg.GoalMaxCorrections = v
	}
	if v, ok := lookupIntClamped("AGENT_OPTIMIZATION_MAX_CORRECTIONS", 0, optimizationMaxCorrectionsCap); ok {
		cfg.OptimizationMaxCorrections = v
	}
	if v, ok := lookupIntClamped("AGENT_RUN_LOCK_STALE_SECONDS", runLockStaleSecondsMin, runLockStaleSecondsMax); ok {
		cfg.RunLockStaleSeconds = v
	}
	if v, ok := lookupPositiveInt("AGENT_FS_MAX_FILES_PER_STEP"); ok {
		cfg.FileSession.MaxFilesPerStep = v
	}
	if v, ok := lookupPositiveInt("AGENT_FS_MAX_TOTAL_DIFF_BYTES"); ok {
		cfg.FileSession.MaxTotalDiffBytes = v
	}
	if v, ok := lookupPositiveInt("AGENT_FS_MAX_FILE_BYTES"); ok {
		cfg.FileSession.MaxFileBytes = v
	}
	if v, ok := os.LookupEnv("AGENT_FS_ALLOW_ENV_MUTATION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FileSession.AllowEnvMutation = b
		}
	}
	if v, ok := lookupIntClamped("DEEPRUN_PLANNER_TIMEOUT_MS", plannerTimeoutMsMin, plannerTimeoutMsMax); ok {
		cfg.PlannerTimeout = time.Duration(v) * time.Millisecond
	}
}

func lookupMode(key string) (ValidationMode, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	m := ValidationMode(v)
	if !m.valid() {
		return "", false
	}
	return m, true
}

func lookupIntClamped(key string, min, max int) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n, true
}

func lookupPositiveInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
