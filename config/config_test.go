package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultNormalizedExecutionConfig(t *testing.T) {
	cfg := DefaultNormalizedExecutionConfig()

	assert.Equal(t, ValidationWarn, cfg.LightValidationMode)
	assert.Equal(t, ValidationEnforce, cfg.HeavyValidationMode)
	assert.Equal(t, 2, cfg.GoalMaxCorrections)
	assert.Equal(t, 1800, cfg.RunLockStaleSeconds)
	assert.Equal(t, 60*time.Second, cfg.PlannerTimeout)
}

func TestBuildFallbackOverridesFromEnv(t *testing.T) {
	t.Setenv("AGENT_LIGHT_VALIDATION_MODE", "enforce")
	t.Setenv("AGENT_GOAL_MAX_CORRECTIONS", "9") // above cap, must clamp
	t.Setenv("AGENT_RUN_LOCK_STALE_SECONDS", "30") // below min, must clamp
	t.Setenv("DEEPRUN_PLANNER_TIMEOUT_MS", "5000")
	t.Setenv("AGENT_FS_ALLOW_ENV_MUTATION", "true")

	cfg := BuildFallback()

	assert.Equal(t, ValidationEnforce, cfg.LightValidationMode)
	assert.Equal(t, goalMaxCorrectionsCap, cfg.GoalMaxCorrections)
	assert.Equal(t, runLockStaleSecondsMin, cfg.RunLockStaleSeconds)
	assert.Equal(t, 5*time.Second, cfg.PlannerTimeout)
	assert.True(t, cfg.FileSession.AllowEnvMutation)
}

func TestBuildFallbackIgnoresUnparsableValues(t *testing.T) {
	t.Setenv("AGENT_GOAL_MAX_CORRECTIONS", "not-a-number")
	t.Setenv("AGENT_LIGHT_VALIDATION_MODE", "bogus-mode")

	cfg := BuildFallback()

	assert.Equal(t, DefaultNormalizedExecutionConfig().GoalMaxCorrections, cfg.GoalMaxCorrections)
	assert.Equal(t, DefaultNormalizedExecutionConfig().LightValidationMode, cfg.LightValidationMode)
}
