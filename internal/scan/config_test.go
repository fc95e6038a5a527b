package scan

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveAdaptiveConcurrencyLightProgram(t *testing.T) {
	cfg := Config{
		DataAPIMaxRequestsPerSec:   80,
		AdaptiveMin:                4,
		FetchDailyConcurrency:      40,
		HeavyProgramMaxConcurrency: 3,
	}

	// target_tps = floor(80/8) = 10, adaptive = 40, clamped to 40
	assert.Equal(t, 40, ResolveAdaptiveConcurrency(cfg, ProgramFetchDaily))
}

func TestResolveAdaptiveConcurrencyRespectsAdaptiveMin(t *testing.T) {
	cfg := Config{
		DataAPIMaxRequestsPerSec: 1,
		AdaptiveMin:              4,
		FetchDailyConcurrency:    40,
	}
	assert.Equal(t, 4, ResolveAdaptiveConcurrency(cfg, ProgramFetchDaily))
}

func TestResolveAdaptiveConcurrencyHeavyProgramClamp(t *testing.T) {
	cfg := Config{
		DataAPIMaxRequestsPerSec:   800,
		AdaptiveMin:                4,
		DetectorConcurrency:        40,
		HeavyProgramMaxConcurrency: 3,
	}
	// target_tps = floor(800/8)=100, adaptive=400, clamp to ceiling 40,
	// then clamped again to the heavy-program max of 3.
	assert.Equal(t, 3, ResolveAdaptiveConcurrency(cfg, ProgramDetector))
}

func TestResolveAdaptiveConcurrencyUnknownProgram(t *testing.T) {
	assert.Equal(t, 1, ResolveAdaptiveConcurrency(Config{}, Program("unknown")))
}

func TestLoadConfigReadsEnvOverrides(t *testing.T) {
	os.Setenv("DATA_API_MAX_REQUESTS_PER_SECOND", "50")
	defer os.Unsetenv("DATA_API_MAX_REQUESTS_PER_SECOND")

	cfg := LoadConfig()
	assert.Equal(t, 50.0, cfg.DataAPIMaxRequestsPerSec)
}

func TestEnvHelpersFallBackToDefaults(t *testing.T) {
	assert.Equal(t, "fallback", env("SCANCTL_TEST_UNSET_KEY", "fallback"))
	assert.Equal(t, 7, envInt("SCANCTL_TEST_UNSET_KEY", 7))
	assert.Equal(t, 1.5, envFloat("SCANCTL_TEST_UNSET_KEY", 1.5))
	assert.Equal(t, true, envBool("SCANCTL_TEST_UNSET_KEY", true))
}
