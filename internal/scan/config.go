package scan

import (
	"os"
	"strconv"
	"time"
)

// Environment-variable helpers with typed variants for the many
// DIVERGENCE_*/DATA_API_* knobs.

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationMs(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

// Config is the set of environment-sourced knobs the engine reads,
// resolved once at process start and threaded explicitly rather than
// re-read ad hoc, since the engine is instantiated per test run as
// well as per process.
type Config struct {
	DataAPIKey                string
	DataAPIMaxRequestsPerSec  float64
	DataAPIRateBucketCapacity float64
	DataAPIRequestsPaused     bool

	HTTPTimeout     time.Duration
	TickerTimeout   time.Duration
	MAEnrichTimeout time.Duration

	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	StallCheckInterval time.Duration
	StallTimeout       time.Duration
	StallMaxRetries    int
	StallBackoffBase   time.Duration
	StallBackoffCap    time.Duration

	FetchRunSummaryFlushSize int
	SummaryUpsertBatchSize   int
	SummaryBuildConcurrency  int

	AdaptiveMin                int
	HeavyProgramMaxConcurrency int

	FetchDailyConcurrency   int
	FetchWeeklyConcurrency  int
	AccumulationConcurrency int
	DetectorConcurrency     int

	SourceInterval SourceInterval
}

// LoadConfig reads the engine's configuration from the environment.
func LoadConfig() Config {
	maxRPS := envFloat("DATA_API_MAX_REQUESTS_PER_SECOND", 99)
	return Config{
		DataAPIKey:                env("DATA_API_KEY", ""),
		DataAPIMaxRequestsPerSec:  maxRPS,
		DataAPIRateBucketCapacity: envFloat("DATA_API_RATE_BUCKET_CAPACITY", maxRPS),
		DataAPIRequestsPaused:     envBool("DATA_API_REQUESTS_PAUSED", false),

		HTTPTimeout:     envDurationMs("DIVERGENCE_FETCH_HTTP_TIMEOUT_MS", 15000),
		TickerTimeout:   envDurationMs("DIVERGENCE_FETCH_TICKER_TIMEOUT_MS", 180000),
		MAEnrichTimeout: envDurationMs("DIVERGENCE_MA_ENRICH_TIMEOUT_MS", 180000),

		CircuitBreakerThreshold: envInt("DIVERGENCE_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldown:  envDurationMs("DIVERGENCE_BREAKER_COOLDOWN_MS", 30000),

		StallCheckInterval: envDurationMs("DIVERGENCE_STALL_CHECK_INTERVAL_MS", 2000),
		StallTimeout:       envDurationMs("DIVERGENCE_STALL_TIMEOUT_MS", 90000),
		StallMaxRetries:    envInt("DIVERGENCE_STALL_MAX_RETRIES", 3),
		StallBackoffBase:   envDurationMs("DIVERGENCE_STALL_BACKOFF_BASE_MS", 5000),
		StallBackoffCap:    envDurationMs("DIVERGENCE_STALL_BACKOFF_CAP_MS", 60000),

		FetchRunSummaryFlushSize: envInt("DIVERGENCE_FETCH_RUN_SUMMARY_FLUSH_SIZE", 200),
		SummaryUpsertBatchSize:   envInt("DIVERGENCE_SUMMARY_UPSERT_BATCH_SIZE", 200),
		SummaryBuildConcurrency:  envInt("DIVERGENCE_SUMMARY_BUILD_CONCURRENCY", 20),

		AdaptiveMin:                envInt("DIVERGENCE_ADAPTIVE_MIN_CONCURRENCY", 4),
		HeavyProgramMaxConcurrency: envInt("DIVERGENCE_HEAVY_PROGRAM_MAX_CONCURRENCY", 3),

		FetchDailyConcurrency:   envInt("DIVERGENCE_FETCH_DAILY_CONCURRENCY", 40),
		FetchWeeklyConcurrency:  envInt("DIVERGENCE_FETCH_WEEKLY_CONCURRENCY", 40),
		AccumulationConcurrency: envInt("DIVERGENCE_ACCUMULATION_CONCURRENCY", 40),
		DetectorConcurrency:     envInt("DIVERGENCE_DETECTOR_CONCURRENCY", 40),

		SourceInterval: SourceInterval(env("DIVERGENCE_SOURCE_INTERVAL", string(Interval1Min))),
	}
}

// programSpec declares the per-program constants feeding adaptive
// concurrency: API calls needed per ticker and the memory class
// ceiling.
type programSpec struct {
	APICallsPerTicker int
	MemoryClass       MemoryClass
	ConfiguredCeiling func(c Config) int
}

var programSpecs = map[Program]programSpec{
	ProgramFetchDaily: {
		APICallsPerTicker: 8,
		MemoryClass:       MemoryLight,
		ConfiguredCeiling: func(c Config) int { return c.FetchDailyConcurrency },
	},
	ProgramFetchWeekly: {
		APICallsPerTicker: 10,
		MemoryClass:       MemoryLight,
		ConfiguredCeiling: func(c Config) int { return c.FetchWeeklyConcurrency },
	},
	ProgramAccumulation: {
		APICallsPerTicker: 8,
		MemoryClass:       MemoryLight,
		ConfiguredCeiling: func(c Config) int { return c.AccumulationConcurrency },
	},
	ProgramDetector: {
		APICallsPerTicker: 8,
		MemoryClass:       MemoryHeavy,
		ConfiguredCeiling: func(c Config) int { return c.DetectorConcurrency },
	},
}

// ResolveAdaptiveConcurrency computes the worker-pool width for
// program: target_tps = floor(max_rps / calls_per_ticker), adaptive =
// max(ADAPTIVE_MIN, target_tps*4), clamped to [1, configured_ceiling],
// with an additional hard clamp to the memory-class ceiling for Heavy
// programs.
func ResolveAdaptiveConcurrency(c Config, program Program) int {
	spec, ok := programSpecs[program]
	if !ok {
		return 1
	}

	targetTPS := int(c.DataAPIMaxRequestsPerSec) / spec.APICallsPerTicker
	adaptive := targetTPS * 4
	if adaptive < c.AdaptiveMin {
		adaptive = c.AdaptiveMin
	}

	ceiling := spec.ConfiguredCeiling(c)
	result := clamp(1, ceiling, adaptive)

	if spec.MemoryClass == MemoryHeavy && result > c.HeavyProgramMaxConcurrency {
		result = c.HeavyProgramMaxConcurrency
	}
	return result
}

func clamp(min, max, v int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
