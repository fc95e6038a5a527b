// Command scand is the scan engine's process entrypoint: it wires the
// database/cache/upstream connections, builds the engine and its
// per-program compute functions, starts the trigger scheduler, and
// blocks until terminated.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log"

	"backend/internal/compute"
	"backend/internal/data"
	"backend/internal/fetch"
	"backend/internal/scan"
	"backend/internal/store"
	"backend/internal/trigger"
)

func main() {
	conn, cleanup := data.InitConn(os.Getenv("IN_CONTAINER") == "true")
	defer cleanup()

	cfg := scan.LoadConfig()
	cfg.DataAPIKey = conn.PolygonKey

	engineStore := store.New(conn.DB)
	reference := store.NewPolygonReferenceProvider(conn.Polygon)
	universe := scan.NewUniverseProvider(engineStore, reference)

	limiter := scan.NewRateLimiter(cfg.DataAPIRateBucketCapacity, cfg.DataAPIMaxRequestsPerSec)
	breaker := scan.NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	paused := func() bool { return cfg.DataAPIRequestsPaused }

	baseURL := os.Getenv("DATA_API_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.polygon.io"
	}
	fetcher := fetch.New(baseURL, cfg.DataAPIKey, limiter, breaker, cfg.HTTPTimeout, paused)

	computeFns := compute.BuildAll(fetcher, baseURL, cfg.DataAPIKey)

	engine := scan.NewEngine(cfg, engineStore, universe, computeFns)

	schedules := buildSchedules(cfg)
	scheduler := trigger.New(engine, conn.Cache, schedules)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)
	log.Printf("scand: started with %d scheduled programs, environment=%s", len(schedules), conn.ExecutionEnvironment)

	<-ctx.Done()
	log.Printf("scand: shutting down")
	scheduler.Stop()
}

func buildSchedules(cfg scan.Config) []trigger.ProgramSchedule {
	return []trigger.ProgramSchedule{
		{
			Program:  scan.ProgramFetchDaily,
			Interval: envDuration("DIVERGENCE_FETCH_DAILY_INTERVAL_MIN", 15) * time.Minute,
			Options:  scan.RunOptions{SourceInterval: scan.Interval1Day},
		},
		{
			Program:  scan.ProgramFetchWeekly,
			Interval: envDuration("DIVERGENCE_FETCH_WEEKLY_INTERVAL_MIN", 60) * time.Minute,
			Options:  scan.RunOptions{SourceInterval: scan.Interval1Week},
		},
		{
			Program:  scan.ProgramAccumulation,
			Interval: envDuration("DIVERGENCE_ACCUMULATION_INTERVAL_MIN", 30) * time.Minute,
			Options:  scan.RunOptions{SourceInterval: scan.Interval1Day},
		},
		{
			Program:  scan.ProgramDetector,
			Interval: envDuration("DIVERGENCE_DETECTOR_INTERVAL_MIN", 20) * time.Minute,
			Options:  scan.RunOptions{SourceInterval: scan.Interval1Day},
		},
	}
}

func envDuration(key string, defMinutes int) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMinutes)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return time.Duration(defMinutes)
	}
	return time.Duration(n)
}
