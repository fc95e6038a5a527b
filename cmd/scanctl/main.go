// Command scanctl is the operator CLI for the scan engine: a flat
// subcommand dispatch table over the engine's run-control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"backend/internal/compute"
	"backend/internal/data"
	"backend/internal/fetch"
	"backend/internal/scan"
	"backend/internal/store"
)

// TableWriter wraps text/tabwriter with the column padding used across
// the CLI's listings.
type TableWriter struct {
	w *tabwriter.Writer
}

func newTableWriter() *TableWriter {
	return &TableWriter{w: tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)}
}

func (t *TableWriter) Row(cols ...any) {
	format := ""
	for range cols {
		format += "%v\t"
	}
	fmt.Fprintf(t.w, format+"\n", cols...)
}

func (t *TableWriter) Flush() { t.w.Flush() }

var allPrograms = []scan.Program{
	scan.ProgramFetchDaily,
	scan.ProgramFetchWeekly,
	scan.ProgramAccumulation,
	scan.ProgramDetector,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	conn, cleanup := data.InitConn(os.Getenv("IN_CONTAINER") == "true")
	defer cleanup()

	engineStore := store.New(conn.DB)
	reference := store.NewPolygonReferenceProvider(conn.Polygon)
	universe := scan.NewUniverseProvider(engineStore, reference)
	cfg := scan.LoadConfig()
	cfg.DataAPIKey = conn.PolygonKey

	baseURL := os.Getenv("DATA_API_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.polygon.io"
	}
	limiter := scan.NewRateLimiter(cfg.DataAPIRateBucketCapacity, cfg.DataAPIMaxRequestsPerSec)
	breaker := scan.NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	paused := func() bool { return cfg.DataAPIRequestsPaused }
	fetcher := fetch.New(baseURL, cfg.DataAPIKey, limiter, breaker, cfg.HTTPTimeout, paused)

	engine := scan.NewEngine(cfg, engineStore, universe, compute.BuildAll(fetcher, baseURL, cfg.DataAPIKey))

	switch os.Args[1] {
	case "status":
		cmdStatus(engine, os.Args[2:])
	case "status-all":
		cmdStatusAll(engine)
	case "run":
		cmdRun(engine, os.Args[2:])
	case "stop":
		cmdStop(engine, os.Args[2:])
	case "pause":
		cmdPause(engine, os.Args[2:])
	case "metrics":
		cmdMetrics(engine, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func cmdStatus(engine *scan.Engine, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scanctl status <program>")
		os.Exit(1)
	}
	program := scan.Program(args[0])
	printStatusRow(newTableWriter(), program, engine.Status(program))
}

func cmdStatusAll(engine *scan.Engine) {
	tw := newTableWriter()
	tw.Row("PROGRAM", "STATUS", "PROCESSED", "TOTAL", "ERRORS", "JOB_ID")
	for _, p := range allPrograms {
		printStatusRow(tw, p, engine.Status(p))
	}
}

func printStatusRow(tw *TableWriter, program scan.Program, st scan.StatusRecord) {
	tw.Row(program, st.Status, st.Processed, st.Total, st.Errors, st.JobID)
	tw.Flush()
}

func cmdRun(engine *scan.Engine, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	resume := fs.Bool("resume", false, "resume from the held snapshot instead of a fresh universe load")
	force := fs.Bool("force", false, "passed through as RunOptions.Force; the engine does not read it, so the already-running guard still applies")
	refreshUniverse := fs.Bool("refresh-universe", false, "force an upstream universe refresh before this run")
	runDate := fs.String("run-date", "", "run-for date in YYYY-MM-DD, defaults to the current ET trade date (the prior day before 17:00 ET)")
	lookback := fs.Int("lookback-days", 0, "lookback window in calendar days")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: scanctl run <program> [flags]")
		os.Exit(1)
	}
	program := scan.Program(fs.Arg(0))

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Hour)
	defer cancel()

	result, err := engine.RunProgram(ctx, program, scan.RunOptions{
		Resume:          *resume,
		Force:           *force,
		RefreshUniverse: *refreshUniverse,
		RunDateET:       *runDate,
		LookbackDays:    *lookback,
		Trigger:         "scanctl",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s: %v\n", program, err)
		os.Exit(1)
	}

	tw := newTableWriter()
	tw.Row("PROGRAM", "START_RESULT", "FINAL_STATUS", "JOB_ID")
	tw.Row(program, result.Status, result.Final, result.JobID)
	tw.Flush()
}

func cmdStop(engine *scan.Engine, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scanctl stop <program>")
		os.Exit(1)
	}
	program := scan.Program(args[0])
	stopped := engine.RequestStop(program)
	tw := newTableWriter()
	tw.Row("PROGRAM", "STOP_REQUESTED")
	tw.Row(program, stopped)
	tw.Flush()
}

func cmdPause(engine *scan.Engine, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scanctl pause <program>")
		os.Exit(1)
	}
	program := scan.Program(args[0])
	paused := engine.RequestPause(program)
	tw := newTableWriter()
	tw.Row("PROGRAM", "PAUSE_REQUESTED")
	tw.Row(program, paused)
	tw.Flush()
}

func cmdMetrics(engine *scan.Engine, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: scanctl metrics <program>")
		os.Exit(1)
	}
	program := scan.Program(args[0])
	m, ok := engine.Metrics(program)
	if !ok {
		fmt.Printf("no finished run recorded for %s in this process\n", program)
		return
	}
	tw := newTableWriter()
	tw.Row("RUN_ID", "STATUS", "PROCESSED", "TOTAL", "ERRORS", "STALL_RETRIES", "API_OK", "API_RATE_LIMITED")
	tw.Row(m.RunID, m.Status, m.ProcessedTickers, m.TotalTickers, m.ErrorCount, m.StallRetries, m.APICalls.OK, m.APICalls.RateLimited)
	tw.Flush()
}

func printUsage() {
	fmt.Println(`scanctl - operator CLI for the scan engine

Usage:
  scanctl status <program>        show one program's current status
  scanctl status-all              show every program's current status
  scanctl run <program> [flags]   start a run (see scanctl run -h)
  scanctl stop <program>          request a cooperative stop
  scanctl pause <program>         request a cooperative pause
  scanctl metrics <program>       show the last finished run's metrics

Programs: fetch-daily, fetch-weekly, accumulation-scan, detector-scan`)
}
