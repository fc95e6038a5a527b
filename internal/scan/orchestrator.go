package scan

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("backend/internal/scan")

// RunOptions carries the per-invocation knobs for RunProgram.
type RunOptions struct {
	Resume          bool
	Force           bool
	RefreshUniverse bool
	RunDateET       string
	LookbackDays    int
	SourceInterval  SourceInterval
	Trigger         string
}

// RunResult is the outcome handed back to whatever called RunProgram
// (the trigger scheduler or the admin CLI).
type RunResult struct {
	Status StartResult
	JobID  int64
	Final  Status
}

// ComputeTicker is the injected pure per-ticker algorithm
// (divergence classification / accumulation detection / MA evaluation)
// that this engine treats as an opaque collaborator.
type ComputeTicker func(ctx context.Context, ticker string, asOf time.Time, lookbackDays int) (TickerOutcome, error)

// Controller is the run-control surface exposed to in-process callers
// (the trigger scheduler and the operator CLI). No HTTP transport in
// this module; the engine is invoked via a process-internal run request.
type Controller interface {
	RunProgram(ctx context.Context, program Program, opts RunOptions) (RunResult, error)
	RequestStop(program Program) bool
	Status(program Program) StatusRecord
	Metrics(program Program) (RunMetricsSnapshot, bool)
}

// Engine drives every scan program through the shared orchestration
// contract. One Engine instance owns the per-program States.
type Engine struct {
	cfg      Config
	store    Store
	universe *UniverseProvider
	compute  map[Program]ComputeTicker

	states map[Program]*State

	metricsMu   sync.Mutex
	lastMetrics map[Program]RunMetricsSnapshot
}

var _ Controller = (*Engine)(nil)

// NewEngine builds an engine with one idle State per supported program.
func NewEngine(cfg Config, store Store, universe *UniverseProvider, compute map[Program]ComputeTicker) *Engine {
	states := make(map[Program]*State, len(programSpecs))
	for p := range programSpecs {
		states[p] = NewState(p)
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		universe:    universe,
		compute:     compute,
		states:      states,
		lastMetrics: make(map[Program]RunMetricsSnapshot),
	}
}

// Status returns the current status snapshot for program.
func (e *Engine) Status(program Program) StatusRecord {
	st, ok := e.states[program]
	if !ok {
		return StatusRecord{Status: StatusIdle}
	}
	return st.GetStatus()
}

// RequestStop requests a cooperative stop of program's in-flight run.
func (e *Engine) RequestStop(program Program) bool {
	st, ok := e.states[program]
	if !ok {
		return false
	}
	return st.RequestStop()
}

// RequestPause requests a cooperative pause of program's in-flight run.
// Identical to RequestStop except the run terminates paused, which
// reads differently to operators: paused runs are expected to be
// resumed shortly.
func (e *Engine) RequestPause(program Program) bool {
	st, ok := e.states[program]
	if !ok {
		return false
	}
	return st.RequestPause()
}

// Metrics returns the last finished run's metrics summary for program,
// cached in memory at run termination (the persisted history in
// run_metrics_history is the durable copy).
func (e *Engine) Metrics(program Program) (RunMetricsSnapshot, bool) {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m, ok := e.lastMetrics[program]
	return m, ok
}

// RunProgram is the run driver: admission, universe load, core pass,
// drain, retry, optional MA enrichment, publish, finalise.
func (e *Engine) RunProgram(ctx context.Context, program Program, opts RunOptions) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "scan.RunProgram", trace.WithAttributes())
	defer span.End()

	st, ok := e.states[program]
	if !ok {
		return RunResult{Status: StartDisabled}, fmt.Errorf("unknown program %q", program)
	}

	if e.store == nil || e.cfg.DataAPIKey == "" {
		return RunResult{Status: StartDisabled}, nil
	}

	_, admissionSpan := tracer.Start(ctx, "scan.phase.admission")
	token, started := st.BeginRun(ctx)
	if !started {
		admissionSpan.End()
		return RunResult{Status: StartAlreadyRunning}, nil
	}
	defer st.Cleanup(token)
	runCtx := token.Ctx()

	var snapshot *ResumeSnapshot
	if opts.Resume {
		snapshot = st.Resume()
		if snapshot == nil {
			snapshot = e.rehydrateSnapshot(runCtx, program)
		}
		if !snapshot.CanResume() {
			st.MarkTerminal(StatusIdle, 0)
			admissionSpan.End()
			return RunResult{Status: StartNoResume}, nil
		}
	}

	runID := fmt.Sprintf("%s-%d", program, time.Now().UnixNano())
	metrics := NewMetricsTracker(runID, program)

	runForDate := currentTradeDateET(time.Now())
	if opts.RunDateET != "" {
		if parsed, err := time.Parse("2006-01-02", opts.RunDateET); err == nil {
			runForDate = parsed
		}
	}

	jobID, err := e.store.BeginJob(runCtx, program, runForDate)
	admissionSpan.End()
	if err != nil {
		st.MarkTerminal(StatusFailed, 0)
		return RunResult{Status: StartSkipped}, fmt.Errorf("begin job: %w", err)
	}

	result, finalStatus, runErr := e.runPhases(runCtx, st, program, opts, snapshot, jobID, metrics, runForDate)

	snap := metrics.Finish(finalStatus)
	if err := e.store.RecordRunMetrics(context.Background(), snap); err != nil {
		log.Printf("scan %s: failed to record run metrics: %v", program, err)
	}
	e.metricsMu.Lock()
	e.lastMetrics[program] = snap
	e.metricsMu.Unlock()

	st.MarkTerminal(finalStatus, jobID)
	return result, runErr
}

// rehydrateSnapshot reloads the most recently persisted resume snapshot
// from the job ledger, covering a resume requested after a process
// restart (the in-memory State no longer holds one). A snapshot tagged
// with a different program is someone else's interrupted run.
func (e *Engine) rehydrateSnapshot(ctx context.Context, program Program) *ResumeSnapshot {
	notes, err := e.store.LoadResumeNotes(ctx)
	if err != nil {
		log.Printf("scan %s: failed to load resume notes from job ledger: %v", program, err)
		return nil
	}
	snap, err := DecodeResumeSnapshot(notes)
	if err != nil {
		log.Printf("scan %s: malformed resume notes in job ledger: %v", program, err)
		return nil
	}
	if snap == nil || snap.Program != program {
		return nil
	}
	return snap
}

func (e *Engine) runPhases(
	ctx context.Context,
	st *State,
	program Program,
	opts RunOptions,
	snapshot *ResumeSnapshot,
	jobID int64,
	metrics *MetricsTracker,
	runForDate time.Time,
) (RunResult, Status, error) {
	thresholds := FlushThresholds{
		FetchRunSummaryFlushSize: e.cfg.FetchRunSummaryFlushSize,
		SummaryUpsertBatchSize:   e.cfg.SummaryUpsertBatchSize,
	}
	flusher := NewFlusher(e.store, thresholds, metrics)

	metrics.SetPhase("universe")
	universeCtx, universeSpan := tracer.Start(ctx, "scan.phase.universe")
	var tickers []string
	if snapshot != nil {
		tickers = snapshot.Tickers
	} else {
		loaded, err := e.universe.Tickers(universeCtx, opts.RefreshUniverse)
		if err != nil {
			universeSpan.End()
			return e.failRun(ctx, st, jobID, flusher, metrics, snapshot, err)
		}
		tickers = loaded
		snapshot = &ResumeSnapshot{
			Program:        program,
			SourceInterval: e.resolveInterval(opts),
			AsOfTradeDate:  nowTradeDateString(runForDate),
			Tickers:        tickers,
			Total:          len(tickers),
			LookbackDays:   opts.LookbackDays,
		}
		if program == ProgramFetchWeekly {
			snapshot.WeeklyTradeDate = snapshot.AsOfTradeDate
		}
	}
	universeSpan.End()
	metrics.SetTotals(len(tickers))
	total := len(tickers)
	_ = e.store.UpdateJob(ctx, jobID, JobUpdate{TotalSymbols: &total})

	concurrency := ResolveAdaptiveConcurrency(e.cfg, program)

	asOf, _ := time.Parse("2006-01-02", snapshot.AsOfTradeDate)
	if asOf.IsZero() {
		asOf = runForDate
	}

	metrics.SetPhase("core")
	coreCtx, coreSpan := tracer.Start(ctx, "scan.phase.core")
	core, err := e.corePass(coreCtx, st, program, tickers, snapshot, concurrency, flusher, metrics, jobID, asOf)
	coreSpan.End()
	if err != nil && !IsAborted(err) {
		return e.failRun(ctx, st, jobID, flusher, metrics, snapshot, err)
	}
	processed, errCount := core.processed, core.errors

	metrics.SetPhase("drain")
	drainCtx, drainSpan := tracer.Start(ctx, "scan.phase.drain")
	flusher.Drain(drainCtx)
	drainSpan.End()

	if core.stoppedEarly {
		return e.stopOrPauseRun(ctx, st, jobID, flusher, metrics, snapshot, processed, errCount, concurrency)
	}

	metrics.SetPhase("retry")
	if len(core.failed) > 0 && !st.ShouldStop() {
		retryCtx, retrySpan := tracer.Start(ctx, "scan.phase.retry")
		st.SetRunningStatus(StatusRunningRetry)
		stillFailed := e.retryPhase(retryCtx, program, core.failed, concurrency, flusher, metrics, st.ShouldStop, jobID, asOf)
		errCount = len(stillFailed)
		flusher.Drain(retryCtx)
		retrySpan.End()
	}

	if isFetchProgram(program) && len(core.seeds) > 0 {
		metrics.SetPhase("ma_enrichment")
		maCtx, maSpan := tracer.Start(ctx, "scan.phase.ma_enrichment")
		st.SetRunningStatus(StatusRunningMA)
		e.maEnrichmentPhase(maCtx, program, core.seeds, concurrency, flusher, metrics, st.ShouldStop, jobID, asOf)
		flusher.Drain(maCtx)
		maSpan.End()
	}

	if st.ShouldStop() {
		return e.stopOrPauseRun(ctx, st, jobID, flusher, metrics, snapshot, processed, errCount, concurrency)
	}

	metrics.SetPhase("publish")
	publishCtx, publishSpan := tracer.Start(ctx, "scan.phase.publish")
	if !asOf.IsZero() {
		if err := e.store.SetPublished(publishCtx, snapshot.SourceInterval, asOf, jobID); err != nil {
			log.Printf("scan %s: failed to update publication state: %v", program, err)
		}
	}
	if program == ProgramAccumulation && !asOf.IsZero() {
		if err := e.store.RebuildSummariesForTradeDate(publishCtx, asOf); err != nil {
			log.Printf("scan %s: failed to rebuild summaries: %v", program, err)
		}
	}
	publishSpan.End()

	metrics.SetPhase("finalise")
	finalStatus := StatusCompleted
	if errCount > 0 {
		finalStatus = StatusCompletedWithErrors
	}
	finishedAt := time.Now()
	clearedNotes := ""
	_ = e.store.UpdateJob(ctx, jobID, JobUpdate{
		Status:           &finalStatus,
		FinishedAt:       &finishedAt,
		ProcessedSymbols: &processed,
		ErrorCount:       &errCount,
		Notes:            &clearedNotes,
	})
	st.SaveResumeState(nil)

	return RunResult{Status: StartStarted, JobID: jobID, Final: finalStatus}, finalStatus, nil
}

func isFetchProgram(p Program) bool {
	return p == ProgramFetchDaily || p == ProgramFetchWeekly
}

func (e *Engine) resolveInterval(opts RunOptions) SourceInterval {
	if opts.SourceInterval != "" {
		return opts.SourceInterval
	}
	return e.cfg.SourceInterval
}

// corePassResult carries the main pass's settled totals back to
// runPhases: the failed set feeds the retry phase, the seed set feeds
// the MA-enrichment fan-out.
type corePassResult struct {
	processed    int
	errors       int
	failed       []string
	seeds        []string
	stoppedEarly bool
}

// corePass runs the main fan-out over tickers[snapshot.NextIndex:],
// checkpointing the resume snapshot (in memory and in the job ledger's
// notes column) after every settled item.
func (e *Engine) corePass(
	ctx context.Context,
	st *State,
	program Program,
	tickers []string,
	snapshot *ResumeSnapshot,
	concurrency int,
	flusher *Flusher,
	metrics *MetricsTracker,
	jobID int64,
	asOf time.Time,
) (corePassResult, error) {
	result := corePassResult{
		processed: snapshot.Processed,
		errors:    snapshot.Errors,
	}

	compute := e.compute[program]

	attempt := 0
	for {
		attempt++
		start := snapshot.NextIndex
		if start > len(tickers) {
			start = len(tickers)
		}
		remaining := tickers[start:]
		attemptCtx, cancel := context.WithCancel(ctx)
		watchdog := NewStallWatchdog(e.cfg.StallCheckInterval, e.cfg.StallTimeout, cancel)

		var attemptFailed []string
		worker := func(wctx context.Context, ticker string, index int) Settled[TickerOutcome] {
			wctx = WithAPICallSink(wctx, metrics)
			outcome, werr := RunWithAbortAndTimeout(wctx, e.cfg.TickerTimeout, ticker, func(tctx context.Context) (TickerOutcome, error) {
				return compute(tctx, ticker, asOf, snapshot.LookbackDays)
			})
			if werr != nil {
				return Settled[TickerOutcome]{Err: werr}
			}
			stampJobID(&outcome, jobID)
			pushOutcome(flusher.Buffers(), outcome)
			return Settled[TickerOutcome]{Value: outcome}
		}

		onSettled := func(s Settled[TickerOutcome], index int, item string) {
			watchdog.MarkProgress()
			result.processed++
			if s.Ok() {
				if s.Value.Summary != nil && !s.Value.Skipped {
					result.seeds = append(result.seeds, item)
				}
			} else if !(IsAborted(s.Err) && (st.ShouldStop() || watchdog.IsStalled())) {
				// Aborted while stopping or while the watchdog already
				// fired is not a fresh failure: the stop path rewinds
				// over it and the stall path re-attempts it.
				result.errors++
				attemptFailed = append(attemptFailed, item)
			}
			snapshot.Processed = result.processed
			snapshot.Errors = result.errors
			snapshot.NextIndex = result.processed
			st.SaveResumeState(snapshot)
			metrics.SetProgress(result.processed, result.errors)
			e.checkpointJob(ctx, jobID, snapshot)
			flusher.MaybeFlush(ctx)
		}

		MapWithConcurrency(attemptCtx, cancel, remaining, concurrency, worker, onSettled, st.ShouldStop)
		watchdog.Stop()
		result.failed = attemptFailed

		if attemptCtx.Err() != nil && !st.ShouldStop() && watchdog.IsStalled() {
			metrics.RecordStallRetry()
			if attempt > e.cfg.StallMaxRetries {
				break
			}
			if serr := SleepStallBackoff(ctx, attempt, e.cfg.StallBackoffBase, e.cfg.StallBackoffCap); serr != nil {
				break
			}
			// In-flight work units were aborted mid-item without writing
			// their outputs; re-cover up to `concurrency` of them the same
			// way the stop path does before repeating the attempt.
			snapshot.NextIndex, snapshot.Processed = rewindNextIndex(result.processed, concurrency)
			result.processed = snapshot.Processed
			st.SaveResumeState(snapshot)
			continue
		}

		break
	}

	result.stoppedEarly = st.ShouldStop()
	return result, nil
}

// checkpointJob persists the snapshot into the job ledger's notes column
// so a crash mid-run leaves a resumable record behind. Best-effort: a
// failed checkpoint only costs resume granularity, not correctness.
func (e *Engine) checkpointJob(ctx context.Context, jobID int64, snapshot *ResumeSnapshot) {
	notes, err := EncodeResumeSnapshot(snapshot)
	if err != nil {
		return
	}
	_ = e.store.UpdateJob(ctx, jobID, JobUpdate{
		ProcessedSymbols: &snapshot.Processed,
		ErrorCount:       &snapshot.Errors,
		Notes:            &notes,
	})
}

func (e *Engine) retryPhase(
	ctx context.Context,
	program Program,
	failedTickers []string,
	baseConcurrency int,
	flusher *Flusher,
	metrics *MetricsTracker,
	shouldStop ShouldStop,
	jobID int64,
	asOf time.Time,
) []string {
	compute := e.compute[program]
	worker := func(wctx context.Context, ticker string, index int) Settled[TickerOutcome] {
		wctx = WithAPICallSink(wctx, metrics)
		outcome, err := RunWithAbortAndTimeout(wctx, e.cfg.TickerTimeout, ticker, func(tctx context.Context) (TickerOutcome, error) {
			return compute(tctx, ticker, asOf, 0)
		})
		if err != nil {
			return Settled[TickerOutcome]{Err: err}
		}
		stampJobID(&outcome, jobID)
		pushOutcome(flusher.Buffers(), outcome)
		return Settled[TickerOutcome]{Value: outcome}
	}

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cb := RetryCallbacks[TickerOutcome]{
		OnRecovered: func(ticker string, _ TickerOutcome) {
			metrics.RecordRetryRecovered(ticker)
		},
		OnStillFailed: func(ticker string, err error) {
			metrics.RecordFailedTicker(ticker)
		},
	}

	return RunRetryPasses(retryCtx, cancel, failedTickers, baseConcurrency, worker, cb, shouldStop)
}

// maEnrichmentPhase fans out a second time over the seed tickers the
// core pass accumulated, at the (usually lower) summary-build
// concurrency, with the same two-pass retry discipline the core pass's
// failures get.
func (e *Engine) maEnrichmentPhase(
	ctx context.Context,
	program Program,
	seeds []string,
	baseConcurrency int,
	flusher *Flusher,
	metrics *MetricsTracker,
	shouldStop ShouldStop,
	jobID int64,
	asOf time.Time,
) {
	n := baseConcurrency
	if e.cfg.SummaryBuildConcurrency < n {
		n = e.cfg.SummaryBuildConcurrency
	}

	compute := e.compute[program]
	worker := func(wctx context.Context, ticker string, index int) Settled[TickerOutcome] {
		wctx = WithAPICallSink(wctx, metrics)
		outcome, err := RunWithAbortAndTimeout(wctx, e.cfg.MAEnrichTimeout, ticker, func(tctx context.Context) (TickerOutcome, error) {
			return compute(tctx, ticker, asOf, 0)
		})
		if err != nil {
			return Settled[TickerOutcome]{Err: err}
		}
		if outcome.Summary != nil {
			outcome.Summary.ScanJobID = jobID
			flusher.Buffers().PushMASummary(*outcome.Summary)
		}
		return Settled[TickerOutcome]{Value: outcome}
	}

	maCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var failed []string
	onSettled := func(s Settled[TickerOutcome], index int, item string) {
		if !s.Ok() && !(IsAborted(s.Err) && shouldStop()) {
			failed = append(failed, item)
		}
	}
	MapWithConcurrency(maCtx, cancel, seeds, n, worker, onSettled, shouldStop)

	if len(failed) > 0 && !shouldStop() {
		cb := RetryCallbacks[TickerOutcome]{
			OnRecovered:   func(ticker string, _ TickerOutcome) { metrics.RecordRetryRecovered(ticker) },
			OnStillFailed: func(ticker string, err error) { metrics.RecordFailedTicker(ticker) },
		}
		RunRetryPasses(maCtx, cancel, failed, n, worker, cb, shouldStop)
	}
}

// stampJobID overwrites the ScanJobID on every row a compute_ticker
// collaborator returned with the current run's job id, since the
// compute function is wired once at process start and cannot know it.
func stampJobID(outcome *TickerOutcome, jobID int64) {
	if outcome.Bar != nil {
		outcome.Bar.ScanJobID = jobID
	}
	for i := range outcome.HistoryRows {
		outcome.HistoryRows[i].ScanJobID = jobID
	}
	if outcome.Summary != nil {
		outcome.Summary.ScanJobID = jobID
	}
	if outcome.Signal != nil {
		outcome.Signal.ScanJobID = jobID
	}
}

func pushOutcome(buffers *OutcomeBuffers, outcome TickerOutcome) {
	if outcome.Bar != nil {
		buffers.PushBar(*outcome.Bar)
	}
	for _, h := range outcome.HistoryRows {
		buffers.PushBar(h)
	}
	if outcome.Summary != nil {
		buffers.PushSummary(*outcome.Summary)
	}
	if outcome.Signal != nil {
		buffers.PushSignal(*outcome.Signal)
	}
	if outcome.NeutralMarker != nil {
		buffers.PushNeutralMarker(*outcome.NeutralMarker)
	}
}

// stopOrPauseRun persists the rewound resume snapshot and returns the
// stopped/paused RunResult. On an Aborted error observed while stopping,
// the orchestrator does not count it.
func (e *Engine) stopOrPauseRun(
	ctx context.Context,
	st *State,
	jobID int64,
	flusher *Flusher,
	metrics *MetricsTracker,
	snapshot *ResumeSnapshot,
	processed int,
	errCount int,
	concurrency int,
) (RunResult, Status, error) {
	flusher.Drain(ctx)

	nextIndex, newProcessed := rewindNextIndex(processed, concurrency)
	snapshot.NextIndex = nextIndex
	snapshot.Processed = newProcessed
	st.SaveResumeState(snapshot)

	status := StatusStopped
	if st.PauseRequested() {
		status = StatusPaused
	}

	// The run context was cancelled by the stop request itself; the
	// terminal job update must still land.
	notes, _ := EncodeResumeSnapshot(snapshot)
	finishedAt := time.Now()
	_ = e.store.UpdateJob(context.Background(), jobID, JobUpdate{
		Status:           &status,
		FinishedAt:       &finishedAt,
		ProcessedSymbols: &newProcessed,
		ErrorCount:       &errCount,
		Notes:            &notes,
	})

	return RunResult{Status: StartStarted, JobID: jobID, Final: status}, status, nil
}

// failRun handles the "unexpected exception" path: best-effort drain,
// mark the job failed, and preserve a resume snapshot for operator
// retry.
func (e *Engine) failRun(
	ctx context.Context,
	st *State,
	jobID int64,
	flusher *Flusher,
	metrics *MetricsTracker,
	snapshot *ResumeSnapshot,
	cause error,
) (RunResult, Status, error) {
	flusher.Drain(context.Background())

	status := StatusFailed
	finishedAt := time.Now()
	update := JobUpdate{
		Status:     &status,
		FinishedAt: &finishedAt,
	}
	if snapshot != nil {
		st.SaveResumeState(snapshot)
		if notes, err := EncodeResumeSnapshot(snapshot); err == nil {
			update.Notes = &notes
		}
	}
	_ = e.store.UpdateJob(context.Background(), jobID, update)

	return RunResult{Status: StartStarted, JobID: jobID, Final: status}, status, cause
}
