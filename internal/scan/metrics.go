package scan

import (
	"context"
	"sync"
	"time"
)

// APICallOutcome buckets one outbound call's result for the metrics
// histogram.
type APICallOutcome struct {
	OK                     int
	RateLimited            int
	Aborted                int
	TimedOut               int
	SubscriptionRestricted int
	LatencyMsHistogram     []int64
}

// DBFlush records one flush's duration and the row counts it wrote by
// kind.
type DBFlush struct {
	DurationMs      int64
	RowCountsByKind map[string]int
}

// RunMetricsSnapshot is the persisted shape of one run_metrics_history
// row.
type RunMetricsSnapshot struct {
	RunID            string
	Program          Program
	Status           Status
	PhaseTimingsMs   map[string]int64
	APICalls         APICallOutcome
	FailedTickers    []string
	RecoveredTickers []string
	DBFlushes        []DBFlush
	TotalTickers     int
	ProcessedTickers int
	ErrorCount       int
	StallRetries     int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// APICallSink receives per-call latency/outcome observations from the
// HTTP layer. MetricsTracker satisfies it; the orchestrator injects the
// current run's tracker into each work unit's context so the fetcher
// deep in a compute function can report without the process-start
// wiring knowing about runs.
type APICallSink interface {
	RecordAPICall(latencyMs int64, ok, rateLimited, aborted, timedOut, subscriptionRestricted bool)
}

type apiCallSinkKey struct{}

// WithAPICallSink returns a context carrying sink for the fetch layer.
func WithAPICallSink(ctx context.Context, sink APICallSink) context.Context {
	return context.WithValue(ctx, apiCallSinkKey{}, sink)
}

// APICallSinkFrom extracts the sink injected by WithAPICallSink, or nil.
func APICallSinkFrom(ctx context.Context) APICallSink {
	if s, ok := ctx.Value(apiCallSinkKey{}).(APICallSink); ok {
		return s
	}
	return nil
}

// MetricsTracker accumulates per-run metrics as the orchestrator drives
// a program through its phases. One instance per run; persisted once at
// run termination.
type MetricsTracker struct {
	mu sync.Mutex

	runID          string
	program        Program
	startedAt      time.Time
	currentPhase   string
	phaseStartedAt time.Time
	phaseTimings   map[string]int64

	apiCalls APICallOutcome

	failedTickers    []string
	recoveredTickers []string
	dbFlushes        []DBFlush
	stallRetries     int

	total, processed, errs int
}

// NewMetricsTracker begins tracking metrics for one run.
func NewMetricsTracker(runID string, program Program) *MetricsTracker {
	now := time.Now()
	return &MetricsTracker{
		runID:          runID,
		program:        program,
		startedAt:      now,
		phaseStartedAt: now,
		phaseTimings:   make(map[string]int64),
	}
}

// SetPhase records the elapsed time of the previous phase and begins
// timing a new one.
func (m *MetricsTracker) SetPhase(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentPhase != "" {
		m.phaseTimings[m.currentPhase] += time.Since(m.phaseStartedAt).Milliseconds()
	}
	m.currentPhase = name
	m.phaseStartedAt = time.Now()
}

// SetTotals records the run's total ticker count.
func (m *MetricsTracker) SetTotals(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
}

// SetProgress records the current processed/error counts.
func (m *MetricsTracker) SetProgress(processed, errs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = processed
	m.errs = errs
}

// RecordAPICall tallies one outbound call outcome.
func (m *MetricsTracker) RecordAPICall(latencyMs int64, ok, rateLimited, aborted, timedOut, subscriptionRestricted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case ok:
		m.apiCalls.OK++
	case rateLimited:
		m.apiCalls.RateLimited++
	case aborted:
		m.apiCalls.Aborted++
	case timedOut:
		m.apiCalls.TimedOut++
	case subscriptionRestricted:
		m.apiCalls.SubscriptionRestricted++
	}
	m.apiCalls.LatencyMsHistogram = append(m.apiCalls.LatencyMsHistogram, latencyMs)
}

// RecordFailedTicker appends ticker to the failed set.
func (m *MetricsTracker) RecordFailedTicker(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedTickers = append(m.failedTickers, ticker)
}

// RecordRetryRecovered appends ticker to the recovered set.
func (m *MetricsTracker) RecordRetryRecovered(ticker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveredTickers = append(m.recoveredTickers, ticker)
}

// RecordDBFlush appends one flush's duration and row counts.
func (m *MetricsTracker) RecordDBFlush(durationMs int64, rowCounts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbFlushes = append(m.dbFlushes, DBFlush{DurationMs: durationMs, RowCountsByKind: rowCounts})
}

// RecordStallRetry increments the stall-retry counter.
func (m *MetricsTracker) RecordStallRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallRetries++
}

// Finish closes out the current phase and returns the final snapshot
// ready to persist via Store.RecordRunMetrics.
func (m *MetricsTracker) Finish(finalStatus Status) RunMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentPhase != "" {
		m.phaseTimings[m.currentPhase] += time.Since(m.phaseStartedAt).Milliseconds()
		m.currentPhase = ""
	}
	return RunMetricsSnapshot{
		RunID:            m.runID,
		Program:          m.program,
		Status:           finalStatus,
		PhaseTimingsMs:   m.phaseTimings,
		APICalls:         m.apiCalls,
		FailedTickers:    m.failedTickers,
		RecoveredTickers: m.recoveredTickers,
		DBFlushes:        m.dbFlushes,
		TotalTickers:     m.total,
		ProcessedTickers: m.processed,
		ErrorCount:       m.errs,
		StallRetries:     m.stallRetries,
		StartedAt:        m.startedAt,
		FinishedAt:       time.Now(),
	}
}
