package scan

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// OutcomeBuffers is orchestration-scoped staging for worker output,
// exclusively owned by the orchestrator that created it. Worker
// goroutines push via synchronised appends; only the Flusher detaches
// a buffer (swap-with-empty) before writing it.
type OutcomeBuffers struct {
	mu             sync.Mutex
	bars           []BarRow
	summaries      []SummaryRow
	maSummaries    []SummaryRow
	signals        []SignalRow
	neutralMarkers []NeutralMarker
}

// PushBar appends a bar row.
func (b *OutcomeBuffers) PushBar(r BarRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars = append(b.bars, r)
}

// PushSummary appends a summary row.
func (b *OutcomeBuffers) PushSummary(r SummaryRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summaries = append(b.summaries, r)
}

// PushMASummary appends an MA-enrichment-only summary row.
func (b *OutcomeBuffers) PushMASummary(r SummaryRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maSummaries = append(b.maSummaries, r)
}

// PushSignal appends a signal row.
func (b *OutcomeBuffers) PushSignal(r SignalRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, r)
}

// PushNeutralMarker appends a neutral-delete marker.
func (b *OutcomeBuffers) PushNeutralMarker(m NeutralMarker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.neutralMarkers = append(b.neutralMarkers, m)
}

// sizes returns the current per-kind buffer lengths without detaching,
// used by the flush-threshold check.
func (b *OutcomeBuffers) sizes() (bars, summaries, signals int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars), len(b.summaries) + len(b.maSummaries), len(b.signals) + len(b.neutralMarkers)
}

// detach swaps every buffer out for a fresh empty one and returns the
// detached contents. Only the flush chain calls this.
func (b *OutcomeBuffers) detach() (bars []BarRow, summaries, maSummaries []SummaryRow, signals []SignalRow, markers []NeutralMarker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bars, b.bars = b.bars, nil
	summaries, b.summaries = b.summaries, nil
	maSummaries, b.maSummaries = b.maSummaries, nil
	signals, b.signals = b.signals, nil
	markers, b.neutralMarkers = b.neutralMarkers, nil
	return
}

// FlushThresholds configures the size-based auto-flush triggers.
type FlushThresholds struct {
	FetchRunSummaryFlushSize int
	SummaryUpsertBatchSize   int
}

// Flusher owns the OutcomeBuffers and a serialised flush chain: flush N
// always completes before flush N+1 begins, so buffer detaches never
// race one another. Within a single flush the five row kinds are
// upserted in parallel.
type Flusher struct {
	buffers    OutcomeBuffers
	store      Store
	thresholds FlushThresholds
	metrics    *MetricsTracker

	flushMu sync.Mutex // serialises the flush chain
}

// NewFlusher builds a flusher over store with the given size thresholds.
func NewFlusher(store Store, thresholds FlushThresholds, metrics *MetricsTracker) *Flusher {
	return &Flusher{store: store, thresholds: thresholds, metrics: metrics}
}

// Buffers exposes the outcome buffers for workers to push into.
func (f *Flusher) Buffers() *OutcomeBuffers { return &f.buffers }

// MaybeFlush triggers a flush if any kind-specific buffer has reached
// its threshold. Non-blocking with respect to the caller beyond the
// flush's own duration — callers invoke this from on_settled, which is
// already synchronous with respect to other settles.
func (f *Flusher) MaybeFlush(ctx context.Context) {
	bars, summaries, signals := f.buffers.sizes()
	if bars >= f.thresholds.FetchRunSummaryFlushSize ||
		summaries >= f.thresholds.SummaryUpsertBatchSize ||
		signals >= f.thresholds.SummaryUpsertBatchSize {
		f.Drain(ctx)
	}
}

// Drain forces a flush of whatever is currently buffered. Called at
// phase boundaries, on size thresholds, and on every termination path.
// A cancelled caller context still gets its rows written: the stop and
// failure exit paths arrive here with the run's token already fired,
// and the terminal best-effort flush must not drop the detached buffers
// on the floor.
func (f *Flusher) Drain(ctx context.Context) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, span := tracer.Start(ctx, "scan.flush")
	defer span.End()

	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	bars, summaries, maSummaries, signals, markers := f.buffers.detach()
	if len(bars) == 0 && len(summaries) == 0 && len(maSummaries) == 0 && len(signals) == 0 && len(markers) == 0 {
		return
	}

	start := time.Now()
	rowCounts := map[string]int{
		"bars":      len(bars),
		"summaries": len(summaries) + len(maSummaries),
		"signals":   len(signals),
		"neutral":   len(markers),
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(bars) > 0 {
		g.Go(func() error { return f.store.UpsertBars(gctx, bars) })
	}
	if len(summaries) > 0 {
		g.Go(func() error { return f.store.UpsertSummaries(gctx, summaries) })
	}
	if len(maSummaries) > 0 {
		g.Go(func() error { return f.store.UpsertSummaries(gctx, maSummaries) })
	}
	if len(signals) > 0 {
		g.Go(func() error { return f.store.UpsertSignals(gctx, signals) })
	}
	if len(markers) > 0 {
		g.Go(func() error { return f.store.DeleteNeutralSignals(gctx, markers) })
	}

	// Flush failure is logged but never propagates into the
	// orchestrator's happy path; the next drain (or the terminal
	// best-effort flush) is the only retry.
	if err := g.Wait(); err != nil {
		log.Printf("flush failed, will not retry until next drain: %v", err)
	}

	if f.metrics != nil {
		f.metrics.RecordDBFlush(time.Since(start).Milliseconds(), rowCounts)
	}
}
