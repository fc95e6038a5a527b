package scan

import (
	"context"
	"time"
)

// Store is the relational interface the engine consumes. The concrete
// implementation lives in internal/store, backed by pgx; the engine
// itself only depends on this interface so it can be faked in tests.
type Store interface {
	// ActiveTickers returns the stable-sorted list of active tickers
	// from the symbols table.
	ActiveTickers(ctx context.Context) ([]string, error)
	// UpsertTickerDetails bootstraps/refreshes the symbols table from
	// an upstream reference-data listing.
	UpsertTickerDetails(ctx context.Context, details []TickerDetail) error

	// UpsertBars writes BarRows keyed on (ticker, trade_date,
	// source_interval).
	UpsertBars(ctx context.Context, rows []BarRow) error
	// UpsertSummaries writes SummaryRows keyed on (ticker,
	// source_interval); MA columns overwrite only when non-nil.
	UpsertSummaries(ctx context.Context, rows []SummaryRow) error
	// UpsertSignals writes SignalRows keyed on (trade_date, ticker,
	// timeframe, source_interval).
	UpsertSignals(ctx context.Context, rows []SignalRow) error
	// DeleteNeutralSignals removes signals rows matching the given
	// neutral markers.
	DeleteNeutralSignals(ctx context.Context, markers []NeutralMarker) error
	// RebuildSummariesForTradeDate re-derives summary rows from the
	// persisted daily-bar table for the accumulation-scan program's
	// publish phase.
	RebuildSummariesForTradeDate(ctx context.Context, asOf time.Time) error

	// GetPublished returns the latest published trade date for a
	// source interval, or the zero time if none has ever been set.
	GetPublished(ctx context.Context, interval SourceInterval) (time.Time, error)
	// SetPublished upserts max(stored, incoming) for the interval.
	SetPublished(ctx context.Context, interval SourceInterval, tradeDate time.Time, jobID int64) error

	// BeginJob inserts a new scan_jobs row and returns its id.
	BeginJob(ctx context.Context, program Program, runForDate time.Time) (int64, error)
	// UpdateJob applies a checkpoint or terminal update to a scan_jobs
	// row.
	UpdateJob(ctx context.Context, jobID int64, fields JobUpdate) error
	// LoadResumeNotes returns the notes column of the most recent
	// running/stopping/stopped/paused/failed scan_jobs row, or "" if
	// none exists. The
	// snapshot encoded there carries its own program tag, so callers
	// filter after decoding.
	LoadResumeNotes(ctx context.Context) (string, error)

	// RecordRunMetrics appends a row to run_metrics_history.
	RecordRunMetrics(ctx context.Context, m RunMetricsSnapshot) error
}

// TickerDetail is the upstream reference-data row used to refresh the
// ticker universe (distinct from the price-bar provider call).
type TickerDetail struct {
	Ticker    string
	Name      string
	Exchange  string
	AssetType string
	Active    bool
}

// JobUpdate is a partial update applied to a scan_jobs row. Nil fields
// are left unchanged.
type JobUpdate struct {
	Status           *Status
	FinishedAt       *time.Time
	TotalSymbols     *int
	ProcessedSymbols *int
	BullishCount     *int
	BearishCount     *int
	ErrorCount       *int
	ScannedTradeDate *time.Time
	Notes            *string
}
