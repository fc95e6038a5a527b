package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/data"
	"backend/internal/scan"
	"backend/internal/store"
)

// TestStoreLifecycleAgainstRealPostgres exercises Store against a real,
// disposable clone of the dev database (internal/data.InitTestConn).
// Unlike the rest of this package's compile-time interface checks, it
// needs an actual Postgres instance reachable.
func TestStoreLifecycleAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Postgres-backed integration test in -short mode")
	}

	conn, cleanup := data.InitTestConn(t)
	defer cleanup()

	ctx := context.Background()
	mustCreateSchema(t, ctx, conn.DB)

	s := store.New(conn.DB)

	tickers, err := s.ActiveTickers(ctx)
	require.NoError(t, err)
	assert.Empty(t, tickers)

	require.NoError(t, s.UpsertTickerDetails(ctx, []scan.TickerDetail{
		{Ticker: "AAPL", Exchange: "XNAS", AssetType: "CS", Active: true},
		{Ticker: "MSFT", Exchange: "XNAS", AssetType: "CS", Active: true},
	}))
	tickers, err = s.ActiveTickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, tickers)

	runDate := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	jobID, err := s.BeginJob(ctx, scan.ProgramFetchDaily, runDate)
	require.NoError(t, err)
	assert.Positive(t, jobID)

	require.NoError(t, s.UpsertBars(ctx, []scan.BarRow{
		{Ticker: "AAPL", TradeDate: runDate, SourceInterval: scan.Interval1Day, Close: decimal.NewFromInt(210), PrevClose: decimal.NewFromInt(205), ScanJobID: jobID},
	}))
	require.NoError(t, s.UpsertSummaries(ctx, []scan.SummaryRow{
		{Ticker: "AAPL", SourceInterval: scan.Interval1Day, TradeDate: runDate, States: scan.NewNeutralSummaryStates(), ScanJobID: jobID},
	}))

	require.NoError(t, s.SetPublished(ctx, scan.Interval1Day, runDate, jobID))
	published, err := s.GetPublished(ctx, scan.Interval1Day)
	require.NoError(t, err)
	assert.True(t, published.Equal(runDate))

	// SetPublished never regresses an already-advanced date.
	earlier := runDate.AddDate(0, 0, -1)
	require.NoError(t, s.SetPublished(ctx, scan.Interval1Day, earlier, jobID))
	published, err = s.GetPublished(ctx, scan.Interval1Day)
	require.NoError(t, err)
	assert.True(t, published.Equal(runDate), "publication state must not move backwards")

	status := scan.StatusCompleted
	finishedAt := time.Now()
	processed := 2
	require.NoError(t, s.UpdateJob(ctx, jobID, scan.JobUpdate{
		Status:           &status,
		FinishedAt:       &finishedAt,
		ProcessedSymbols: &processed,
	}))

	// A stopped job's notes column is what resume rehydration reads.
	stoppedJobID, err := s.BeginJob(ctx, scan.ProgramFetchDaily, runDate)
	require.NoError(t, err)
	stopped := scan.StatusStopped
	notes := `{"program":"fetch-daily","tickers":["AAPL"],"total":1,"next_index":0}`
	require.NoError(t, s.UpdateJob(ctx, stoppedJobID, scan.JobUpdate{Status: &stopped, Notes: &notes}))

	loaded, err := s.LoadResumeNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, notes, loaded)

	require.NoError(t, s.RecordRunMetrics(ctx, scan.RunMetricsSnapshot{
		RunID:      "test-run-1",
		Program:    scan.ProgramFetchDaily,
		Status:     scan.StatusCompleted,
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
	}))
}

// mustCreateSchema creates the minimal table set Store's queries
// target, self-contained since schema migration is the deployment's
// concern and the cloned dev database may not already carry these
// tables.
func mustCreateSchema(t *testing.T, ctx context.Context, db *pgxpool.Pool) {
	t.Helper()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS symbols (
			ticker TEXT PRIMARY KEY,
			is_active BOOLEAN NOT NULL DEFAULT true,
			exchange TEXT,
			asset_type TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS daily_bars (
			ticker TEXT NOT NULL,
			trade_date DATE NOT NULL,
			source_interval TEXT NOT NULL,
			close NUMERIC(18,6),
			prev_close NUMERIC(18,6),
			volume_delta NUMERIC(18,6),
			scan_job_id BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (ticker, trade_date, source_interval)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			ticker TEXT NOT NULL,
			source_interval TEXT NOT NULL,
			trade_date DATE,
			state_1d TEXT,
			state_3d TEXT,
			state_7d TEXT,
			state_14d TEXT,
			state_28d TEXT,
			ma8_above BOOLEAN,
			ma21_above BOOLEAN,
			ma50_above BOOLEAN,
			ma200_above BOOLEAN,
			scan_job_id BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (ticker, source_interval)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			ticker TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			trade_date DATE NOT NULL,
			price NUMERIC(18,6),
			prev_close NUMERIC(18,6),
			volume_delta NUMERIC(18,6),
			timeframe TEXT NOT NULL,
			source_interval TEXT NOT NULL,
			timestamp TIMESTAMPTZ,
			is_favorite BOOLEAN NOT NULL DEFAULT false,
			scan_job_id BIGINT,
			UNIQUE (trade_date, ticker, timeframe, source_interval)
		)`,
		`CREATE TABLE IF NOT EXISTS publication_state (
			source_interval TEXT PRIMARY KEY,
			published_trade_date DATE,
			last_scan_job_id BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS scan_jobs (
			id BIGSERIAL PRIMARY KEY,
			run_for_date DATE,
			scanned_trade_date DATE,
			status TEXT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			total_symbols INT,
			processed_symbols INT,
			bullish_count INT,
			bearish_count INT,
			error_count INT,
			notes TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_metrics_history (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT UNIQUE,
			run_type TEXT,
			status TEXT,
			snapshot JSONB,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		_, err := db.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}
