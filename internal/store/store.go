// Package store provides the concrete pgx-backed implementation of the
// relational interface the scan engine consumes. Mutating statements go
// through internal/data's ExecWithRetry so a transient connection blip
// mid-checkpoint doesn't fail an otherwise healthy run.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"backend/internal/data"
	"backend/internal/scan"
)

// Store implements scan.Store against a Postgres pool.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an existing pool; pool creation and schema migration are
// the caller's concern.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

var _ scan.Store = (*Store)(nil)

// ActiveTickers returns the stable-sorted list of active tickers from
// the symbols table.
func (s *Store) ActiveTickers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT ticker FROM symbols WHERE is_active ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("active tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("active tickers scan: %w", err)
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// UpsertTickerDetails bootstraps/refreshes the symbols table from an
// upstream reference-data listing.
func (s *Store) UpsertTickerDetails(ctx context.Context, details []scan.TickerDetail) error {
	if len(details) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, d := range details {
		batch.queue(`
			INSERT INTO symbols (ticker, exchange, asset_type, is_active, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (ticker) DO UPDATE SET
				exchange = EXCLUDED.exchange,
				asset_type = EXCLUDED.asset_type,
				is_active = EXCLUDED.is_active,
				updated_at = now()`,
			d.Ticker, d.Exchange, d.AssetType, d.Active)
	}
	return batch.send(ctx, s.db)
}

// UpsertBars writes BarRows keyed on (ticker, trade_date,
// source_interval).
func (s *Store) UpsertBars(ctx context.Context, rows []scan.BarRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, r := range rows {
		batch.queue(`
			INSERT INTO daily_bars (ticker, trade_date, source_interval, close, prev_close, volume_delta, scan_job_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (ticker, trade_date, source_interval) DO UPDATE SET
				close = EXCLUDED.close,
				prev_close = EXCLUDED.prev_close,
				volume_delta = EXCLUDED.volume_delta,
				scan_job_id = EXCLUDED.scan_job_id,
				updated_at = now()`,
			r.Ticker, r.TradeDate, string(r.SourceInterval), r.Close, r.PrevClose, r.VolumeDelta, r.ScanJobID)
	}
	return batch.send(ctx, s.db)
}

// UpsertSummaries writes SummaryRows keyed on (ticker,
// source_interval). MA columns overwrite only when non-nil, so a core
// pass that never computed MA positions can't wipe the values a prior
// enrichment pass persisted.
func (s *Store) UpsertSummaries(ctx context.Context, rows []scan.SummaryRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, r := range rows {
		batch.queue(`
			INSERT INTO summaries (ticker, source_interval, trade_date, state_1d, state_3d, state_7d, state_14d, state_28d, ma8_above, ma21_above, ma50_above, ma200_above, scan_job_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
			ON CONFLICT (ticker, source_interval) DO UPDATE SET
				trade_date = EXCLUDED.trade_date,
				state_1d = EXCLUDED.state_1d,
				state_3d = EXCLUDED.state_3d,
				state_7d = EXCLUDED.state_7d,
				state_14d = EXCLUDED.state_14d,
				state_28d = EXCLUDED.state_28d,
				ma8_above = COALESCE(EXCLUDED.ma8_above, summaries.ma8_above),
				ma21_above = COALESCE(EXCLUDED.ma21_above, summaries.ma21_above),
				ma50_above = COALESCE(EXCLUDED.ma50_above, summaries.ma50_above),
				ma200_above = COALESCE(EXCLUDED.ma200_above, summaries.ma200_above),
				scan_job_id = EXCLUDED.scan_job_id,
				updated_at = now()`,
			r.Ticker, string(r.SourceInterval), r.TradeDate,
			string(r.States[1]), string(r.States[3]), string(r.States[7]), string(r.States[14]), string(r.States[28]),
			r.MA.MA8Above, r.MA.MA21Above, r.MA.MA50Above, r.MA.MA200Above,
			r.ScanJobID)
	}
	return batch.send(ctx, s.db)
}

// UpsertSignals writes SignalRows keyed on (trade_date, ticker,
// timeframe, source_interval).
func (s *Store) UpsertSignals(ctx context.Context, rows []scan.SignalRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, r := range rows {
		batch.queue(`
			INSERT INTO signals (ticker, signal_type, trade_date, price, prev_close, volume_delta, timeframe, source_interval, timestamp, is_favorite, scan_job_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (trade_date, ticker, timeframe, source_interval) DO UPDATE SET
				signal_type = EXCLUDED.signal_type,
				price = EXCLUDED.price,
				prev_close = EXCLUDED.prev_close,
				volume_delta = EXCLUDED.volume_delta,
				timestamp = EXCLUDED.timestamp,
				scan_job_id = EXCLUDED.scan_job_id`,
			r.Ticker, string(r.SignalType), r.TradeDate, r.Price, r.PrevClose, r.VolumeDelta,
			string(r.Timeframe), string(r.SourceInterval), r.Timestamp, r.IsFavorite, r.ScanJobID)
	}
	return batch.send(ctx, s.db)
}

// DeleteNeutralSignals removes signals rows matching the given neutral
// markers so stale signals are removed atomically per (ticker,
// trade_date).
func (s *Store) DeleteNeutralSignals(ctx context.Context, markers []scan.NeutralMarker) error {
	if len(markers) == 0 {
		return nil
	}
	batch := &pgxBatch{}
	for _, m := range markers {
		batch.queue(`
			DELETE FROM signals
			WHERE ticker = $1 AND trade_date = $2 AND timeframe = $3 AND source_interval = $4`,
			m.Ticker, m.TradeDate, string(m.Timeframe), string(m.SourceInterval))
	}
	return batch.send(ctx, s.db)
}

// RebuildSummariesForTradeDate re-derives summary rows from the
// persisted daily-bar table, used by the accumulation-scan program's
// publish phase.
func (s *Store) RebuildSummariesForTradeDate(ctx context.Context, asOf time.Time) error {
	_, err := data.ExecWithRetry(ctx, s.db, `
		INSERT INTO summaries (ticker, source_interval, trade_date, state_1d, updated_at)
		SELECT ticker, source_interval, $1,
			CASE WHEN close > prev_close THEN 'bullish' WHEN close < prev_close THEN 'bearish' ELSE 'neutral' END,
			now()
		FROM daily_bars
		WHERE trade_date = $1
		ON CONFLICT (ticker, source_interval) DO UPDATE SET
			trade_date = EXCLUDED.trade_date,
			state_1d = EXCLUDED.state_1d,
			updated_at = now()`,
		asOf)
	if err != nil {
		return fmt.Errorf("rebuild summaries for %s: %w", asOf.Format("2006-01-02"), err)
	}
	return nil
}

// GetPublished returns the latest published trade date for a source
// interval, or the zero time if none has ever been set.
func (s *Store) GetPublished(ctx context.Context, interval scan.SourceInterval) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(ctx, `SELECT published_trade_date FROM publication_state WHERE source_interval = $1`, string(interval)).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get published(%s): %w", interval, err)
	}
	return t, nil
}

// SetPublished upserts max(stored, incoming) for the interval, enforcing
// the monotone-publication invariant in the SQL itself rather than a
// read-then-write race.
func (s *Store) SetPublished(ctx context.Context, interval scan.SourceInterval, tradeDate time.Time, jobID int64) error {
	_, err := data.ExecWithRetry(ctx, s.db, `
		INSERT INTO publication_state (source_interval, published_trade_date, last_scan_job_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source_interval) DO UPDATE SET
			published_trade_date = GREATEST(publication_state.published_trade_date, EXCLUDED.published_trade_date),
			last_scan_job_id = EXCLUDED.last_scan_job_id,
			updated_at = now()`,
		string(interval), tradeDate, jobID)
	if err != nil {
		return fmt.Errorf("set published(%s): %w", interval, err)
	}
	return nil
}

// BeginJob inserts a new scan_jobs row and returns its id.
func (s *Store) BeginJob(ctx context.Context, program scan.Program, runForDate time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO scan_jobs (run_for_date, status, started_at, total_symbols, processed_symbols, error_count)
		VALUES ($1, 'running', now(), 0, 0, 0)
		RETURNING id`,
		runForDate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("begin job(%s): %w", program, err)
	}
	return id, nil
}

// UpdateJob applies a checkpoint or terminal update to a scan_jobs row.
func (s *Store) UpdateJob(ctx context.Context, jobID int64, fields scan.JobUpdate) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if fields.Status != nil {
		add("status", string(*fields.Status))
	}
	if fields.FinishedAt != nil {
		add("finished_at", *fields.FinishedAt)
	}
	if fields.TotalSymbols != nil {
		add("total_symbols", *fields.TotalSymbols)
	}
	if fields.ProcessedSymbols != nil {
		add("processed_symbols", *fields.ProcessedSymbols)
	}
	if fields.BullishCount != nil {
		add("bullish_count", *fields.BullishCount)
	}
	if fields.BearishCount != nil {
		add("bearish_count", *fields.BearishCount)
	}
	if fields.ErrorCount != nil {
		add("error_count", *fields.ErrorCount)
	}
	if fields.ScannedTradeDate != nil {
		add("scanned_trade_date", *fields.ScannedTradeDate)
	}
	if fields.Notes != nil {
		add("notes", *fields.Notes)
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE scan_jobs SET " + joinSets(sets) + fmt.Sprintf(" WHERE id = $%d", len(args)+1)
	args = append(args, jobID)

	if _, err := data.ExecWithRetry(ctx, s.db, query, args...); err != nil {
		return fmt.Errorf("update job %d: %w", jobID, err)
	}
	return nil
}

// LoadResumeNotes returns the notes column of the most recent
// resumable scan_jobs row, or "" when none is on record. A row still in
// 'running'/'stopping' qualifies too: with a single-node coordinator,
// such a row at startup can only be the checkpoint of a crashed run.
func (s *Store) LoadResumeNotes(ctx context.Context) (string, error) {
	var notes pgtype.Text
	err := s.db.QueryRow(ctx, `
		SELECT notes FROM scan_jobs
		WHERE status IN ('running', 'stopping', 'stopped', 'paused', 'failed')
			AND notes IS NOT NULL AND notes <> ''
		ORDER BY id DESC
		LIMIT 1`).Scan(&notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load resume notes: %w", err)
	}
	return notes.String, nil
}

// RecordRunMetrics appends a row to run_metrics_history.
func (s *Store) RecordRunMetrics(ctx context.Context, m scan.RunMetricsSnapshot) error {
	snapshot := pgtype.JSONB{}
	if err := snapshot.Set(m); err != nil {
		return fmt.Errorf("record run metrics: encode snapshot: %w", err)
	}

	_, err := data.ExecWithRetry(ctx, s.db, `
		INSERT INTO run_metrics_history (run_id, run_type, status, snapshot, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (run_id) DO NOTHING`,
		m.RunID, string(m.Program), string(m.Status), snapshot, m.StartedAt, m.FinishedAt)
	if err != nil {
		return fmt.Errorf("record run metrics: %w", err)
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
