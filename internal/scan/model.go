package scan

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// tickerPattern validates an opaque uppercased ticker symbol.
var tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,15}$`)

// ValidTicker reports whether s is a well-formed ticker symbol.
func ValidTicker(s string) bool { return tickerPattern.MatchString(s) }

// Program identifies one of the four scan programs sharing this engine.
type Program string

const (
	ProgramFetchDaily   Program = "fetch-daily"
	ProgramFetchWeekly  Program = "fetch-weekly"
	ProgramAccumulation Program = "accumulation-scan"
	ProgramDetector     Program = "detector-scan"
)

// MemoryClass reflects how much working memory one in-flight per-ticker
// task needs, generalising the detector program's hard-coded
// concurrency clamp into a per-program declaration.
type MemoryClass int

const (
	MemoryLight MemoryClass = iota
	MemoryHeavy
)

// SourceInterval tags every computed row with the bar granularity it was
// derived from.
type SourceInterval string

const (
	Interval1Min  SourceInterval = "1min"
	Interval5Min  SourceInterval = "5min"
	Interval15Min SourceInterval = "15min"
	Interval30Min SourceInterval = "30min"
	Interval1Hour SourceInterval = "1hour"
	Interval4Hour SourceInterval = "4hour"
	Interval1Day  SourceInterval = "1day"
	Interval1Week SourceInterval = "1week"
)

// Timeframe is the signal timeframe tag.
type Timeframe string

const (
	Timeframe1D Timeframe = "1d"
	Timeframe1W Timeframe = "1w"
)

// SignalClass is the divergence class carried by a summary window or a
// signal row.
type SignalClass string

const (
	ClassBullish SignalClass = "bullish"
	ClassBearish SignalClass = "bearish"
	ClassNeutral SignalClass = "neutral"
)

// lookbackWindows are the trading-day lookback lengths every
// SummaryStates map must carry a class for.
var lookbackWindows = [5]int{1, 3, 7, 14, 28}

// SummaryStates maps each lookback window (in trading days) to a
// divergence class. Every listed window is always present; missing
// history yields all-neutral (see NewNeutralSummaryStates).
type SummaryStates map[int]SignalClass

// NewNeutralSummaryStates returns a SummaryStates map with every
// required lookback window present and set to neutral.
func NewNeutralSummaryStates() SummaryStates {
	s := make(SummaryStates, len(lookbackWindows))
	for _, w := range lookbackWindows {
		s[w] = ClassNeutral
	}
	return s
}

// RawBar is one fetched OHLCV sample. It is scoped to one per-ticker
// work unit and is never persisted as-is.
type RawBar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MAPositions carries the optional moving-average-above-price booleans
// computed during the MA-enrichment phase.
type MAPositions struct {
	MA8Above   *bool
	MA21Above  *bool
	MA50Above  *bool
	MA200Above *bool
}

// BarRow is the concrete persisted shape of one daily_bars/weekly-bars
// row. Prices carry decimal.Decimal rather than float64 so repeated
// upserts of the same row can't drift through binary-float rounding.
type BarRow struct {
	Ticker         string
	TradeDate      time.Time
	SourceInterval SourceInterval
	Close          decimal.Decimal
	PrevClose      decimal.Decimal
	VolumeDelta    decimal.Decimal
	ScanJobID      int64
}

// SummaryRow is the concrete persisted shape of one summaries row.
type SummaryRow struct {
	Ticker         string
	SourceInterval SourceInterval
	TradeDate      time.Time
	States         SummaryStates
	MA             MAPositions
	ScanJobID      int64
}

// SignalRow is the concrete persisted shape of one signals row.
type SignalRow struct {
	Ticker         string
	SignalType     SignalClass
	TradeDate      time.Time
	Price          decimal.Decimal
	PrevClose      decimal.Decimal
	VolumeDelta    decimal.Decimal
	Timeframe      Timeframe
	SourceInterval SourceInterval
	Timestamp      time.Time
	IsFavorite     bool
	ScanJobID      int64
}

// NeutralMarker is a tombstone instructing the flusher to delete any
// existing signals row for (ticker, trade_date, timeframe,
// source_interval).
type NeutralMarker struct {
	Ticker         string
	TradeDate      time.Time
	Timeframe      Timeframe
	SourceInterval SourceInterval
}

// TickerOutcome is the settled result of one per-ticker work unit. A
// failure is carried by the surrounding Settled[TickerOutcome].Err
// instead of an inline field, matching C4's tagged-variant design.
type TickerOutcome struct {
	Ticker        string
	Skipped       bool
	Bar           *BarRow
	HistoryRows   []BarRow
	Summary       *SummaryRow
	Signal        *SignalRow
	NeutralMarker *NeutralMarker
}
