// Package compute wires each scan program's per-ticker worker: fetch raw
// bars through internal/fetch, then hand them to the program's
// classification function. The divergence/accumulation/MA math itself
// lives outside this engine as an injected classifier; this package is
// that seam, not the algorithm.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"backend/internal/fetch"
	"backend/internal/scan"
)

// Classifier reduces a ticker's raw bar history into the divergence/
// accumulation/MA outcome fields of a TickerOutcome. The concrete
// numeric rules are out of this module's scope; Build wires whichever
// Classifier a program needs around the shared fetch-and-persist
// plumbing.
type Classifier func(ticker string, bars []scan.RawBar, asOf time.Time) scan.TickerOutcome

// Build returns a scan.ComputeTicker that fetches bar history for a
// program's configured source interval and hands it to classify. The
// per-run metrics sink travels in the context (scan.WithAPICallSink)
// since this wiring happens once at process start, before any run's
// tracker exists; sink is only a fallback for callers outside a run.
func Build(fetcher *fetch.Fetcher, baseURL, apiKey string, interval scan.SourceInterval, sink fetch.MetricsSink, classify Classifier) scan.ComputeTicker {
	return func(ctx context.Context, ticker string, asOf time.Time, lookbackDays int) (scan.TickerOutcome, error) {
		if !scan.ValidTicker(ticker) {
			return scan.TickerOutcome{}, scan.NewKindedError(scan.KindBadPayload, ticker, fmt.Errorf("malformed ticker %q", ticker))
		}

		callSink := sink
		if ctxSink := scan.APICallSinkFrom(ctx); ctxSink != nil {
			callSink = ctxSink
		}

		bars, err := fetchBars(ctx, fetcher, baseURL, apiKey, ticker, interval, asOf, lookbackDays, callSink)
		if err != nil {
			return scan.TickerOutcome{}, err
		}
		if len(bars) == 0 {
			return scan.TickerOutcome{Ticker: ticker, Skipped: true}, nil
		}

		outcome := classify(ticker, bars, asOf)
		outcome.Ticker = ticker
		return outcome, nil
	}
}

func fetchBars(ctx context.Context, fetcher *fetch.Fetcher, baseURL, apiKey, ticker string, interval scan.SourceInterval, asOf time.Time, lookbackDays int, sink fetch.MetricsSink) ([]scan.RawBar, error) {
	multiplier, timespan := intervalToAggWindow(interval)
	if lookbackDays <= 0 {
		lookbackDays = 60
	}
	from := asOf.AddDate(0, 0, -lookbackDays).Format("2006-01-02")
	to := asOf.Format("2006-01-02")

	url, err := fetch.BuildAggsURL(baseURL, ticker, multiplier, timespan, from, to, apiKey)
	if err != nil {
		return nil, scan.NewKindedError(scan.KindBadPayload, ticker, err)
	}

	body, err := fetcher.FetchJSON(ctx, url, ticker, sink)
	if err != nil {
		return nil, err
	}

	var rows []polygonAgg
	if err := json.Unmarshal(body, &rows); err != nil {
		var wrapped struct {
			Results []polygonAgg `json:"results"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil {
			return nil, scan.NewKindedError(scan.KindBadPayload, ticker, err)
		}
		rows = wrapped.Results
	}

	bars := make([]scan.RawBar, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, scan.RawBar{
			Timestamp: time.UnixMilli(r.Timestamp),
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars, nil
}

// polygonAgg is the per-bar shape of one aggs endpoint result, named
// fields per the documented short keys (t/o/h/l/c/v).
type polygonAgg struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

func intervalToAggWindow(interval scan.SourceInterval) (int, string) {
	switch interval {
	case scan.Interval1Min:
		return 1, "minute"
	case scan.Interval5Min:
		return 5, "minute"
	case scan.Interval15Min:
		return 15, "minute"
	case scan.Interval30Min:
		return 30, "minute"
	case scan.Interval1Hour:
		return 1, "hour"
	case scan.Interval4Hour:
		return 4, "hour"
	case scan.Interval1Week:
		return 1, "week"
	default:
		return 1, "day"
	}
}

// ClassifyByCloseDelta is the stand-in classifier for the fetch-daily
// and fetch-weekly programs: it persists the bar history plus a naive
// bullish/bearish/neutral tag derived from the close-vs-prior-close
// sign. The real windowed divergence logic is injected from outside the
// engine; this function only has to produce a structurally valid
// TickerOutcome for the pipeline to exercise.
func ClassifyByCloseDelta(interval scan.SourceInterval, jobID int64) Classifier {
	return func(ticker string, bars []scan.RawBar, asOf time.Time) scan.TickerOutcome {
		last := bars[len(bars)-1]
		prevClose := last.Close
		if len(bars) > 1 {
			prevClose = bars[len(bars)-2].Close
		}
		volumeDelta := 0.0
		if len(bars) > 1 {
			volumeDelta = last.Volume - bars[len(bars)-2].Volume
		}

		// Convert to decimal for persisted precision right at the boundary;
		// the windowed comparisons below stay on the raw fetched float64s.
		bar := scan.BarRow{
			Ticker:         ticker,
			TradeDate:      last.Timestamp,
			SourceInterval: interval,
			Close:          decimal.NewFromFloat(last.Close),
			PrevClose:      decimal.NewFromFloat(prevClose),
			VolumeDelta:    decimal.NewFromFloat(volumeDelta),
			ScanJobID:      jobID,
		}

		history := make([]scan.BarRow, 0, len(bars))
		for i, b := range bars {
			prev := b.Close
			if i > 0 {
				prev = bars[i-1].Close
			}
			history = append(history, scan.BarRow{
				Ticker:         ticker,
				TradeDate:      b.Timestamp,
				SourceInterval: interval,
				Close:          decimal.NewFromFloat(b.Close),
				PrevClose:      decimal.NewFromFloat(prev),
				VolumeDelta:    decimal.Zero,
				ScanJobID:      jobID,
			})
		}

		states := scan.NewNeutralSummaryStates()
		class := classBySign(last.Close - prevClose)
		for window := range states {
			states[window] = classOverWindow(bars, window, class)
		}

		return scan.TickerOutcome{
			Bar:         &bar,
			HistoryRows: history,
			Summary: &scan.SummaryRow{
				Ticker:         ticker,
				SourceInterval: interval,
				TradeDate:      last.Timestamp,
				States:         states,
				ScanJobID:      jobID,
			},
		}
	}
}

// ClassifyAccumulation is the accumulation-scan program's stand-in
// classifier: it emits a signal row when the naive accumulation
// condition (higher close on higher volume) holds over the most recent
// bar, and a neutral tombstone otherwise so any previously-published
// signal for the ticker/date is cleared.
func ClassifyAccumulation(jobID int64) Classifier {
	return func(ticker string, bars []scan.RawBar, asOf time.Time) scan.TickerOutcome {
		last := bars[len(bars)-1]
		if len(bars) < 2 {
			return scan.TickerOutcome{}
		}
		prev := bars[len(bars)-2]

		tradeDate := last.Timestamp
		if last.Close > prev.Close && last.Volume > prev.Volume {
			return scan.TickerOutcome{
				Signal: &scan.SignalRow{
					Ticker:         ticker,
					SignalType:     scan.ClassBullish,
					TradeDate:      tradeDate,
					Price:          decimal.NewFromFloat(last.Close),
					PrevClose:      decimal.NewFromFloat(prev.Close),
					VolumeDelta:    decimal.NewFromFloat(last.Volume - prev.Volume),
					Timeframe:      scan.Timeframe1D,
					SourceInterval: scan.Interval1Day,
					Timestamp:      time.Now(),
					ScanJobID:      jobID,
				},
			}
		}

		return scan.TickerOutcome{
			NeutralMarker: &scan.NeutralMarker{
				Ticker:         ticker,
				TradeDate:      tradeDate,
				Timeframe:      scan.Timeframe1D,
				SourceInterval: scan.Interval1Day,
			},
		}
	}
}

// BuildAll wires the per-ticker worker for every program this engine
// supports, sharing one Fetcher/rate-limiter/circuit-breaker across all
// four. Both cmd/scand (the scheduler daemon) and cmd/scanctl (the
// operator CLI's "run" subcommand) need the identical wiring, since an
// operator-triggered run must exercise the same compute path a
// scheduled one does.
func BuildAll(fetcher *fetch.Fetcher, baseURL, apiKey string) map[scan.Program]scan.ComputeTicker {
	return map[scan.Program]scan.ComputeTicker{
		scan.ProgramFetchDaily:   Build(fetcher, baseURL, apiKey, scan.Interval1Day, nil, ClassifyByCloseDelta(scan.Interval1Day, 0)),
		scan.ProgramFetchWeekly:  Build(fetcher, baseURL, apiKey, scan.Interval1Week, nil, ClassifyByCloseDelta(scan.Interval1Week, 0)),
		scan.ProgramAccumulation: Build(fetcher, baseURL, apiKey, scan.Interval1Day, nil, ClassifyAccumulation(0)),
		scan.ProgramDetector:     Build(fetcher, baseURL, apiKey, scan.Interval1Day, nil, ClassifyDetector(0)),
	}
}

// ClassifyDetector is the detector-scan program's stand-in classifier.
// The program is declared memory-heavy, so its concurrency is capped at
// the DIVERGENCE_HEAVY_PROGRAM_MAX_CONCURRENCY clamp whatever the
// adaptive formula's raw output.
func ClassifyDetector(jobID int64) Classifier {
	daily := ClassifyByCloseDelta(scan.Interval1Day, jobID)
	return func(ticker string, bars []scan.RawBar, asOf time.Time) scan.TickerOutcome {
		return daily(ticker, bars, asOf)
	}
}

func classBySign(delta float64) scan.SignalClass {
	switch {
	case delta > 0:
		return scan.ClassBullish
	case delta < 0:
		return scan.ClassBearish
	default:
		return scan.ClassNeutral
	}
}

// classOverWindow applies classBySign to the close delta across up to
// window trading days of history, falling back to neutral when the
// history is shorter than the requested window.
func classOverWindow(bars []scan.RawBar, window int, fallback scan.SignalClass) scan.SignalClass {
	if len(bars) <= window {
		return scan.ClassNeutral
	}
	delta := bars[len(bars)-1].Close - bars[len(bars)-1-window].Close
	if window == 1 {
		return fallback
	}
	return classBySign(delta)
}
