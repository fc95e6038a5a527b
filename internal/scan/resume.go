package scan

import (
	"encoding/json"
	"time"
)

// ResumeSnapshot carries sufficient state to restart a scan: the stable
// key set persisted (bit-exact) in scan_jobs.notes as JSON.
type ResumeSnapshot struct {
	Program                Program        `json:"program"`
	SourceInterval         SourceInterval `json:"source_interval"`
	AsOfTradeDate          string         `json:"as_of_trade_date,omitempty"`
	WeeklyTradeDate        string         `json:"weekly_trade_date,omitempty"`
	Tickers                []string       `json:"tickers"`
	Total                  int            `json:"total"`
	NextIndex              int            `json:"next_index"`
	Processed              int            `json:"processed"`
	Errors                 int            `json:"errors"`
	LookbackDays           int            `json:"lookback_days,omitempty"`
	LastPublishedTradeDate string         `json:"last_published_trade_date,omitempty"`
	Extra                  map[string]any `json:"extra_per_program,omitempty"`
}

// Normalise applies the resume codec's normalisation policies in place:
// clamping next_index, coercing counters non-negative, and leaving
// unknown keys already dropped by json.Unmarshal's struct-tag decoding.
func (s *ResumeSnapshot) Normalise() {
	if s.Total < 0 {
		s.Total = 0
	}
	if s.NextIndex < 0 {
		s.NextIndex = 0
	}
	if s.NextIndex > s.Total {
		s.NextIndex = s.Total
	}
	if s.Processed < 0 {
		s.Processed = 0
	}
	if s.Errors < 0 {
		s.Errors = 0
	}
}

// CanResume reports whether the snapshot is usable to restart a run.
// Rejects "no-resume" per C8: zero total, next_index already past the
// end, or a missing program-required field.
func (s *ResumeSnapshot) CanResume() bool {
	if s == nil {
		return false
	}
	if s.Total == 0 || s.NextIndex >= s.Total {
		return false
	}
	switch s.Program {
	case ProgramFetchDaily, ProgramAccumulation, ProgramDetector:
		if s.AsOfTradeDate == "" {
			return false
		}
	case ProgramFetchWeekly:
		if s.WeeklyTradeDate == "" {
			return false
		}
	}
	return true
}

// EncodeResumeSnapshot serialises a snapshot to JSON for the notes
// column. A nil snapshot encodes to JSON null.
func EncodeResumeSnapshot(s *ResumeSnapshot) (string, error) {
	if s == nil {
		return "null", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeResumeSnapshot parses notes column JSON into a snapshot,
// normalising it. Returns nil, nil for an empty or "null" payload.
func DecodeResumeSnapshot(notes string) (*ResumeSnapshot, error) {
	if notes == "" || notes == "null" {
		return nil, nil
	}
	var s ResumeSnapshot
	if err := json.Unmarshal([]byte(notes), &s); err != nil {
		return nil, err
	}
	s.Normalise()
	return &s, nil
}

// rewindNextIndex applies the "rewind on stop" correction: in-flight
// workers were cancelled and did not write their outputs, so re-cover
// up to `concurrency` already-attempted tickers. After the rewind,
// processed is set equal to next_index so the two stay consistent.
func rewindNextIndex(processed, concurrency int) (nextIndex, newProcessed int) {
	nextIndex = processed - concurrency
	if nextIndex < 0 {
		nextIndex = 0
	}
	return nextIndex, nextIndex
}

// easternLocation is the America/New_York zone every trade-date
// resolution is evaluated in.
var easternLocation = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// nowTradeDateString formats t as the resume snapshot's trade-date key
// format (date-only, no time-of-day), in the America/New_York zone.
func nowTradeDateString(t time.Time) string {
	return t.In(easternLocation).Format("2006-01-02")
}

// currentTradeDateET resolves "today" for a data-provider trade date:
// daily bars for the current session aren't final until the close
// settles, so before 17:00 ET a run still targets the prior session.
// The hour is evaluated in ET, not server-local time, so the cutoff
// holds wherever the process runs.
func currentTradeDateET(now time.Time) time.Time {
	et := now.In(easternLocation)
	if et.Hour() < 17 {
		et = et.AddDate(0, 0, -1)
	}
	return et
}
