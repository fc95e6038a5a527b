package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeSnapshotNormaliseClampsNextIndex(t *testing.T) {
	s := &ResumeSnapshot{Total: 10, NextIndex: 50, Processed: -3, Errors: -1}
	s.Normalise()

	assert.Equal(t, 10, s.NextIndex)
	assert.Equal(t, 0, s.Processed)
	assert.Equal(t, 0, s.Errors)
}

func TestResumeSnapshotCanResume(t *testing.T) {
	var nilSnap *ResumeSnapshot
	assert.False(t, nilSnap.CanResume())

	assert.False(t, (&ResumeSnapshot{Total: 0}).CanResume())
	assert.False(t, (&ResumeSnapshot{Total: 10, NextIndex: 10}).CanResume())

	daily := &ResumeSnapshot{Program: ProgramFetchDaily, Total: 10, NextIndex: 3}
	assert.False(t, daily.CanResume(), "fetch-daily requires AsOfTradeDate")
	daily.AsOfTradeDate = "2026-07-30"
	assert.True(t, daily.CanResume())

	weekly := &ResumeSnapshot{Program: ProgramFetchWeekly, Total: 10, NextIndex: 3}
	assert.False(t, weekly.CanResume())
	weekly.WeeklyTradeDate = "2026-07-27"
	assert.True(t, weekly.CanResume())
}

func TestEncodeDecodeResumeSnapshotRoundTrip(t *testing.T) {
	original := &ResumeSnapshot{
		Program:        ProgramDetector,
		SourceInterval: Interval1Day,
		AsOfTradeDate:  "2026-07-30",
		Tickers:        []string{"AAPL", "MSFT"},
		Total:          2,
		NextIndex:      1,
		Processed:      1,
	}

	encoded, err := EncodeResumeSnapshot(original)
	require.NoError(t, err)

	decoded, err := DecodeResumeSnapshot(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, original.Program, decoded.Program)
	assert.Equal(t, original.Tickers, decoded.Tickers)
	assert.Equal(t, original.NextIndex, decoded.NextIndex)
}

func TestDecodeResumeSnapshotNullOrEmpty(t *testing.T) {
	decoded, err := DecodeResumeSnapshot("")
	require.NoError(t, err)
	assert.Nil(t, decoded)

	decoded, err = DecodeResumeSnapshot("null")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestEncodeResumeSnapshotNil(t *testing.T) {
	encoded, err := EncodeResumeSnapshot(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", encoded)
}

func TestRewindNextIndex(t *testing.T) {
	next, processed := rewindNextIndex(100, 40)
	assert.Equal(t, 60, next)
	assert.Equal(t, 60, processed)

	next, processed = rewindNextIndex(10, 40)
	assert.Equal(t, 0, next)
	assert.Equal(t, 0, processed)
}

func TestCurrentTradeDateETCutoff(t *testing.T) {
	beforeClose := time.Date(2026, 7, 30, 16, 59, 0, 0, easternLocation)
	assert.Equal(t, "2026-07-29", currentTradeDateET(beforeClose).Format("2006-01-02"))

	atCutoff := time.Date(2026, 7, 30, 17, 0, 0, 0, easternLocation)
	assert.Equal(t, "2026-07-30", currentTradeDateET(atCutoff).Format("2006-01-02"))

	// a UTC instant is converted into ET before the cutoff is applied.
	utcEvening := time.Date(2026, 7, 30, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-30", currentTradeDateET(utcEvening).Format("2006-01-02"))
}

func TestNowTradeDateStringUsesEasternZone(t *testing.T) {
	utcEvening := time.Date(2026, 7, 30, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-30", nowTradeDateString(utcEvening))
}
