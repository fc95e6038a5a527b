package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateBeginRunMutualExclusion(t *testing.T) {
	s := NewState(ProgramFetchDaily)

	tok, ok := s.BeginRun(context.Background())
	require.True(t, ok)

	_, second := s.BeginRun(context.Background())
	assert.False(t, second, "a second BeginRun while running must be refused")

	s.MarkTerminal(StatusCompleted, 1)
	s.Cleanup(tok)

	_, third := s.BeginRun(context.Background())
	assert.True(t, third, "a new run is admitted once the previous one terminated")
}

func TestStateRequestStopFiresToken(t *testing.T) {
	s := NewState(ProgramFetchDaily)

	assert.False(t, s.RequestStop(), "no run in flight to stop")

	tok, ok := s.BeginRun(context.Background())
	require.True(t, ok)

	require.True(t, s.RequestStop())
	assert.True(t, s.ShouldStop())
	assert.True(t, s.StopRequested())
	assert.False(t, s.PauseRequested())

	select {
	case <-tok.Ctx().Done():
	default:
		t.Fatal("RequestStop must cancel the run context")
	}
}

func TestStateRequestPauseIsDistinctFromStop(t *testing.T) {
	s := NewState(ProgramFetchDaily)
	tok, ok := s.BeginRun(context.Background())
	require.True(t, ok)

	require.True(t, s.RequestPause())
	assert.True(t, s.ShouldStop(), "workers observe a pause the same way they observe a stop")
	assert.False(t, s.StopRequested())
	assert.True(t, s.PauseRequested())

	select {
	case <-tok.Ctx().Done():
	default:
		t.Fatal("RequestPause must cancel the run context")
	}
}

func TestStateMarkTerminalSnapshotInvariant(t *testing.T) {
	snap := &ResumeSnapshot{
		Program:       ProgramFetchDaily,
		AsOfTradeDate: "2026-07-30",
		Tickers:       []string{"AAPL", "MSFT"},
		Total:         2,
		NextIndex:     1,
		Processed:     1,
	}

	// stopped/paused/failed preserve the snapshot.
	for _, status := range []Status{StatusStopped, StatusPaused, StatusFailed} {
		s := NewState(ProgramFetchDaily)
		s.BeginRun(context.Background())
		s.SaveResumeState(snap)
		s.MarkTerminal(status, 1)
		assert.NotNil(t, s.Resume(), "status %s must preserve the snapshot", status)
		assert.True(t, s.CanResume())
	}

	// the two clean completions clear it.
	for _, status := range []Status{StatusCompleted, StatusCompletedWithErrors} {
		s := NewState(ProgramFetchDaily)
		s.BeginRun(context.Background())
		s.SaveResumeState(snap)
		s.MarkTerminal(status, 1)
		assert.Nil(t, s.Resume(), "status %s must clear the snapshot", status)
		assert.False(t, s.CanResume())
	}
}

func TestStateBeginRunResetsInterruptFlags(t *testing.T) {
	s := NewState(ProgramFetchDaily)

	s.BeginRun(context.Background())
	s.RequestStop()
	s.MarkTerminal(StatusStopped, 1)

	_, ok := s.BeginRun(context.Background())
	require.True(t, ok)
	assert.False(t, s.ShouldStop(), "a fresh run starts with stop/pause cleared")
}
