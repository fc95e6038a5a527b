package scan

import (
	"context"
	"sync"
	"time"
)

// Status is the externally-visible run status of a program's scan
// state.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusRunning             Status = "running"
	StatusRunningRetry        Status = "running-retry"
	StatusRunningMA           Status = "running-ma"
	StatusStopping            Status = "stopping"
	StatusStopped             Status = "stopped"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed-with-errors"
	StatusPaused              Status = "paused"
	StatusFailed              Status = "failed"
)

// terminal reports whether status is one of the two clean-completion
// statuses that clear the resume snapshot. Every other terminal status
// (stopped, paused, failed) preserves it so the run can be resumed.
func terminal(status Status) bool {
	return status == StatusCompleted || status == StatusCompletedWithErrors
}

// StatusRecord is the fixed, named-field status snapshot exposed to
// operators. Program-specific fields live here as plain optional
// columns rather than a free-form map.
type StatusRecord struct {
	Running      bool
	Status       Status
	Total        int
	Processed    int
	Errors       int
	StartedAt    time.Time
	FinishedAt   time.Time
	BullishCount int
	BearishCount int
	JobID        int64
}

// StartResult is what begin_run/start_run returns to the trigger that
// invoked it.
type StartResult string

const (
	StartStarted        StartResult = "started"
	StartAlreadyRunning StartResult = "already-running"
	StartDisabled       StartResult = "disabled"
	StartNoResume       StartResult = "no-resume"
	StartSkipped        StartResult = "skipped"
)

// State is the per-program mutable scan-state controller: an explicit
// typed value the orchestrator holds one instance of per program and
// passes around, never a package-level global.
type State struct {
	mu sync.Mutex

	program Program

	running        bool
	stopRequested  bool
	pauseRequested bool
	cancel         context.CancelFunc
	tokenGen       int64

	resumeSnapshot *ResumeSnapshot
	status         StatusRecord
}

// NewState constructs an idle scan state for the given program.
func NewState(program Program) *State {
	return &State{
		program: program,
		status:  StatusRecord{Status: StatusIdle},
	}
}

// Token identifies one run's cancellation scope; cleanup(token) only
// clears shared state if the token is still the current one, so a
// superseded run's cleanup can't stomp on a newer run.
type Token struct {
	state *State
	gen   int64
	ctx   context.Context
}

// Ctx returns this run's cancellation-aware context.
func (t Token) Ctx() context.Context { return t.ctx }

// BeginRun attempts to transition idle -> running. If a run is already
// in flight it returns (zero Token, false) and mutates nothing. The
// caller is expected to treat false as StartAlreadyRunning.
func (s *State) BeginRun(ctx context.Context) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return Token{}, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.stopRequested = false
	s.pauseRequested = false
	s.cancel = cancel
	s.tokenGen++
	s.status = StatusRecord{Running: true, Status: StatusRunning, StartedAt: time.Now()}

	return Token{state: s, gen: s.tokenGen, ctx: runCtx}, true
}

// RequestStop fires the cancellation token and flips stop_requested.
// Returns true if a run was actually in flight to stop.
func (s *State) RequestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.stopRequested = true
	s.status.Status = StatusStopping
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// RequestPause fires the cancellation token like RequestStop but marks
// the interruption as a pause, so the terminal status comes out paused
// rather than stopped. The engine never initiates a pause on its own;
// both stop and pause are operator requests.
func (s *State) RequestPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.pauseRequested = true
	s.status.Status = StatusStopping
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// ShouldStop is polled by fan-out workers between items.
func (s *State) ShouldStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested || s.pauseRequested
}

// StopRequested reports whether an operator stop was requested
// (distinct from pause, for the "Aborted while stopping is not an
// error" rule).
func (s *State) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// PauseRequested reports whether a pause was requested.
func (s *State) PauseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseRequested
}

// SaveResumeState stores a checkpoint snapshot and updates processed
// counters in the status record. It is called on every progress
// checkpoint (after each settled item) and on stop/pause/failure exits.
func (s *State) SaveResumeState(snap *ResumeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeSnapshot = snap
	if snap != nil {
		s.status.Total = snap.Total
		s.status.Processed = snap.Processed
		s.status.Errors = snap.Errors
	}
}

// Resume returns the currently held snapshot, or nil.
func (s *State) Resume() *ResumeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeSnapshot
}

// CanResume reports whether the held snapshot is usable to restart.
func (s *State) CanResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeSnapshot.CanResume()
}

// MarkTerminal transitions running -> idle, recording the terminal
// status. If status is not one of the two clean-completion values the
// held resume snapshot is preserved; otherwise it is cleared.
func (s *State) MarkTerminal(status Status, jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.cancel = nil
	s.status.Running = false
	s.status.Status = status
	s.status.FinishedAt = time.Now()
	s.status.JobID = jobID

	if terminal(status) {
		s.resumeSnapshot = nil
	}
}

// SetRunningStatus updates the in-flight status (e.g. running-retry,
// running-ma) without ending the run.
func (s *State) SetRunningStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Status = status
}

// UpdateProgress updates the processed/errors counters shown in
// GetStatus without touching the resume snapshot.
func (s *State) UpdateProgress(processed, errors, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Processed = processed
	s.status.Errors = errors
	s.status.Total = total
}

// GetStatus returns a copy of the current status snapshot. Reads may
// observe a slightly stale snapshot relative to concurrent writers,
// which is acceptable for status display.
func (s *State) GetStatus() StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Cleanup clears the cancellation func if token is still current,
// preventing a superseded run from clobbering a newer one's state.
func (s *State) Cleanup(token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.gen == s.tokenGen {
		s.cancel = nil
	}
}
