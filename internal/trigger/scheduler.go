// Package trigger drives the scan engine on a schedule: Redis-backed
// last-run/last-completion bookkeeping keyed per program, with a
// mutex-guarded running flag so a slow run is never double-fired by an
// overlapping tick.
package trigger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"backend/internal/scan"
)

const (
	lastRunKeyPrefix        = "scan:lastrun:"
	lastCompletionKeyPrefix = "scan:lastcompletion:"
	bookkeepingTTL          = 30 * 24 * time.Hour
)

// ProgramSchedule pairs a program with the interval and options it
// should be run with.
type ProgramSchedule struct {
	Program  scan.Program
	Interval time.Duration
	Options  scan.RunOptions
}

// Scheduler periodically calls Engine.RunProgram for each configured
// program, recording last-run/last-completion timestamps in Redis so an
// operator can see drift against the expected cadence.
type Scheduler struct {
	engine scan.Controller
	cache  *redis.Client

	schedules []ProgramSchedule

	mu      sync.Mutex
	running map[scan.Program]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler. It does not start ticking until Start is
// called.
func New(engine scan.Controller, cache *redis.Client, schedules []ProgramSchedule) *Scheduler {
	return &Scheduler{
		engine:    engine,
		cache:     cache,
		schedules: schedules,
		running:   make(map[scan.Program]bool),
		stop:      make(chan struct{}),
	}
}

// Start launches one ticking goroutine per configured program schedule.
func (s *Scheduler) Start(ctx context.Context) {
	for _, sched := range s.schedules {
		s.wg.Add(1)
		go s.runLoop(ctx, sched)
	}
}

// Stop halts every ticking goroutine and waits for any in-flight
// RunProgram call to return, since each loop runs its program
// synchronously.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, sched ProgramSchedule) {
	defer s.wg.Done()

	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.fire(ctx, sched)
		}
	}
}

// fire runs sched.Program once, skipping if a prior invocation for the
// same program is still in flight.
func (s *Scheduler) fire(ctx context.Context, sched ProgramSchedule) {
	s.mu.Lock()
	if s.running[sched.Program] {
		s.mu.Unlock()
		log.Printf("trigger %s: previous run still in flight, skipping this tick", sched.Program)
		return
	}
	s.running[sched.Program] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[sched.Program] = false
		s.mu.Unlock()
	}()

	s.recordLastRun(ctx, sched.Program)

	opts := sched.Options
	opts.Trigger = "scheduler"
	result, err := s.engine.RunProgram(ctx, sched.Program, opts)
	if err != nil {
		log.Printf("trigger %s: run failed: %v", sched.Program, err)
		return
	}

	s.recordLastCompletion(ctx, sched.Program, result.Final)
}

func (s *Scheduler) recordLastRun(ctx context.Context, program scan.Program) {
	if s.cache == nil {
		return
	}
	key := lastRunKeyPrefix + string(program)
	if err := s.cache.Set(ctx, key, time.Now().Format(time.RFC3339), bookkeepingTTL).Err(); err != nil {
		log.Printf("trigger %s: failed to record last-run timestamp: %v", program, err)
	}
}

func (s *Scheduler) recordLastCompletion(ctx context.Context, program scan.Program, final scan.Status) {
	if s.cache == nil {
		return
	}
	key := lastCompletionKeyPrefix + string(program)
	value := fmt.Sprintf("%s|%s", time.Now().Format(time.RFC3339), final)
	if err := s.cache.Set(ctx, key, value, bookkeepingTTL).Err(); err != nil {
		log.Printf("trigger %s: failed to record last-completion timestamp: %v", program, err)
	}
}

// LastRun returns the last-run timestamp recorded for program, or the
// zero time if none is recorded yet.
func (s *Scheduler) LastRun(ctx context.Context, program scan.Program) (time.Time, error) {
	if s.cache == nil {
		return time.Time{}, nil
	}
	v, err := s.cache.Get(ctx, lastRunKeyPrefix+string(program)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last run(%s): %w", program, err)
	}
	return time.Parse(time.RFC3339, v)
}
