package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/data"
	"backend/internal/scan"
)

// fakeStore is a minimal in-memory scan.Store, trimmed to just enough
// bookkeeping for RunProgram to complete a one-ticker run cleanly.
type fakeStore struct {
	mu     sync.Mutex
	active []string

	published map[scan.SourceInterval]time.Time
	nextJobID int64
}

func newFakeStore(tickers ...string) *fakeStore {
	return &fakeStore{
		active:    append([]string(nil), tickers...),
		published: map[scan.SourceInterval]time.Time{},
	}
}

func (f *fakeStore) ActiveTickers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...), nil
}

func (f *fakeStore) UpsertTickerDetails(ctx context.Context, details []scan.TickerDetail) error {
	return nil
}

func (f *fakeStore) UpsertBars(ctx context.Context, rows []scan.BarRow) error { return nil }

func (f *fakeStore) UpsertSummaries(ctx context.Context, rows []scan.SummaryRow) error { return nil }

func (f *fakeStore) UpsertSignals(ctx context.Context, rows []scan.SignalRow) error { return nil }

func (f *fakeStore) DeleteNeutralSignals(ctx context.Context, markers []scan.NeutralMarker) error {
	return nil
}

func (f *fakeStore) RebuildSummariesForTradeDate(ctx context.Context, asOf time.Time) error {
	return nil
}

func (f *fakeStore) GetPublished(ctx context.Context, interval scan.SourceInterval) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[interval], nil
}

func (f *fakeStore) SetPublished(ctx context.Context, interval scan.SourceInterval, tradeDate time.Time, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[interval] = tradeDate
	return nil
}

func (f *fakeStore) BeginJob(ctx context.Context, program scan.Program, runForDate time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJobID++
	return f.nextJobID, nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, jobID int64, fields scan.JobUpdate) error {
	return nil
}

func (f *fakeStore) LoadResumeNotes(ctx context.Context) (string, error) { return "", nil }

func (f *fakeStore) RecordRunMetrics(ctx context.Context, m scan.RunMetricsSnapshot) error {
	return nil
}

var _ scan.Store = (*fakeStore)(nil)

func baseConfig() scan.Config {
	cfg := scan.LoadConfig()
	cfg.DataAPIKey = "test-key"
	return cfg
}

func stubOutcome(ticker string, asOf time.Time) scan.TickerOutcome {
	return scan.TickerOutcome{
		Ticker: ticker,
		Bar: &scan.BarRow{
			Ticker:         ticker,
			TradeDate:      asOf,
			SourceInterval: scan.Interval1Day,
		},
		Summary: &scan.SummaryRow{
			Ticker:         ticker,
			SourceInterval: scan.Interval1Day,
			TradeDate:      asOf,
			States:         scan.NewNeutralSummaryStates(),
		},
	}
}

// TestSchedulerFireSkipsWhileRunning exercises the scheduler's own
// running-flag guard (fire's s.running map), independent of the Redis
// bookkeeping: a second tick for the same program that arrives while the
// first is still in flight must return without invoking the engine
// again.
func TestSchedulerFireSkipsWhileRunning(t *testing.T) {
	store := newFakeStore("AAPL")
	universe := scan.NewUniverseProvider(store, nil)

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context, ticker string, asOf time.Time, lookbackDays int) (scan.TickerOutcome, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return stubOutcome(ticker, asOf), nil
	}

	engine := scan.NewEngine(baseConfig(), store, universe, map[scan.Program]scan.ComputeTicker{
		scan.ProgramFetchDaily: compute,
	})

	sched := ProgramSchedule{Program: scan.ProgramFetchDaily, Interval: time.Hour}
	s := New(engine, nil, []ProgramSchedule{sched})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fire(context.Background(), sched)
	}()

	// Wait for the first fire to actually enter the compute func before
	// trying the second, so this isn't racing the running-flag set.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, time.Millisecond)

	s.fire(context.Background(), sched)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second fire must not invoke the engine while the first is in flight")

	close(release)
	wg.Wait()
}

// TestSchedulerRedisBookkeeping exercises the last-run/last-completion
// timestamp bookkeeping against a real Redis instance (internal/data's
// InitTestConn, the same dev-environment test tooling
// internal/store/store_integration_test.go uses), not a mocked cache.
func TestSchedulerRedisBookkeeping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis-backed integration test in -short mode")
	}

	conn, cleanup := data.InitTestConn(t)
	defer cleanup()

	store := newFakeStore("AAPL")
	universe := scan.NewUniverseProvider(store, nil)
	compute := func(ctx context.Context, ticker string, asOf time.Time, lookbackDays int) (scan.TickerOutcome, error) {
		return stubOutcome(ticker, asOf), nil
	}
	engine := scan.NewEngine(baseConfig(), store, universe, map[scan.Program]scan.ComputeTicker{
		scan.ProgramFetchDaily: compute,
	})

	sched := ProgramSchedule{Program: scan.ProgramFetchDaily, Interval: time.Hour}
	s := New(engine, conn.Cache, []ProgramSchedule{sched})

	before := time.Now()
	s.fire(context.Background(), sched)

	last, err := s.LastRun(context.Background(), scan.ProgramFetchDaily)
	require.NoError(t, err)
	assert.WithinDuration(t, before, last, 5*time.Second)

	key := lastCompletionKeyPrefix + string(scan.ProgramFetchDaily)
	val, err := conn.Cache.Get(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Contains(t, val, fmt.Sprintf("|%s", scan.StatusCompleted))
}
