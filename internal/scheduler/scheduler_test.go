package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

type fakeCatalog struct {
	jobs []domain.SyncJob
	err  error
}

func (f *fakeCatalog) ListDueJobCandidates(context.Context) ([]domain.SyncJob, error) {
	return f.jobs, f.err
}

type fakeLedger struct {
	inFlight map[string]bool
}

func (f *fakeLedger) IsRunInFlight(_ context.Context, jobID string) (bool, error) {
	return f.inFlight[jobID], nil
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	started chan string
}

func (f *fakeRunner) RunJob(ctx context.Context, jobID string) (domain.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- jobID
	}
	if f.release != nil {
		<-f.release
	}
	if ctx.Err() != nil {
		return domain.RunResult{}, ctx.Err()
	}
	return domain.RunResult{RunID: "run-" + jobID, JobID: jobID, Status: domain.RunSuccess}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func job(id, cron string) domain.SyncJob {
	return domain.SyncJob{ID: id, CronSchedule: cron, Status: domain.JobStatusActive}
}

func newScheduler(t *testing.T, catalog *fakeCatalog, ledger *fakeLedger, runner *fakeRunner, clock clockwork.Clock) *Scheduler {
	t.Helper()
	s, err := New(DefaultConfig(), Deps{
		Catalog: catalog,
		Ledger:  ledger,
		Runner:  runner,
		Clock:   clock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return s
}

func reasons(r Report) map[string]string {
	out := map[string]string{}
	for _, s := range r.Skipped {
		out[s.JobID] = s.Reason
	}
	return out
}

func TestTickDispatchesDueJobsOnce(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	catalog := &fakeCatalog{jobs: []domain.SyncJob{
		job("every-5", "*/5 * * * *"),
		job("hourly-at-30", "30 * * * *"),
		job("broken", "not a cron"),
	}}
	runner := &fakeRunner{}
	s := newScheduler(t, catalog, &fakeLedger{}, runner, clockwork.NewFakeClockAt(now))

	report := s.Tick(context.Background(), now)
	if len(report.Dispatched) != 1 || report.Dispatched[0].JobID != "every-5" {
		t.Fatalf("dispatched=%+v", report.Dispatched)
	}
	if !report.Dispatched[0].FireTime.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("fire time=%s", report.Dispatched[0].FireTime)
	}
	got := reasons(report)
	if got["hourly-at-30"] != SkipNotDue || got["broken"] != SkipInvalidCron {
		t.Fatalf("skips=%v", got)
	}
	out := <-report.Dispatched[0].Done
	if out.Err != nil || out.Result.JobID != "every-5" {
		t.Fatalf("outcome=%+v", out)
	}
	s.Wait()

	again := s.Tick(context.Background(), now.Add(10*time.Second))
	if len(again.Dispatched) != 0 || reasons(again)["every-5"] != SkipAlreadyFired {
		t.Fatalf("second tick in the same window: %+v", again)
	}
	next := s.Tick(context.Background(), now.Add(5*time.Minute))
	if len(next.Dispatched) != 1 {
		t.Fatalf("next fire not dispatched: %+v", next)
	}
	s.Wait()
	if runner.callCount() != 2 {
		t.Fatalf("runner calls=%d", runner.callCount())
	}
}

func TestTickSkipsInFlightJobs(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	catalog := &fakeCatalog{jobs: []domain.SyncJob{job("a", "* * * * *"), job("b", "* * * * *")}}
	ledger := &fakeLedger{inFlight: map[string]bool{"b": true}}
	runner := &fakeRunner{release: make(chan struct{})}
	s := newScheduler(t, catalog, ledger, runner, clockwork.NewFakeClockAt(now))

	first := s.Tick(context.Background(), now)
	if len(first.Dispatched) != 1 || reasons(first)["b"] != SkipInFlight {
		t.Fatalf("first tick=%+v", first)
	}

	// "a" is still running locally when its next minute comes around.
	second := s.Tick(context.Background(), now.Add(time.Minute))
	if len(second.Dispatched) != 0 || reasons(second)["a"] != SkipInFlight {
		t.Fatalf("second tick=%+v", second)
	}
	close(runner.release)
	s.Wait()
	if runner.callCount() != 1 {
		t.Fatalf("runner calls=%d", runner.callCount())
	}
}

func TestTickActiveWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	day := func(y int, m time.Month, d int) *time.Time {
		v := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &v
	}
	future := job("future", "* * * * *")
	future.ActiveFrom = day(2024, 6, 2)
	expired := job("expired", "* * * * *")
	expired.ActiveUntil = day(2024, 5, 31)
	lastDay := job("last-day", "* * * * *")
	lastDay.ActiveFrom = day(2024, 5, 1)
	lastDay.ActiveUntil = day(2024, 6, 1)

	s := newScheduler(t, &fakeCatalog{jobs: []domain.SyncJob{future, expired, lastDay}}, &fakeLedger{}, &fakeRunner{}, clockwork.NewFakeClockAt(now))
	report := s.Tick(context.Background(), now)
	s.Wait()
	got := reasons(report)
	if got["future"] != SkipOutsideWindow || got["expired"] != SkipOutsideWindow {
		t.Fatalf("skips=%v", got)
	}
	if len(report.Dispatched) != 1 || report.Dispatched[0].JobID != "last-day" {
		t.Fatalf("until date must be inclusive: %+v", report.Dispatched)
	}
}

func TestTickCatalogError(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newScheduler(t, &fakeCatalog{err: errors.New("db down")}, &fakeLedger{}, &fakeRunner{}, clockwork.NewFakeClockAt(now))
	report := s.Tick(context.Background(), now)
	if report.Error == "" || len(report.Dispatched) != 0 {
		t.Fatalf("report=%+v", report)
	}
}

func TestDispatchOutlivesTickContext(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	runner := &fakeRunner{release: make(chan struct{})}
	var mu sync.Mutex
	var results []domain.RunResult
	s, err := New(DefaultConfig(), Deps{
		Catalog: &fakeCatalog{jobs: []domain.SyncJob{job("a", "* * * * *")}},
		Runner:  runner,
		Clock:   clockwork.NewFakeClockAt(now),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnResult: func(r domain.RunResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	report := s.Tick(ctx, now)
	cancel()
	close(runner.release)
	out := <-report.Dispatched[0].Done
	s.Wait()
	if out.Err != nil || !out.Result.Succeeded() {
		t.Fatalf("run canceled with the tick: %+v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("OnResult calls=%d", len(results))
	}
}

func TestRunTicksOnClock(t *testing.T) {
	start := time.Date(2024, 6, 1, 11, 59, 30, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	runner := &fakeRunner{started: make(chan string, 1)}
	s := newScheduler(t, &fakeCatalog{jobs: []domain.SyncJob{job("a", "0 12 * * *")}}, &fakeLedger{}, runner, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never created: %v", err)
	}
	clock.Advance(time.Minute)
	select {
	case id := <-runner.started:
		if id != "a" {
			t.Fatalf("started %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("job not dispatched after a tick")
	}
	cancel()
	<-done
	s.Wait()
}

func TestParseAndDueFireTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	for _, expr := range []string{"*/5 * * * *", "0 */5 * * * *", "@hourly", "CRON_TZ=Europe/Berlin 0 14 * * *"} {
		if _, err := Parse(expr, time.UTC); err != nil {
			t.Fatalf("Parse(%q) err=%v", expr, err)
		}
	}
	if _, err := Parse("", time.UTC); err == nil {
		t.Fatalf("expected error for empty expression")
	}

	// 14:00 Berlin is 12:00 UTC in June.
	sched, _ := Parse("CRON_TZ=Europe/Berlin 0 14 * * *", time.UTC)
	if _, due := DueFireTime(sched, now, time.Minute, time.Time{}); !due {
		t.Fatalf("CRON_TZ schedule should be due")
	}

	every, _ := Parse("@every 10m", time.UTC)
	if _, due := DueFireTime(every, now, time.Minute, time.Time{}); !due {
		t.Fatalf("@every should fire when it never fired")
	}
	if _, due := DueFireTime(every, now, time.Minute, now.Add(-5*time.Minute)); due {
		t.Fatalf("@every fired too early")
	}
	if _, due := DueFireTime(every, now, time.Minute, now.Add(-10*time.Minute)); !due {
		t.Fatalf("@every should fire after its delay")
	}
}

// gatedLedger holds the first in-flight check until the second arrives, and
// the second until the first dispatched run has finished.
type gatedLedger struct {
	mu       sync.Mutex
	calls    int
	second   chan struct{}
	firstRun chan struct{}
}

func (g *gatedLedger) IsRunInFlight(context.Context, string) (bool, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == 1 {
		<-g.second
	} else {
		close(g.second)
		<-g.firstRun
	}
	return false, nil
}

func TestConcurrentTicksDispatchFireTimeOnce(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	ledger := &gatedLedger{second: make(chan struct{}), firstRun: make(chan struct{})}
	runner := &fakeRunner{}
	var once sync.Once
	s, err := New(DefaultConfig(), Deps{
		Catalog:  &fakeCatalog{jobs: []domain.SyncJob{job("j1", "* * * * *")}},
		Ledger:   ledger,
		Runner:   runner,
		Clock:    clockwork.NewFakeClockAt(now),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnResult: func(domain.RunResult) { once.Do(func() { close(ledger.firstRun) }) },
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	reports := make([]Report, 2)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = s.Tick(context.Background(), now)
		}(i)
	}
	wg.Wait()
	s.Wait()

	dispatched, alreadyFired := 0, 0
	for _, r := range reports {
		dispatched += len(r.Dispatched)
		for _, skip := range r.Skipped {
			if skip.Reason == SkipAlreadyFired {
				alreadyFired++
			}
		}
	}
	if dispatched != 1 || alreadyFired != 1 {
		t.Fatalf("dispatched=%d alreadyFired=%d reports=%+v", dispatched, alreadyFired, reports)
	}
	if runner.callCount() != 1 {
		t.Fatalf("runs=%d want 1", runner.callCount())
	}
}

func TestTickForgetsRemovedJobs(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	catalog := &fakeCatalog{jobs: []domain.SyncJob{job("j1", "* * * * *"), job("j2", "* * * * *")}}
	s := newScheduler(t, catalog, &fakeLedger{}, &fakeRunner{}, clockwork.NewFakeClockAt(now))

	if r := s.Tick(context.Background(), now); len(r.Dispatched) != 2 {
		t.Fatalf("dispatched=%d want 2", len(r.Dispatched))
	}
	s.Wait()

	catalog.jobs = catalog.jobs[:1]
	s.Tick(context.Background(), now.Add(10*time.Second))
	s.mu.Lock()
	_, keptJ1 := s.lastFired["j1"]
	_, keptJ2 := s.lastFired["j2"]
	s.mu.Unlock()
	if !keptJ1 || keptJ2 {
		t.Fatalf("lastFired j1=%v j2=%v, want only j1", keptJ1, keptJ2)
	}
}
