// Package scheduler decides which jobs are due and dispatches their runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

const (
	SkipOutsideWindow = "outside_window"
	SkipNotDue        = "not_due"
	SkipAlreadyFired  = "already_fired"
	SkipInvalidCron   = "invalid_cron"
	SkipInFlight      = "in_flight"
	SkipLedgerError   = "ledger_error"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Candidates lists the jobs a tick evaluates.
type Candidates interface {
	ListDueJobCandidates(ctx context.Context) ([]domain.SyncJob, error)
}

// InFlight reports whether a job holds an unreleased run slot.
type InFlight interface {
	IsRunInFlight(ctx context.Context, jobID string) (bool, error)
}

// Runner executes one run of a job to completion.
type Runner interface {
	RunJob(ctx context.Context, jobID string) (domain.RunResult, error)
}

// Metrics counts ticks, dispatches and skips.
type Metrics interface {
	Tick()
	Dispatched()
	Skipped(reason string)
}

// Deps are the collaborators of a Scheduler. Ledger and Metrics are optional.
type Deps struct {
	Catalog Candidates
	Ledger  InFlight
	Runner  Runner
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics Metrics
	// OnResult receives every finished dispatched run.
	OnResult func(domain.RunResult)
}

// Outcome is delivered once on a dispatch's Done channel.
type Outcome struct {
	Result domain.RunResult
	Err    error
}

// Dispatch is a run started by a tick for the given fire time.
type Dispatch struct {
	JobID    string         `json:"jobId"`
	FireTime time.Time      `json:"fireTime"`
	Done     <-chan Outcome `json:"-"`
}

// Skip is a candidate a tick did not dispatch, with one of the Skip* reasons.
type Skip struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Report describes one tick.
type Report struct {
	Now        time.Time  `json:"now"`
	Candidates int        `json:"candidates"`
	Dispatched []Dispatch `json:"dispatched"`
	Skipped    []Skip     `json:"skipped"`
	Error      string     `json:"error,omitempty"`
}

// Scheduler dispatches due jobs, at most one run per job and fire time.
type Scheduler struct {
	cfg      Config
	catalog  Candidates
	ledger   InFlight
	runner   Runner
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  Metrics
	onResult func(domain.RunResult)

	mu        sync.Mutex
	running   map[string]struct{}
	lastFired map[string]time.Time
	wg        sync.WaitGroup
}

// New requires a catalog and a runner; the clock and logger default to real ones.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Catalog == nil || deps.Runner == nil {
		return nil, errors.New("scheduler needs a catalog and a runner")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		catalog:   deps.Catalog,
		ledger:    deps.Ledger,
		runner:    deps.Runner,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "scheduler"),
		metrics:   deps.Metrics,
		onResult:  deps.OnResult,
		running:   map[string]struct{}{},
		lastFired: map[string]time.Time{},
	}, nil
}

// Run ticks on the configured interval until ctx is done. Dispatched runs are
// not canceled; use Wait to join them.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// Wait blocks until every dispatched run has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick evaluates every candidate job at now. It never waits for a run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) Report {
	report := Report{Now: now.UTC()}
	if s.metrics != nil {
		s.metrics.Tick()
	}
	jobs, err := s.catalog.ListDueJobCandidates(ctx)
	if err != nil {
		report.Error = err.Error()
		s.warn("list candidates failed", "error", err)
		return report
	}
	report.Candidates = len(jobs)
	for _, job := range jobs {
		fire, skip := s.evaluate(ctx, job, now)
		if skip != nil {
			report.Skipped = append(report.Skipped, *skip)
			if s.metrics != nil {
				s.metrics.Skipped(skip.Reason)
			}
			continue
		}
		done, reason := s.dispatch(ctx, job, fire)
		if reason != "" {
			skip := Skip{JobID: job.ID, Reason: reason}
			if reason == SkipInFlight {
				skip.Detail = "dispatched run still running"
			}
			report.Skipped = append(report.Skipped, skip)
			if s.metrics != nil {
				s.metrics.Skipped(reason)
			}
			continue
		}
		report.Dispatched = append(report.Dispatched, Dispatch{JobID: job.ID, FireTime: fire, Done: done})
		if s.metrics != nil {
			s.metrics.Dispatched()
		}
		s.logger.Info("job dispatched", "job_id", job.ID, "fire_time", fire)
	}
	s.forget(jobs)
	return report
}

// forget drops last-fired times of jobs that are no longer candidates.
func (s *Scheduler) forget(jobs []domain.SyncJob) {
	keep := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		keep[job.ID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastFired {
		if _, ok := keep[id]; !ok {
			delete(s.lastFired, id)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, job domain.SyncJob, now time.Time) (time.Time, *Skip) {
	if !InActiveWindow(job, now, s.cfg.Location) {
		return time.Time{}, &Skip{JobID: job.ID, Reason: SkipOutsideWindow}
	}
	sched, err := Parse(job.CronSchedule, s.cfg.Location)
	if err != nil {
		s.logger.Error("invalid cron schedule", "job_id", job.ID, "cron", job.CronSchedule, "error", err)
		return time.Time{}, &Skip{JobID: job.ID, Reason: SkipInvalidCron, Detail: err.Error()}
	}
	s.mu.Lock()
	last, fired := s.lastFired[job.ID]
	s.mu.Unlock()

	fire, due := DueFireTime(sched, now, s.cfg.Lookback, last)
	if !due {
		if fired && !fire.IsZero() && !fire.After(last) {
			return time.Time{}, &Skip{JobID: job.ID, Reason: SkipAlreadyFired}
		}
		return time.Time{}, &Skip{JobID: job.ID, Reason: SkipNotDue}
	}
	if s.ledger != nil {
		inFlight, err := s.ledger.IsRunInFlight(ctx, job.ID)
		if err != nil {
			s.warn("in-flight check failed", "job_id", job.ID, "error", err)
			return time.Time{}, &Skip{JobID: job.ID, Reason: SkipLedgerError, Detail: err.Error()}
		}
		if inFlight {
			return time.Time{}, &Skip{JobID: job.ID, Reason: SkipInFlight}
		}
	}
	return fire, nil
}

// dispatch claims fire for the job and starts the run in its own goroutine.
// The claim and the running check share one critical section, so concurrent
// ticks dispatch a fire time at most once. A non-empty reason means nothing
// was started.
func (s *Scheduler) dispatch(ctx context.Context, job domain.SyncJob, fire time.Time) (<-chan Outcome, string) {
	s.mu.Lock()
	if last, ok := s.lastFired[job.ID]; ok && !fire.After(last) {
		s.mu.Unlock()
		return nil, SkipAlreadyFired
	}
	if _, busy := s.running[job.ID]; busy {
		s.mu.Unlock()
		return nil, SkipInFlight
	}
	s.running[job.ID] = struct{}{}
	s.lastFired[job.ID] = fire
	s.mu.Unlock()

	done := make(chan Outcome, 1)
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.ID)
			s.mu.Unlock()
		}()

		out := s.runSafely(runCtx, job.ID)
		done <- out
		close(done)
		if out.Err != nil {
			s.warn("dispatched run not executed", "job_id", job.ID, "error", out.Err)
			return
		}
		if s.onResult != nil {
			s.onResult(out.Result)
		}
	}()
	return done, ""
}

func (s *Scheduler) runSafely(ctx context.Context, jobID string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("run panicked: %v", r)}
		}
	}()
	res, err := s.runner.RunJob(ctx, jobID)
	return Outcome{Result: res, Err: err}
}

func (s *Scheduler) warn(msg string, attrs ...any) {
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, _ := attrs[i].(string); key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	s.logger.Warn(msg, attrs...)
}

// Parse reads a cron expression with optional seconds field and descriptors
// (@hourly, @every 5m). Expressions without CRON_TZ are evaluated in loc.
func Parse(expr string, loc *time.Location) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron schedule")
	}
	if loc != nil && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	return parser.Parse(expr)
}

// DueFireTime returns the latest fire time in (now-lookback, now] and whether
// it is later than lastFired. @every schedules fire relative to lastFired and
// are due immediately when they never fired.
func DueFireTime(sched cron.Schedule, now time.Time, lookback time.Duration, lastFired time.Time) (time.Time, bool) {
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		if lastFired.IsZero() {
			return now, true
		}
		if lastFired.Add(every.Delay).After(now) {
			return time.Time{}, false
		}
		return now, true
	}
	var fire time.Time
	for t := sched.Next(now.Add(-lookback)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		fire = t
	}
	if fire.IsZero() {
		return time.Time{}, false
	}
	if !lastFired.IsZero() && !fire.After(lastFired) {
		return fire, false
	}
	return fire, true
}

// InActiveWindow compares calendar dates in loc; both bounds are inclusive.
func InActiveWindow(job domain.SyncJob, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	today := civilDate(now.In(loc))
	if job.ActiveFrom != nil && today < civilDate(*job.ActiveFrom) {
		return false
	}
	if job.ActiveUntil != nil && today > civilDate(*job.ActiveUntil) {
		return false
	}
	return true
}

func civilDate(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}
