// Package memory holds an in-process run ledger for single-node use and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo"
)

// StatusSink receives job status and last-run updates, so a catalog can reflect
// what the ledger records.
type StatusSink interface {
	ApplyRunResult(jobID string, result domain.RunResult)
}

type slot struct {
	runID     string
	startedAt time.Time
}

type Ledger struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	staleAfter time.Duration
	inFlight   map[string]slot
	runs       map[string][]domain.RunResult
	sink       StatusSink
}

func NewLedger(clock clockwork.Clock, staleAfter time.Duration, sink StatusSink) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if staleAfter <= 0 {
		staleAfter = repo.DefaultStaleAfter
	}
	return &Ledger{
		clock:      clock,
		staleAfter: staleAfter,
		inFlight:   map[string]slot{},
		runs:       map[string][]domain.RunResult{},
		sink:       sink,
	}
}

func (l *Ledger) AcquireRun(_ context.Context, jobID, runID string, startedAt time.Time) (bool, error) {
	jobID, runID = strings.TrimSpace(jobID), strings.TrimSpace(runID)
	if jobID == "" || runID == "" {
		return false, fmt.Errorf("job id and run id are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.heldLocked(jobID) {
		return false, nil
	}
	l.inFlight[jobID] = slot{runID: runID, startedAt: startedAt}
	return true, nil
}

func (l *Ledger) IsRunInFlight(_ context.Context, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldLocked(strings.TrimSpace(jobID)), nil
}

func (l *Ledger) RecordRunResult(_ context.Context, jobID string, result domain.RunResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	for _, r := range l.runs[jobID] {
		if r.RunID == result.RunID {
			l.mu.Unlock()
			return nil
		}
	}
	l.runs[jobID] = append(l.runs[jobID], result.Clone())
	if s, ok := l.inFlight[jobID]; ok && s.runID == result.RunID {
		delete(l.inFlight, jobID)
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.ApplyRunResult(jobID, result.Clone())
	}
	return nil
}

func (l *Ledger) ListRuns(_ context.Context, jobID string, limit int) ([]domain.RunResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runs := l.runs[strings.TrimSpace(jobID)]
	out := make([]domain.RunResult, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) heldLocked(jobID string) bool {
	s, ok := l.inFlight[jobID]
	if !ok {
		return false
	}
	if l.clock.Since(s.startedAt) >= l.staleAfter {
		delete(l.inFlight, jobID)
		return false
	}
	return true
}
