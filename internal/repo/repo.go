package repo

import (
	"context"
	"errors"
	"time"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

var ErrNotFound = errors.New("not found")

// JobCatalog supplies job definitions and connections. Implementations return
// ErrNotFound for unknown ids.
type JobCatalog interface {
	// ListDueJobCandidates returns jobs that are Active or Error and not
	// archived. Cron and active-window checks are left to the scheduler.
	ListDueJobCandidates(ctx context.Context) ([]domain.SyncJob, error)
	GetJob(ctx context.Context, id string) (domain.SyncJob, error)
	GetDestinationConnection(ctx context.Context, id string) (domain.DestinationConnection, error)
	GetSourceConnection(ctx context.Context, kind domain.SourceKind, id string) (domain.SourceConnection, error)
}

// RunLedger tracks in-flight runs and consumes run results.
type RunLedger interface {
	// AcquireRun claims the job's in-flight slot. It reports false when another
	// run holds a slot younger than the ledger's stale threshold.
	AcquireRun(ctx context.Context, jobID, runID string, startedAt time.Time) (bool, error)
	IsRunInFlight(ctx context.Context, jobID string) (bool, error)
	// RecordRunResult stores the result, updates the job's last-run fields and
	// status, and releases the in-flight slot held by result.RunID.
	RecordRunResult(ctx context.Context, jobID string, result domain.RunResult) error
	// ListRuns returns the newest results first.
	ListRuns(ctx context.Context, jobID string, limit int) ([]domain.RunResult, error)
}

// DefaultStaleAfter is how long an unreleased in-flight slot blocks new runs.
const DefaultStaleAfter = 6 * time.Hour

// NextJobStatus is the job status after a run: a failure moves an Active job
// to Error, a success clears Error back to Active. Paused and Completed jobs
// keep their status so manual runs never re-enable scheduling.
func NextJobStatus(current domain.JobStatus, outcome domain.RunStatus) domain.JobStatus {
	switch {
	case outcome == domain.RunFailure && current == domain.JobStatusActive:
		return domain.JobStatusError
	case outcome == domain.RunSuccess && current == domain.JobStatusError:
		return domain.JobStatusActive
	default:
		return current
	}
}
