package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/source"
	"github.com/sheetsync-labs/sheetsync-go/internal/staging"
	"github.com/sheetsync-labs/sheetsync-go/internal/warehouse"
)

// runContext is the mutable state of one run. It is owned by the goroutine
// executing RunJob.
type runContext struct {
	jobID  string
	runID  string
	start  time.Time
	clock  clockwork.Clock
	logger *slog.Logger

	state   domain.RunState
	entries []domain.LogEntry

	job         domain.SyncJob
	jobLoaded   bool
	destination domain.DestinationConnection
	connection  domain.SourceConnection

	rows         source.RowSet
	schemaStatus domain.SchemaStatus

	session  *warehouse.Session
	loader   *staging.Loader
	artifact staging.Artifact

	err      error
	failedIn domain.RunState
}

func newRunContext(jobID, runID string, clock clockwork.Clock, logger *slog.Logger) *runContext {
	return &runContext{
		jobID:  jobID,
		runID:  runID,
		start:  clock.Now().UTC(),
		clock:  clock,
		logger: logger.With("job_id", jobID, "run_id", runID),
		state:  domain.RunStateFetching,
	}
}

func (rc *runContext) enter(next domain.RunState) error {
	if !domain.CanTransitionRunState(rc.state, next) {
		return domain.Errorf(domain.KindInternal, "transition", "invalid run state transition %s -> %s", rc.state, next)
	}
	rc.state = next
	return nil
}

// fail keeps the first error; later ones are only logged.
func (rc *runContext) fail(err error) {
	if err == nil {
		return
	}
	rc.logf(domain.LevelError, "%s failed: %v", rc.state, err)
	if rc.err != nil {
		return
	}
	rc.err = err
	rc.failedIn = rc.state
}

func (rc *runContext) logf(level domain.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	rc.entries = append(rc.entries, domain.LogEntry{Timestamp: rc.clock.Now().UTC(), Level: level, Message: msg})
	attrs := []any{"state", string(rc.state)}
	switch level {
	case domain.LevelError:
		rc.logger.Error(msg, attrs...)
	case domain.LevelWarn:
		rc.logger.Warn(msg, attrs...)
	default:
		rc.logger.Info(msg, attrs...)
	}
}

func (rc *runContext) finalTable() warehouse.TableRef {
	return warehouse.TableRef{Dataset: rc.job.DatasetID, Table: rc.job.FinalTableName}
}

// result builds the terminal record. It must be called after the terminal
// transition.
func (rc *runContext) result() domain.RunResult {
	end := rc.clock.Now().UTC()
	if end.Before(rc.start) {
		end = rc.start
	}
	duration := end.Sub(rc.start).Seconds()
	res := domain.RunResult{
		RunID:             rc.runID,
		JobID:             rc.jobID,
		StartTime:         rc.start,
		EndTime:           end,
		Details:           append([]domain.LogEntry(nil), rc.entries...),
		DurationInSeconds: &duration,
		SchemaStatus:      rc.schemaStatus,
	}
	if rc.err == nil {
		rows := int64(rc.rows.Len())
		res.Status = domain.RunSuccess
		res.RowsSynced = &rows
		if rows == 0 {
			res.Summary = "No data found in sources; nothing was loaded."
		} else {
			res.Summary = fmt.Sprintf("Synced %d rows into %s.", rows, rc.finalTable())
		}
		return res
	}
	kind := domain.KindOf(rc.err)
	res.Status = domain.RunFailure
	res.ErrorKind = kind
	res.Summary = fmt.Sprintf("Sync failed while %s (%s): %v", rc.failedIn, kind, rc.err)
	if kind.NeedsOperator() {
		res.Summary += " Operator correction required."
	}
	return res
}
