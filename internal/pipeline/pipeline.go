package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/merge"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo"
	"github.com/sheetsync-labs/sheetsync-go/internal/schema"
	"github.com/sheetsync-labs/sheetsync-go/internal/source"
	"github.com/sheetsync-labs/sheetsync-go/internal/staging"
	"github.com/sheetsync-labs/sheetsync-go/internal/warehouse"
)

// ErrRunInFlight is returned when the job already has a run holding its slot.
var ErrRunInFlight = errors.New("run already in flight")

// Notifier is told about every finished run of a job that was resolved.
type Notifier interface {
	Notify(ctx context.Context, job domain.SyncJob, result domain.RunResult) error
}

// Recorder receives run outcomes and cleanup failures for metrics.
type Recorder interface {
	ObserveRun(outcome, kind string, duration time.Duration, rows int64)
	CleanupFailed()
}

// Deps are the collaborators of an Orchestrator. Catalog and Ledger are required.
type Deps struct {
	Catalog   repo.JobCatalog
	Ledger    repo.RunLedger
	Sources   source.Registry
	Connector warehouse.Connector
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   Recorder
	Notifier  Notifier
	NewRunID  func() string
}

// Orchestrator runs jobs through the Fetching to CleaningUp state machine.
type Orchestrator struct {
	cfg       Config
	catalog   repo.JobCatalog
	ledger    repo.RunLedger
	sources   source.Registry
	connector warehouse.Connector
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   Recorder
	notifier  Notifier
	newRunID  func() string
}

// New fills unset dependencies with the real connector, clock, logger and
// uuid run ids.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Catalog == nil {
		return nil, errors.New("job catalog is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("run ledger is required")
	}
	if deps.Connector == nil {
		deps.Connector = warehouse.ClientConnector{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	return &Orchestrator{
		cfg:       cfg,
		catalog:   deps.Catalog,
		ledger:    deps.Ledger,
		sources:   deps.Sources,
		connector: deps.Connector,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "pipeline"),
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		newRunID:  deps.NewRunID,
	}, nil
}

// RunJob executes one run of the job to completion. Every failure inside the
// run is reported through the returned RunResult; the only error is
// ErrRunInFlight, in which case nothing ran.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) (domain.RunResult, error) {
	jobID = strings.TrimSpace(jobID)
	rc := newRunContext(jobID, o.newRunID(), o.clock, o.logger)

	acquired, err := o.ledger.AcquireRun(ctx, jobID, rc.runID, rc.start)
	switch {
	case err != nil:
		rc.fail(domain.E(domain.KindInternal, "acquire run slot", err))
	case !acquired:
		return domain.RunResult{}, ErrRunInFlight
	default:
		rc.logf(domain.LevelInfo, "Starting sync for job %s", jobID)
		o.work(ctx, rc)
	}
	return o.finish(ctx, rc), nil
}

// work runs the working states. A panic in any of them fails the run in the
// state it happened in.
func (o *Orchestrator) work(ctx context.Context, rc *runContext) {
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			rc.fail(domain.Errorf(domain.KindInternal, string(rc.state), "panic: %v", r))
		}
	}()

	if err := o.fetch(ctx, rc); err != nil {
		rc.fail(err)
		return
	}
	if err := rc.enter(domain.RunStateExtracting); err != nil {
		rc.fail(err)
		return
	}
	if err := o.extract(ctx, rc); err != nil {
		rc.fail(err)
		return
	}
	if rc.rows.Len() == 0 {
		return
	}
	if err := o.stageAndMerge(ctx, rc); err != nil {
		rc.fail(err)
	}
}

func (o *Orchestrator) fetch(ctx context.Context, rc *runContext) error {
	job, err := o.catalog.GetJob(ctx, rc.jobID)
	if err != nil {
		return catalogError("get job "+rc.jobID, err)
	}
	rc.job, rc.jobLoaded = job, true
	if err := job.Validate(); err != nil {
		return domain.E(domain.KindConfiguration, "job "+job.ID, err)
	}
	if len(job.SchemaMapping) > 0 {
		if err := schema.ValidateMapping(job.SchemaMapping); err != nil {
			return err
		}
	}
	dest, err := o.catalog.GetDestinationConnection(ctx, job.DestinationID)
	if err != nil {
		return catalogError("get destination "+job.DestinationID, err)
	}
	if err := dest.Validate(); err != nil {
		return domain.E(domain.KindConfiguration, "destination "+dest.ID, err)
	}
	rc.destination = dest
	connID := job.Source.ConnectionID()
	conn, err := o.catalog.GetSourceConnection(ctx, job.Source.Kind, connID)
	if err != nil {
		return catalogError(fmt.Sprintf("get %s connection %s", job.Source.Kind, connID), err)
	}
	rc.connection = conn
	rc.logf(domain.LevelInfo, "Fetched configuration for job %s", job.DisplayName())
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, rc *runContext) error {
	rows, err := o.sources.Extract(ctx, source.Request{Job: rc.job, Connection: rc.connection, Destination: rc.destination})
	if err != nil {
		return err
	}
	rc.rows = rows
	rc.logf(domain.LevelSuccess, "Extracted %d rows with %d columns", rows.Len(), len(rows.Columns))

	if len(rc.job.SchemaMapping) > 0 && len(rows.Headers) > 0 {
		drift := schema.DetectDrift(rc.job.SchemaMapping, rows.Headers)
		if drift.Changed() {
			rc.schemaStatus = domain.SchemaChanged
			rc.logf(domain.LevelWarn, "Source schema changed: added %v, removed %v", drift.Added, drift.Removed)
		} else {
			rc.schemaStatus = domain.SchemaSynced
		}
	}
	if rows.Len() == 0 {
		rc.logf(domain.LevelSuccess, "No data found in sources. Sync for job %s completed without loading.", rc.job.DisplayName())
	}
	return nil
}

func (o *Orchestrator) stageAndMerge(ctx context.Context, rc *runContext) error {
	if err := rc.enter(domain.RunStateStaging); err != nil {
		return err
	}
	sess, err := o.connector.Connect(ctx, rc.destination)
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			err = domain.E(domain.KindConfiguration, "connect destination "+rc.destination.ID, err)
		}
		return err
	}
	rc.session = sess
	loader, err := staging.NewLoader(sess)
	if err != nil {
		return err
	}
	rc.loader = loader
	if err := loader.WriteObject(ctx, rc.rows, rc.job.ID, rc.start, &rc.artifact); err != nil {
		return err
	}
	rc.logf(domain.LevelSuccess, "Uploaded %d rows to %s", rc.rows.Len(), rc.artifact.Object.URI())

	if err := rc.enter(domain.RunStateLoading); err != nil {
		return err
	}
	if err := loader.LoadTable(ctx, rc.job, rc.rows.Columns, rc.start, &rc.artifact); err != nil {
		return err
	}
	rc.logf(domain.LevelSuccess, "Loaded staging table %s", rc.artifact.Table)

	if err := rc.enter(domain.RunStateMerging); err != nil {
		return err
	}
	final := rc.finalTable()
	if err := merge.Merge(ctx, sess.Warehouse, *rc.artifact.Table, final, rc.job.Strategy); err != nil {
		return err
	}
	rc.logf(domain.LevelSuccess, "Merged into %s with strategy %s", final, rc.job.Strategy)
	return nil
}

// finish cleans up, reaches the terminal state and publishes the result.
// It runs detached from the caller's cancellation.
func (o *Orchestrator) finish(ctx context.Context, rc *runContext) domain.RunResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()

	switch rc.state {
	case domain.RunStateStaging, domain.RunStateLoading, domain.RunStateMerging:
		o.cleanup(ctx, rc)
	}

	terminal := domain.RunStateSucceeded
	if rc.err != nil {
		terminal = domain.RunStateFailed
	} else {
		rc.logf(domain.LevelSuccess, "Successfully completed sync for job %s", rc.job.DisplayName())
	}
	if err := rc.enter(terminal); err != nil {
		rc.logger.Error("terminal transition", "err", err)
		rc.state = terminal
	}
	result := rc.result()

	if err := o.ledger.RecordRunResult(ctx, rc.jobID, result); err != nil {
		rc.logger.Error("record run result", "err", err)
	}
	if o.metrics != nil {
		var rows int64
		if result.RowsSynced != nil {
			rows = *result.RowsSynced
		}
		o.metrics.ObserveRun(string(result.Status), string(result.ErrorKind), result.EndTime.Sub(result.StartTime), rows)
	}
	if o.notifier != nil && rc.jobLoaded {
		if err := o.notifier.Notify(ctx, rc.job, result); err != nil {
			rc.logger.Warn("notification failed", "err", err)
		}
	}
	rc.logger.Info("run finished", "status", result.Status, "error_kind", result.ErrorKind, "duration_seconds", *result.DurationInSeconds)
	return result
}

func (o *Orchestrator) cleanup(ctx context.Context, rc *runContext) {
	defer func() {
		if r := recover(); r != nil {
			rc.logf(domain.LevelWarn, "Cleanup aborted: panic: %v", r)
		}
		if err := rc.session.Close(); err != nil {
			rc.logf(domain.LevelWarn, "Closing destination clients: %v", err)
		}
	}()
	if err := rc.enter(domain.RunStateCleaningUp); err != nil {
		rc.logf(domain.LevelWarn, "Cleanup skipped: %v", err)
		return
	}
	if rc.loader == nil || rc.artifact.Empty() {
		return
	}
	rc.logf(domain.LevelInfo, "Starting cleanup")
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.CleanupBackoff), uint64(o.cfg.CleanupRetries)),
		ctx,
	)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := rc.loader.Cleanup(ctx, &rc.artifact)
		if err != nil {
			rc.logf(domain.LevelWarn, "Cleanup attempt %d: %v", attempt, err)
		}
		return err
	}, policy)
	if err != nil {
		if o.metrics != nil {
			o.metrics.CleanupFailed()
		}
		rc.logf(domain.LevelWarn, "Cleanup incomplete, temporary resources may remain: %s", leftovers(rc.artifact))
		return
	}
	rc.logf(domain.LevelInfo, "Cleanup complete")
}

func leftovers(art staging.Artifact) string {
	var parts []string
	if art.Object != nil {
		parts = append(parts, art.Object.URI())
	}
	if art.Table != nil {
		parts = append(parts, art.Table.String())
	}
	return strings.Join(parts, ", ")
}

// catalogError classifies lookups: unknown ids are configuration problems,
// anything else is the catalog failing.
func catalogError(op string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.E(domain.KindConfiguration, op, err)
	}
	if domain.KindOf(err) != domain.KindInternal {
		return err
	}
	return domain.E(domain.KindInternal, op, err)
}
