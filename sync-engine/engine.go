package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/notify"
	"github.com/sheetsync-labs/sheetsync-go/internal/pipeline"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/metrics"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/postgres"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo/filecatalog"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo/memory"
	repopg "github.com/sheetsync-labs/sheetsync-go/internal/repo/postgres"
	"github.com/sheetsync-labs/sheetsync-go/internal/scheduler"
	"github.com/sheetsync-labs/sheetsync-go/internal/source"
)

// engine is everything a command needs to run jobs.
type engine struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	db        *sql.DB
	dbCfg     postgres.Config
	catalog   repo.JobCatalog
	ledger    repo.RunLedger
	metrics   *metrics.Metrics
	runner    *pipeline.Orchestrator
	scheduler *scheduler.Scheduler
}

// newEngine reads jobs from catalogPath when it is set, otherwise from
// PostgreSQL, migrating the schema on the way.
func newEngine(ctx context.Context, logger *slog.Logger, catalogPath string) (*engine, error) {
	e := &engine{
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		metrics: metrics.New(),
	}

	if strings.TrimSpace(catalogPath) != "" {
		cat, err := filecatalog.Load(catalogPath)
		if err != nil {
			return nil, err
		}
		staleAfter, err := env.Duration("SHEETSYNC_INFLIGHT_STALE_AFTER", repo.DefaultStaleAfter)
		if err != nil {
			return nil, err
		}
		e.catalog = cat
		e.ledger = memory.NewLedger(e.clock, staleAfter, cat)
		logger.Info("using file catalog", "path", catalogPath)
	} else {
		db, cfg, err := openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		if err := repopg.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		e.db, e.dbCfg = db, cfg
		e.catalog = repopg.NewCatalogStore(db)
		e.ledger = repopg.NewLedgerStore(db, cfg.StaleAfter, e.clock)
	}

	fileCfg, err := source.FileConfigFromEnv()
	if err != nil {
		return nil, e.closeWith(err)
	}
	pipeCfg, err := pipeline.ConfigFromEnv()
	if err != nil {
		return nil, e.closeWith(err)
	}
	mailCfg, err := notify.ConfigFromEnv()
	if err != nil {
		return nil, e.closeWith(err)
	}
	schedCfg, err := scheduler.ConfigFromEnv()
	if err != nil {
		return nil, e.closeWith(err)
	}

	deps := pipeline.Deps{
		Catalog: e.catalog,
		Ledger:  e.ledger,
		Sources: source.Registry{
			Sheets: source.NewSheetsExtractor(nil),
			Files:  source.NewFileExtractor(source.NewDialFetcher(fileCfg)),
		},
		Clock:   e.clock,
		Logger:  logger,
		Metrics: e.metrics,
	}
	if mailer := notify.NewMailer(mailCfg, nil, logger); mailer != nil {
		deps.Notifier = mailer
	} else {
		logger.Info("email notifications disabled", "reason", "SHEETSYNC_SMTP_HOST not set")
	}
	e.runner, err = pipeline.New(pipeCfg, deps)
	if err != nil {
		return nil, e.closeWith(err)
	}

	e.scheduler, err = scheduler.New(schedCfg, scheduler.Deps{
		Catalog:  e.catalog,
		Ledger:   e.ledger,
		Runner:   e.runner,
		Clock:    e.clock,
		Logger:   logger,
		Metrics:  e.metrics,
		OnResult: e.logResult,
	})
	if err != nil {
		return nil, e.closeWith(err)
	}
	return e, nil
}

func openDatabase(ctx context.Context) (*sql.DB, postgres.Config, error) {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, postgres.Config{}, fmt.Errorf("database config: %w", err)
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, postgres.Config{}, fmt.Errorf("database unavailable: %w", err)
	}
	return db, cfg, nil
}

func (e *engine) logResult(result domain.RunResult) {
	attrs := []any{
		"job_id", result.JobID,
		"run_id", result.RunID,
		"status", result.Status,
		"summary", result.Summary,
	}
	if result.Status == domain.RunFailure {
		e.logger.Warn("scheduled run failed", append(attrs, "error_kind", result.ErrorKind)...)
		return
	}
	e.logger.Info("scheduled run finished", attrs...)
}

// ping is the readiness check; the file catalog is always ready.
func (e *engine) ping(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	return postgres.Ping(ctx, e.db, e.dbCfg.PingTimeout)
}

func (e *engine) closeWith(err error) error {
	if cerr := e.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

func (e *engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// waitTimeout joins dispatched runs, giving up after d.
func (e *engine) waitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-e.clock.After(d):
		return false
	}
}
