package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/auth"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/httpserver"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo/filecatalog"
	repopg "github.com/sheetsync-labs/sheetsync-go/internal/repo/postgres"
	"github.com/sheetsync-labs/sheetsync-go/internal/schema"
)

const serviceName = "sync-engine"

func main() {
	logger, err := newLogger(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.String("SHEETSYNC_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("SHEETSYNC_LOG_LEVEL: %w", err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).With("service", serviceName), nil
}

type rootOptions struct {
	catalogPath string
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Moves spreadsheet and file data into warehouse tables on a schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.catalogPath, "catalog", env.String("SHEETSYNC_CATALOG", ""),
		"YAML catalog to read jobs from instead of PostgreSQL (runs are kept in memory)")

	root.AddCommand(
		newServeCmd(logger, opts),
		newTickCmd(logger, opts),
		newRunCmd(logger, opts),
		newRunsCmd(logger, opts),
		newMappingCmd(),
		newMigrateCmd(logger),
		newImportCmd(logger),
	)
	return root
}

func newServeCmd(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), logger, opts)
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger, opts *rootOptions) error {
	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		return err
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return err
	}
	drain, err := env.Duration("SHEETSYNC_SHUTDOWN_DRAIN", 5*time.Minute)
	if err != nil {
		return err
	}

	e, err := newEngine(ctx, logger, opts.catalogPath)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	authn, err := auth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if authCfg.Mode == auth.ModeDisabled {
		logger.Warn("operator API authentication disabled", "hint", "set SHEETSYNC_AUTH_MODE=oidc or token")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, 2*time.Second,
		httpserver.ReadinessCheck{Name: "catalog", Check: e.ping},
	))
	mux.Handle("GET /metrics", e.metrics.Handler())

	api := newSyncAPI(logger, e.runner, e.ledger, e.scheduler, e.clock)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.AuthorizeByRole,
		SkipPaths:     []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, logger, httpCfg, httpserver.Wrap(logger, handler))
	})
	g.Go(func() error {
		e.scheduler.Run(gctx)
		return nil
	})
	runErr := g.Wait()

	logger.Info("waiting for in-flight runs", "timeout", drain.String())
	api.Wait()
	if !e.waitTimeout(drain) {
		logger.Warn("runs still in flight at shutdown")
	}
	return runErr
}

func newTickCmd(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate schedules once, run every due job and wait for the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx, logger, opts.catalogPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			report := e.scheduler.Tick(ctx, e.clock.Now())
			if report.Error != "" {
				return errors.New(report.Error)
			}
			results := make([]domain.RunResult, 0, len(report.Dispatched))
			for _, d := range report.Dispatched {
				out := <-d.Done
				if out.Err != nil {
					logger.Warn("dispatched run not started", "job_id", d.JobID, "error", out.Err)
					continue
				}
				results = append(results, out.Result)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"report": report, "results": results})
		},
	}
}

func newRunCmd(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx, logger, opts.catalogPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			result, err := e.runner.RunJob(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Status == domain.RunFailure {
				return fmt.Errorf("run %s failed: %s", result.RunID, result.ErrorKind)
			}
			return nil
		},
	}
}

func newRunsCmd(logger *slog.Logger, opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <job-id>",
		Short: "List recent runs of a job, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEngine(ctx, logger, opts.catalogPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			runs, err := e.ledger.ListRuns(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newMappingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mapping <header>...",
		Short: "Print the column mapping generated for the given headers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(map[string]any{"schemaMapping": schema.GenerateMapping(args)}); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL catalog and ledger tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, _, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := repopg.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newImportCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Upsert the jobs and connections of a YAML catalog into PostgreSQL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, err := filecatalog.Load(args[0])
			if err != nil {
				return err
			}
			db, _, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := repopg.Migrate(ctx, db); err != nil {
				return err
			}
			counts, err := importCatalog(ctx, repopg.NewCatalogStore(db), cat.Document())
			if err != nil {
				return err
			}
			logger.Info("catalog imported", "path", args[0],
				"destinations", counts.Destinations, "sources", counts.Sources, "jobs", counts.Jobs)
			return nil
		},
	}
}

type catalogWriter interface {
	UpsertDestination(ctx context.Context, dest domain.DestinationConnection) error
	UpsertSourceConnection(ctx context.Context, conn domain.SourceConnection) error
	UpsertJob(ctx context.Context, job domain.SyncJob) error
}

type importCounts struct {
	Destinations int
	Sources      int
	Jobs         int
}

// importCatalog writes connections before jobs so a partial import never
// leaves a job pointing at a missing connection.
func importCatalog(ctx context.Context, w catalogWriter, doc filecatalog.Document) (importCounts, error) {
	var counts importCounts
	for _, dest := range doc.Destinations {
		if err := w.UpsertDestination(ctx, dest); err != nil {
			return counts, fmt.Errorf("destination %s: %w", dest.ID, err)
		}
		counts.Destinations++
	}
	for i := range doc.Sheets {
		sheet := doc.Sheets[i]
		if err := w.UpsertSourceConnection(ctx, domain.SourceConnection{Kind: domain.SourceGoogleSheet, Sheet: &sheet}); err != nil {
			return counts, fmt.Errorf("sheet %s: %w", sheet.ID, err)
		}
		counts.Sources++
	}
	for i := range doc.FtpSources {
		src := doc.FtpSources[i]
		if err := w.UpsertSourceConnection(ctx, domain.SourceConnection{Kind: domain.SourceFTP, FTP: &src}); err != nil {
			return counts, fmt.Errorf("ftp source %s: %w", src.ID, err)
		}
		counts.Sources++
	}
	for _, job := range doc.Jobs {
		if err := w.UpsertJob(ctx, job); err != nil {
			return counts, fmt.Errorf("job %s: %w", strings.TrimSpace(job.ID), err)
		}
		counts.Jobs++
	}
	return counts, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
