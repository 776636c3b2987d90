package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/pipeline"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/httpserver"
	"github.com/sheetsync-labs/sheetsync-go/internal/scheduler"
	"github.com/sheetsync-labs/sheetsync-go/internal/schema"
)

const maxMappingBody = 1 << 20

type jobRunner interface {
	RunJob(ctx context.Context, jobID string) (domain.RunResult, error)
}

type runHistory interface {
	IsRunInFlight(ctx context.Context, jobID string) (bool, error)
	ListRuns(ctx context.Context, jobID string, limit int) ([]domain.RunResult, error)
}

type tickRunner interface {
	Tick(ctx context.Context, now time.Time) scheduler.Report
}

type syncAPI struct {
	logger *slog.Logger
	runner jobRunner
	runs   runHistory
	ticks  tickRunner
	clock  clockwork.Clock

	// async runs triggered over HTTP
	wg sync.WaitGroup
}

func newSyncAPI(logger *slog.Logger, runner jobRunner, runs runHistory, ticks tickRunner, clock clockwork.Clock) *syncAPI {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &syncAPI{
		logger: logger.With("component", "api"),
		runner: runner,
		runs:   runs,
		ticks:  ticks,
		clock:  clock,
	}
}

func (a *syncAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs/{job_id}/run", a.handleRun)
	mux.HandleFunc("GET /jobs/{job_id}/runs", a.handleListRuns)
	mux.HandleFunc("POST /scheduler/tick", a.handleTick)
	mux.HandleFunc("POST /schema/mapping", a.handleMapping)
}

// Wait joins runs started with ?async=true.
func (a *syncAPI) Wait() {
	a.wg.Wait()
}

func (a *syncAPI) handleRun(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_job_id", "job id is required")
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		inFlight, err := a.runs.IsRunInFlight(r.Context(), jobID)
		if err != nil {
			a.logger.Error("check in-flight failed", "job_id", jobID, "error", err)
			httpserver.WriteError(w, r, http.StatusInternalServerError, "ledger_unavailable", "")
			return
		}
		if inFlight {
			httpserver.WriteError(w, r, http.StatusConflict, "run_in_flight", pipeline.ErrRunInFlight.Error())
			return
		}
		ctx := context.WithoutCancel(r.Context())
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			result, err := a.runner.RunJob(ctx, jobID)
			if err != nil {
				a.logger.Warn("async run not started", "job_id", jobID, "error", err)
				return
			}
			a.logger.Info("async run finished", "job_id", jobID, "run_id", result.RunID, "status", result.Status)
		}()
		httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID, "status": "accepted"})
		return
	}

	result, err := a.runner.RunJob(r.Context(), jobID)
	if errors.Is(err, pipeline.ErrRunInFlight) {
		httpserver.WriteError(w, r, http.StatusConflict, "run_in_flight", err.Error())
		return
	}
	if err != nil {
		a.logger.Error("run failed to start", "job_id", jobID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "run_failed", "")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, result)
}

func (a *syncAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := a.runs.ListRuns(r.Context(), jobID, limit)
	if err != nil {
		a.logger.Error("list runs failed", "job_id", jobID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "list_failed", "")
		return
	}
	if runs == nil {
		runs = []domain.RunResult{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "runs": runs})
}

func (a *syncAPI) handleTick(w http.ResponseWriter, r *http.Request) {
	report := a.ticks.Tick(r.Context(), a.clock.Now())
	httpserver.WriteJSON(w, http.StatusOK, report)
}

type mappingRequest struct {
	Headers []string `json:"headers"`
}

func (a *syncAPI) handleMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMappingBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.Headers) == 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_headers", "headers are required")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"mapping": schema.GenerateMapping(req.Headers)})
}
