package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/repo"
)

const (
	// Takes the slot when it is free or older than the stale cutoff ($4).
	acquireRunQuery = `INSERT INTO sync_runs_in_flight (job_id, run_id, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO UPDATE SET run_id = EXCLUDED.run_id, started_at = EXCLUDED.started_at
		WHERE sync_runs_in_flight.started_at < $4`

	runInFlightQuery = `SELECT EXISTS (
		SELECT 1 FROM sync_runs_in_flight WHERE job_id = $1 AND started_at >= $2
	)`

	// Stores the log, updates the job and releases the slot in one statement.
	recordRunResultQuery = `WITH logged AS (
			INSERT INTO sync_run_logs (
				run_id, job_id, status, start_time, end_time, summary, details,
				rows_synced, duration_seconds, error_kind, schema_status
			) VALUES ($2, $1, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (run_id) DO NOTHING
		), job AS (
			UPDATE sync_jobs SET
				last_run_at = $5,
				last_run_status = $3,
				last_run_rows = $8,
				last_run_duration_seconds = $9,
				schema_status = COALESCE($11, schema_status),
				status = CASE
					WHEN $3 = 'FAILURE' AND status = 'Active' THEN 'Error'
					WHEN $3 = 'SUCCESS' AND status = 'Error' THEN 'Active'
					ELSE status
				END
			WHERE id = $1
		)
		DELETE FROM sync_runs_in_flight WHERE job_id = $1 AND run_id = $2`

	listRunsQuery = `SELECT run_id, job_id, status, start_time, end_time, summary, details,
			rows_synced, duration_seconds, error_kind, schema_status
		FROM sync_run_logs
		WHERE job_id = $1
		ORDER BY start_time DESC
		LIMIT $2`
)

// LedgerStore is the PostgreSQL run ledger. In-flight slots older than
// staleAfter are treated as abandoned by a crashed worker.
type LedgerStore struct {
	db         DB
	staleAfter time.Duration
	clock      clockwork.Clock
}

func NewLedgerStore(db DB, staleAfter time.Duration, clock clockwork.Clock) *LedgerStore {
	if db == nil {
		return nil
	}
	if staleAfter <= 0 {
		staleAfter = repo.DefaultStaleAfter
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LedgerStore{db: db, staleAfter: staleAfter, clock: clock}
}

func (s *LedgerStore) AcquireRun(ctx context.Context, jobID, runID string, startedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("ledger store not initialized")
	}
	jobID, runID = strings.TrimSpace(jobID), strings.TrimSpace(runID)
	if jobID == "" || runID == "" {
		return false, fmt.Errorf("job id and run id are required")
	}
	res, err := s.db.ExecContext(ctx, acquireRunQuery, jobID, runID, normalizeTime(startedAt), s.cutoff())
	if err != nil {
		return false, fmt.Errorf("acquire run slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire run slot: %w", err)
	}
	return n == 1, nil
}

func (s *LedgerStore) IsRunInFlight(ctx context.Context, jobID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("ledger store not initialized")
	}
	var inFlight bool
	if err := s.db.QueryRowContext(ctx, runInFlightQuery, strings.TrimSpace(jobID), s.cutoff()).Scan(&inFlight); err != nil {
		return false, fmt.Errorf("check run slot: %w", err)
	}
	return inFlight, nil
}

func (s *LedgerStore) RecordRunResult(ctx context.Context, jobID string, result domain.RunResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	if err := result.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(result.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	var rows sql.NullInt64
	if result.RowsSynced != nil {
		rows = sql.NullInt64{Int64: *result.RowsSynced, Valid: true}
	}
	var duration sql.NullFloat64
	if result.DurationInSeconds != nil {
		duration = sql.NullFloat64{Float64: *result.DurationInSeconds, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, recordRunResultQuery,
		strings.TrimSpace(jobID),
		result.RunID,
		string(result.Status),
		result.StartTime.UTC(),
		result.EndTime.UTC(),
		result.Summary,
		details,
		rows,
		duration,
		nullIfEmpty(string(result.ErrorKind)),
		nullIfEmpty(string(result.SchemaStatus)),
	)
	if err != nil {
		return fmt.Errorf("record run result: %w", err)
	}
	return nil
}

func (s *LedgerStore) ListRuns(ctx context.Context, jobID string, limit int) ([]domain.RunResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, strings.TrimSpace(jobID), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunResult
	for rows.Next() {
		var (
			r            domain.RunResult
			status       string
			details      []byte
			rowsSynced   sql.NullInt64
			duration     sql.NullFloat64
			errorKind    sql.NullString
			schemaStatus sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.JobID, &status, &r.StartTime, &r.EndTime, &r.Summary, &details,
			&rowsSynced, &duration, &errorKind, &schemaStatus); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = domain.RunStatus(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		if rowsSynced.Valid {
			v := rowsSynced.Int64
			r.RowsSynced = &v
		}
		if duration.Valid {
			v := duration.Float64
			r.DurationInSeconds = &v
		}
		r.ErrorKind = domain.ErrorKind(errorKind.String)
		r.SchemaStatus = domain.SchemaStatus(schemaStatus.String)
		r.StartTime = r.StartTime.UTC()
		r.EndTime = r.EndTime.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) cutoff() time.Time {
	return s.clock.Now().UTC().Add(-s.staleAfter)
}
