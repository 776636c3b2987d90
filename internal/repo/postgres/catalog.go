package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

const (
	selectJobColumns = `SELECT id, name, status, is_archived, config, schema_status,
		last_run_at, last_run_status, last_run_rows, last_run_duration_seconds, created_at
	 FROM sync_jobs`

	selectDueCandidatesQuery = selectJobColumns + `
	 WHERE NOT is_archived AND status IN ('Active', 'Error')
	 ORDER BY id`

	selectJobByIDQuery = selectJobColumns + `
	 WHERE id = $1`

	selectDestinationQuery = `SELECT config FROM sync_destinations WHERE id = $1`

	selectSourceConnectionQuery = `SELECT config FROM sync_source_connections WHERE kind = $1 AND id = $2`

	upsertJobQuery = `INSERT INTO sync_jobs (id, name, status, is_archived, config, schema_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			is_archived = EXCLUDED.is_archived,
			config = EXCLUDED.config,
			schema_status = COALESCE(EXCLUDED.schema_status, sync_jobs.schema_status)`

	upsertDestinationQuery = `INSERT INTO sync_destinations (id, name, config, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, config = EXCLUDED.config, updated_at = now()`

	upsertSourceConnectionQuery = `INSERT INTO sync_source_connections (kind, id, name, config, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (kind, id) DO UPDATE SET name = EXCLUDED.name, config = EXCLUDED.config, updated_at = now()`
)

// CatalogStore serves jobs and connections from PostgreSQL. Job definitions
// live in a jsonb column; status, archive flag and last-run fields are columns
// so the ledger can update them in place.
type CatalogStore struct {
	db DB
}

func NewCatalogStore(db DB) *CatalogStore {
	if db == nil {
		return nil
	}
	return &CatalogStore{db: db}
}

func (s *CatalogStore) ListDueJobCandidates(ctx context.Context) ([]domain.SyncJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("catalog store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, selectDueCandidatesQuery)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *CatalogStore) GetJob(ctx context.Context, id string) (domain.SyncJob, error) {
	if s == nil || s.db == nil {
		return domain.SyncJob{}, fmt.Errorf("catalog store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SyncJob{}, fmt.Errorf("job id is required")
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobByIDQuery, id))
	if err != nil {
		return domain.SyncJob{}, handleNotFound(err)
	}
	return job, nil
}

func (s *CatalogStore) GetDestinationConnection(ctx context.Context, id string) (domain.DestinationConnection, error) {
	if s == nil || s.db == nil {
		return domain.DestinationConnection{}, fmt.Errorf("catalog store not initialized")
	}
	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectDestinationQuery, strings.TrimSpace(id)).Scan(&raw); err != nil {
		return domain.DestinationConnection{}, handleNotFound(err)
	}
	var dest domain.DestinationConnection
	if err := json.Unmarshal(raw, &dest); err != nil {
		return domain.DestinationConnection{}, fmt.Errorf("decode destination %s: %w", id, err)
	}
	dest.ID = strings.TrimSpace(id)
	return dest, nil
}

func (s *CatalogStore) GetSourceConnection(ctx context.Context, kind domain.SourceKind, id string) (domain.SourceConnection, error) {
	if s == nil || s.db == nil {
		return domain.SourceConnection{}, fmt.Errorf("catalog store not initialized")
	}
	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectSourceConnectionQuery, string(kind), strings.TrimSpace(id)).Scan(&raw); err != nil {
		return domain.SourceConnection{}, handleNotFound(err)
	}
	return decodeSourceConnection(kind, id, raw)
}

func (s *CatalogStore) UpsertJob(ctx context.Context, job domain.SyncJob) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("catalog store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	config, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	status := job.Status
	if status == "" {
		status = domain.JobStatusActive
	}
	_, err = s.db.ExecContext(ctx, upsertJobQuery,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.Name),
		string(status),
		job.Archived,
		config,
		nullIfEmpty(string(job.SchemaStatus)),
		normalizeTime(job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *CatalogStore) UpsertDestination(ctx context.Context, dest domain.DestinationConnection) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("catalog store not initialized")
	}
	if strings.TrimSpace(dest.ID) == "" {
		return fmt.Errorf("destination id is required")
	}
	config, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertDestinationQuery, strings.TrimSpace(dest.ID), dest.Name, config); err != nil {
		return fmt.Errorf("upsert destination: %w", err)
	}
	return nil
}

func (s *CatalogStore) UpsertSourceConnection(ctx context.Context, conn domain.SourceConnection) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("catalog store not initialized")
	}
	var (
		id, name string
		payload  any
	)
	switch {
	case conn.Kind == domain.SourceGoogleSheet && conn.Sheet != nil:
		id, name, payload = conn.Sheet.ID, conn.Sheet.Name, conn.Sheet
	case conn.Kind == domain.SourceFTP && conn.FTP != nil:
		id, name, payload = conn.FTP.ID, conn.FTP.Name, conn.FTP
	default:
		return fmt.Errorf("source connection of kind %q has no payload", conn.Kind)
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("source connection id is required")
	}
	config, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode source connection: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertSourceConnectionQuery, string(conn.Kind), strings.TrimSpace(id), name, config); err != nil {
		return fmt.Errorf("upsert source connection: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.SyncJob, error) {
	var (
		id, name, status string
		archived         bool
		config           []byte
		schemaStatus     sql.NullString
		lastRunAt        sql.NullTime
		lastRunStatus    sql.NullString
		lastRunRows      sql.NullInt64
		lastRunDuration  sql.NullFloat64
		createdAt        sql.NullTime
	)
	if err := row.Scan(&id, &name, &status, &archived, &config, &schemaStatus,
		&lastRunAt, &lastRunStatus, &lastRunRows, &lastRunDuration, &createdAt); err != nil {
		return domain.SyncJob{}, err
	}
	var job domain.SyncJob
	if err := json.Unmarshal(config, &job); err != nil {
		return domain.SyncJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.ID = id
	if name != "" {
		job.Name = name
	}
	job.Status = domain.JobStatus(status)
	job.Archived = archived
	if schemaStatus.Valid {
		job.SchemaStatus = domain.SchemaStatus(schemaStatus.String)
	}
	if lastRunAt.Valid {
		at := lastRunAt.Time.UTC()
		job.LastRunAt = &at
	}
	if lastRunStatus.Valid {
		job.LastRunStatus = domain.RunStatus(lastRunStatus.String)
	}
	if lastRunRows.Valid {
		rows := lastRunRows.Int64
		job.LastRunRowsSynced = &rows
	}
	if lastRunDuration.Valid {
		d := lastRunDuration.Float64
		job.LastRunDurationSeconds = &d
	}
	if createdAt.Valid {
		job.CreatedAt = createdAt.Time.UTC()
	}
	return job, nil
}

func decodeSourceConnection(kind domain.SourceKind, id string, raw []byte) (domain.SourceConnection, error) {
	conn := domain.SourceConnection{Kind: kind}
	switch kind {
	case domain.SourceGoogleSheet:
		var sheet domain.ManagedSheet
		if err := json.Unmarshal(raw, &sheet); err != nil {
			return domain.SourceConnection{}, fmt.Errorf("decode managed sheet %s: %w", id, err)
		}
		sheet.ID = id
		conn.Sheet = &sheet
	case domain.SourceFTP:
		var ftp domain.FtpSource
		if err := json.Unmarshal(raw, &ftp); err != nil {
			return domain.SourceConnection{}, fmt.Errorf("decode ftp source %s: %w", id, err)
		}
		ftp.ID = id
		conn.FTP = &ftp
	default:
		return domain.SourceConnection{}, fmt.Errorf("unknown source kind %q", kind)
	}
	return conn, nil
}
