package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	calls    []execCall
	affected int64
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	return fakeResult(f.affected), nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, sql.ErrConnDone
}

func (f *fakeDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func TestQueryShapes(t *testing.T) {
	if !strings.Contains(selectDueCandidatesQuery, "NOT is_archived AND status IN ('Active', 'Error')") {
		t.Fatalf("due candidates must filter archived jobs and include Error")
	}
	if !strings.Contains(acquireRunQuery, "ON CONFLICT (job_id) DO UPDATE") || !strings.Contains(acquireRunQuery, "started_at < $4") {
		t.Fatalf("acquire must only take over stale slots")
	}
	if !strings.Contains(recordRunResultQuery, "DELETE FROM sync_runs_in_flight WHERE job_id = $1 AND run_id = $2") {
		t.Fatalf("record must release only the slot held by the run")
	}
	if !strings.Contains(recordRunResultQuery, "ON CONFLICT (run_id) DO NOTHING") {
		t.Fatalf("record must be idempotent per run id")
	}
	if !strings.Contains(listRunsQuery, "ORDER BY start_time DESC") {
		t.Fatalf("runs must be newest first")
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements()
	if len(stmts) < 5 {
		t.Fatalf("schemaStatements() len=%d", len(stmts))
	}
	for _, stmt := range stmts {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Fatalf("statement is not idempotent: %s", stmt)
		}
	}
	db := &fakeDB{}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate() err=%v", err)
	}
	if len(db.calls) != len(stmts) {
		t.Fatalf("Migrate() executed %d statements want %d", len(db.calls), len(stmts))
	}
}

func TestAcquireRunUsesStaleCutoff(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{affected: 1}
	store := NewLedgerStore(db, 2*time.Hour, clockwork.NewFakeClockAt(now))
	ok, err := store.AcquireRun(context.Background(), "job-1", "run-1", now)
	if err != nil || !ok {
		t.Fatalf("AcquireRun()=%v err=%v", ok, err)
	}
	cutoff, _ := db.calls[0].args[3].(time.Time)
	if !cutoff.Equal(now.Add(-2 * time.Hour)) {
		t.Fatalf("cutoff=%s", cutoff)
	}

	db.affected = 0
	ok, err = store.AcquireRun(context.Background(), "job-1", "run-2", now)
	if err != nil || ok {
		t.Fatalf("AcquireRun() on held slot=%v err=%v", ok, err)
	}
}

func TestRecordRunResultArgs(t *testing.T) {
	db := &fakeDB{affected: 1}
	store := NewLedgerStore(db, 0, nil)
	rows := int64(12)
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	result := domain.RunResult{
		RunID:      "run-1",
		JobID:      "job-1",
		StartTime:  start,
		EndTime:    start.Add(3 * time.Second),
		Status:     domain.RunFailure,
		Summary:    "failed",
		Details:    []domain.LogEntry{{Timestamp: start, Level: domain.LevelError, Message: "boom"}},
		RowsSynced: &rows,
		ErrorKind:  domain.KindMerge,
	}
	if err := store.RecordRunResult(context.Background(), "job-1", result); err != nil {
		t.Fatalf("RecordRunResult() err=%v", err)
	}
	args := db.calls[0].args
	if args[0] != "job-1" || args[1] != "run-1" || args[2] != "FAILURE" {
		t.Fatalf("args=%v", args[:3])
	}
	var details []domain.LogEntry
	if err := json.Unmarshal(args[6].([]byte), &details); err != nil || len(details) != 1 {
		t.Fatalf("details arg=%s err=%v", args[6], err)
	}
	if args[9] != "MergeError" || args[10] != nil {
		t.Fatalf("error kind=%v schema status=%v", args[9], args[10])
	}

	if err := store.RecordRunResult(context.Background(), "job-1", domain.RunResult{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestUpsertJobEncodesConfig(t *testing.T) {
	db := &fakeDB{affected: 1}
	store := NewCatalogStore(db)
	job := domain.SyncJob{
		ID:             "job-1",
		Name:           "Orders",
		Source:         domain.SourceConfig{Kind: domain.SourceFTP, File: &domain.FileSource{FtpSourceID: "f", FilePath: "/a.csv", FileFormat: domain.FormatCSV}},
		DestinationID:  "d",
		DatasetID:      "sales",
		FinalTableName: "orders",
		Strategy:       domain.StrategyAppend,
	}
	if err := store.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("UpsertJob() err=%v", err)
	}
	args := db.calls[0].args
	if args[2] != "Active" {
		t.Fatalf("default status=%v", args[2])
	}
	var decoded domain.SyncJob
	if err := json.Unmarshal(args[4].([]byte), &decoded); err != nil {
		t.Fatalf("decode config err=%v", err)
	}
	if decoded.Source.File == nil || decoded.Source.File.FilePath != "/a.csv" {
		t.Fatalf("config=%+v", decoded.Source)
	}
}

func TestDecodeSourceConnection(t *testing.T) {
	conn, err := decodeSourceConnection(domain.SourceFTP, "ftp-1", []byte(`{"host":"h","port":22,"user":"u","pass":"p"}`))
	if err != nil {
		t.Fatalf("decodeSourceConnection() err=%v", err)
	}
	if conn.FTP == nil || conn.FTP.ID != "ftp-1" || conn.FTP.Password != "p" {
		t.Fatalf("conn=%+v", conn.FTP)
	}
	if _, err := decodeSourceConnection("S3", "x", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestNilStores(t *testing.T) {
	if NewCatalogStore(nil) != nil || NewLedgerStore(nil, 0, nil) != nil {
		t.Fatalf("constructors should return nil without a db")
	}
	var s *LedgerStore
	if _, err := s.IsRunInFlight(context.Background(), "job"); err == nil {
		t.Fatalf("expected not initialized error")
	}
}
