package warehouse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sheetsync-labs/sheetsync-go/internal/storage/objectstore"
)

// Postgres loads into a PostgreSQL database. Datasets are schemas; staged
// objects are read back from the staging store and copied in.
type Postgres struct {
	pool  *pgxpool.Pool
	store objectstore.Store
}

func NewPostgres(ctx context.Context, url string, store objectstore.Store) (*Postgres, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("postgres url is required")
	}
	if store == nil {
		return nil, errors.New("staging store is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	return &Postgres{pool: pool, store: store}, nil
}

func (p *Postgres) Dialect() Dialect { return DialectPostgres }

func (p *Postgres) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	if p == nil || p.pool == nil {
		return false, errors.New("postgres warehouse not initialized")
	}
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		dataset,
	).Scan(&exists)
	if err != nil {
		return false, describe("schema exists", err)
	}
	return exists, nil
}

// CreateDataset ignores location; PostgreSQL schemas have none.
func (p *Postgres) CreateDataset(ctx context.Context, dataset, _ string) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres warehouse not initialized")
	}
	if _, err := p.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(dataset)); err != nil {
		return describe("create schema", err)
	}
	return nil
}

func (p *Postgres) LoadNDJSON(ctx context.Context, table TableRef, object objectstore.Ref, columns []string) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres warehouse not initialized")
	}
	body, _, err := p.store.Get(ctx, object.Bucket, object.Key)
	if err != nil {
		return fmt.Errorf("read staged object: %w", err)
	}
	defer body.Close()

	records, cols, err := decodeNDJSON(body, columns)
	if err != nil {
		return fmt.Errorf("decode staged object: %w", err)
	}
	types := inferColumnTypes(records, cols)

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c) + " " + types[i]
	}
	name := DialectPostgres.Quote(table)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return describe("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return describe("drop staging table", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return describe("create staging table", err)
	}
	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = coerce(rec[c], types[j])
		}
		rows[i] = row
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{table.Dataset, table.Table}, cols, pgx.CopyFromRows(rows)); err != nil {
		return describe("copy rows", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return describe("commit", err)
	}
	return nil
}

func (p *Postgres) ExecAtomic(ctx context.Context, stmts ...string) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres warehouse not initialized")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return describe("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return describe("exec", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return describe("commit", err)
	}
	return nil
}

func (p *Postgres) DropTable(ctx context.Context, table TableRef) error {
	if p == nil || p.pool == nil {
		return errors.New("postgres warehouse not initialized")
	}
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+DialectPostgres.Quote(table)); err != nil {
		return describe("drop table", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

func describe(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %s (SQLSTATE %s): %w", op, pgErr.Message, pgErr.Code, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// decodeNDJSON reads one JSON object per line. Columns missing from order are
// appended by the line they first appear on, sorted within that line.
func decodeNDJSON(r io.Reader, order []string) ([]map[string]any, []string, error) {
	cols := append([]string(nil), order...)
	known := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		known[c] = struct{}{}
	}
	var out []map[string]any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		var extra []string
		for k := range rec {
			if _, ok := known[k]; !ok {
				extra = append(extra, k)
			}
		}
		if len(extra) > 0 {
			slices.Sort(extra)
			for _, k := range extra {
				known[k] = struct{}{}
				cols = append(cols, k)
			}
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	return out, cols, nil
}

// inferColumnTypes picks boolean, bigint, double precision or text per column
// from the JSON value kinds; all-null columns are text.
func inferColumnTypes(records []map[string]any, cols []string) []string {
	types := make([]string, len(cols))
	for i, c := range cols {
		kind := ""
		for _, rec := range records {
			k := jsonKind(rec[c])
			if k == "" {
				continue
			}
			kind = widen(kind, k)
		}
		switch kind {
		case "bool":
			types[i] = "boolean"
		case "int":
			types[i] = "bigint"
		case "float":
			types[i] = "double precision"
		default:
			types[i] = "text"
		}
	}
	return types
}

func jsonKind(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		return "bool"
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return "int"
		}
		return "float"
	default:
		return "text"
	}
}

func widen(current, next string) string {
	switch {
	case current == "" || current == next:
		return next
	case (current == "int" && next == "float") || (current == "float" && next == "int"):
		return "float"
	default:
		return "text"
	}
}

func coerce(v any, typ string) any {
	if v == nil {
		return nil
	}
	switch typ {
	case "bigint":
		if n, ok := v.(json.Number); ok {
			i, _ := n.Int64()
			return i
		}
	case "double precision":
		if n, ok := v.(json.Number); ok {
			f, _ := n.Float64()
			return f
		}
	case "boolean":
		return v
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}
