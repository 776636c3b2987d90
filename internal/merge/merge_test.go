package merge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/storage/objectstore"
	"github.com/sheetsync-labs/sheetsync-go/internal/warehouse"
)

var (
	stagingRef = warehouse.TableRef{Dataset: "sales", Table: "staging_job_1_1"}
	finalRef   = warehouse.TableRef{Dataset: "sales", Table: "orders"}
)

func TestStatements(t *testing.T) {
	cases := []struct {
		dialect  warehouse.Dialect
		strategy domain.SyncStrategy
		want     string
	}{
		{warehouse.DialectBigQuery, domain.StrategyReplace, "CREATE OR REPLACE TABLE `sales.orders` AS SELECT * FROM `sales.staging_job_1_1`"},
		{warehouse.DialectBigQuery, domain.StrategyAppend, "INSERT INTO `sales.orders` SELECT * FROM `sales.staging_job_1_1`"},
		{warehouse.DialectPostgres, domain.StrategyReplace, `DROP TABLE IF EXISTS "sales"."orders"|CREATE TABLE "sales"."orders" AS SELECT * FROM "sales"."staging_job_1_1"`},
		{warehouse.DialectPostgres, domain.StrategyAppend, `INSERT INTO "sales"."orders" SELECT * FROM "sales"."staging_job_1_1"`},
	}
	for _, tc := range cases {
		stmts, err := Statements(tc.dialect, stagingRef, finalRef, tc.strategy)
		if err != nil {
			t.Fatalf("Statements(%s, %s) err=%v", tc.dialect, tc.strategy, err)
		}
		if got := strings.Join(stmts, "|"); got != tc.want {
			t.Fatalf("Statements(%s, %s)=%q want %q", tc.dialect, tc.strategy, got, tc.want)
		}
	}
	if _, err := Statements(warehouse.DialectBigQuery, stagingRef, finalRef, "UPSERT"); domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("unknown strategy kind=%q", domain.KindOf(err))
	}
}

// tableWarehouse simulates tables as row slices and applies the statement
// shapes Merge renders.
type tableWarehouse struct {
	tables map[string][]string
	execs  int
	err    error
}

func (w *tableWarehouse) Dialect() warehouse.Dialect { return warehouse.DialectBigQuery }

func (w *tableWarehouse) DatasetExists(context.Context, string) (bool, error) { return true, nil }

func (w *tableWarehouse) CreateDataset(context.Context, string, string) error { return nil }

func (w *tableWarehouse) LoadNDJSON(context.Context, warehouse.TableRef, objectstore.Ref, []string) error {
	return nil
}

func (w *tableWarehouse) ExecAtomic(_ context.Context, stmts ...string) error {
	w.execs++
	if w.err != nil {
		return w.err
	}
	src := w.tables[stagingRef.Table]
	for _, stmt := range stmts {
		switch {
		case strings.HasPrefix(stmt, "CREATE OR REPLACE TABLE"):
			w.tables[finalRef.Table] = append([]string(nil), src...)
		case strings.HasPrefix(stmt, "INSERT INTO"):
			w.tables[finalRef.Table] = append(w.tables[finalRef.Table], src...)
		}
	}
	return nil
}

func (w *tableWarehouse) DropTable(context.Context, warehouse.TableRef) error { return nil }

func (w *tableWarehouse) Close() error { return nil }

func TestMergeReplaceAndAppend(t *testing.T) {
	wh := &tableWarehouse{tables: map[string][]string{
		stagingRef.Table: {"c", "d"},
		finalRef.Table:   {"a", "b"},
	}}
	if err := Merge(context.Background(), wh, stagingRef, finalRef, domain.StrategyAppend); err != nil {
		t.Fatalf("Merge(append) err=%v", err)
	}
	if got := strings.Join(wh.tables[finalRef.Table], ","); got != "a,b,c,d" {
		t.Fatalf("after append final=%s", got)
	}
	if err := Merge(context.Background(), wh, stagingRef, finalRef, domain.StrategyReplace); err != nil {
		t.Fatalf("Merge(replace) err=%v", err)
	}
	if got := strings.Join(wh.tables[finalRef.Table], ","); got != "c,d" {
		t.Fatalf("after replace final=%s", got)
	}
}

func TestMergeFailureIsNotRetried(t *testing.T) {
	wh := &tableWarehouse{tables: map[string][]string{}, err: errors.New("Not found: Table sales.orders")}
	err := Merge(context.Background(), wh, stagingRef, finalRef, domain.StrategyAppend)
	if domain.KindOf(err) != domain.KindMerge {
		t.Fatalf("kind=%q err=%v", domain.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "Not found: Table sales.orders") {
		t.Fatalf("merge error should carry warehouse detail: %v", err)
	}
	if wh.execs != 1 {
		t.Fatalf("execs=%d want 1", wh.execs)
	}
}
