// Package merge moves staged rows into a job's final table.
package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/warehouse"
)

// Statements renders the statement group for one merge. The group must run as
// a single atomic unit.
func Statements(dialect warehouse.Dialect, staging, final warehouse.TableRef, strategy domain.SyncStrategy) ([]string, error) {
	src := dialect.Quote(staging)
	dst := dialect.Quote(final)
	switch strategy {
	case domain.StrategyReplace:
		if dialect == warehouse.DialectPostgres {
			return []string{
				"DROP TABLE IF EXISTS " + dst,
				fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", dst, src),
			}, nil
		}
		return []string{fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s", dst, src)}, nil
	case domain.StrategyAppend:
		return []string{fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", dst, src)}, nil
	default:
		return nil, domain.Errorf(domain.KindConfiguration, "merge", "unknown sync strategy %q", strategy)
	}
}

// Merge applies strategy from staging into final. Warehouse failures are
// returned as MergeError and never retried here.
func Merge(ctx context.Context, wh warehouse.Warehouse, staging, final warehouse.TableRef, strategy domain.SyncStrategy) error {
	if wh == nil {
		return errors.New("merge: warehouse is required")
	}
	stmts, err := Statements(wh.Dialect(), staging, final, strategy)
	if err != nil {
		return err
	}
	if err := wh.ExecAtomic(ctx, stmts...); err != nil {
		return domain.E(domain.KindMerge, fmt.Sprintf("%s into %s", strategy, final.String()), err)
	}
	return nil
}
