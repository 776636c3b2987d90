// Package warehouse wraps the destination warehouses the engine loads into.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	platformstore "github.com/sheetsync-labs/sheetsync-go/internal/platform/objectstore"
	"github.com/sheetsync-labs/sheetsync-go/internal/storage/objectstore"
)

// Dialect selects statement rendering for a warehouse.
type Dialect string

const (
	DialectBigQuery Dialect = "bigquery"
	DialectPostgres Dialect = "postgres"
)

// TableRef names a table. Project is ignored by PostgreSQL and defaults to the
// client project on BigQuery.
type TableRef struct {
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset"`
	Table   string `json:"table"`
}

func (t TableRef) String() string {
	if t.Project == "" {
		return t.Dataset + "." + t.Table
	}
	return t.Project + "." + t.Dataset + "." + t.Table
}

// Quote renders the fully qualified table name for the dialect.
func (d Dialect) Quote(t TableRef) string {
	switch d {
	case DialectPostgres:
		return quoteIdent(t.Dataset) + "." + quoteIdent(t.Table)
	default:
		return "`" + strings.ReplaceAll(t.String(), "`", "") + "`"
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Warehouse is the destination surface the staging loader and merge engine use.
type Warehouse interface {
	Dialect() Dialect
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	// CreateDataset is a no-op when the dataset already exists.
	CreateDataset(ctx context.Context, dataset, location string) error
	// LoadNDJSON creates table and bulk-loads the staged object into it,
	// detecting column types. columns gives the column order.
	LoadNDJSON(ctx context.Context, table TableRef, object objectstore.Ref, columns []string) error
	// ExecAtomic runs the statements so that either all or none take effect.
	ExecAtomic(ctx context.Context, stmts ...string) error
	// DropTable is a no-op when the table does not exist.
	DropTable(ctx context.Context, table TableRef) error
	Close() error
}

// Session is the set of clients bound to one destination for one run.
type Session struct {
	Warehouse Warehouse
	Store     objectstore.Store
	Bucket    string
	closers   []func() error
}

func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Connector opens a Session for a destination.
type Connector interface {
	Connect(ctx context.Context, dest domain.DestinationConnection) (*Session, error)
}

// ClientConnector builds real clients. Staging goes through the S3 API when the
// destination carries an access-key pair and through the GCS JSON API
// otherwise.
type ClientConnector struct{}

func (ClientConnector) Connect(ctx context.Context, dest domain.DestinationConnection) (*Session, error) {
	if err := dest.Validate(); err != nil {
		return nil, domain.E(domain.KindConfiguration, "destination "+dest.ID, err)
	}
	sess := &Session{Bucket: dest.Bucket()}

	if dest.HasHMAC() {
		cfg, err := platformstore.ConfigFromDestination(dest)
		if err != nil {
			return nil, domain.E(domain.KindConfiguration, "staging store", err)
		}
		store, err := objectstore.NewMinioStore(cfg)
		if err != nil {
			return nil, domain.E(domain.KindConfiguration, "staging store", err)
		}
		sess.Store = store
	} else {
		store, err := objectstore.NewGCSStore(ctx, dest.ServiceAccountKeyJSON)
		if err != nil {
			return nil, domain.E(domain.KindConfiguration, "staging store", err)
		}
		sess.Store = store
		sess.closers = append(sess.closers, store.Close)
	}

	switch dest.EffectiveKind() {
	case domain.DestinationPostgres:
		wh, err := NewPostgres(ctx, dest.PostgresURL, sess.Store)
		if err != nil {
			_ = sess.Close()
			return nil, domain.E(domain.KindConfiguration, "postgres warehouse", err)
		}
		sess.Warehouse = wh
	default:
		wh, err := NewBigQuery(ctx, dest.ProjectID, dest.ServiceAccountKeyJSON)
		if err != nil {
			_ = sess.Close()
			return nil, domain.E(domain.KindConfiguration, "bigquery warehouse", err)
		}
		sess.Warehouse = wh
	}
	sess.closers = append(sess.closers, sess.Warehouse.Close)
	return sess, nil
}

// StagingTableName namespaces the temporary table by job and run time.
func StagingTableName(jobID string, runMillis int64) string {
	var b strings.Builder
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return fmt.Sprintf("staging_%s_%d", b.String(), runMillis)
}
