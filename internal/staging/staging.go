// Package staging writes extracted rows to object storage and loads them into a
// temporary warehouse table.
package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/source"
	"github.com/sheetsync-labs/sheetsync-go/internal/storage/objectstore"
	"github.com/sheetsync-labs/sheetsync-go/internal/warehouse"
)

const contentTypeNDJSON = "application/x-ndjson"

// Artifact records the temporary resources of one run. Each field is set as
// soon as the resource may exist, before the call that creates it.
type Artifact struct {
	Object *objectstore.Ref    `json:"object,omitempty"`
	Table  *warehouse.TableRef `json:"table,omitempty"`
}

func (a *Artifact) Empty() bool {
	return a == nil || (a.Object == nil && a.Table == nil)
}

type Loader struct {
	store  objectstore.Store
	bucket string
	wh     warehouse.Warehouse
}

func NewLoader(sess *warehouse.Session) (*Loader, error) {
	if sess == nil || sess.Store == nil || sess.Warehouse == nil {
		return nil, errors.New("staging session is incomplete")
	}
	if strings.TrimSpace(sess.Bucket) == "" {
		return nil, domain.Errorf(domain.KindConfiguration, "staging", "staging bucket is required")
	}
	return &Loader{store: sess.Store, bucket: sess.Bucket, wh: sess.Warehouse}, nil
}

// ObjectKey is the staging object name for a run.
func ObjectKey(jobID string, runTime time.Time) string {
	return fmt.Sprintf("staging/%s/%d.json", jobID, runTime.UnixMilli())
}

// WriteObject serializes rows as newline-delimited JSON, keys in column order,
// and uploads them.
func (l *Loader) WriteObject(ctx context.Context, rows source.RowSet, jobID string, runTime time.Time, art *Artifact) error {
	if l == nil {
		return errors.New("staging loader not initialized")
	}
	body, err := EncodeNDJSON(rows)
	if err != nil {
		return domain.E(domain.KindStagingWrite, "encode rows", err)
	}
	ref := objectstore.Ref{Bucket: l.bucket, Key: ObjectKey(jobID, runTime)}
	art.Object = &ref
	if err := l.store.Put(ctx, ref.Bucket, ref.Key, bytes.NewReader(body), int64(len(body)), contentTypeNDJSON); err != nil {
		return domain.E(domain.KindStagingWrite, "upload "+ref.URI(), err)
	}
	return nil
}

// LoadTable ensures the job's dataset exists, then loads the staged object
// into a fresh temporary table.
func (l *Loader) LoadTable(ctx context.Context, job domain.SyncJob, columns []string, runTime time.Time, art *Artifact) error {
	if l == nil {
		return errors.New("staging loader not initialized")
	}
	if art == nil || art.Object == nil {
		return domain.Errorf(domain.KindLoad, "load table", "no staged object")
	}
	if err := l.ensureDataset(ctx, job); err != nil {
		return err
	}
	table := warehouse.TableRef{Dataset: job.DatasetID, Table: warehouse.StagingTableName(job.ID, runTime.UnixMilli())}
	art.Table = &table
	if err := l.wh.LoadNDJSON(ctx, table, *art.Object, columns); err != nil {
		return domain.E(domain.KindLoad, "load "+table.String(), err)
	}
	return nil
}

func (l *Loader) ensureDataset(ctx context.Context, job domain.SyncJob) error {
	exists, err := l.wh.DatasetExists(ctx, job.DatasetID)
	if err != nil {
		return domain.E(domain.KindLoad, "check dataset "+job.DatasetID, err)
	}
	if exists {
		return nil
	}
	location := strings.TrimSpace(job.DatasetLocation)
	if location == "" && l.wh.Dialect() == warehouse.DialectBigQuery {
		return fmt.Errorf("dataset %s does not exist: %w", job.DatasetID, domain.ErrDatasetLocationRequired)
	}
	if err := l.wh.CreateDataset(ctx, job.DatasetID, location); err != nil {
		return domain.E(domain.KindLoad, "create dataset "+job.DatasetID, err)
	}
	return nil
}

// Cleanup removes whatever the artifact records. Both deletions are attempted
// and their errors joined; fields are cleared once their resource is gone, so
// a retry only repeats what failed.
func (l *Loader) Cleanup(ctx context.Context, art *Artifact) error {
	if l == nil || art.Empty() {
		return nil
	}
	var errs []error
	if art.Object != nil {
		err := l.store.Delete(ctx, art.Object.Bucket, art.Object.Key)
		if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete object %s: %w", art.Object.URI(), err))
		} else {
			art.Object = nil
		}
	}
	if art.Table != nil {
		if err := l.wh.DropTable(ctx, *art.Table); err != nil {
			errs = append(errs, fmt.Errorf("drop table %s: %w", art.Table.String(), err))
		} else {
			art.Table = nil
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return domain.E(domain.KindCleanupWarning, "cleanup", errors.Join(errs...))
}

// EncodeNDJSON writes one object per row with keys in the row set's column
// order.
func EncodeNDJSON(rows source.RowSet) ([]byte, error) {
	var buf bytes.Buffer
	keys := make([][]byte, len(rows.Columns))
	for i, c := range rows.Columns {
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	for _, row := range rows.Rows {
		buf.WriteByte('{')
		for i, c := range rows.Columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(keys[i])
			buf.WriteByte(':')
			v, err := json.Marshal(row[c])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c, err)
			}
			buf.Write(v)
		}
		buf.WriteString("}\n")
	}
	return buf.Bytes(), nil
}
