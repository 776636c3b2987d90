package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sheetsync-labs/sheetsync-go/internal/storage/objectstore"
)

type BigQuery struct {
	client *bigquery.Client
}

// NewBigQuery authenticates with a service account key, or application
// default credentials when keyJSON is empty.
func NewBigQuery(ctx context.Context, projectID, keyJSON string) (*BigQuery, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errors.New("project id is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(keyJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(keyJSON)))
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	return &BigQuery{client: client}, nil
}

func (b *BigQuery) Dialect() Dialect { return DialectBigQuery }

func (b *BigQuery) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	if b == nil || b.client == nil {
		return false, errors.New("bigquery warehouse not initialized")
	}
	_, err := b.client.Dataset(dataset).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isGoogleStatus(err, http.StatusNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("dataset metadata: %w", err)
}

func (b *BigQuery) CreateDataset(ctx context.Context, dataset, location string) error {
	if b == nil || b.client == nil {
		return errors.New("bigquery warehouse not initialized")
	}
	err := b.client.Dataset(dataset).Create(ctx, &bigquery.DatasetMetadata{Location: location})
	if err != nil && !isGoogleStatus(err, http.StatusConflict) {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

func (b *BigQuery) LoadNDJSON(ctx context.Context, table TableRef, object objectstore.Ref, _ []string) error {
	if b == nil || b.client == nil {
		return errors.New("bigquery warehouse not initialized")
	}
	ref := bigquery.NewGCSReference(object.URI())
	ref.SourceFormat = bigquery.JSON
	ref.AutoDetect = true

	loader := b.table(table).LoaderFrom(ref)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteTruncate

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("start load job: %w", err)
	}
	return waitJob(ctx, job)
}

// ExecAtomic runs a single statement as one query job; several statements run
// as one script inside a transaction.
func (b *BigQuery) ExecAtomic(ctx context.Context, stmts ...string) error {
	if b == nil || b.client == nil {
		return errors.New("bigquery warehouse not initialized")
	}
	if len(stmts) == 0 {
		return nil
	}
	sql := stmts[0]
	if len(stmts) > 1 {
		sql = "BEGIN TRANSACTION;\n" + strings.Join(stmts, ";\n") + ";\nCOMMIT TRANSACTION;"
	}
	job, err := b.client.Query(sql).Run(ctx)
	if err != nil {
		return fmt.Errorf("start query job: %w", err)
	}
	return waitJob(ctx, job)
}

func (b *BigQuery) DropTable(ctx context.Context, table TableRef) error {
	if b == nil || b.client == nil {
		return errors.New("bigquery warehouse not initialized")
	}
	err := b.table(table).Delete(ctx)
	if err != nil && !isGoogleStatus(err, http.StatusNotFound) {
		return fmt.Errorf("delete table: %w", err)
	}
	return nil
}

func (b *BigQuery) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *BigQuery) table(t TableRef) *bigquery.Table {
	project := t.Project
	if project == "" {
		project = b.client.Project()
	}
	return b.client.DatasetInProject(project, t.Dataset).Table(t.Table)
}

func waitJob(ctx context.Context, job *bigquery.Job) error {
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job %s: %w", job.ID(), err)
	}
	return nil
}

func isGoogleStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
