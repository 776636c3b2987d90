package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

// ValuesReader reads one A1 range of a spreadsheet.
type ValuesReader interface {
	Values(ctx context.Context, spreadsheetID, a1 string) ([][]any, error)
}

// ValuesReaderFactory builds a reader authorized with the destination's
// service account.
type ValuesReaderFactory func(ctx context.Context, dest domain.DestinationConnection) (ValuesReader, error)

type SheetsExtractor struct {
	newReader ValuesReaderFactory
}

func NewSheetsExtractor(factory ValuesReaderFactory) *SheetsExtractor {
	if factory == nil {
		factory = NewGoogleValuesReader
	}
	return &SheetsExtractor{newReader: factory}
}

func (e *SheetsExtractor) Extract(ctx context.Context, req Request) (RowSet, error) {
	if e == nil {
		return RowSet{}, errors.New("sheets extractor not initialized")
	}
	cfg := req.Job.Source.Sheet
	if req.Job.Source.Kind != domain.SourceGoogleSheet || cfg == nil {
		return RowSet{}, domain.Errorf(domain.KindConfiguration, "extract sheet", "job %s is not a spreadsheet job", req.Job.ID)
	}
	if req.Connection.Sheet == nil {
		return RowSet{}, domain.Errorf(domain.KindConfiguration, "extract sheet", "managed sheet %s not resolved", cfg.ManagedSheetID)
	}
	spreadsheetID, err := req.Connection.Sheet.SpreadsheetID()
	if err != nil {
		return RowSet{}, domain.E(domain.KindConfiguration, "extract sheet", err)
	}

	reader, err := e.newReader(ctx, req.Destination)
	if err != nil {
		return RowSet{}, domain.E(domain.KindSourceUnreachable, "open sheets client", err)
	}

	tables := make([]table, 0, len(cfg.Ranges))
	for _, rng := range cfg.Ranges {
		a1 := rng.A1()
		values, err := reader.Values(ctx, spreadsheetID, a1)
		if err != nil {
			return RowSet{}, classifySheetsError(a1, err)
		}
		if len(values) == 0 {
			continue
		}
		t := table{headers: headerStrings(values[0])}
		t.records = append(t.records, values[1:]...)
		tables = append(tables, t)
	}
	return build(req.Job.SchemaMapping, tables), nil
}

func classifySheetsError(a1 string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	op := fmt.Sprintf("read range %s", a1)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		if strings.Contains(strings.ToLower(apiErr.Message), "unable to parse range") || apiErr.Message == "" {
			return domain.E(domain.KindRangeInvalid, op, err)
		}
	}
	return domain.E(domain.KindSourceUnreachable, op, err)
}

type googleValuesReader struct {
	svc *sheets.Service
}

// NewGoogleValuesReader authenticates with the destination's service account
// key, or application default credentials when the destination has none.
func NewGoogleValuesReader(ctx context.Context, dest domain.DestinationConnection) (ValuesReader, error) {
	var ts oauth2.TokenSource
	if key := strings.TrimSpace(dest.ServiceAccountKeyJSON); key != "" {
		cfg, err := google.JWTConfigFromJSON([]byte(key), sheets.SpreadsheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
		ts = cfg.TokenSource(ctx)
	} else {
		var err error
		ts, err = google.DefaultTokenSource(ctx, sheets.SpreadsheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("default credentials: %w", err)
		}
	}
	svc, err := sheets.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return &googleValuesReader{svc: svc}, nil
}

func (r *googleValuesReader) Values(ctx context.Context, spreadsheetID, a1 string) ([][]any, error) {
	resp, err := r.svc.Spreadsheets.Values.Get(spreadsheetID, a1).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}
