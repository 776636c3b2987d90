// Package source pulls rows out of spreadsheets and FTP/SFTP files and re-keys
// them by destination column name.
package source

import (
	"context"
	"fmt"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/schema"
)

// Row maps destination column names to cell values. Missing cells are nil.
type Row map[string]any

// RowSet is the normalized output of an extractor.
type RowSet struct {
	// Headers are the raw headers observed at the source, first-seen order.
	Headers []string
	// Columns are the destination names in load order.
	Columns []string
	// Mapping is the mapping the rows were keyed with.
	Mapping []domain.ColumnMapping
	Rows    []Row
}

func (r RowSet) Len() int { return len(r.Rows) }

// Request carries everything an extractor needs. Connections are read-only.
type Request struct {
	Job         domain.SyncJob
	Connection  domain.SourceConnection
	Destination domain.DestinationConnection
}

type Extractor interface {
	Extract(ctx context.Context, req Request) (RowSet, error)
}

// Registry dispatches on the source kind.
type Registry struct {
	Sheets Extractor
	Files  Extractor
}

func (r Registry) For(kind domain.SourceKind) (Extractor, error) {
	var ex Extractor
	switch kind {
	case domain.SourceGoogleSheet:
		ex = r.Sheets
	case domain.SourceFTP:
		ex = r.Files
	default:
		return nil, domain.Errorf(domain.KindConfiguration, "select extractor", "unknown source kind %q", kind)
	}
	if ex == nil {
		return nil, domain.Errorf(domain.KindConfiguration, "select extractor", "no extractor configured for %s", kind)
	}
	return ex, nil
}

// Extract resolves the extractor for the job's source kind and runs it.
func (r Registry) Extract(ctx context.Context, req Request) (RowSet, error) {
	ex, err := r.For(req.Job.Source.Kind)
	if err != nil {
		return RowSet{}, err
	}
	return ex.Extract(ctx, req)
}

// table is one block of records under a single header row.
type table struct {
	headers []string
	records [][]any
}

// build merges tables into a RowSet keyed by the job mapping, generating a
// mapping from the observed headers when the job has none.
func build(mapping []domain.ColumnMapping, tables []table) RowSet {
	var headers []string
	seen := map[string]int{}
	for _, t := range tables {
		counts := map[string]int{}
		for _, h := range t.headers {
			counts[h]++
			if counts[h] > seen[h] {
				seen[h] = counts[h]
				headers = append(headers, h)
			}
		}
	}
	if len(mapping) == 0 {
		mapping = schema.GenerateMapping(headers)
	}
	out := RowSet{
		Headers: headers,
		Columns: schema.Columns(mapping),
		Mapping: mapping,
	}
	for _, t := range tables {
		targets := bind(mapping, t.headers)
		for _, rec := range t.records {
			if blank(rec) {
				continue
			}
			row := make(Row, len(out.Columns))
			for _, col := range out.Columns {
				row[col] = nil
			}
			for i, v := range rec {
				if i < len(targets) && targets[i] != "" {
					row[targets[i]] = v
				}
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// bind returns the destination name for each header position. The k-th
// occurrence of a header takes the k-th mapping entry with that original name.
func bind(mapping []domain.ColumnMapping, headers []string) []string {
	byName := map[string][]string{}
	for _, m := range mapping {
		byName[m.OriginalName] = append(byName[m.OriginalName], m.DestinationName)
	}
	used := map[string]int{}
	out := make([]string, len(headers))
	for i, h := range headers {
		dests := byName[h]
		if k := used[h]; k < len(dests) {
			out[i] = dests[k]
		}
		used[h]++
	}
	return out
}

func blank(rec []any) bool {
	for _, v := range rec {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return false
	}
	return true
}

func headerStrings(raw []any) []string {
	out := make([]string, len(raw))
	for i, v := range raw {
		if v != nil {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func stringsToCells(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
