package source

import (
	"context"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
	"google.golang.org/api/googleapi"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

type fakeValuesReader struct {
	ranges map[string][][]any
	errs   map[string]error
	calls  []string
}

func (f *fakeValuesReader) Values(_ context.Context, spreadsheetID, a1 string) ([][]any, error) {
	f.calls = append(f.calls, spreadsheetID+"|"+a1)
	if err := f.errs[a1]; err != nil {
		return nil, err
	}
	return f.ranges[a1], nil
}

func sheetRequest(mapping []domain.ColumnMapping, ranges ...domain.SheetRange) Request {
	return Request{
		Job: domain.SyncJob{
			ID:            "job-sheet",
			SchemaMapping: mapping,
			Source: domain.SourceConfig{
				Kind:  domain.SourceGoogleSheet,
				Sheet: &domain.SheetSource{ManagedSheetID: "ms-1", Ranges: ranges},
			},
		},
		Connection: domain.SourceConnection{
			Kind:  domain.SourceGoogleSheet,
			Sheet: &domain.ManagedSheet{ID: "ms-1", URL: "https://docs.google.com/spreadsheets/d/abc123/edit"},
		},
	}
}

func newSheetsExtractor(reader ValuesReader) *SheetsExtractor {
	return NewSheetsExtractor(func(context.Context, domain.DestinationConnection) (ValuesReader, error) {
		return reader, nil
	})
}

func TestSheetsExtractConcatenatesRanges(t *testing.T) {
	reader := &fakeValuesReader{ranges: map[string][][]any{
		"'Jan'!A1:C": {{"Order ID", "Amount"}, {"1", "10"}, {"2"}},
		"'Feb'!A1:C": {{"Order ID", "Amount"}, {}, {"3", "30"}},
	}}
	req := sheetRequest(nil,
		domain.SheetRange{SheetName: "Jan", Range: "A1:C"},
		domain.SheetRange{SheetName: "Feb", Range: "A1:C"},
	)

	rows, err := newSheetsExtractor(reader).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if len(reader.calls) != 2 || reader.calls[0] != "abc123|'Jan'!A1:C" {
		t.Fatalf("calls=%v", reader.calls)
	}
	if rows.Len() != 3 {
		t.Fatalf("rows=%d want 3", rows.Len())
	}
	if rows.Rows[1]["order_id"] != "2" || rows.Rows[1]["amount"] != nil {
		t.Fatalf("short row not padded with nil: %v", rows.Rows[1])
	}
	if rows.Rows[2]["amount"] != "30" {
		t.Fatalf("row from second range: %v", rows.Rows[2])
	}
	if len(rows.Columns) != 2 || rows.Columns[0] != "order_id" || rows.Columns[1] != "amount" {
		t.Fatalf("columns=%v", rows.Columns)
	}
}

func TestSheetsExtractUsesJobMapping(t *testing.T) {
	reader := &fakeValuesReader{ranges: map[string][][]any{
		"'Data'": {{"Name", "Name", "Extra"}, {"a", "b", "x"}},
	}}
	mapping := []domain.ColumnMapping{
		{OriginalName: "Name", DestinationName: "first"},
		{OriginalName: "Name", DestinationName: "second"},
		{OriginalName: "Gone", DestinationName: "gone"},
	}
	rows, err := newSheetsExtractor(reader).Extract(context.Background(), sheetRequest(mapping, domain.SheetRange{SheetName: "Data"}))
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	row := rows.Rows[0]
	if row["first"] != "a" || row["second"] != "b" {
		t.Fatalf("duplicate headers bound by position: %v", row)
	}
	if v, ok := row["gone"]; !ok || v != nil {
		t.Fatalf("mapped column missing from source should be nil, got %v (present=%v)", v, ok)
	}
	if _, ok := row["extra"]; ok {
		t.Fatalf("unmapped header should be dropped: %v", row)
	}
}

func TestSheetsExtractClassifiesErrors(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorKind
	}{
		{&googleapi.Error{Code: 400, Message: "Unable to parse range: Nope!A1"}, domain.KindRangeInvalid},
		{&googleapi.Error{Code: 404, Message: "Requested entity was not found."}, domain.KindSourceUnreachable},
		{&googleapi.Error{Code: 403, Message: "The caller does not have permission"}, domain.KindSourceUnreachable},
		{errors.New("dial tcp: i/o timeout"), domain.KindSourceUnreachable},
	}
	for _, tc := range cases {
		reader := &fakeValuesReader{errs: map[string]error{"'Nope'!A1": tc.err}}
		_, err := newSheetsExtractor(reader).Extract(context.Background(), sheetRequest(nil, domain.SheetRange{SheetName: "Nope", Range: "A1"}))
		if got := domain.KindOf(err); got != tc.want {
			t.Fatalf("Extract(%v) kind=%q want %q", tc.err, got, tc.want)
		}
	}
}

func TestSheetsExtractEmptySheet(t *testing.T) {
	reader := &fakeValuesReader{ranges: map[string][][]any{"'Data'": {{"a", "b"}}}}
	rows, err := newSheetsExtractor(reader).Extract(context.Background(), sheetRequest(nil, domain.SheetRange{SheetName: "Data"}))
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if rows.Len() != 0 {
		t.Fatalf("rows=%d want 0", rows.Len())
	}
}

type fakeFetcher struct {
	data []byte
	err  error
	path string
}

func (f *fakeFetcher) Fetch(_ context.Context, _ domain.FtpSource, path string) ([]byte, error) {
	f.path = path
	return f.data, f.err
}

func fileRequest(format domain.FileFormat, mapping []domain.ColumnMapping) Request {
	return Request{
		Job: domain.SyncJob{
			ID:            "job-file",
			SchemaMapping: mapping,
			Source: domain.SourceConfig{
				Kind: domain.SourceFTP,
				File: &domain.FileSource{FtpSourceID: "ftp-1", FilePath: "/exports/orders", FileFormat: format},
			},
		},
		Connection: domain.SourceConnection{Kind: domain.SourceFTP, FTP: &domain.FtpSource{ID: "ftp-1", Host: "ftp.example.com"}},
	}
}

func TestFileExtractCSV(t *testing.T) {
	data := []byte("\xEF\xBB\xBFOrder ID,Total ($)\n1,9.50\n\n2,\"1,000\"\n3\n")
	fetcher := &fakeFetcher{data: data}
	rows, err := NewFileExtractor(fetcher).Extract(context.Background(), fileRequest(domain.FormatCSV, nil))
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if fetcher.path != "/exports/orders" {
		t.Fatalf("fetched %q", fetcher.path)
	}
	if rows.Len() != 3 {
		t.Fatalf("rows=%d want 3", rows.Len())
	}
	if rows.Headers[0] != "Order ID" {
		t.Fatalf("BOM not stripped: %q", rows.Headers[0])
	}
	if rows.Rows[1]["total"] != "1,000" {
		t.Fatalf("quoted field: %v", rows.Rows[1])
	}
	if rows.Rows[2]["total"] != nil {
		t.Fatalf("missing field should be nil: %v", rows.Rows[2])
	}
}

func TestFileExtractXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	if err := f.SetSheetRow(sheet, "A1", &[]any{"SKU", "Qty"}); err != nil {
		t.Fatalf("SetSheetRow() err=%v", err)
	}
	if err := f.SetSheetRow(sheet, "A2", &[]any{"X-1", 4}); err != nil {
		t.Fatalf("SetSheetRow() err=%v", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() err=%v", err)
	}

	rows, err := NewFileExtractor(&fakeFetcher{data: buf.Bytes()}).Extract(context.Background(), fileRequest(domain.FormatXLSX, nil))
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if rows.Len() != 1 || rows.Rows[0]["sku"] != "X-1" || rows.Rows[0]["qty"] != "4" {
		t.Fatalf("rows=%v", rows.Rows)
	}
}

func TestFileExtractUnsupportedFormat(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("a,b\n")}
	_, err := NewFileExtractor(fetcher).Extract(context.Background(), fileRequest("JSON", nil))
	if domain.KindOf(err) != domain.KindUnsupportedFormat {
		t.Fatalf("kind=%q err=%v", domain.KindOf(err), err)
	}
	if fetcher.path != "" {
		t.Fatalf("unsupported format should not fetch")
	}

	_, err = NewFileExtractor(&fakeFetcher{data: []byte("not a workbook")}).Extract(context.Background(), fileRequest(domain.FormatXLSX, nil))
	if domain.KindOf(err) != domain.KindUnsupportedFormat {
		t.Fatalf("corrupt xlsx kind=%q", domain.KindOf(err))
	}
}

func TestFileExtractFetchErrors(t *testing.T) {
	connErr := domain.E(domain.KindConnection, "login", errors.New("530 Login incorrect"))
	_, err := NewFileExtractor(&fakeFetcher{err: connErr}).Extract(context.Background(), fileRequest(domain.FormatCSV, nil))
	if domain.KindOf(err) != domain.KindConnection {
		t.Fatalf("kind=%q", domain.KindOf(err))
	}
	_, err = NewFileExtractor(&fakeFetcher{err: errors.New("550 no such file")}).Extract(context.Background(), fileRequest(domain.FormatCSV, nil))
	if domain.KindOf(err) != domain.KindSourceUnreachable {
		t.Fatalf("unclassified fetch error kind=%q", domain.KindOf(err))
	}
}

func TestFileExtractEmptyFile(t *testing.T) {
	mapping := []domain.ColumnMapping{{OriginalName: "a", DestinationName: "a"}}
	rows, err := NewFileExtractor(&fakeFetcher{data: nil}).Extract(context.Background(), fileRequest(domain.FormatCSV, mapping))
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if rows.Len() != 0 || len(rows.Columns) != 1 {
		t.Fatalf("rows=%d columns=%v", rows.Len(), rows.Columns)
	}
}

func TestRegistryFor(t *testing.T) {
	files := NewFileExtractor(&fakeFetcher{})
	reg := Registry{Files: files}
	ex, err := reg.For(domain.SourceFTP)
	if err != nil || ex != files {
		t.Fatalf("For(FTP) err=%v", err)
	}
	if _, err := reg.For(domain.SourceGoogleSheet); domain.KindOf(err) != domain.KindConfiguration {
		t.Fatalf("missing sheets extractor kind=%q", domain.KindOf(err))
	}
	if _, err := reg.For("S3"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestHostKeyCallback(t *testing.T) {
	if _, err := hostKeyCallback(""); err != nil {
		t.Fatalf("empty host key err=%v", err)
	}
	if _, err := hostKeyCallback("not-a-key"); err == nil {
		t.Fatalf("expected parse error")
	}
}
