package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

// parseFile reads the header row and data records of a downloaded file. An
// empty file yields a table with no headers.
func parseFile(data []byte, format domain.FileFormat) (table, error) {
	var (
		rows [][]string
		err  error
	)
	switch format {
	case domain.FormatCSV:
		rows, err = parseCSV(data)
	case domain.FormatXLSX:
		rows, err = parseXLSX(data)
	case domain.FormatXLS:
		rows, err = parseXLS(data)
	default:
		return table{}, domain.Errorf(domain.KindUnsupportedFormat, "parse file", "unsupported file format %q", format)
	}
	if err != nil {
		return table{}, domain.E(domain.KindUnsupportedFormat, "parse "+strings.ToLower(string(format)), err)
	}

	var t table
	for _, row := range rows {
		if len(t.headers) == 0 {
			if blankStrings(row) {
				continue
			}
			t.headers = row
			continue
		}
		t.records = append(t.records, stringsToCells(row))
	}
	return t, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func parseCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var out [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if blankStrings(rec) {
			continue
		}
		out = append(out, rec)
	}
}

func parseXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		if !blankStrings(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func parseXLS(data []byte) ([][]string, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, err
	}
	if wb == nil || wb.NumSheets() == 0 {
		return nil, nil
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, nil
	}
	var out [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := 0; j < row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		if !blankStrings(cells) {
			out = append(out, cells)
		}
	}
	return out, nil
}

func blankStrings(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
