// Package source reads the tabular pipeline inputs (CSV and XLSX) into memory.
package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is an in-memory rectangular table with a header row.
// Every row has exactly len(Header) cells.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Index returns the position of the named column, or -1.
func (t *Table) Index(col string) int {
	for i, h := range t.Header {
		if h == col {
			return i
		}
	}
	return -1
}

// Column returns every cell of the named column in row order.
func (t *Table) Column(col string) ([]string, error) {
	idx := t.Index(col)
	if idx < 0 {
		return nil, eris.Errorf("source: %s: column %q not found", t.Name, col)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Options configures Read.
type Options struct {
	Sheet     string // XLSX sheet name; first sheet when empty
	Delimiter rune   // CSV delimiter; ',' when zero, '\t' for .tsv files
}

// Read loads a table from path, choosing the parser by file extension.
func Read(ctx context.Context, path string, opts Options) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, XLSXOptions{SheetName: opts.Sheet})
	case ".tsv":
		if opts.Delimiter == 0 {
			opts.Delimiter = '\t'
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	t, err := ReadCSV(ctx, f, CSVOptions{Delimiter: opts.Delimiter, TrimSpace: true})
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	t.Name = filepath.Base(path)
	return t, nil
}

// newTable builds a Table from raw records, the first being the header.
func newTable(name string, records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, eris.Errorf("source: %s: no header row", name)
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = cleanHeader(h)
	}
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if h == "" {
			continue
		}
		if seen[h] {
			return nil, eris.Errorf("source: %s: duplicate column %q", name, h)
		}
		seen[h] = true
	}

	t := &Table{Name: name, Header: header}
	for i, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		if len(rec) > len(header) && !isBlank(rec[len(header):]) {
			return nil, eris.Errorf("source: %s: row %d has %d fields, header has %d", name, i+2, len(rec), len(header))
		}
		row := make([]string, len(header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// cleanHeader strips whitespace, surrounding quotes and a UTF-8 BOM.
func cleanHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
