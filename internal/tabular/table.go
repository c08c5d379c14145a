// Package tabular holds the in-memory row model shared by extraction,
// cleaning and export: a header plus string cells, codecs for the supported
// formats, schema inference and quality scoring.
//
// Cells are kept as strings. A missing value is any cell for which
// IsMissing reports true; typed interpretation happens on demand through
// the Schema.
package tabular

import (
	"strconv"
	"strings"
)

// Table is a rectangular set of rows under a header.
type Table struct {
	Columns []string
	Rows    [][]string
}

// New returns an empty table with the given header.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// NumRows returns the number of data rows.
func (t *Table) NumRows() int { return len(t.Rows) }

// NumColumns returns the header width.
func (t *Table) NumColumns() int { return len(t.Columns) }

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the values of the named column in row order.
func (t *Table) Column(name string) []string {
	idx := t.Index(name)
	if idx < 0 {
		return nil
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out
}

// Clone returns a deep copy; transforms work on clones so the source stays
// untouched.
func (t *Table) Clone() *Table {
	c := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		c.Rows[i] = append([]string(nil), row...)
	}
	return c
}

// Records returns up to limit rows starting at offset as column-keyed maps.
func (t *Table) Records(offset, limit int) []map[string]string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(t.Rows) || limit <= 0 {
		return []map[string]string{}
	}
	end := offset + limit
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	out := make([]map[string]string, 0, end-offset)
	for _, row := range t.Rows[offset:end] {
		rec := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
	return out
}

// fromRecords builds a table from raw records whose first row is the header.
// Header names are cleaned and made unique, rows are padded or truncated to
// the header width and fully blank rows are dropped.
func fromRecords(records [][]string) *Table {
	if len(records) == 0 {
		return New()
	}
	t := &Table{Columns: uniqueHeader(records[0])}
	width := len(t.Columns)
	for _, rec := range records[1:] {
		row := make([]string, width)
		blank := true
		for i := 0; i < width && i < len(rec); i++ {
			row[i] = cleanCell(rec[i])
			if row[i] != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// uniqueHeader cleans header cells, names blank ones column_N and suffixes
// repeats with _2, _3, ...
func uniqueHeader(raw []string) []string {
	seen := make(map[string]int, len(raw))
	out := make([]string, len(raw))
	for i, h := range raw {
		name := cleanCell(h)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		base := name
		for seen[name] > 0 {
			seen[base]++
			name = base + "_" + strconv.Itoa(seen[base])
		}
		seen[name]++
		out[i] = name
	}
	return out
}

// cleanCell trims whitespace and unwraps Excel text formulas (="0042").
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return s
}
