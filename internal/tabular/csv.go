package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ErrNoHeader is returned when a source contains no header row.
var ErrNoHeader = errors.New("no header row found")

// ReadDelimited parses delimiter-separated text whose first record is the
// header. Ragged rows are padded or truncated to the header width.
func ReadDelimited(r io.Reader, comma rune) (*Table, error) {
	cr := csv.NewReader(Normalize(r))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var records [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse delimited: %w", err)
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, ErrNoHeader
	}
	return fromRecords(records), nil
}

// ReadCSV parses comma-separated bytes.
func ReadCSV(data []byte) (*Table, error) {
	return ReadDelimited(bytes.NewReader(data), ',')
}

// DecodeCSV parses CSV produced by WriteCSV. Header and cells are kept
// verbatim; short rows are padded to the header width.
func DecodeCSV(data []byte) (*Table, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoHeader
	}

	t := &Table{Columns: records[0], Rows: make([][]string, 0, len(records)-1)}
	for _, rec := range records[1:] {
		row := make([]string, len(t.Columns))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteCSV writes the header followed by every row. A record holding one
// empty field is written as "" so readers do not skip it as a blank line.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := writeRecord(w, cw, t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range t.Rows {
		if err := writeRecord(w, cw, row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

func writeRecord(w io.Writer, cw *csv.Writer, rec []string) error {
	if len(rec) != 1 || rec[0] != "" {
		return cw.Write(rec)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\"\"\n")
	return err
}

// EncodeCSV returns the table as CSV bytes.
func EncodeCSV(t *Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
