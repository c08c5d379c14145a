package tabular

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// wrapperKeys are the object keys searched for a row array when the JSON
// document is an object rather than an array.
var wrapperKeys = []string{"data", "records", "rows"}

// ReadJSON parses an array of objects, an array of arrays (first array is
// the header) or an object wrapping such an array under data, records or
// rows. A bare object becomes a single row. Object keys become columns in
// first-seen order; nested values are kept as compact JSON text.
func ReadJSON(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(Normalize(r))
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoHeader
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode json array: %w", err)
		}
	case '{':
		_, fields, err := decodeObject(data)
		if err != nil {
			return nil, err
		}
		items = []json.RawMessage{data}
		for _, k := range wrapperKeys {
			if raw, ok := fields[k]; ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
				if err := json.Unmarshal(raw, &items); err != nil {
					return nil, fmt.Errorf("decode json %s: %w", k, err)
				}
				break
			}
		}
	default:
		return nil, errors.New("json document must be an array or object")
	}

	if len(items) == 0 {
		return nil, ErrNoHeader
	}

	first := bytes.TrimSpace(items[0])
	if len(first) > 0 && first[0] == '[' {
		return tableFromArrays(items)
	}
	return tableFromObjects(items)
}

func tableFromArrays(items []json.RawMessage) (*Table, error) {
	records := make([][]string, 0, len(items))
	for i, item := range items {
		var cells []json.RawMessage
		if err := json.Unmarshal(item, &cells); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rec := make([]string, len(cells))
		for j, c := range cells {
			rec[j] = cellString(c)
		}
		records = append(records, rec)
	}
	return fromRecords(records), nil
}

func tableFromObjects(items []json.RawMessage) (*Table, error) {
	var header []string
	index := make(map[string]int)
	rows := make([]map[string]json.RawMessage, 0, len(items))

	for i, item := range items {
		keys, fields, err := decodeObject(item)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(header)
				header = append(header, k)
			}
		}
		rows = append(rows, fields)
	}

	records := make([][]string, 0, len(rows)+1)
	records = append(records, header)
	for _, fields := range rows {
		rec := make([]string, len(header))
		for k, raw := range fields {
			rec[index[k]] = cellString(raw)
		}
		records = append(records, rec)
	}
	return fromRecords(records), nil
}

// decodeObject decodes a JSON object, returning its keys in document order.
func decodeObject(raw []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("decode object: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("expected a json object")
	}

	var keys []string
	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("decode key: %w", err)
		}
		key, _ := tok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, nil, fmt.Errorf("decode %q: %w", key, err)
		}
		if _, dup := fields[key]; !dup {
			keys = append(keys, key)
		}
		fields[key] = val
	}
	return keys, fields, nil
}

func cellString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err == nil {
			return buf.String()
		}
	}
	return string(raw)
}

// WriteJSON writes the table as an array of objects with keys in column
// order. Cells are typed according to schema; missing cells are null.
func WriteJSON(w io.Writer, t *Table, schema Schema) error {
	bw := bufio.NewWriter(w)
	keys := make([][]byte, len(t.Columns))
	for i, col := range t.Columns {
		k, err := json.Marshal(col)
		if err != nil {
			return err
		}
		keys[i] = k
	}

	bw.WriteByte('[')
	for r, row := range t.Rows {
		if r > 0 {
			bw.WriteByte(',')
		}
		bw.WriteByte('{')
		for i, col := range t.Columns {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.Write(keys[i])
			bw.WriteByte(':')
			v, err := json.Marshal(typedValue(row[i], schema[col]))
			if err != nil {
				return fmt.Errorf("encode %s: %w", col, err)
			}
			bw.Write(v)
		}
		bw.WriteByte('}')
	}
	bw.WriteByte(']')
	return bw.Flush()
}
