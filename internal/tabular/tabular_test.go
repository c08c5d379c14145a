package tabular

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	input := "\xEF\xBB\xBFid, name ,name,\n1,=\"0042\",x\n\n2,bob,y,extra,more\n ,  ,,\n"

	tbl, err := ReadCSV([]byte(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "name_2", "column_4"}, tbl.Columns)
	require.Equal(t, 2, tbl.NumRows(), "blank rows are dropped")
	assert.Equal(t, []string{"1", "0042", "x", ""}, tbl.Rows[0])
	assert.Equal(t, []string{"2", "bob", "y", "extra"}, tbl.Rows[1])
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(nil)
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestReadDelimited_Tab(t *testing.T) {
	tbl, err := ReadDelimited(strings.NewReader("a\tb\n1\t2\n"), '\t')
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Columns)
	assert.Equal(t, [][]string{{"1", "2"}}, tbl.Rows)
}

func TestEncodeCSV_ReadBack(t *testing.T) {
	src := &Table{
		Columns: []string{"city", "note"},
		Rows:    [][]string{{"Oslo", "has, comma"}, {"Bergen", `say "hi"`}},
	}
	data, err := EncodeCSV(src)
	require.NoError(t, err)

	got, err := ReadCSV(data)
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestEncodeCSV_SingleColumnEmptyCell(t *testing.T) {
	src := &Table{
		Columns: []string{"n"},
		Rows:    [][]string{{"1"}, {""}, {"3"}},
	}
	data, err := EncodeCSV(src)
	require.NoError(t, err)
	assert.Equal(t, "n\n1\n\"\"\n3\n", string(data))

	got, err := DecodeCSV(data)
	require.NoError(t, err)
	assert.Equal(t, src, got, "the empty cell must survive as a row")
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		columns []string
		rows    [][]string
	}{
		{
			name:    "array of objects keeps first-seen order",
			input:   `[{"b":1,"a":"x"},{"a":"y","c":true,"b":null}]`,
			columns: []string{"b", "a", "c"},
			rows:    [][]string{{"1", "x", ""}, {"", "y", "true"}},
		},
		{
			name:    "array of arrays",
			input:   `[["id","score"],[1,2.5],[2,null]]`,
			columns: []string{"id", "score"},
			rows:    [][]string{{"1", "2.5"}, {"2", ""}},
		},
		{
			name:    "wrapped records",
			input:   `{"meta":{"n":1},"records":[{"k":{"x": 1}}]}`,
			columns: []string{"k"},
			rows:    [][]string{{`{"x":1}`}},
		},
		{
			name:    "bare object",
			input:   `{"x":"1","y":"2"}`,
			columns: []string{"x", "y"},
			rows:    [][]string{{"1", "2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := ReadJSON(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.columns, tbl.Columns)
			assert.Equal(t, tt.rows, tbl.Rows)
		})
	}
}

func TestReadJSON_Invalid(t *testing.T) {
	for _, input := range []string{"", "[]", "42", `[{"a":`} {
		_, err := ReadJSON(strings.NewReader(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestWriteJSON_Typed(t *testing.T) {
	tbl := &Table{
		Columns: []string{"id", "price", "active", "name"},
		Rows:    [][]string{{"1", "9.5", "yes", "widget"}, {"2", "", "no", "NA"}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, tbl, InferSchema(tbl)))

	assert.JSONEq(t,
		`[{"id":1,"price":9.5,"active":true,"name":"widget"},{"id":2,"price":null,"active":false,"name":null}]`,
		buf.String())
	assert.True(t, strings.HasPrefix(buf.String(), `[{"id":1,"price"`), "column order preserved: %s", buf.String())
}

func TestXLSX_WriteThenRead(t *testing.T) {
	src := &Table{
		Columns: []string{"sku", "qty", "label"},
		Rows:    [][]string{{"A-1", "3", "first"}, {"B-2", "", "second"}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, src, InferSchema(src)))

	got, err := ReadXLSX(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, src.Columns, got.Columns)
	assert.Equal(t, src.Rows, got.Rows)
}

func TestReadXLSX_NotAWorkbook(t *testing.T) {
	_, err := ReadXLSX(strings.NewReader("plain text"))
	assert.Error(t, err)
}

func TestInferType(t *testing.T) {
	tests := []struct {
		values []string
		want   ColumnType
	}{
		{[]string{"1", "-2", "", "30"}, TypeInteger},
		{[]string{"1", "2.5", "NA"}, TypeFloat},
		{[]string{"true", "No", "YES"}, TypeBoolean},
		{[]string{"1", "0"}, TypeInteger},
		{[]string{"2024-01-02", "2024-03-04T10:00:00Z", "01/31/2024"}, TypeDatetime},
		{[]string{"a", "1"}, TypeString},
		{[]string{"", "null", "N/A"}, TypeString},
		{nil, TypeString},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, InferType(tt.values), "InferType(%q)", tt.values)
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		in      string
		to      ColumnType
		want    string
		wantErr bool
	}{
		{"42", TypeInteger, "42", false},
		{"3.0", TypeInteger, "3", false},
		{"3.5", TypeInteger, "", true},
		{" 1e3 ", TypeFloat, "1000", false},
		{"Yes", TypeBoolean, "true", false},
		{"maybe", TypeBoolean, "", true},
		{"2024-01-02", TypeDatetime, "2024-01-02T00:00:00Z", false},
		{"", TypeInteger, "", false},
		{" x ", TypeString, "x", false},
		{"1", ColumnType("money"), "", true},
	}

	for _, tt := range tests {
		got, err := Convert(tt.in, tt.to)
		if tt.wantErr {
			assert.Error(t, err, "Convert(%q, %s)", tt.in, tt.to)
			continue
		}
		require.NoError(t, err, "Convert(%q, %s)", tt.in, tt.to)
		assert.Equal(t, tt.want, got, "Convert(%q, %s)", tt.in, tt.to)
	}
}

func TestAssess(t *testing.T) {
	tbl := &Table{
		Columns: []string{"a", "b"},
		Rows: [][]string{
			{"1", "x"},
			{"1", "x"},
			{"2", ""},
			{"", "null"},
		},
	}

	q := Assess(tbl)
	assert.Equal(t, 8, q.Details.TotalCells)
	assert.Equal(t, 3, q.Details.MissingCells)
	assert.Equal(t, 1, q.Details.DuplicateRows)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, q.Details.ColumnMissing)
	// 100 * (0.7*0.625 + 0.3*0.75) = 66.25
	assert.Equal(t, 66, q.Score)

	raw, err := json.Marshal(q.Details)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"duplicate_rows":1`)
}

func TestAssess_Empty(t *testing.T) {
	q := Assess(New("a"))
	assert.Equal(t, 100, q.Score)
	assert.Equal(t, 1.0, q.Details.Completeness)
}

func TestTable_RecordsAndClone(t *testing.T) {
	tbl := &Table{Columns: []string{"k"}, Rows: [][]string{{"1"}, {"2"}, {"3"}}}

	assert.Equal(t, []map[string]string{{"k": "2"}, {"k": "3"}}, tbl.Records(1, 10))
	assert.Empty(t, tbl.Records(5, 10))

	c := tbl.Clone()
	c.Rows[0][0] = "changed"
	assert.Equal(t, "1", tbl.Rows[0][0])
	assert.Equal(t, []string{"1", "2", "3"}, tbl.Column("k"))
	assert.Nil(t, tbl.Column("missing"))
}
