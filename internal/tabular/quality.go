package tabular

import (
	"math"
	"strings"
)

// Quality is a dataset's quality score with the figures behind it.
type Quality struct {
	Score   int            `json:"score"`
	Details QualityDetails `json:"details"`
}

// QualityDetails are the raw measurements the score is computed from.
type QualityDetails struct {
	Completeness  float64        `json:"completeness"`
	MissingCells  int            `json:"missing_cells"`
	TotalCells    int            `json:"total_cells"`
	DuplicateRows int            `json:"duplicate_rows"`
	ColumnMissing map[string]int `json:"column_missing"`
}

// Assess scores a table as round(100 * (0.7*completeness + 0.3*(1-dup))),
// where dup is the share of rows that repeat an earlier row. An empty table
// scores 100.
func Assess(t *Table) Quality {
	d := QualityDetails{
		Completeness:  1,
		TotalCells:    len(t.Rows) * len(t.Columns),
		ColumnMissing: make(map[string]int, len(t.Columns)),
	}
	for _, col := range t.Columns {
		d.ColumnMissing[col] = 0
	}

	seen := make(map[string]struct{}, len(t.Rows))
	for _, row := range t.Rows {
		for i, cell := range row {
			if IsMissing(cell) {
				d.MissingCells++
				d.ColumnMissing[t.Columns[i]]++
			}
		}
		key := RowKey(row)
		if _, dup := seen[key]; dup {
			d.DuplicateRows++
			continue
		}
		seen[key] = struct{}{}
	}

	if d.TotalCells > 0 {
		d.Completeness = 1 - float64(d.MissingCells)/float64(d.TotalCells)
	}
	dupRatio := 0.0
	if len(t.Rows) > 0 {
		dupRatio = float64(d.DuplicateRows) / float64(len(t.Rows))
	}

	score := int(math.Round(100 * (0.7*d.Completeness + 0.3*(1-dupRatio))))
	return Quality{Score: clamp(score, 0, 100), Details: d}
}

// RowKey joins cells with a unit separator so rows can be compared as map keys.
func RowKey(cells []string) string {
	return strings.Join(cells, "\x1f")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
