package core

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/JonMunkholm/datamorph/internal/tabular"
)

// stepResult describes the effect of one operation within a batch. Counts
// and scores are measured against the working table the step ran on.
type stepResult struct {
	Op            Operation
	Affected      int
	RowsBefore    int
	RowsAfter     int
	QualityBefore int
	QualityAfter  int
	Columns       []string
	Sample        []map[string]string
}

// previewSampleRows is how many transformed rows a preview carries per step.
const previewSampleRows = 5

// runBatch applies ops in order to a clone of base. base is never modified.
func runBatch(base *tabular.Table, ops []Operation) (*tabular.Table, []stepResult, error) {
	work := base.Clone()
	quality := tabular.Assess(work).Score

	results := make([]stepResult, 0, len(ops))
	for i, op := range ops {
		op = op.withDefaults()
		if err := validateOperation(op, work.Columns); err != nil {
			return nil, nil, Validation("operation %d (%s): %v", i+1, op.Type, unwrapValidation(err))
		}

		before := work.NumRows()
		affected, err := applyOperation(work, op)
		if err != nil {
			return nil, nil, Validation("operation %d (%s): %v", i+1, op.Type, unwrapValidation(err))
		}
		after := tabular.Assess(work).Score

		results = append(results, stepResult{
			Op:            op,
			Affected:      affected,
			RowsBefore:    before,
			RowsAfter:     work.NumRows(),
			QualityBefore: quality,
			QualityAfter:  after,
			Columns:       append([]string(nil), work.Columns...),
			Sample:        work.Records(0, previewSampleRows),
		})
		quality = after
	}
	return work, results, nil
}

// unwrapValidation strips the taxonomy prefix so nested validation messages
// are not repeated.
func unwrapValidation(err error) string {
	return strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
}

// withDefaults fills in the zero parameter struct when none was given.
func (o Operation) withDefaults() Operation {
	if o.Params == nil {
		if p, ok := newParams(o.Type); ok {
			o.Params = derefParams(p)
		}
	}
	return o
}

func derefParams(p OperationParams) OperationParams {
	switch v := p.(type) {
	case *FillMissingParams:
		return *v
	case *RemoveDuplicatesParams:
		return *v
	case *NormalizeParams:
		return *v
	case *ConvertTypeParams:
		return *v
	case *FilterRowsParams:
		return *v
	case *RenameColumnParams:
		return *v
	}
	return p
}

// validateOperation checks an operation against the working header.
func validateOperation(op Operation, columns []string) error {
	if _, ok := newParams(op.Type); !ok {
		return Validation("unknown operation %q", op.Type)
	}
	if op.Params != nil && op.Params.OperationType() != op.Type {
		return Validation("params for %s supplied to %s", op.Params.OperationType(), op.Type)
	}
	if needsColumn(op.Type) {
		if op.ColumnName == "" {
			return Validation("column_name is required")
		}
		if !contains(columns, op.ColumnName) {
			return Validation("column not found: %s", op.ColumnName)
		}
	}

	switch p := op.Params.(type) {
	case FillMissingParams:
		switch p.Strategy {
		case FillValue:
			if p.Value == "" {
				return Validation("fill_missing with strategy value requires a value")
			}
		case FillMean, FillMedian, FillMode, FillForwardFill:
		default:
			return Validation("invalid enum strategy %q", p.Strategy)
		}
	case RemoveDuplicatesParams:
		for _, c := range p.Columns {
			if !contains(columns, c) {
				return Validation("column not found: %s", c)
			}
		}
		if p.Keep != "first" && p.Keep != "last" {
			return Validation("invalid enum keep %q", p.Keep)
		}
	case NormalizeParams:
		switch p.Method {
		case NormalizeMinMax, NormalizeZScore, NormalizeLowercase, NormalizeUppercase, NormalizeTrim:
		default:
			return Validation("invalid enum method %q", p.Method)
		}
	case ConvertTypeParams:
		if !p.To.Valid() {
			return Validation("invalid enum type %q", p.To)
		}
		if p.OnError != "coerce" && p.OnError != "fail" {
			return Validation("invalid enum on_error %q", p.OnError)
		}
	case FilterRowsParams:
		switch p.Operator {
		case FilterIsNull, FilterNotNull:
		case FilterEq, FilterNe, FilterGt, FilterGte, FilterLt, FilterLte, FilterContains:
			if p.Value == "" {
				return Validation("filter_rows with operator %s requires a value", p.Operator)
			}
		default:
			return Validation("invalid enum operator %q", p.Operator)
		}
	case RenameColumnParams:
		name := strings.TrimSpace(p.NewName)
		if name == "" {
			return Validation("rename_column requires new_name")
		}
		if name != op.ColumnName && contains(columns, name) {
			return Validation("column %s already exists", name)
		}
	}
	return nil
}

// applyOperation mutates t and returns how many rows the step touched:
// changed cells for in-place edits, dropped rows for filters.
func applyOperation(t *tabular.Table, op Operation) (int, error) {
	idx := t.Index(op.ColumnName)

	switch p := op.Params.(type) {
	case FillMissingParams:
		return fillMissing(t, idx, p)
	case RemoveDuplicatesParams:
		return removeDuplicates(t, p), nil
	case NormalizeParams:
		return normalize(t, idx, p)
	case ConvertTypeParams:
		return convertType(t, idx, p)
	case FilterRowsParams:
		return filterRows(t, idx, p), nil
	case RenameColumnParams:
		t.Columns[idx] = strings.TrimSpace(p.NewName)
		return 0, nil
	}
	return 0, Validation("unknown operation %q", op.Type)
}

func fillMissing(t *tabular.Table, idx int, p FillMissingParams) (int, error) {
	values := columnValues(t, idx)

	var replacement string
	switch p.Strategy {
	case FillValue:
		replacement = p.Value
	case FillMean, FillMedian:
		nums, ok := numericValues(values)
		if !ok {
			return 0, Validation("column %s is not numeric", t.Columns[idx])
		}
		if len(nums) == 0 {
			return 0, nil
		}
		if p.Strategy == FillMean {
			replacement = formatNumber(mean(nums))
		} else {
			replacement = formatNumber(median(nums))
		}
	case FillMode:
		replacement = mode(values)
		if replacement == "" {
			return 0, nil
		}
	case FillForwardFill:
		changed := 0
		last := ""
		for _, row := range t.Rows {
			if tabular.IsMissing(row[idx]) {
				if last != "" {
					row[idx] = last
					changed++
				}
				continue
			}
			last = row[idx]
		}
		return changed, nil
	}

	changed := 0
	for _, row := range t.Rows {
		if tabular.IsMissing(row[idx]) {
			row[idx] = replacement
			changed++
		}
	}
	return changed, nil
}

func removeDuplicates(t *tabular.Table, p RemoveDuplicatesParams) int {
	keyIdx := make([]int, 0, len(p.Columns))
	for _, c := range p.Columns {
		keyIdx = append(keyIdx, t.Index(c))
	}
	key := func(row []string) string {
		if len(keyIdx) == 0 {
			return tabular.RowKey(row)
		}
		parts := make([]string, len(keyIdx))
		for i, k := range keyIdx {
			parts[i] = row[k]
		}
		return tabular.RowKey(parts)
	}

	n := len(t.Rows)
	keep := make([]bool, n)
	seen := make(map[string]struct{}, n)
	mark := func(i int) {
		k := key(t.Rows[i])
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keep[i] = true
		}
	}
	if p.Keep == "last" {
		for i := n - 1; i >= 0; i-- {
			mark(i)
		}
	} else {
		for i := 0; i < n; i++ {
			mark(i)
		}
	}

	out := t.Rows[:0]
	for i, row := range t.Rows {
		if keep[i] {
			out = append(out, row)
		}
	}
	t.Rows = out
	return n - len(out)
}

func normalize(t *tabular.Table, idx int, p NormalizeParams) (int, error) {
	switch p.Method {
	case NormalizeLowercase:
		return rewriteCells(t, idx, strings.ToLower), nil
	case NormalizeUppercase:
		return rewriteCells(t, idx, strings.ToUpper), nil
	case NormalizeTrim:
		return rewriteCells(t, idx, strings.TrimSpace), nil
	}

	nums, ok := numericValues(columnValues(t, idx))
	if !ok {
		return 0, Validation("column %s is not numeric", t.Columns[idx])
	}
	if len(nums) == 0 {
		return 0, nil
	}

	var scale func(float64) float64
	if p.Method == NormalizeMinMax {
		lo, hi := nums[0], nums[0]
		for _, v := range nums {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		scale = func(v float64) float64 {
			if hi == lo {
				return 0
			}
			return (v - lo) / (hi - lo)
		}
	} else {
		m := mean(nums)
		var ss float64
		for _, v := range nums {
			ss += (v - m) * (v - m)
		}
		sd := math.Sqrt(ss / float64(len(nums)))
		scale = func(v float64) float64 {
			if sd == 0 {
				return 0
			}
			return (v - m) / sd
		}
	}

	return rewriteCells(t, idx, func(s string) string {
		v, _ := tabular.ParseFloat(s)
		return formatNumber(scale(v))
	}), nil
}

func convertType(t *tabular.Table, idx int, p ConvertTypeParams) (int, error) {
	changed := 0
	for r, row := range t.Rows {
		if tabular.IsMissing(row[idx]) {
			continue
		}
		out, err := tabular.Convert(row[idx], p.To)
		if err != nil {
			if p.OnError == "fail" {
				return 0, Validation("row %d: %v", r+1, err)
			}
			out = ""
		}
		if out != row[idx] {
			row[idx] = out
			changed++
		}
	}
	return changed, nil
}

func filterRows(t *tabular.Table, idx int, p FilterRowsParams) int {
	n := len(t.Rows)
	out := t.Rows[:0]
	for _, row := range t.Rows {
		if matches(row[idx], p) {
			out = append(out, row)
		}
	}
	t.Rows = out
	return n - len(out)
}

// matches evaluates the filter condition. Ordered comparisons use numbers
// when both sides parse, then datetimes, then strings.
func matches(cell string, p FilterRowsParams) bool {
	switch p.Operator {
	case FilterIsNull:
		return tabular.IsMissing(cell)
	case FilterNotNull:
		return !tabular.IsMissing(cell)
	case FilterContains:
		return strings.Contains(strings.ToLower(cell), strings.ToLower(p.Value))
	}
	if tabular.IsMissing(cell) {
		return p.Operator == FilterNe
	}

	c := compare(strings.TrimSpace(cell), strings.TrimSpace(p.Value))
	switch p.Operator {
	case FilterEq:
		return c == 0
	case FilterNe:
		return c != 0
	case FilterGt:
		return c > 0
	case FilterGte:
		return c >= 0
	case FilterLt:
		return c < 0
	case FilterLte:
		return c <= 0
	}
	return false
}

func compare(a, b string) int {
	if x, ok := tabular.ParseFloat(a); ok {
		if y, ok := tabular.ParseFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if x, ok := tabular.ParseTime(a); ok {
		if y, ok := tabular.ParseTime(b); ok {
			return x.Compare(y)
		}
	}
	return strings.Compare(a, b)
}

func rewriteCells(t *tabular.Table, idx int, fn func(string) string) int {
	changed := 0
	for _, row := range t.Rows {
		if tabular.IsMissing(row[idx]) {
			continue
		}
		if out := fn(row[idx]); out != row[idx] {
			row[idx] = out
			changed++
		}
	}
	return changed
}

func columnValues(t *tabular.Table, idx int) []string {
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out
}

// numericValues parses every present value; ok is false if any fails.
func numericValues(values []string) ([]float64, bool) {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if tabular.IsMissing(v) {
			continue
		}
		f, ok := tabular.ParseFloat(v)
		if !ok {
			return nil, false
		}
		nums = append(nums, f)
	}
	return nums, true
}

func mean(nums []float64) float64 {
	var sum float64
	for _, v := range nums {
		sum += v
	}
	return sum / float64(len(nums))
}

func median(nums []float64) float64 {
	s := append([]float64(nil), nums...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// mode returns the most frequent present value; ties go to the value seen first.
func mode(values []string) string {
	counts := make(map[string]int)
	var order []string
	for _, v := range values {
		if tabular.IsMissing(v) {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best, bestN := "", 0
	for _, v := range order {
		if counts[v] > bestN {
			best, bestN = v, counts[v]
		}
	}
	return best
}

// formatNumber rounds to six decimals so results are stable across runs.
func formatNumber(v float64) string {
	v = math.Round(v*1e6) / 1e6
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
