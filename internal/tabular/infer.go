package tabular

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the semantic type inferred for a column.
type ColumnType string

const (
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeBoolean  ColumnType = "boolean"
	TypeDatetime ColumnType = "datetime"
	TypeString   ColumnType = "string"
)

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeDatetime, TypeString:
		return true
	}
	return false
}

// Numeric reports whether values of this type are numbers.
func (t ColumnType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat
}

// Schema maps column names to their types.
type Schema map[string]ColumnType

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

var missingTokens = map[string]bool{
	"":     true,
	"null": true,
	"na":   true,
	"n/a":  true,
	"nan":  true,
	"none": true,
}

// IsMissing reports whether a cell counts as a missing value.
func IsMissing(s string) bool {
	return missingTokens[strings.ToLower(strings.TrimSpace(s))]
}

// ParseBool accepts true/false/yes/no in any case.
func ParseBool(s string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	return false, false
}

// ParseTime tries each supported datetime layout in turn.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseFloat parses a finite float, ignoring surrounding whitespace.
func ParseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// InferSchema infers the type of every column.
func InferSchema(t *Table) Schema {
	schema := make(Schema, len(t.Columns))
	for _, col := range t.Columns {
		schema[col] = InferType(t.Column(col))
	}
	return schema
}

// InferType picks the narrowest type every non-missing value satisfies,
// preferring integer, then float, boolean and datetime. Columns with no
// present values are strings.
func InferType(values []string) ColumnType {
	isInt, isFloat, isBool, isTime := true, true, true, true
	seen := false

	for _, v := range values {
		if IsMissing(v) {
			continue
		}
		seen = true
		v = strings.TrimSpace(v)

		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, ok := ParseFloat(v); !ok {
				isFloat = false
			}
		}
		if isBool {
			if _, ok := ParseBool(v); !ok {
				isBool = false
			}
		}
		if isTime {
			if _, ok := ParseTime(v); !ok {
				isTime = false
			}
		}
		if !isInt && !isFloat && !isBool && !isTime {
			return TypeString
		}
	}

	switch {
	case !seen:
		return TypeString
	case isInt:
		return TypeInteger
	case isFloat:
		return TypeFloat
	case isBool:
		return TypeBoolean
	case isTime:
		return TypeDatetime
	}
	return TypeString
}

// Convert renders s in the canonical text form of the target type. Missing
// values stay empty.
func Convert(s string, to ColumnType) (string, error) {
	if IsMissing(s) {
		return "", nil
	}
	s = strings.TrimSpace(s)

	switch to {
	case TypeInteger:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		if f, ok := ParseFloat(s); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return strconv.FormatInt(int64(f), 10), nil
		}
	case TypeFloat:
		if f, ok := ParseFloat(s); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
	case TypeBoolean:
		if b, ok := ParseBool(s); ok {
			return strconv.FormatBool(b), nil
		}
	case TypeDatetime:
		if t, ok := ParseTime(s); ok {
			return t.Format(time.RFC3339), nil
		}
	case TypeString:
		return s, nil
	default:
		return "", fmt.Errorf("unknown column type %q", to)
	}
	return "", fmt.Errorf("cannot convert %q to %s", s, to)
}

// typedValue returns the Go value a cell encodes under its column type, or
// nil for missing cells. Values that do not parse are returned as strings.
func typedValue(s string, ct ColumnType) any {
	if IsMissing(s) {
		return nil
	}
	switch ct {
	case TypeInteger:
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i
		}
	case TypeFloat:
		if f, ok := ParseFloat(s); ok {
			return f
		}
	case TypeBoolean:
		if b, ok := ParseBool(s); ok {
			return b
		}
	}
	return s
}
