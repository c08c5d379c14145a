package core

// cleaning_ops.go defines the cleaning operation variants. Each operation
// type carries its own parameter struct; keys a variant does not know are
// kept in Operation.Extra so provider-specific knobs survive a round trip.
//
// Wire format:
//
//	{"type": "fill_missing", "column_name": "age", "params": {"strategy": "median"}}

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/JonMunkholm/datamorph/internal/tabular"
)

// OperationType enumerates the supported cleaning transforms.
type OperationType string

const (
	OpFillMissing      OperationType = "fill_missing"
	OpRemoveDuplicates OperationType = "remove_duplicates"
	OpNormalize        OperationType = "normalize"
	OpConvertType      OperationType = "convert_type"
	OpFilterRows       OperationType = "filter_rows"
	OpRenameColumn     OperationType = "rename_column"
)

// OperationParams is implemented by every typed parameter struct.
type OperationParams interface {
	OperationType() OperationType
}

// FillStrategy selects how fill_missing computes the replacement.
type FillStrategy string

const (
	FillValue       FillStrategy = "value"
	FillMean        FillStrategy = "mean"
	FillMedian      FillStrategy = "median"
	FillMode        FillStrategy = "mode"
	FillForwardFill FillStrategy = "forward_fill"
)

// FillMissingParams replaces missing cells in one column.
type FillMissingParams struct {
	Strategy FillStrategy `json:"strategy"`
	Value    string       `json:"value,omitempty"`
}

// RemoveDuplicatesParams drops rows repeating an earlier (or later) row.
// Columns restricts the comparison; empty means the whole row.
type RemoveDuplicatesParams struct {
	Columns []string `json:"columns,omitempty"`
	Keep    string   `json:"keep,omitempty"`
}

// NormalizeMethod selects a normalize transform.
type NormalizeMethod string

const (
	NormalizeMinMax    NormalizeMethod = "minmax"
	NormalizeZScore    NormalizeMethod = "zscore"
	NormalizeLowercase NormalizeMethod = "lowercase"
	NormalizeUppercase NormalizeMethod = "uppercase"
	NormalizeTrim      NormalizeMethod = "trim"
)

// NormalizeParams rescales numbers or rewrites text in one column.
type NormalizeParams struct {
	Method NormalizeMethod `json:"method"`
}

// ConvertTypeParams casts one column. OnError is "coerce" (unparseable
// cells become missing) or "fail" (the batch is rejected).
type ConvertTypeParams struct {
	To      tabular.ColumnType `json:"to"`
	OnError string             `json:"on_error,omitempty"`
}

// FilterOperator compares a cell against FilterRowsParams.Value.
type FilterOperator string

const (
	FilterEq       FilterOperator = "eq"
	FilterNe       FilterOperator = "ne"
	FilterGt       FilterOperator = "gt"
	FilterGte      FilterOperator = "gte"
	FilterLt       FilterOperator = "lt"
	FilterLte      FilterOperator = "lte"
	FilterContains FilterOperator = "contains"
	FilterIsNull   FilterOperator = "is_null"
	FilterNotNull  FilterOperator = "not_null"
)

// FilterRowsParams keeps the rows whose column satisfies the condition.
type FilterRowsParams struct {
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value,omitempty"`
}

// RenameColumnParams renames one column.
type RenameColumnParams struct {
	NewName string `json:"new_name"`
}

func (FillMissingParams) OperationType() OperationType      { return OpFillMissing }
func (RemoveDuplicatesParams) OperationType() OperationType { return OpRemoveDuplicates }
func (NormalizeParams) OperationType() OperationType        { return OpNormalize }
func (ConvertTypeParams) OperationType() OperationType      { return OpConvertType }
func (FilterRowsParams) OperationType() OperationType       { return OpFilterRows }
func (RenameColumnParams) OperationType() OperationType     { return OpRenameColumn }

// newParams returns a pointer to a zero parameter struct for t.
func newParams(t OperationType) (OperationParams, bool) {
	switch t {
	case OpFillMissing:
		return &FillMissingParams{Strategy: FillValue}, true
	case OpRemoveDuplicates:
		return &RemoveDuplicatesParams{Keep: "first"}, true
	case OpNormalize:
		return &NormalizeParams{Method: NormalizeMinMax}, true
	case OpConvertType:
		return &ConvertTypeParams{OnError: "coerce"}, true
	case OpFilterRows:
		return &FilterRowsParams{Operator: FilterEq}, true
	case OpRenameColumn:
		return &RenameColumnParams{}, true
	}
	return nil, false
}

// Operation is one requested cleaning step.
type Operation struct {
	Type       OperationType
	ColumnName string
	Params     OperationParams
	Extra      map[string]any
}

type operationWire struct {
	Type       OperationType   `json:"type"`
	ColumnName string          `json:"column_name,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// UnmarshalJSON decodes the wire form into the typed variant.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w operationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Validation("decode operation: %v", err)
	}

	params, ok := newParams(w.Type)
	if !ok {
		return Validation("unknown operation %q", w.Type)
	}

	*o = Operation{Type: w.Type, ColumnName: w.ColumnName}
	raw := bytes.TrimSpace(w.Params)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, params); err != nil {
			return Validation("invalid params for %s: %v", w.Type, err)
		}
		extra, err := unknownKeys(raw, params)
		if err != nil {
			return Validation("invalid params for %s: %v", w.Type, err)
		}
		o.Extra = extra
	}
	o.Params = reflect.ValueOf(params).Elem().Interface().(OperationParams)
	return nil
}

// MarshalJSON encodes the typed variant plus Extra under "params".
func (o Operation) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(o.Extra)+4)
	for k, v := range o.Extra {
		merged[k] = v
	}
	if o.Params != nil {
		typed, err := json.Marshal(o.Params)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(typed, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	params, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationWire{Type: o.Type, ColumnName: o.ColumnName, Params: params})
}

// unknownKeys returns the keys of raw that do not map to a json-tagged field
// of target.
func unknownKeys(raw []byte, target any) (map[string]any, error) {
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	rt := reflect.TypeOf(target)
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	for i := 0; i < rt.NumField(); i++ {
		name, _, _ := strings.Cut(rt.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			known[name] = true
		}
	}

	var extra map[string]any
	for k, v := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra, nil
}

// needsColumn reports whether the operation type targets a single column.
func needsColumn(t OperationType) bool {
	return t != OpRemoveDuplicates
}

// String renders the operation for logs and preview labels.
func (o Operation) String() string {
	if o.ColumnName == "" {
		return string(o.Type)
	}
	return fmt.Sprintf("%s(%s)", o.Type, o.ColumnName)
}
