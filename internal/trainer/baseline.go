// Package trainer provides the built-in core.Trainer.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/tabular"
)

// DefaultTestSplit is the held-out fraction when hyperparameters omit one.
const DefaultTestSplit = 0.2

// Baseline fits deterministic reference models: the mean for regression
// and time series, the majority class for classification and a single
// centroid for clustering. The last test_split of the rows is held out.
type Baseline struct{}

var _ core.Trainer = Baseline{}

type artifact struct {
	Type      core.PredictionType `json:"prediction_type"`
	Algorithm string              `json:"model_algorithm"`
	Target    string              `json:"target_column,omitempty"`
	Features  []string            `json:"feature_columns"`
	Mean      *float64            `json:"mean,omitempty"`
	Class     string              `json:"class,omitempty"`
	Centroid  []float64           `json:"centroid,omitempty"`
	TrainRows int                 `json:"train_rows"`
}

// Fit trains the baseline for in.Type.
func (Baseline) Fit(ctx context.Context, in core.TrainInput) (*core.TrainOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Table == nil || in.Table.NumRows() == 0 {
		return nil, fail(errors.New("dataset has no rows"))
	}

	split := in.Hyperparameters.TestSplit
	if split <= 0 {
		split = DefaultTestSplit
	}

	switch in.Type {
	case core.PredictionRegression, core.PredictionTimeSeries:
		return fitMean(in, split)
	case core.PredictionClassification:
		return fitMajority(in, split)
	case core.PredictionClustering:
		return fitCentroid(in)
	}
	return nil, fail(fmt.Errorf("unsupported prediction type %q", in.Type))
}

func fail(err error) error {
	return &core.CapabilityError{Capability: "train", Err: err}
}

// splitIndex returns the first held-out row. At least one row trains.
func splitIndex(n int, split float64) int {
	test := int(math.Round(float64(n) * split))
	if test >= n {
		test = n - 1
	}
	return n - test
}

func fitMean(in core.TrainInput, split float64) (*core.TrainOutput, error) {
	idx := in.Table.Index(in.Target)
	if idx < 0 {
		return nil, fail(fmt.Errorf("column not found: %s", in.Target))
	}

	var values []float64
	for _, row := range in.Table.Rows {
		if idx >= len(row) {
			continue
		}
		if v, ok := tabular.ParseFloat(row[idx]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, fail(fmt.Errorf("target %s has no numeric values", in.Target))
	}

	cut := splitIndex(len(values), split)
	train, test := values[:cut], values[cut:]
	if len(test) == 0 {
		test = train
	}
	mean := average(train)

	var sse, sae float64
	testMean := average(test)
	var sst float64
	for _, v := range test {
		d := v - mean
		sse += d * d
		sae += math.Abs(d)
		sst += (v - testMean) * (v - testMean)
	}
	n := float64(len(test))
	r2 := 0.0
	if sst > 0 {
		r2 = 1 - sse/sst
	}

	metrics := map[string]float64{
		"rmse": round(math.Sqrt(sse / n)),
		"mae":  round(sae / n),
		"r2":   round(r2),
	}
	results := map[string]any{
		"prediction":  round(mean),
		"train_rows":  len(train),
		"test_rows":   len(test),
		"target_mean": round(mean),
	}
	if in.Type == core.PredictionTimeSeries {
		forecast := make([]float64, in.ForecastHorizon)
		for i := range forecast {
			forecast[i] = round(mean)
		}
		results["forecast"] = forecast
	}

	m := round(mean)
	return output(metrics, results, artifact{
		Type: in.Type, Algorithm: "baseline_mean", Target: in.Target,
		Features: in.Features, Mean: &m, TrainRows: len(train),
	})
}

func fitMajority(in core.TrainInput, split float64) (*core.TrainOutput, error) {
	labels := in.Table.Column(in.Target)
	if labels == nil {
		return nil, fail(fmt.Errorf("column not found: %s", in.Target))
	}
	var present []string
	for _, l := range labels {
		if !tabular.IsMissing(l) {
			present = append(present, l)
		}
	}
	if len(present) == 0 {
		return nil, fail(fmt.Errorf("target %s has no values", in.Target))
	}

	cut := splitIndex(len(present), split)
	train, test := present[:cut], present[cut:]
	if len(test) == 0 {
		test = train
	}

	counts := map[string]int{}
	var order []string
	for _, l := range train {
		if counts[l] == 0 {
			order = append(order, l)
		}
		counts[l]++
	}
	majority := order[0]
	for _, l := range order[1:] {
		if counts[l] > counts[majority] {
			majority = l
		}
	}

	hits := 0
	for _, l := range test {
		if l == majority {
			hits++
		}
	}

	classes := make([]string, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	metrics := map[string]float64{"accuracy": round(float64(hits) / float64(len(test)))}
	results := map[string]any{
		"prediction": majority,
		"classes":    classes,
		"train_rows": len(train),
		"test_rows":  len(test),
	}
	return output(metrics, results, artifact{
		Type: in.Type, Algorithm: "baseline_majority", Target: in.Target,
		Features: in.Features, Class: majority, TrainRows: len(train),
	})
}

func fitCentroid(in core.TrainInput) (*core.TrainOutput, error) {
	var cols []int
	var names []string
	for _, f := range in.Features {
		if in.Schema != nil && !in.Schema[f].Numeric() {
			continue
		}
		if idx := in.Table.Index(f); idx >= 0 {
			cols = append(cols, idx)
			names = append(names, f)
		}
	}
	if len(cols) == 0 {
		return nil, fail(errors.New("clustering needs at least one numeric feature"))
	}

	var points [][]float64
	for _, row := range in.Table.Rows {
		p := make([]float64, len(cols))
		ok := true
		for i, c := range cols {
			if c >= len(row) {
				ok = false
				break
			}
			v, parsed := tabular.ParseFloat(row[c])
			if !parsed {
				ok = false
				break
			}
			p[i] = v
		}
		if ok {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil, fail(errors.New("no rows with numeric values for every feature"))
	}

	centroid := make([]float64, len(cols))
	for _, p := range points {
		for i, v := range p {
			centroid[i] += v
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(points))
	}

	var inertia float64
	for _, p := range points {
		for i, v := range p {
			d := v - centroid[i]
			inertia += d * d
		}
	}
	for i := range centroid {
		centroid[i] = round(centroid[i])
	}

	metrics := map[string]float64{"inertia": round(inertia)}
	results := map[string]any{
		"n_clusters":    1,
		"cluster_sizes": []int{len(points)},
		"features_used": names,
	}
	return output(metrics, results, artifact{
		Type: in.Type, Algorithm: "baseline_centroid",
		Features: names, Centroid: centroid, TrainRows: len(points),
	})
}

func output(metrics map[string]float64, results map[string]any, a artifact) (*core.TrainOutput, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return &core.TrainOutput{Metrics: metrics, Results: results, Artifact: data}, nil
}

func average(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
