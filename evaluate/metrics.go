package evaluate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/codec/ensemble"
)

// tablePair pulls the estimate and reference columns a point metric
// compares. The estimate may arrive as a Table or as an Ensemble
// carrying the point estimates in an ancillary column.
func tablePair(estimate, reference rail.Payload, estCol, refCol string) ([]float64, []float64, error) {
	var est []float64
	switch e := estimate.(type) {
	case *rail.Table:
		vals, err := e.Column(estCol)
		if err != nil {
			return nil, nil, err
		}
		est = vals
	case *ensemble.Ensemble:
		vals, err := e.Ancil(estCol)
		if err != nil {
			return nil, nil, err
		}
		est = vals
	default:
		return nil, nil, fmt.Errorf("cannot read point estimates from a %T", estimate)
	}
	tbl, ok := reference.(*rail.Table)
	if !ok {
		return nil, nil, fmt.Errorf("cannot read reference values from a %T", reference)
	}
	ref, err := tbl.Column(refCol)
	if err != nil {
		return nil, nil, err
	}
	if len(est) != len(ref) {
		return nil, nil, fmt.Errorf("estimate has %d rows where reference has %d", len(est), len(ref))
	}
	return est, ref, nil
}

// scaledErrors returns (est - ref) / (1 + ref) per row
func scaledErrors(est, ref []float64) []float64 {
	out := make([]float64, len(est))
	for i := range est {
		out[i] = (est[i] - ref[i]) / (1 + ref[i])
	}
	return out
}

// PointError reports the scaled error of each row's point estimate
// against its reference value
type PointError struct {
	estCol string
	refCol string
}

// CreatePointError returns a PointError over the named columns
func CreatePointError(estCol, refCol string) *PointError {
	return &PointError{estCol: estCol, refCol: refCol}
}

// Name returns the registry name of this metric
func (m *PointError) Name() string { return "point_error" }

// OutputType classifies PointError as a per-row metric
func (m *PointError) OutputType() rail.MetricOutputType { return rail.OneValuePerRow }

// EvaluateChunk returns the scaled error of every row in the chunk
func (m *PointError) EvaluateChunk(estimate, reference rail.Payload) ([]float64, error) {
	est, ref, err := tablePair(estimate, reference, m.estCol, m.refCol)
	if err != nil {
		return nil, err
	}
	return scaledErrors(est, ref), nil
}

// momentPartial is the chunk-local statistic shared by the moment-based
// metrics: row count, sum and sum of squares of the scaled errors, and
// the count of rows beyond the outlier cut.
type momentPartial struct {
	N        int
	Sum      float64
	SumSq    float64
	Outliers int
}

func encodePartial(p momentPartial) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mergePartials(partials [][]byte) (momentPartial, error) {
	var total momentPartial
	for _, raw := range partials {
		var p momentPartial
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
			return momentPartial{}, err
		}
		total.N += p.N
		total.Sum += p.Sum
		total.SumSq += p.SumSq
		total.Outliers += p.Outliers
	}
	return total, nil
}

// Moments reports the mean and standard deviation of the scaled errors
// as a pair of single values
type Moments struct {
	estCol string
	refCol string
}

// CreateMoments returns a Moments metric over the named columns
func CreateMoments(estCol, refCol string) *Moments {
	return &Moments{estCol: estCol, refCol: refCol}
}

// Name returns the registry name of this metric
func (m *Moments) Name() string { return "moments" }

// OutputType classifies Moments as a single-value metric
func (m *Moments) OutputType() rail.MetricOutputType { return rail.SingleValue }

// Accumulate returns the serialized moment statistics for one chunk
func (m *Moments) Accumulate(estimate, reference rail.Payload) ([]byte, error) {
	est, ref, err := tablePair(estimate, reference, m.estCol, m.refCol)
	if err != nil {
		return nil, err
	}
	var p momentPartial
	for _, ez := range scaledErrors(est, ref) {
		p.N++
		p.Sum += ez
		p.SumSq += ez * ez
	}
	return encodePartial(p)
}

// Finalize combines chunk statistics into a one-row table with columns
// mean and std
func (m *Moments) Finalize(partials [][]byte) (rail.Payload, error) {
	total, err := mergePartials(partials)
	if err != nil {
		return nil, err
	}
	if total.N == 0 {
		return nil, fmt.Errorf("metric %s finalized over zero rows", m.Name())
	}
	n := float64(total.N)
	mean := total.Sum / n
	variance := total.SumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	out := rail.CreateTable()
	out.SetColumn("mean", []float64{mean})
	out.SetColumn("std", []float64{math.Sqrt(variance)})
	return out, nil
}

// OutlierRate reports the fraction of rows whose scaled error magnitude
// exceeds a cut
type OutlierRate struct {
	estCol string
	refCol string
	cut    float64
}

// CreateOutlierRate returns an OutlierRate metric over the named columns
func CreateOutlierRate(estCol, refCol string, cut float64) *OutlierRate {
	return &OutlierRate{estCol: estCol, refCol: refCol, cut: cut}
}

// Name returns the registry name of this metric
func (m *OutlierRate) Name() string { return "outlier_rate" }

// OutputType classifies OutlierRate as a single-value metric
func (m *OutlierRate) OutputType() rail.MetricOutputType { return rail.SingleValue }

// Accumulate returns the serialized outlier counts for one chunk
func (m *OutlierRate) Accumulate(estimate, reference rail.Payload) ([]byte, error) {
	est, ref, err := tablePair(estimate, reference, m.estCol, m.refCol)
	if err != nil {
		return nil, err
	}
	var p momentPartial
	for _, ez := range scaledErrors(est, ref) {
		p.N++
		if math.Abs(ez) > m.cut {
			p.Outliers++
		}
	}
	return encodePartial(p)
}

// Finalize combines chunk counts into a one-row table with column
// outlier_rate
func (m *OutlierRate) Finalize(partials [][]byte) (rail.Payload, error) {
	total, err := mergePartials(partials)
	if err != nil {
		return nil, err
	}
	if total.N == 0 {
		return nil, fmt.Errorf("metric %s finalized over zero rows", m.Name())
	}
	out := rail.CreateTable()
	out.SetColumn("outlier_rate", []float64{float64(total.Outliers) / float64(total.N)})
	return out, nil
}

// stackPartial carries the summed distribution values of one chunk
type stackPartial struct {
	N    int
	Grid []float64
	Sum  []float64
}

// NaiveStack sums per-row distributions into a single normalized stacked
// distribution
type NaiveStack struct{}

// CreateNaiveStack returns a NaiveStack metric
func CreateNaiveStack() *NaiveStack {
	return &NaiveStack{}
}

// Name returns the registry name of this metric
func (m *NaiveStack) Name() string { return "naive_stack" }

// OutputType classifies NaiveStack as a single-distribution metric
func (m *NaiveStack) OutputType() rail.MetricOutputType { return rail.SingleDistribution }

// Accumulate sums the chunk's distributions on their shared grid
func (m *NaiveStack) Accumulate(estimate, reference rail.Payload) ([]byte, error) {
	ens, ok := estimate.(*ensemble.Ensemble)
	if !ok {
		return nil, fmt.Errorf("cannot stack distributions from a %T", estimate)
	}
	p := stackPartial{
		N:    ens.NumRows(),
		Grid: ens.Grid(),
		Sum:  make([]float64, len(ens.Grid())),
	}
	for _, row := range ens.Vals() {
		for i, v := range row {
			p.Sum[i] += v
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Finalize combines chunk sums into a one-member Ensemble normalized to
// unit area
func (m *NaiveStack) Finalize(partials [][]byte) (rail.Payload, error) {
	var grid, sum []float64
	rows := 0
	for _, raw := range partials {
		var p stackPartial
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&p); err != nil {
			return nil, err
		}
		if grid == nil {
			grid = p.Grid
			sum = make([]float64, len(p.Grid))
		} else if len(p.Grid) != len(grid) {
			return nil, fmt.Errorf("cannot stack partials over grids of %d and %d points", len(grid), len(p.Grid))
		}
		for i, v := range p.Sum {
			sum[i] += v
		}
		rows += p.N
	}
	if rows == 0 {
		return nil, fmt.Errorf("metric %s finalized over zero rows", m.Name())
	}
	ens, err := ensemble.CreateEnsemble(grid, [][]float64{sum})
	if err != nil {
		return nil, err
	}
	norm := ens.Norm(0)
	if norm > 0 {
		for i := range sum {
			sum[i] /= norm
		}
	}
	return ens, nil
}
