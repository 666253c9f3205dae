package model

import "math"

// Observation is one year of history joined with its baseline prediction.
type Observation struct {
	Year      int                `json:"year"`
	GDPGrowth float64            `json:"gdp_growth"`
	Baseline  float64            `json:"baseline"`
	Residual  float64            `json:"residual"`
	Features  map[string]float64 `json:"features"`
}

// Feature returns the named feature value, or NaN when the cell was empty
// or the column is unknown.
func (o Observation) Feature(name string) float64 {
	v, ok := o.Features[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// HasResidual reports whether both the actual and baseline values are defined.
func (o Observation) HasResidual() bool {
	return !math.IsNaN(o.GDPGrowth) && !math.IsNaN(o.Baseline)
}

// Range is a half-open [Start, End) span of row indices.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of rows in the range.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Indices expands the range into explicit row indices.
func (r Range) Indices() []int {
	idx := make([]int, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		idx = append(idx, i)
	}
	return idx
}

// FoldSplit is one forward-chaining partition of a time-sorted dataset.
// Fold numbers start at 1.
type FoldSplit struct {
	Fold       int   `json:"fold"`
	Train      Range `json:"train"`
	Validation Range `json:"validation"`
}

// FoldMetric is the validation outcome of a single fold.
type FoldMetric struct {
	Fold            int     `json:"fold"`
	TrainSize       int     `json:"train_size"`
	ValidationSize  int     `json:"validation_size"`
	TrainYears      [2]int  `json:"train_years"`
	ValidationYears [2]int  `json:"validation_years"`
	BestIteration   int     `json:"best_iteration"`
	RMSE            float64 `json:"rmse"`
}
