// Package gbm trains gradient-boosted regression trees on squared error.
//
// Trees are grown greedily over every distinct feature value with L1 and L2
// regularisation on leaf weights, a depth limit, a minimum child weight and a
// minimum split gain. Missing values (NaN) follow a per-split default
// direction learned from the training rows.
package gbm

import (
	"math"

	"github.com/rotisserie/eris"
)

// Matrix is a dense row-major design matrix with one label per row.
type Matrix struct {
	Features []string
	Rows     [][]float64
	Labels   []float64
}

// NewMatrix validates shapes and returns a Matrix. Feature values may be NaN;
// labels must be finite.
func NewMatrix(features []string, rows [][]float64, labels []float64) (*Matrix, error) {
	if len(features) == 0 {
		return nil, eris.New("gbm: matrix has no features")
	}
	if len(rows) != len(labels) {
		return nil, eris.Errorf("gbm: %d rows but %d labels", len(rows), len(labels))
	}
	for i, r := range rows {
		if len(r) != len(features) {
			return nil, eris.Errorf("gbm: row %d has %d values, want %d", i, len(r), len(features))
		}
	}
	for i, y := range labels {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, eris.Errorf("gbm: label %d is not finite", i)
		}
	}
	return &Matrix{Features: features, Rows: rows, Labels: labels}, nil
}

// Len returns the number of rows.
func (m *Matrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Rows)
}

// Slice returns the rows [start, end) sharing the underlying storage.
func (m *Matrix) Slice(start, end int) *Matrix {
	return &Matrix{
		Features: m.Features,
		Rows:     m.Rows[start:end],
		Labels:   m.Labels[start:end],
	}
}
