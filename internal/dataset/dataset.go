// Package dataset joins the GDP history with the external baseline
// prediction and derives the residual the correction model learns.
package dataset

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"

	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/source"
)

// ResidualColumn is the name of the derived target.
const ResidualColumn = "Residual"

// Columns names the key columns of the two inputs.
type Columns struct {
	Year     string
	Growth   string
	Baseline string
}

// DefaultColumns returns the column names of the processed national data.
func DefaultColumns() Columns {
	return Columns{Year: "Year", Growth: "GDP Growth (%)", Baseline: "SARIMAX_Pred"}
}

// reserved returns the columns that can never be model features.
func (c Columns) reserved() map[string]bool {
	return map[string]bool{c.Year: true, c.Growth: true, c.Baseline: true, ResidualColumn: true}
}

// Dataset is the time-ordered set of joined observations.
type Dataset struct {
	Observations []model.Observation
	Numeric      []string // numeric history columns in source order, Year excluded
	Skipped      []string // non-numeric history columns
}

// MergeStats describes what the join kept and dropped.
type MergeStats struct {
	HistoryRows       int `json:"history_rows"`
	BaselineRows      int `json:"baseline_rows"`
	Retained          int `json:"retained"`
	DroppedNoBaseline int `json:"dropped_no_baseline"`
	DroppedNoTarget   int `json:"dropped_no_target"`
}

// Merge left-joins history onto baseline by year and keeps only rows with a
// defined residual. Fails with model.ErrDataIntegrity when nothing survives.
func Merge(history, baseline *source.Table, cols Columns) (*Dataset, *MergeStats, error) {
	return join(history, baseline, cols, true)
}

// JoinForecast joins rows for correction. The growth column is optional and
// only rows lacking a baseline are dropped.
func JoinForecast(history, baseline *source.Table, cols Columns) (*Dataset, *MergeStats, error) {
	return join(history, baseline, cols, false)
}

func join(history, baseline *source.Table, cols Columns, requireTarget bool) (*Dataset, *MergeStats, error) {
	base, err := baselineByYear(baseline, cols)
	if err != nil {
		return nil, nil, err
	}

	yearIdx := history.Index(cols.Year)
	if yearIdx < 0 {
		return nil, nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: column %q not found", history.Name, cols.Year)
	}
	growthIdx := history.Index(cols.Growth)
	if growthIdx < 0 && requireTarget {
		return nil, nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: column %q not found", history.Name, cols.Growth)
	}

	ds := &Dataset{}
	numericIdx := make(map[string]int)
	for i, h := range history.Header {
		if i == yearIdx || h == "" || h == cols.Baseline {
			continue
		}
		if numericColumn(history, i) {
			ds.Numeric = append(ds.Numeric, h)
			numericIdx[h] = i
		} else {
			ds.Skipped = append(ds.Skipped, h)
		}
	}
	if growthIdx >= 0 {
		if _, ok := numericIdx[cols.Growth]; !ok {
			return nil, nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: column %q is not numeric", history.Name, cols.Growth)
		}
	}

	stats := &MergeStats{HistoryRows: history.Len(), BaselineRows: len(base)}
	seen := make(map[int]bool, history.Len())

	for r, row := range history.Rows {
		year, ok := parseYear(row[yearIdx])
		if !ok {
			return nil, nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: row %d: invalid year %q", history.Name, r+2, row[yearIdx])
		}
		if seen[year] {
			return nil, nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: duplicate year %d", history.Name, year)
		}
		seen[year] = true

		obs := model.Observation{
			Year:      year,
			GDPGrowth: math.NaN(),
			Baseline:  math.NaN(),
			Residual:  math.NaN(),
			Features:  make(map[string]float64, len(numericIdx)),
		}
		for name, idx := range numericIdx {
			v, _ := parseCell(row[idx])
			obs.Features[name] = v
		}
		if growthIdx >= 0 {
			obs.GDPGrowth = obs.Features[cols.Growth]
		}

		b, ok := base[year]
		if !ok {
			stats.DroppedNoBaseline++
			continue
		}
		obs.Baseline = b

		if obs.HasResidual() {
			obs.Residual = obs.GDPGrowth - obs.Baseline
		} else if requireTarget {
			stats.DroppedNoTarget++
			continue
		}

		ds.Observations = append(ds.Observations, obs)
	}

	sort.SliceStable(ds.Observations, func(i, j int) bool {
		return ds.Observations[i].Year < ds.Observations[j].Year
	})
	stats.Retained = len(ds.Observations)

	if stats.Retained == 0 {
		what := "a defined residual"
		if !requireTarget {
			what = "a baseline prediction"
		}
		return nil, stats, eris.Wrapf(model.ErrDataIntegrity,
			"dataset: joining %d history rows with %d baseline rows left no rows with %s",
			stats.HistoryRows, stats.BaselineRows, what)
	}

	return ds, stats, nil
}

// baselineByYear indexes the baseline predictions by year. Empty cells are
// treated as absent; duplicate years are rejected.
func baselineByYear(t *source.Table, cols Columns) (map[int]float64, error) {
	yearIdx := t.Index(cols.Year)
	if yearIdx < 0 {
		return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: column %q not found", t.Name, cols.Year)
	}
	predIdx := t.Index(cols.Baseline)
	if predIdx < 0 {
		return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: column %q not found", t.Name, cols.Baseline)
	}

	out := make(map[int]float64, t.Len())
	for r, row := range t.Rows {
		year, ok := parseYear(row[yearIdx])
		if !ok {
			return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: row %d: invalid year %q", t.Name, r+2, row[yearIdx])
		}
		if _, dup := out[year]; dup {
			return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: duplicate year %d", t.Name, year)
		}
		v, ok := parseCell(row[predIdx])
		if !ok {
			return nil, eris.Wrapf(model.ErrDataIntegrity, "dataset: %s: row %d: invalid %s %q", t.Name, r+2, cols.Baseline, row[predIdx])
		}
		if math.IsNaN(v) {
			continue
		}
		out[year] = v
	}
	return out, nil
}

// numericColumn reports whether every non-missing cell of column idx parses as a number.
func numericColumn(t *source.Table, idx int) bool {
	for _, row := range t.Rows {
		if _, ok := parseCell(row[idx]); !ok {
			return false
		}
	}
	return true
}

// Len returns the number of observations.
func (d *Dataset) Len() int {
	return len(d.Observations)
}

// Years returns the observation years in order.
func (d *Dataset) Years() []int {
	out := make([]int, len(d.Observations))
	for i, o := range d.Observations {
		out[i] = o.Year
	}
	return out
}

// Targets returns the residuals in order.
func (d *Dataset) Targets() []float64 {
	out := make([]float64, len(d.Observations))
	for i, o := range d.Observations {
		out[i] = o.Residual
	}
	return out
}

// Matrix returns the rows x features design matrix. Missing cells are NaN.
func (d *Dataset) Matrix(features []string) [][]float64 {
	out := make([][]float64, len(d.Observations))
	for i, o := range d.Observations {
		row := make([]float64, len(features))
		for j, f := range features {
			row[j] = o.Feature(f)
		}
		out[i] = row
	}
	return out
}

// ResidualSummary holds descriptive statistics of the residual target.
type ResidualSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize describes the residual distribution. Rows without a residual are ignored.
func (d *Dataset) Summarize() ResidualSummary {
	var xs []float64
	for _, o := range d.Observations {
		if !math.IsNaN(o.Residual) {
			xs = append(xs, o.Residual)
		}
	}
	if len(xs) == 0 {
		return ResidualSummary{Mean: math.NaN(), StdDev: math.NaN(), Min: math.NaN(), Max: math.NaN()}
	}
	s := ResidualSummary{Min: xs[0], Max: xs[0]}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	for _, x := range xs {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	return s
}
