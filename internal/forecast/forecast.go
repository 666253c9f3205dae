// Package forecast applies a trained residual model to baseline predictions.
package forecast

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/econcast/residual-cli/internal/dataset"
	"github.com/econcast/residual-cli/internal/gbm"
	"github.com/econcast/residual-cli/internal/model"
)

// Row is one year to correct. Features absent from the map are treated as missing.
type Row struct {
	Year     int                `json:"year"`
	Baseline float64            `json:"baseline"`
	Features map[string]float64 `json:"features"`
}

// Correction is a baseline prediction with the model's residual added.
type Correction struct {
	Year      int      `json:"year" csv:"Year"`
	Baseline  float64  `json:"baseline" csv:"SARIMAX_Pred"`
	Residual  float64  `json:"residual" csv:"Residual_Pred"`
	Corrected float64  `json:"corrected" csv:"Corrected_Pred"`
	Actual    *float64 `json:"actual,omitempty" csv:"Actual,omitempty"`
}

// Corrector predicts residuals with a loaded model. It is safe for concurrent use.
type Corrector struct {
	model *gbm.Booster
}

// NewCorrector wraps a trained booster.
func NewCorrector(b *gbm.Booster) *Corrector {
	return &Corrector{model: b}
}

// Load reads an artifact from path and returns a Corrector for it.
func Load(path string) (*Corrector, error) {
	b, err := gbm.Load(path)
	if err != nil {
		return nil, err
	}
	return NewCorrector(b), nil
}

// Model returns the underlying booster.
func (c *Corrector) Model() *gbm.Booster {
	return c.model
}

// Features returns the feature names the model was trained on, in order.
func (c *Corrector) Features() []string {
	return c.model.Features
}

// CheckColumns verifies that every model feature is among the available columns.
func (c *Corrector) CheckColumns(available []string) error {
	have := make(map[string]bool, len(available))
	for _, a := range available {
		have[a] = true
	}
	var missing []string
	for _, f := range c.model.Features {
		if !have[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return eris.Wrapf(model.ErrDataIntegrity, "forecast: input lacks model features %q", missing)
	}
	return nil
}

// Correct predicts the residual for each row and adds it to the baseline.
func (c *Corrector) Correct(rows []Row) ([]Correction, error) {
	out := make([]Correction, len(rows))
	x := make([]float64, len(c.model.Features))
	for i, r := range rows {
		if math.IsNaN(r.Baseline) || math.IsInf(r.Baseline, 0) {
			return nil, eris.Wrapf(model.ErrDataIntegrity, "forecast: year %d has no baseline prediction", r.Year)
		}
		for j, f := range c.model.Features {
			v, ok := r.Features[f]
			if !ok {
				v = math.NaN()
			}
			x[j] = v
		}
		residual := c.model.Predict(x)
		out[i] = Correction{
			Year:      r.Year,
			Baseline:  r.Baseline,
			Residual:  residual,
			Corrected: r.Baseline + residual,
		}
	}
	return out, nil
}

// CorrectDataset corrects every observation of a joined dataset. Observations
// with a known growth value carry it as Actual.
func (c *Corrector) CorrectDataset(ds *dataset.Dataset) ([]Correction, error) {
	if err := c.CheckColumns(ds.Numeric); err != nil {
		return nil, err
	}
	rows := make([]Row, len(ds.Observations))
	for i, o := range ds.Observations {
		rows[i] = Row{Year: o.Year, Baseline: o.Baseline, Features: o.Features}
	}
	out, err := c.Correct(rows)
	if err != nil {
		return nil, err
	}
	for i, o := range ds.Observations {
		if !math.IsNaN(o.GDPGrowth) {
			actual := o.GDPGrowth
			out[i].Actual = &actual
		}
	}
	return out, nil
}

// Evaluation compares baseline and corrected errors on rows with actuals.
type Evaluation struct {
	Rows          int     `json:"rows"`
	BaselineRMSE  float64 `json:"baseline_rmse"`
	CorrectedRMSE float64 `json:"corrected_rmse"`
}

// Evaluate scores the corrections that carry an actual value. It returns
// false when none do.
func Evaluate(cs []Correction) (Evaluation, bool) {
	var actual, baseline, corrected []float64
	for _, c := range cs {
		if c.Actual == nil {
			continue
		}
		actual = append(actual, *c.Actual)
		baseline = append(baseline, c.Baseline)
		corrected = append(corrected, c.Corrected)
	}
	if len(actual) == 0 {
		return Evaluation{}, false
	}
	return Evaluation{
		Rows:          len(actual),
		BaselineRMSE:  gbm.RMSE(baseline, actual),
		CorrectedRMSE: gbm.RMSE(corrected, actual),
	}, true
}

// WriteCSV writes corrections with a header row.
func WriteCSV(w io.Writer, cs []Correction) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	enc.Register(func(f float64) ([]byte, error) {
		return strconv.AppendFloat(nil, f, 'f', -1, 64), nil
	})
	if len(cs) == 0 {
		if err := enc.EncodeHeader(Correction{}); err != nil {
			return eris.Wrap(err, "forecast: encode header")
		}
	} else if err := enc.Encode(cs); err != nil {
		return eris.Wrap(err, "forecast: encode corrections")
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "forecast: flush csv")
}
