package gbm

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/econcast/residual-cli/internal/model"
)

// Objective is the only loss the booster optimises.
const Objective = "reg:squarederror"

// Booster is a trained additive tree ensemble.
type Booster struct {
	Features      []string
	Params        model.Params
	BaseScore     float64
	Trees         []Tree
	BestIteration int     // 0-based round with the best evaluation score
	BestScore     float64 // evaluation RMSE at BestIteration
	Metadata      map[string]string
}

// EvalRecord is the loss after one boosting round.
type EvalRecord struct {
	Round     int     `json:"round"`
	TrainRMSE float64 `json:"train_rmse"`
	EvalRMSE  float64 `json:"eval_rmse,omitempty"`
}

// History is the per-round evaluation log of a Train call.
type History []EvalRecord

// ValidateParams checks hyperparameter ranges.
func ValidateParams(p model.Params) error {
	switch {
	case !(p.LearningRate > 0) || p.LearningRate > 1:
		return eris.Errorf("gbm: learning_rate %v must be in (0, 1]", p.LearningRate)
	case p.MaxDepth < 1:
		return eris.Errorf("gbm: max_depth %d must be at least 1", p.MaxDepth)
	case p.Lambda < 0:
		return eris.Errorf("gbm: lambda %v must be non-negative", p.Lambda)
	case p.Alpha < 0:
		return eris.Errorf("gbm: alpha %v must be non-negative", p.Alpha)
	case p.Gamma < 0:
		return eris.Errorf("gbm: gamma %v must be non-negative", p.Gamma)
	case p.MinChildWeight < 0:
		return eris.Errorf("gbm: min_child_weight %v must be non-negative", p.MinChildWeight)
	case p.NumRounds < 1:
		return eris.Errorf("gbm: num_rounds %d must be at least 1", p.NumRounds)
	case p.EarlyStopRounds < 0:
		return eris.Errorf("gbm: early_stopping_rounds %d must be non-negative", p.EarlyStopRounds)
	}
	return nil
}

// Train fits a booster on train. When eval is non-nil its RMSE is tracked
// every round; with EarlyStopRounds > 0 training stops after that many rounds
// without improvement and the ensemble is truncated to the best round.
func Train(ctx context.Context, train, eval *Matrix, p model.Params) (*Booster, History, error) {
	if err := ValidateParams(p); err != nil {
		return nil, nil, err
	}
	if train.Len() == 0 {
		return nil, nil, eris.Wrap(model.ErrInsufficientData, "gbm: empty training matrix")
	}
	if eval != nil {
		if eval.Len() == 0 {
			return nil, nil, eris.Wrap(model.ErrInsufficientData, "gbm: empty evaluation matrix")
		}
		if len(eval.Features) != len(train.Features) {
			return nil, nil, eris.Errorf("gbm: evaluation matrix has %d features, training has %d",
				len(eval.Features), len(train.Features))
		}
	}

	base := stat.Mean(train.Labels, nil)
	b := &Booster{
		Features:  append([]string(nil), train.Features...),
		Params:    p,
		BaseScore: base,
	}

	n := train.Len()
	trainPred := constant(n, base)
	grad := make([]float64, n)
	hess := constant(n, 1)
	var evalPred []float64
	if eval != nil {
		evalPred = constant(eval.Len(), base)
	}

	history := make(History, 0, p.NumRounds)
	best, bestScore := -1, math.Inf(1)
	for round := 0; round < p.NumRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, history, eris.Wrapf(err, "gbm: round %d", round)
		}

		for i := range grad {
			grad[i] = trainPred[i] - train.Labels[i]
		}
		tree := growTree(train.Rows, grad, hess, p)
		b.Trees = append(b.Trees, *tree)

		for i, x := range train.Rows {
			trainPred[i] += tree.Predict(x)
		}
		rec := EvalRecord{Round: round, TrainRMSE: RMSE(trainPred, train.Labels)}
		if !isFinite(rec.TrainRMSE) {
			return nil, history, eris.Wrapf(model.ErrTrainingDivergence, "gbm: round %d: training loss is %v", round, rec.TrainRMSE)
		}

		if eval == nil {
			history = append(history, rec)
			continue
		}
		for i, x := range eval.Rows {
			evalPred[i] += tree.Predict(x)
		}
		rec.EvalRMSE = RMSE(evalPred, eval.Labels)
		history = append(history, rec)
		if !isFinite(rec.EvalRMSE) {
			return nil, history, eris.Wrapf(model.ErrTrainingDivergence, "gbm: round %d: evaluation loss is %v", round, rec.EvalRMSE)
		}
		if rec.EvalRMSE < bestScore {
			best, bestScore = round, rec.EvalRMSE
		} else if p.EarlyStopRounds > 0 && round-best >= p.EarlyStopRounds {
			break
		}
	}

	last := history[len(history)-1]
	switch {
	case eval == nil:
		b.BestIteration = last.Round
		b.BestScore = last.TrainRMSE
		return b, history, nil
	case p.EarlyStopRounds == 0:
		b.BestIteration = last.Round
		b.BestScore = last.EvalRMSE
		return b, history, nil
	}
	b.Trees = b.Trees[:best+1]
	b.BestIteration = best
	b.BestScore = bestScore
	return b, history, nil
}

// Predict returns the ensemble prediction for one row in Features order.
func (b *Booster) Predict(x []float64) float64 {
	y := b.BaseScore
	for i := range b.Trees {
		y += b.Trees[i].Predict(x)
	}
	return y
}

// PredictAll predicts every row.
func (b *Booster) PredictAll(rows [][]float64) []float64 {
	out := make([]float64, len(rows))
	for i, x := range rows {
		out[i] = b.Predict(x)
	}
	return out
}

// NumTrees returns the number of boosting rounds kept.
func (b *Booster) NumTrees() int {
	return len(b.Trees)
}

// FeatureGain is the total split gain attributed to one feature.
type FeatureGain struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
	Splits  int     `json:"splits"`
}

// Importance returns total gain per feature, highest first. Features never
// used in a split are omitted.
func (b *Booster) Importance() []FeatureGain {
	gain := make([]float64, len(b.Features))
	splits := make([]int, len(b.Features))
	for _, t := range b.Trees {
		for _, n := range t.Nodes {
			if n.IsLeaf() {
				continue
			}
			gain[n.Feature] += n.Gain
			splits[n.Feature]++
		}
	}
	var out []FeatureGain
	for i, f := range b.Features {
		if splits[i] > 0 {
			out = append(out, FeatureGain{Feature: f, Gain: gain[i], Splits: splits[i]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Gain > out[j].Gain })
	return out
}

// RMSE is the root mean squared error between pred and actual.
func RMSE(pred, actual []float64) float64 {
	if len(pred) == 0 {
		return math.NaN()
	}
	return floats.Distance(pred, actual, 2) / math.Sqrt(float64(len(pred)))
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
