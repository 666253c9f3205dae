// Package trainer runs the residual forecasting protocol: forward-chaining
// cross-validation of a boosted tree ensemble on the residual target,
// aggregation of fold errors and persistence of one model artifact.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/econcast/residual-cli/internal/cv"
	"github.com/econcast/residual-cli/internal/gbm"
	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/store"
)

// Options configure a training run.
type Options struct {
	Folds        int
	MinFoldSize  int
	Params       model.Params
	Policy       model.PersistPolicy
	ArtifactPath string
}

// Result is the outcome of a successful run.
type Result struct {
	RunID         string
	Features      []string
	Folds         []model.FoldMetric
	MeanRMSE      float64
	Policy        model.PersistPolicy
	PersistedFold int // 0 for a refit model
	ArtifactPath  string
	Rows          int
	Model         *gbm.Booster
	Duration      time.Duration
}

// Trainer executes training runs. A nil store disables the run registry.
type Trainer struct {
	opts  Options
	store store.Store
	out   io.Writer
	now   func() time.Time
}

// New creates a Trainer that reports fold and aggregate lines to out.
func New(opts Options, st store.Store, out io.Writer) *Trainer {
	if opts.Policy == "" {
		opts.Policy = model.PersistLast
	}
	if out == nil {
		out = io.Discard
	}
	return &Trainer{opts: opts, store: st, out: out, now: time.Now}
}

// Train prepares the inputs and runs the protocol on them. Failures in the
// load, merge and feature stages are recorded on a failed run as well.
func (t *Trainer) Train(ctx context.Context, in Inputs) (*Result, error) {
	prep, err := Prepare(ctx, in)
	if err != nil {
		if t.store == nil {
			return nil, err
		}
		runID, beginErr := t.begin(ctx, nil)
		if beginErr != nil {
			zap.L().Warn("trainer: failed to register run", zap.Error(beginErr))
			return nil, err
		}
		log := zap.L().With(zap.String("run_id", runID))
		log.Error("trainer: run failed", zap.String("kind", model.Kind(err)), zap.Error(err))
		t.fail(ctx, log, runID, err)
		return nil, err
	}
	return t.Run(ctx, prep)
}

// Run trains and validates one model per fold, strictly in time order, then
// persists the model selected by the policy.
func (t *Trainer) Run(ctx context.Context, prep *Prepared) (*Result, error) {
	start := t.now()

	runID, err := t.begin(ctx, prep.Features)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("run_id", runID))

	res, err := t.run(ctx, log, runID, prep)
	if err != nil {
		log.Error("trainer: run failed", zap.String("kind", model.Kind(err)), zap.Error(err))
		t.fail(ctx, log, runID, err)
		return nil, err
	}
	res.Duration = t.now().Sub(start)

	if t.store != nil {
		result := &model.RunResult{
			MeanRMSE:      res.MeanRMSE,
			Folds:         len(res.Folds),
			Rows:          res.Rows,
			Policy:        res.Policy,
			PersistedFold: res.PersistedFold,
			DurationMs:    res.Duration.Milliseconds(),
		}
		if err := t.store.CompleteRun(ctx, runID, result); err != nil {
			log.Warn("trainer: failed to record run result", zap.Error(err))
		}
	}
	log.Info("trainer: run complete",
		zap.Float64("mean_rmse", res.MeanRMSE),
		zap.Int("persisted_fold", res.PersistedFold),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// begin registers the run, or mints a local id when no registry is configured.
// Features is nil when the inputs never got as far as feature selection.
func (t *Trainer) begin(ctx context.Context, features []string) (string, error) {
	if t.store == nil {
		return uuid.New().String(), nil
	}
	run, err := t.store.CreateRun(ctx, model.Run{
		Artifact: t.opts.ArtifactPath,
		Features: features,
		Params:   t.opts.Params,
	})
	if err != nil {
		return "", eris.Wrap(err, "trainer: create run")
	}
	if err := t.store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); err != nil {
		zap.L().Warn("trainer: failed to update status", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run.ID, nil
}

// fail marks the run failed. It still records after cancellation.
func (t *Trainer) fail(ctx context.Context, log *zap.Logger, runID string, err error) {
	if t.store == nil {
		return
	}
	if failErr := t.store.FailRun(context.WithoutCancel(ctx), runID, err.Error()); failErr != nil {
		log.Warn("trainer: failed to record run failure", zap.Error(failErr))
	}
}

func (t *Trainer) run(ctx context.Context, log *zap.Logger, runID string, prep *Prepared) (*Result, error) {
	ds := prep.Dataset
	years := ds.Years()

	splits, err := cv.ForwardChain(ds.Len(), t.opts.Folds, t.opts.MinFoldSize)
	if err != nil {
		return nil, model.NewStageError(model.StageSplit, 0, err)
	}
	if err := cv.Validate(splits, years); err != nil {
		return nil, model.NewStageError(model.StageSplit, 0, err)
	}

	full, err := gbm.NewMatrix(prep.Features, ds.Matrix(prep.Features), ds.Targets())
	if err != nil {
		return nil, model.NewStageError(model.StageTrain, 0, err)
	}
	log.Info("trainer: starting cross-validation",
		zap.Int("rows", ds.Len()),
		zap.Int("folds", len(splits)),
		zap.Int("features", len(prep.Features)),
		zap.String("policy", string(t.opts.Policy)),
	)

	metrics := make([]model.FoldMetric, 0, len(splits))
	models := make([]*gbm.Booster, 0, len(splits))
	for _, sp := range splits {
		if err := ctx.Err(); err != nil {
			return nil, model.NewStageError(model.StageTrain, sp.Fold, eris.Wrap(err, "trainer: cancelled"))
		}

		booster, metric, err := t.fold(ctx, full, years, sp)
		if err != nil {
			return nil, model.NewStageError(model.StageTrain, sp.Fold, err)
		}
		metrics = append(metrics, metric)
		models = append(models, booster)

		log.Info("trainer: fold complete",
			zap.Int("fold", metric.Fold),
			zap.Int("train_size", metric.TrainSize),
			zap.Int("validation_size", metric.ValidationSize),
			zap.Ints("validation_years", metric.ValidationYears[:]),
			zap.Int("best_iteration", metric.BestIteration),
			zap.Float64("rmse", metric.RMSE),
		)
		fmt.Fprintf(t.out, "Fold %d RMSE: %.3f\n", metric.Fold, metric.RMSE)

		if t.store != nil {
			if err := t.store.RecordFold(ctx, runID, metric); err != nil {
				log.Warn("trainer: failed to record fold", zap.Int("fold", metric.Fold), zap.Error(err))
			}
		}
	}

	mean := MeanRMSE(metrics)
	fmt.Fprintf(t.out, "Unified Residual Model Avg RMSE: %.3f\n", mean)

	chosen, persistedFold, err := t.choose(ctx, full, models, metrics)
	if err != nil {
		return nil, model.NewStageError(model.StageTrain, 0, err)
	}
	chosen.Metadata = map[string]string{
		"run_id":     runID,
		"target":     "residual",
		"policy":     string(t.opts.Policy),
		"fold":       strconv.Itoa(persistedFold),
		"folds":      strconv.Itoa(len(metrics)),
		"rows":       strconv.Itoa(ds.Len()),
		"cv_rmse":    strconv.FormatFloat(mean, 'f', 6, 64),
		"trained_at": t.now().UTC().Format(time.RFC3339),
	}
	if imp := chosen.Importance(); len(imp) > 0 {
		log.Debug("trainer: feature importance", zap.Any("gain", imp))
	}

	if err := chosen.Save(t.opts.ArtifactPath); err != nil {
		return nil, model.NewStageError(model.StagePersist, 0, err)
	}
	fmt.Fprintf(t.out, "Model saved to %s\n", t.opts.ArtifactPath)

	return &Result{
		RunID:         runID,
		Features:      prep.Features,
		Folds:         metrics,
		MeanRMSE:      mean,
		Policy:        t.opts.Policy,
		PersistedFold: persistedFold,
		ArtifactPath:  t.opts.ArtifactPath,
		Rows:          ds.Len(),
		Model:         chosen,
	}, nil
}

// fold trains on the training block with early stopping on the validation
// block and scores the truncated model on that same block.
func (t *Trainer) fold(ctx context.Context, full *gbm.Matrix, years []int, sp model.FoldSplit) (*gbm.Booster, model.FoldMetric, error) {
	train := full.Slice(sp.Train.Start, sp.Train.End)
	val := full.Slice(sp.Validation.Start, sp.Validation.End)

	booster, history, err := gbm.Train(ctx, train, val, t.opts.Params)
	if err != nil {
		return nil, model.FoldMetric{}, err
	}
	zap.L().Debug("trainer: boosting finished",
		zap.Int("fold", sp.Fold),
		zap.Int("rounds", len(history)),
		zap.Int("trees", booster.NumTrees()),
	)

	rmse := gbm.RMSE(booster.PredictAll(val.Rows), val.Labels)
	if math.IsNaN(rmse) || math.IsInf(rmse, 0) {
		return nil, model.FoldMetric{}, eris.Wrapf(model.ErrTrainingDivergence, "trainer: validation RMSE is %v", rmse)
	}
	return booster, model.FoldMetric{
		Fold:            sp.Fold,
		TrainSize:       sp.Train.Len(),
		ValidationSize:  sp.Validation.Len(),
		TrainYears:      [2]int{years[sp.Train.Start], years[sp.Train.End-1]},
		ValidationYears: [2]int{years[sp.Validation.Start], years[sp.Validation.End-1]},
		BestIteration:   booster.BestIteration,
		RMSE:            rmse,
	}, nil
}

// choose applies the persistence policy. It returns the fold number of the
// selected model, or 0 for a refit on every row.
func (t *Trainer) choose(ctx context.Context, full *gbm.Matrix, models []*gbm.Booster, metrics []model.FoldMetric) (*gbm.Booster, int, error) {
	switch t.opts.Policy {
	case model.PersistLast:
		last := len(models) - 1
		return models[last], metrics[last].Fold, nil
	case model.PersistBest:
		i := BestFold(metrics)
		return models[i], metrics[i].Fold, nil
	case model.PersistRefit:
		p := t.opts.Params
		p.NumRounds = RefitRounds(metrics)
		p.EarlyStopRounds = 0
		zap.L().Info("trainer: refitting on all rows", zap.Int("rows", full.Len()), zap.Int("rounds", p.NumRounds))
		booster, _, err := gbm.Train(ctx, full, nil, p)
		if err != nil {
			return nil, 0, eris.Wrap(err, "trainer: refit")
		}
		return booster, 0, nil
	default:
		return nil, 0, eris.Errorf("trainer: unknown persist policy %q", t.opts.Policy)
	}
}

// MeanRMSE is the arithmetic mean of the fold RMSEs.
func MeanRMSE(metrics []model.FoldMetric) float64 {
	xs := make([]float64, len(metrics))
	for i, m := range metrics {
		xs[i] = m.RMSE
	}
	return stat.Mean(xs, nil)
}

// BestFold returns the index of the fold with the lowest RMSE. Ties go to the
// later fold, which saw more history.
func BestFold(metrics []model.FoldMetric) int {
	best := 0
	for i, m := range metrics {
		if m.RMSE <= metrics[best].RMSE {
			best = i
		}
	}
	return best
}

// RefitRounds is the mean number of trees kept across folds, rounded.
func RefitRounds(metrics []model.FoldMetric) int {
	xs := make([]float64, len(metrics))
	for i, m := range metrics {
		xs[i] = float64(m.BestIteration + 1)
	}
	return max(1, int(math.Round(stat.Mean(xs, nil))))
}
