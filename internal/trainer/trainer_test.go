package trainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econcast/residual-cli/internal/dataset"
	"github.com/econcast/residual-cli/internal/gbm"
	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/store"
)

func testParams() model.Params {
	return model.Params{
		LearningRate:    0.1,
		MaxDepth:        3,
		Lambda:          2,
		Alpha:           1,
		MinChildWeight:  1,
		NumRounds:       60,
		EarlyStopRounds: 10,
	}
}

// synthetic builds n yearly observations from 2000 whose residual depends on
// the two features.
func synthetic(n int) *Prepared {
	obs := make([]model.Observation, n)
	for i := range obs {
		inflation := 2 + math.Sin(float64(i)/2)
		unemployment := 5 + math.Cos(float64(i)/3)
		baseline := 2.5
		growth := baseline + 0.8*(inflation-2) - 0.5*(unemployment-5)
		obs[i] = model.Observation{
			Year:      2000 + i,
			GDPGrowth: growth,
			Baseline:  baseline,
			Residual:  growth - baseline,
			Features:  map[string]float64{"Inflation": inflation, "Unemployment": unemployment},
		}
	}
	return &Prepared{
		Dataset:  &dataset.Dataset{Observations: obs, Numeric: []string{"GDP Growth (%)", "Inflation", "Unemployment"}},
		Features: []string{"Inflation", "Unemployment"},
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Folds:        3,
		MinFoldSize:  2,
		Params:       testParams(),
		Policy:       model.PersistLast,
		ArtifactPath: filepath.Join(t.TempDir(), "models", "xgb_residual.json"),
	}
}

func TestRun_LastPolicy(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions(t)
	res, err := New(opts, nil, &out).Run(context.Background(), synthetic(25))
	require.NoError(t, err)

	require.Len(t, res.Folds, 3)
	wantTrain := []int{7, 13, 19}
	for i, m := range res.Folds {
		assert.Equal(t, i+1, m.Fold)
		assert.Equal(t, wantTrain[i], m.TrainSize)
		assert.Equal(t, 6, m.ValidationSize)
		assert.Equal(t, 2000, m.TrainYears[0])
		assert.Equal(t, m.TrainYears[1]+1, m.ValidationYears[0], "validation follows training")
		assert.False(t, math.IsNaN(m.RMSE))
	}

	mean := (res.Folds[0].RMSE + res.Folds[1].RMSE + res.Folds[2].RMSE) / 3
	assert.InDelta(t, mean, res.MeanRMSE, 1e-12)
	assert.Equal(t, 3, res.PersistedFold)
	assert.Equal(t, 25, res.Rows)
	assert.NotEmpty(t, res.RunID)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("Fold %d RMSE: %.3f", i+1, res.Folds[i].RMSE), lines[i])
	}
	assert.Equal(t, fmt.Sprintf("Unified Residual Model Avg RMSE: %.3f", res.MeanRMSE), lines[3])
	assert.Equal(t, "Model saved to "+opts.ArtifactPath, lines[4])

	loaded, err := gbm.Load(opts.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"Inflation", "Unemployment"}, loaded.Features)
	assert.Equal(t, res.RunID, loaded.Metadata["run_id"])
	assert.Equal(t, "last", loaded.Metadata["policy"])
	assert.Equal(t, "3", loaded.Metadata["fold"])

	rows := synthetic(25).Dataset.Matrix(loaded.Features)
	assert.Equal(t, res.Model.PredictAll(rows), loaded.PredictAll(rows))
}

func TestRun_BestPolicy(t *testing.T) {
	opts := testOptions(t)
	opts.Policy = model.PersistBest
	res, err := New(opts, nil, nil).Run(context.Background(), synthetic(25))
	require.NoError(t, err)

	best := res.Folds[BestFold(res.Folds)]
	assert.Equal(t, best.Fold, res.PersistedFold)
	for _, m := range res.Folds {
		assert.GreaterOrEqual(t, m.RMSE, best.RMSE)
	}
}

func TestRun_RefitPolicy(t *testing.T) {
	opts := testOptions(t)
	opts.Policy = model.PersistRefit
	res, err := New(opts, nil, nil).Run(context.Background(), synthetic(25))
	require.NoError(t, err)

	assert.Equal(t, 0, res.PersistedFold)
	assert.Equal(t, RefitRounds(res.Folds), res.Model.NumTrees())

	loaded, err := gbm.Load(opts.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "0", loaded.Metadata["fold"])
	assert.Equal(t, 0, loaded.Params.EarlyStopRounds)
}

func TestRun_Deterministic(t *testing.T) {
	a, err := New(testOptions(t), nil, nil).Run(context.Background(), synthetic(30))
	require.NoError(t, err)
	b, err := New(testOptions(t), nil, nil).Run(context.Background(), synthetic(30))
	require.NoError(t, err)
	assert.Equal(t, a.Folds, b.Folds)
	assert.Equal(t, a.MeanRMSE, b.MeanRMSE)
}

func TestRun_InsufficientData(t *testing.T) {
	var out bytes.Buffer
	_, err := New(testOptions(t), nil, &out).Run(context.Background(), synthetic(5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))

	stage, _, ok := model.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, model.StageSplit, stage)
	assert.Empty(t, out.String())
}

func TestRun_Divergence(t *testing.T) {
	prep := synthetic(12)
	for i := range prep.Dataset.Observations {
		prep.Dataset.Observations[i].Residual = math.MaxFloat64
	}

	_, err := New(testOptions(t), nil, nil).Run(context.Background(), prep)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTrainingDivergence))

	stage, fold, ok := model.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, model.StageTrain, stage)
	assert.Equal(t, 1, fold)
	assert.Contains(t, err.Error(), "fold 1")
	assert.Contains(t, err.Error(), "round 0")
}

func TestRun_PersistFailureKeepsFoldOutput(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "models")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	opts := testOptions(t)
	opts.ArtifactPath = filepath.Join(blocker, "xgb_residual.json")

	var out bytes.Buffer
	_, err := New(opts, nil, &out).Run(context.Background(), synthetic(25))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPersistence))

	stage, _, ok := model.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, model.StagePersist, stage)
	assert.Contains(t, out.String(), "Fold 3 RMSE:")
	assert.Contains(t, out.String(), "Unified Residual Model Avg RMSE:")
	assert.NotContains(t, out.String(), "Model saved")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testOptions(t), nil, nil).Run(ctx, synthetic(25))
	require.Error(t, err)
	stage, fold, ok := model.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, model.StageTrain, stage)
	assert.Equal(t, 1, fold)
}

func TestRun_RecordsRegistry(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	ctx := context.Background()
	opts := testOptions(t)
	res, err := New(opts, st, nil).Run(ctx, synthetic(25))
	require.NoError(t, err)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, opts.ArtifactPath, run.Artifact)
	assert.Equal(t, res.Features, run.Features)
	require.NotNil(t, run.Result)
	assert.InDelta(t, res.MeanRMSE, run.Result.MeanRMSE, 1e-12)
	assert.Equal(t, 3, run.Result.Folds)

	folds, err := st.ListFolds(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Folds, folds)
}

func TestRun_RecordsFailure(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	ctx := context.Background()
	_, err = New(testOptions(t), st, nil).Run(ctx, synthetic(5))
	require.Error(t, err)

	runs, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "split")
}

func TestTrain_RecordsInputFailure(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	ctx := context.Background()
	dir := t.TempDir()
	_, err = New(testOptions(t), st, nil).Train(ctx, Inputs{
		HistoryPath:  filepath.Join(dir, "missing.csv"),
		BaselinePath: filepath.Join(dir, "baseline.csv"),
		Columns:      dataset.DefaultColumns(),
	})
	require.Error(t, err)
	stage, _, ok := model.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, model.StageLoad, stage)

	runs, err := st.ListRuns(ctx, store.RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "load")
	assert.Empty(t, runs[0].Features)
}

func TestTrain_NoStore(t *testing.T) {
	dir := t.TempDir()
	_, err := New(testOptions(t), nil, nil).Train(context.Background(), Inputs{
		HistoryPath:  filepath.Join(dir, "missing.csv"),
		BaselinePath: filepath.Join(dir, "baseline.csv"),
		Columns:      dataset.DefaultColumns(),
	})
	require.Error(t, err)
	stage, _, ok := model.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, model.StageLoad, stage)
}

func TestMeanRMSE(t *testing.T) {
	metrics := []model.FoldMetric{{RMSE: 1}, {RMSE: 2}, {RMSE: 4.5}}
	assert.InDelta(t, 2.5, MeanRMSE(metrics), 1e-12)
}

func TestBestFold(t *testing.T) {
	assert.Equal(t, 1, BestFold([]model.FoldMetric{{RMSE: 0.9}, {RMSE: 0.4}, {RMSE: 0.7}}))
	assert.Equal(t, 2, BestFold([]model.FoldMetric{{RMSE: 0.9}, {RMSE: 0.4}, {RMSE: 0.4}}), "ties go to the later fold")
}

func TestRefitRounds(t *testing.T) {
	assert.Equal(t, 20, RefitRounds([]model.FoldMetric{{BestIteration: 9}, {BestIteration: 19}, {BestIteration: 29}}))
	assert.Equal(t, 1, RefitRounds([]model.FoldMetric{{BestIteration: 0}}))
}
