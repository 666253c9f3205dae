package gbm

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/econcast/residual-cli/internal/model"
)

func testParams() model.Params {
	return model.Params{
		LearningRate:    0.3,
		MaxDepth:        3,
		Lambda:          1,
		Alpha:           0,
		MinChildWeight:  1,
		NumRounds:       50,
		EarlyStopRounds: 5,
	}
}

func mustMatrix(t *testing.T, features []string, rows [][]float64, labels []float64) *Matrix {
	t.Helper()
	m, err := NewMatrix(features, rows, labels)
	require.NoError(t, err)
	return m
}

// linear returns n rows of x = 0..n-1 with y = f(x).
func linear(t *testing.T, n int, f func(x float64) float64) *Matrix {
	t.Helper()
	rows := make([][]float64, n)
	labels := make([]float64, n)
	for i := range rows {
		x := float64(i)
		rows[i] = []float64{x, math.Sin(x)}
		labels[i] = f(x)
	}
	return mustMatrix(t, []string{"x", "sin_x"}, rows, labels)
}

func TestNewMatrix(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		m, err := NewMatrix([]string{"a"}, [][]float64{{1}, {math.NaN()}}, []float64{1, 2})
		require.NoError(t, err)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("no features", func(t *testing.T) {
		_, err := NewMatrix(nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("label count", func(t *testing.T) {
		_, err := NewMatrix([]string{"a"}, [][]float64{{1}}, []float64{1, 2})
		assert.Error(t, err)
	})

	t.Run("row width", func(t *testing.T) {
		_, err := NewMatrix([]string{"a", "b"}, [][]float64{{1}}, []float64{1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "row 0")
	})

	t.Run("non-finite label", func(t *testing.T) {
		_, err := NewMatrix([]string{"a"}, [][]float64{{1}}, []float64{math.NaN()})
		assert.Error(t, err)
	})

	t.Run("slice", func(t *testing.T) {
		m := linear(t, 10, func(x float64) float64 { return x })
		s := m.Slice(2, 5)
		assert.Equal(t, 3, s.Len())
		assert.Equal(t, 2.0, s.Labels[0])
	})
}

func TestValidateParams(t *testing.T) {
	assert.NoError(t, ValidateParams(testParams()))

	tests := []struct {
		name   string
		modify func(p *model.Params)
	}{
		{"zero learning rate", func(p *model.Params) { p.LearningRate = 0 }},
		{"learning rate above one", func(p *model.Params) { p.LearningRate = 1.5 }},
		{"NaN learning rate", func(p *model.Params) { p.LearningRate = math.NaN() }},
		{"zero depth", func(p *model.Params) { p.MaxDepth = 0 }},
		{"negative lambda", func(p *model.Params) { p.Lambda = -1 }},
		{"negative alpha", func(p *model.Params) { p.Alpha = -1 }},
		{"negative gamma", func(p *model.Params) { p.Gamma = -0.1 }},
		{"negative min child weight", func(p *model.Params) { p.MinChildWeight = -1 }},
		{"zero rounds", func(p *model.Params) { p.NumRounds = 0 }},
		{"negative early stopping", func(p *model.Params) { p.EarlyStopRounds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.modify(&p)
			assert.Error(t, ValidateParams(p))
		})
	}
}

func TestLeafWeight(t *testing.T) {
	p := model.Params{Lambda: 1}
	assert.InDelta(t, 2.0, leafWeight(-10, 4, p), 1e-12)

	p.Alpha = 2
	assert.InDelta(t, 1.6, leafWeight(-10, 4, p), 1e-12)
	assert.InDelta(t, -1.6, leafWeight(10, 4, p), 1e-12)
	assert.Zero(t, leafWeight(1.5, 4, p))
}

func TestTrain_StepFunction(t *testing.T) {
	rows := make([][]float64, 20)
	labels := make([]float64, 20)
	for i := range rows {
		rows[i] = []float64{float64(i)}
		if i >= 10 {
			labels[i] = 10
		}
	}
	m := mustMatrix(t, []string{"x"}, rows, labels)

	p := model.Params{LearningRate: 1, MaxDepth: 1, MinChildWeight: 1, NumRounds: 1}
	b, history, err := Train(context.Background(), m, nil, p)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 1, b.NumTrees())

	assert.InDelta(t, 5.0, b.BaseScore, 1e-12)
	root := b.Trees[0].Nodes[0]
	assert.Equal(t, 0, root.Feature)
	assert.InDelta(t, 9.5, root.Threshold, 1e-12)

	assert.InDelta(t, 0.0, b.Predict([]float64{3}), 1e-9)
	assert.InDelta(t, 10.0, b.Predict([]float64{15}), 1e-9)
	assert.InDelta(t, 0.0, history[0].TrainRMSE, 1e-9)
}

func TestTrain_NoEvalRunsAllRounds(t *testing.T) {
	m := linear(t, 30, func(x float64) float64 { return 0.5*x + math.Cos(x) })
	p := testParams()
	p.NumRounds = 40

	b, history, err := Train(context.Background(), m, nil, p)
	require.NoError(t, err)
	assert.Equal(t, 40, b.NumTrees())
	assert.Len(t, history, 40)
	assert.Equal(t, 39, b.BestIteration)

	for i := 1; i < len(history); i++ {
		assert.LessOrEqual(t, history[i].TrainRMSE, history[i-1].TrainRMSE+1e-12, "round %d", i)
	}
	for _, tree := range b.Trees {
		assert.LessOrEqual(t, tree.Depth(), p.MaxDepth)
	}
}

// pair returns two rows that a depth-1 tree always separates, so each
// prediction moves monotonically toward its own label.
func pair(t *testing.T, labels ...float64) *Matrix {
	t.Helper()
	return mustMatrix(t, []string{"x"}, [][]float64{{0}, {1}}, labels)
}

func TestTrain_EarlyStopping(t *testing.T) {
	train := pair(t, 0, 10)
	// Reversed targets: every round moves predictions away.
	eval := pair(t, 10, 0)

	p := testParams()
	p.MaxDepth = 1
	p.EarlyStopRounds = 5
	b, history, err := Train(context.Background(), train, eval, p)
	require.NoError(t, err)

	assert.Len(t, history, 6)
	assert.Equal(t, 0, b.BestIteration)
	assert.Equal(t, 1, b.NumTrees())
	assert.Equal(t, history[0].EvalRMSE, b.BestScore)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].EvalRMSE, history[i-1].EvalRMSE)
	}
}

func TestTrain_EarlyStoppingInvariants(t *testing.T) {
	full := linear(t, 40, func(x float64) float64 { return math.Sin(x/3) + 0.1*x })
	train, eval := full.Slice(0, 30), full.Slice(30, 40)

	p := testParams()
	p.NumRounds = 200
	b, history, err := Train(context.Background(), train, eval, p)
	require.NoError(t, err)

	require.NotEmpty(t, history)
	assert.Equal(t, b.BestIteration+1, b.NumTrees())
	assert.LessOrEqual(t, len(history), p.NumRounds)

	minScore := math.Inf(1)
	for _, rec := range history {
		minScore = math.Min(minScore, rec.EvalRMSE)
	}
	assert.Equal(t, minScore, b.BestScore)
	if len(history) < p.NumRounds {
		assert.Equal(t, p.EarlyStopRounds, len(history)-1-b.BestIteration)
	}

	// The truncated ensemble reproduces the best recorded score.
	assert.InDelta(t, b.BestScore, RMSE(b.PredictAll(eval.Rows), eval.Labels), 1e-9)
}

func TestTrain_DisabledEarlyStopping(t *testing.T) {
	p := testParams()
	p.MaxDepth = 1
	p.EarlyStopRounds = 0
	p.NumRounds = 12
	b, history, err := Train(context.Background(), pair(t, 0, 10), pair(t, 10, 0), p)
	require.NoError(t, err)
	assert.Len(t, history, 12)
	assert.Equal(t, 12, b.NumTrees())
	assert.Equal(t, 11, b.BestIteration)
	assert.Equal(t, history[11].EvalRMSE, b.BestScore)
}

func TestTrain_MissingValuesDefaultDirection(t *testing.T) {
	build := func(missingLabel float64) *Matrix {
		var rows [][]float64
		var labels []float64
		for i := 0; i < 10; i++ {
			rows = append(rows, []float64{float64(i)})
			if i < 5 {
				labels = append(labels, 0)
			} else {
				labels = append(labels, 10)
			}
		}
		for i := 0; i < 4; i++ {
			rows = append(rows, []float64{math.NaN()})
			labels = append(labels, missingLabel)
		}
		return mustMatrix(t, []string{"x"}, rows, labels)
	}
	p := model.Params{LearningRate: 1, MaxDepth: 1, MinChildWeight: 1, NumRounds: 1}

	t.Run("missing goes right", func(t *testing.T) {
		b, _, err := Train(context.Background(), build(10), nil, p)
		require.NoError(t, err)
		root := b.Trees[0].Nodes[0]
		assert.InDelta(t, 4.5, root.Threshold, 1e-12)
		assert.False(t, root.DefaultLeft)
		assert.InDelta(t, 10.0, b.Predict([]float64{math.NaN()}), 1e-9)
	})

	t.Run("missing goes left", func(t *testing.T) {
		b, _, err := Train(context.Background(), build(0), nil, p)
		require.NoError(t, err)
		root := b.Trees[0].Nodes[0]
		assert.True(t, root.DefaultLeft)
		assert.InDelta(t, 0.0, b.Predict([]float64{math.NaN()}), 1e-9)
	})
}

func TestTrain_Regularisation(t *testing.T) {
	m := linear(t, 20, func(x float64) float64 { return math.Mod(x, 2) })

	t.Run("large alpha zeroes every leaf", func(t *testing.T) {
		p := testParams()
		p.Alpha = 1000
		b, _, err := Train(context.Background(), m, nil, p)
		require.NoError(t, err)
		for _, x := range m.Rows {
			assert.Equal(t, b.BaseScore, b.Predict(x))
		}
	})

	t.Run("large gamma prevents splits", func(t *testing.T) {
		p := testParams()
		p.Gamma = 1e6
		p.NumRounds = 5
		b, _, err := Train(context.Background(), m, nil, p)
		require.NoError(t, err)
		for _, tree := range b.Trees {
			assert.Len(t, tree.Nodes, 1)
		}
	})

	t.Run("min child weight limits leaf size", func(t *testing.T) {
		p := testParams()
		p.MinChildWeight = 8
		p.NumRounds = 3
		b, _, err := Train(context.Background(), m, nil, p)
		require.NoError(t, err)
		for _, tree := range b.Trees {
			for _, n := range tree.Nodes {
				if n.IsLeaf() {
					assert.GreaterOrEqual(t, n.Cover, 8.0)
				}
			}
		}
	})

	t.Run("lambda shrinks leaves", func(t *testing.T) {
		rows := make([][]float64, 20)
		labels := make([]float64, 20)
		for i := range rows {
			rows[i] = []float64{float64(i % 2)}
			labels[i] = float64(i % 2)
		}
		binary := mustMatrix(t, []string{"x"}, rows, labels)

		p := testParams()
		p.NumRounds = 1
		loose, _, err := Train(context.Background(), binary, nil, p)
		require.NoError(t, err)
		p.Lambda = 50
		tight, _, err := Train(context.Background(), binary, nil, p)
		require.NoError(t, err)

		looseDev, tightDev := 0.0, 0.0
		for _, x := range binary.Rows {
			looseDev += math.Abs(loose.Predict(x) - loose.BaseScore)
			tightDev += math.Abs(tight.Predict(x) - tight.BaseScore)
		}
		assert.Less(t, tightDev, looseDev)
	})
}

func TestTrain_Divergence(t *testing.T) {
	m := mustMatrix(t, []string{"x"},
		[][]float64{{1}, {2}, {3}},
		[]float64{math.MaxFloat64, math.MaxFloat64, math.MaxFloat64})

	_, _, err := Train(context.Background(), m, nil, testParams())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTrainingDivergence))
	assert.Contains(t, err.Error(), "round 0")
}

func TestTrain_Errors(t *testing.T) {
	m := linear(t, 10, func(x float64) float64 { return x })

	t.Run("invalid params", func(t *testing.T) {
		p := testParams()
		p.MaxDepth = 0
		_, _, err := Train(context.Background(), m, nil, p)
		assert.Error(t, err)
	})

	t.Run("empty training", func(t *testing.T) {
		_, _, err := Train(context.Background(), m.Slice(0, 0), nil, testParams())
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrInsufficientData))
	})

	t.Run("empty evaluation", func(t *testing.T) {
		_, _, err := Train(context.Background(), m, m.Slice(0, 0), testParams())
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrInsufficientData))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := Train(ctx, m, nil, testParams())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "context canceled")
	})
}

func TestTrain_Deterministic(t *testing.T) {
	m := linear(t, 25, func(x float64) float64 { return math.Sin(x) * x })
	a, _, err := Train(context.Background(), m, nil, testParams())
	require.NoError(t, err)
	b, _, err := Train(context.Background(), m, nil, testParams())
	require.NoError(t, err)
	assert.Equal(t, a.PredictAll(m.Rows), b.PredictAll(m.Rows))
}

func TestImportance(t *testing.T) {
	rows := make([][]float64, 20)
	labels := make([]float64, 20)
	for i := range rows {
		rows[i] = []float64{float64(i), 7}
		labels[i] = float64(i % 10)
	}
	m := mustMatrix(t, []string{"signal", "constant"}, rows, labels)

	b, _, err := Train(context.Background(), m, nil, testParams())
	require.NoError(t, err)
	imp := b.Importance()
	require.Len(t, imp, 1)
	assert.Equal(t, "signal", imp[0].Feature)
	assert.Positive(t, imp[0].Gain)
}

func TestRMSE(t *testing.T) {
	assert.InDelta(t, 0.0, RMSE([]float64{1, 2}, []float64{1, 2}), 1e-12)
	assert.InDelta(t, math.Sqrt(2.5), RMSE([]float64{0, 0}, []float64{1, 2}), 1e-12)
	assert.True(t, math.IsNaN(RMSE(nil, nil)))
}

func TestSaveLoad(t *testing.T) {
	m := linear(t, 30, func(x float64) float64 { return math.Sin(x/4) + 0.05*x })
	m.Rows[3][1] = math.NaN()
	b, _, err := Train(context.Background(), m.Slice(0, 24), m.Slice(24, 30), testParams())
	require.NoError(t, err)
	b.Metadata = map[string]string{"run_id": "abc", "fold": "3"}

	path := filepath.Join(t.TempDir(), "nested", "models", "xgb_residual.json")
	require.NoError(t, b.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b.Features, loaded.Features)
	assert.Equal(t, b.Params, loaded.Params)
	assert.Equal(t, b.BestIteration, loaded.BestIteration)
	assert.Equal(t, b.NumTrees(), loaded.NumTrees())
	assert.Equal(t, "abc", loaded.Metadata["run_id"])

	// Identical predictions, including on missing values.
	probe := append(m.Rows, []float64{math.NaN(), math.NaN()})
	assert.Equal(t, b.PredictAll(probe), loaded.PredictAll(probe))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be renamed away")
}

func TestSave_Overwrites(t *testing.T) {
	m := linear(t, 10, func(x float64) float64 { return x })
	path := filepath.Join(t.TempDir(), "model.json")

	p := testParams()
	p.NumRounds = 1
	first, _, err := Train(context.Background(), m, nil, p)
	require.NoError(t, err)
	require.NoError(t, first.Save(path))

	p.NumRounds = 4
	second, _, err := Train(context.Background(), m, nil, p)
	require.NoError(t, err)
	require.NoError(t, second.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.NumTrees())
}

func TestSave_Unwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	m := linear(t, 10, func(x float64) float64 { return x })
	b, _, err := Train(context.Background(), m, nil, testParams())
	require.NoError(t, err)

	err = b.Save(filepath.Join(blocker, "model.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPersistence))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing file", filepath.Join(dir, "absent.json"), "read"},
		{"bad json", write("bad.json", "{"), "decode"},
		{"wrong version", write("v.json", `{"version":9,"objective":"reg:squarederror","feature_names":["a"]}`), "version"},
		{"wrong objective", write("o.json", `{"version":1,"objective":"binary:logistic","feature_names":["a"]}`), "objective"},
		{"no features", write("f.json", `{"version":1,"objective":"reg:squarederror"}`), "no features"},
		{"bad child", write("c.json", `{"version":1,"objective":"reg:squarederror","feature_names":["a"],
			"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":2,"cover":1}]}]}`), "child"},
		{"bad feature", write("b.json", `{"version":1,"objective":"reg:squarederror","feature_names":["a"],
			"trees":[{"nodes":[{"feature":3,"left":1,"right":2,"cover":2},{"feature":-1,"cover":1},{"feature":-1,"cover":1}]}]}`), "feature 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrPersistence))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
