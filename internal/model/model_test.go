package model

import (
	"errors"
	"math"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status RunStatus
		want   string
	}{
		{RunStatusQueued, "queued"},
		{RunStatusRunning, "running"},
		{RunStatusComplete, "complete"},
		{RunStatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestParsePersistPolicy(t *testing.T) {
	for _, s := range []string{"last", "best", "refit"} {
		p, ok := ParsePersistPolicy(s)
		assert.True(t, ok, s)
		assert.Equal(t, s, string(p))
	}

	_, ok := ParsePersistPolicy("first")
	assert.False(t, ok)
}

func TestRange(t *testing.T) {
	r := Range{Start: 3, End: 6}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Indices())

	assert.Equal(t, 0, Range{Start: 5, End: 2}.Len())
	assert.Empty(t, Range{}.Indices())
}

func TestObservation_Feature(t *testing.T) {
	o := Observation{Features: map[string]float64{"Inflation": 4.5}}
	assert.InDelta(t, 4.5, o.Feature("Inflation"), 1e-12)
	assert.True(t, math.IsNaN(o.Feature("Exports")))
}

func TestObservation_HasResidual(t *testing.T) {
	assert.True(t, Observation{GDPGrowth: 7.2, Baseline: 6.8}.HasResidual())
	assert.False(t, Observation{GDPGrowth: 7.2, Baseline: math.NaN()}.HasResidual())
	assert.False(t, Observation{GDPGrowth: math.NaN(), Baseline: 6.8}.HasResidual())
}

func TestStageError(t *testing.T) {
	err := NewStageError(StageTrain, 2, eris.Wrap(ErrTrainingDivergence, "gbm: round 14: non-finite loss"))
	require.Error(t, err)

	assert.Contains(t, err.Error(), "train: fold 2:")
	assert.True(t, errors.Is(err, ErrTrainingDivergence))
	assert.False(t, errors.Is(err, ErrPersistence))

	stage, fold, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageTrain, stage)
	assert.Equal(t, 2, fold)
	assert.Equal(t, "TrainingDivergenceError", Kind(err))
}

func TestStageError_NoFold(t *testing.T) {
	err := NewStageError(StageMerge, 0, eris.Wrap(ErrDataIntegrity, "dataset: no rows"))
	assert.Equal(t, "DataIntegrityError", Kind(err))
	assert.NotContains(t, err.Error(), "fold")
	assert.Nil(t, NewStageError(StageMerge, 0, nil))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "InsufficientDataError", Kind(eris.Wrap(ErrInsufficientData, "cv")))
	assert.Equal(t, "PersistenceError", Kind(eris.Wrap(ErrPersistence, "gbm: save")))
	assert.Equal(t, "Error", Kind(errors.New("boom")))
}
