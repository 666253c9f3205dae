// Package cv produces time-ordered cross-validation splits.
package cv

import (
	"github.com/rotisserie/eris"

	"github.com/econcast/residual-cli/internal/model"
)

// ForwardChain splits n time-sorted rows into k expanding-window folds.
//
// The validation block size is n/(k+1). Fold i (1-based) validates the i-th
// of the last k blocks and trains on every row before it, so training sets
// grow by one block per fold and no validation row precedes a training row.
// Fails with model.ErrInsufficientData when n < k*minFoldSize or n < k+1.
func ForwardChain(n, k, minFoldSize int) ([]model.FoldSplit, error) {
	if k < 2 {
		return nil, eris.Errorf("cv: need at least 2 folds, got %d", k)
	}
	if minFoldSize < 1 {
		minFoldSize = 1
	}
	if n < k*minFoldSize {
		return nil, eris.Wrapf(model.ErrInsufficientData,
			"cv: %d rows is fewer than %d folds x %d minimum rows", n, k, minFoldSize)
	}
	if n < k+1 {
		return nil, eris.Wrapf(model.ErrInsufficientData,
			"cv: %d rows cannot form %d folds with a non-empty training block", n, k)
	}

	size := n / (k + 1)
	splits := make([]model.FoldSplit, 0, k)
	for i := 0; i < k; i++ {
		start := n - (k-i)*size
		splits = append(splits, model.FoldSplit{
			Fold:       i + 1,
			Train:      model.Range{Start: 0, End: start},
			Validation: model.Range{Start: start, End: start + size},
		})
	}
	return splits, nil
}

// Validate checks the no-leakage invariants of splits against the row
// timestamps: every validation year is later than every training year of
// its fold, training blocks never shrink, and validation blocks are disjoint.
func Validate(splits []model.FoldSplit, years []int) error {
	prevTrain := -1
	prevValEnd := -1
	for _, s := range splits {
		if s.Train.Len() == 0 || s.Validation.Len() == 0 {
			return eris.Errorf("cv: fold %d has an empty block", s.Fold)
		}
		if s.Train.Start < 0 || s.Validation.End > len(years) || s.Train.End > len(years) {
			return eris.Errorf("cv: fold %d is out of range for %d rows", s.Fold, len(years))
		}
		if s.Train.Len() < prevTrain {
			return eris.Errorf("cv: fold %d training block shrank from %d to %d rows", s.Fold, prevTrain, s.Train.Len())
		}
		if s.Validation.Start < prevValEnd {
			return eris.Errorf("cv: fold %d validation block overlaps an earlier fold", s.Fold)
		}

		latestTrain := years[s.Train.Start]
		for _, i := range s.Train.Indices() {
			latestTrain = max(latestTrain, years[i])
		}
		for _, i := range s.Validation.Indices() {
			if years[i] <= latestTrain {
				return eris.Errorf("cv: fold %d validates year %d which does not follow training year %d",
					s.Fold, years[i], latestTrain)
			}
		}

		prevTrain = s.Train.Len()
		prevValEnd = s.Validation.End
	}
	return nil
}
