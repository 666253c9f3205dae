package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Error kinds of the training pipeline. Match with errors.Is or eris.Is.
var (
	ErrDataIntegrity      = eris.New("data integrity")
	ErrInsufficientData   = eris.New("insufficient data")
	ErrTrainingDivergence = eris.New("training divergence")
	ErrPersistence        = eris.New("persistence")
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageLoad     Stage = "load"
	StageMerge    Stage = "merge"
	StageFeatures Stage = "features"
	StageSplit    Stage = "split"
	StageTrain    Stage = "train"
	StagePersist  Stage = "persist"
)

// StageError attaches the failing stage, and the fold when one applies, to an error.
type StageError struct {
	Stage Stage
	Fold  int // 1-based; 0 when not fold specific
	Err   error
}

func (e *StageError) Error() string {
	if e.Fold > 0 {
		return fmt.Sprintf("%s: fold %d: %v", e.Stage, e.Fold, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with its stage. Returns nil for a nil err.
func NewStageError(stage Stage, fold int, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Fold: fold, Err: err}
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) (Stage, int, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, se.Fold, true
	}
	return "", 0, false
}

// Kind returns a short label for the error taxonomy entry err belongs to.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDataIntegrity):
		return "DataIntegrityError"
	case errors.Is(err, ErrInsufficientData):
		return "InsufficientDataError"
	case errors.Is(err, ErrTrainingDivergence):
		return "TrainingDivergenceError"
	case errors.Is(err, ErrPersistence):
		return "PersistenceError"
	default:
		return "Error"
	}
}
