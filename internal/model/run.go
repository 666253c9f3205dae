// Package model holds the domain types shared across the residual forecasting pipeline.
package model

import "time"

// RunStatus represents the current state of a training run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// PersistPolicy selects which fold model is written as the artifact.
type PersistPolicy string

const (
	PersistLast  PersistPolicy = "last"  // model of the final (latest) fold
	PersistBest  PersistPolicy = "best"  // fold model with the lowest validation RMSE
	PersistRefit PersistPolicy = "refit" // retrain on every row after cross-validation
)

// ParsePersistPolicy converts a config string into a PersistPolicy.
func ParsePersistPolicy(s string) (PersistPolicy, bool) {
	switch PersistPolicy(s) {
	case PersistLast, PersistBest, PersistRefit:
		return PersistPolicy(s), true
	default:
		return "", false
	}
}

// Run is one invocation of the training pipeline as recorded in the registry.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	Artifact  string     `json:"artifact"`
	Features  []string   `json:"features"`
	Params    Params     `json:"params"`
	Result    *RunResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a successful run.
type RunResult struct {
	MeanRMSE      float64       `json:"mean_rmse"`
	Folds         int           `json:"folds"`
	Rows          int           `json:"rows"`
	Policy        PersistPolicy `json:"policy"`
	PersistedFold int           `json:"persisted_fold"` // 0 when the refit model was persisted
	DurationMs    int64         `json:"duration_ms"`
}

// Params are the boosting hyperparameters used by a run.
type Params struct {
	LearningRate    float64 `json:"learning_rate" yaml:"learning_rate" mapstructure:"learning_rate"`
	MaxDepth        int     `json:"max_depth" yaml:"max_depth" mapstructure:"max_depth"`
	Lambda          float64 `json:"lambda" yaml:"lambda" mapstructure:"lambda"`
	Alpha           float64 `json:"alpha" yaml:"alpha" mapstructure:"alpha"`
	Gamma           float64 `json:"gamma" yaml:"gamma" mapstructure:"gamma"`
	MinChildWeight  float64 `json:"min_child_weight" yaml:"min_child_weight" mapstructure:"min_child_weight"`
	NumRounds       int     `json:"num_rounds" yaml:"num_rounds" mapstructure:"num_rounds"`
	EarlyStopRounds int     `json:"early_stopping_rounds" yaml:"early_stopping_rounds" mapstructure:"early_stopping_rounds"`
}
