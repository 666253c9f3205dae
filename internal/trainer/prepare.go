package trainer

import (
	"context"

	"go.uber.org/zap"

	"github.com/econcast/residual-cli/internal/dataset"
	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/source"
)

// Inputs locates the history and baseline tables and declares the feature schema.
type Inputs struct {
	HistoryPath  string
	BaselinePath string
	Sheet        string
	Columns      dataset.Columns
	Schema       dataset.Schema
}

// Prepared is a merged dataset with its resolved feature list.
type Prepared struct {
	Dataset  *dataset.Dataset
	Stats    *dataset.MergeStats
	Features []string
}

// Prepare runs the load, merge and feature stages.
func Prepare(ctx context.Context, in Inputs) (*Prepared, error) {
	log := zap.L().With(zap.String("history", in.HistoryPath), zap.String("baseline", in.BaselinePath))

	opts := source.Options{Sheet: in.Sheet}
	history, err := source.Read(ctx, in.HistoryPath, opts)
	if err != nil {
		return nil, model.NewStageError(model.StageLoad, 0, err)
	}
	baseline, err := source.Read(ctx, in.BaselinePath, opts)
	if err != nil {
		return nil, model.NewStageError(model.StageLoad, 0, err)
	}
	log.Debug("trainer: inputs loaded",
		zap.Int("history_rows", history.Len()),
		zap.Int("baseline_rows", baseline.Len()),
	)

	ds, stats, err := dataset.Merge(history, baseline, in.Columns)
	if err != nil {
		return nil, model.NewStageError(model.StageMerge, 0, err)
	}
	log.Info("trainer: inputs merged",
		zap.Int("retained", stats.Retained),
		zap.Int("dropped_no_baseline", stats.DroppedNoBaseline),
		zap.Int("dropped_no_target", stats.DroppedNoTarget),
	)

	features, err := in.Schema.Resolve(ds, in.Columns)
	if err != nil {
		return nil, model.NewStageError(model.StageFeatures, 0, err)
	}
	mode := "automatic"
	if in.Schema.Declared() {
		mode = "declared"
	}
	log.Info("trainer: features resolved",
		zap.String("mode", mode),
		zap.Strings("features", features),
	)
	if len(ds.Skipped) > 0 {
		log.Info("trainer: non-numeric columns ignored", zap.Strings("columns", ds.Skipped))
	}

	return &Prepared{Dataset: ds, Stats: stats, Features: features}, nil
}
