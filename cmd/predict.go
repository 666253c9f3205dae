package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econcast/residual-cli/internal/dataset"
	"github.com/econcast/residual-cli/internal/forecast"
	"github.com/econcast/residual-cli/internal/source"
)

var predictOut string

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Correct baseline predictions with a trained residual model",
	Long:  "Joins feature rows with baseline predictions by year, adds the model's residual to each baseline and writes Year,SARIMAX_Pred,Residual_Pred,Corrected_Pred as CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyPathFlags()
		if err := cfg.Validate("predict"); err != nil {
			return err
		}

		c, err := forecast.Load(cfg.Model.Path)
		if err != nil {
			return eris.Wrap(err, "predict: load model")
		}

		opts := source.Options{Sheet: cfg.Data.Sheet}
		history, err := source.Read(ctx, cfg.Data.HistoryPath, opts)
		if err != nil {
			return eris.Wrap(err, "predict: load history")
		}
		baseline, err := source.Read(ctx, cfg.Data.BaselinePath, opts)
		if err != nil {
			return eris.Wrap(err, "predict: load baseline")
		}

		ds, stats, err := dataset.JoinForecast(history, baseline, columnsFromConfig())
		if err != nil {
			return eris.Wrap(err, "predict: join")
		}
		corrections, err := c.CorrectDataset(ds)
		if err != nil {
			return eris.Wrap(err, "predict")
		}

		var w io.Writer = os.Stdout
		if predictOut != "" {
			f, err := os.Create(predictOut)
			if err != nil {
				return eris.Wrapf(err, "predict: create %s", predictOut)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := forecast.WriteCSV(w, corrections); err != nil {
			return err
		}

		log := zap.L().With(zap.String("model", cfg.Model.Path))
		log.Info("predict: corrections written",
			zap.Int("rows", len(corrections)),
			zap.Int("dropped_no_baseline", stats.DroppedNoBaseline),
		)
		if ev, ok := forecast.Evaluate(corrections); ok {
			log.Info("predict: in-sample comparison",
				zap.Int("rows_with_actuals", ev.Rows),
				zap.Float64("baseline_rmse", ev.BaselineRMSE),
				zap.Float64("corrected_rmse", ev.CorrectedRMSE),
			)
		}
		return nil
	},
}

func init() {
	addPathFlags(predictCmd)
	predictCmd.Flags().StringVarP(&predictOut, "out", "o", "", "output CSV path (default stdout)")
	rootCmd.AddCommand(predictCmd)
}
