package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econcast/residual-cli/internal/dataset"
	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/trainer"
)

var (
	historyPath  string
	baselinePath string
	modelPath    string
	persistFlag  string
	foldsFlag    int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Cross-validate and persist the residual correction model",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyPathFlags()
		if persistFlag != "" {
			cfg.Training.Persist = persistFlag
		}
		if foldsFlag > 0 {
			cfg.Training.Folds = foldsFlag
		}
		if err := cfg.Validate("train"); err != nil {
			return err
		}

		in, err := trainInputs()
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}

		policy, _ := model.ParsePersistPolicy(cfg.Training.Persist)
		t := trainer.New(trainer.Options{
			Folds:        cfg.Training.Folds,
			MinFoldSize:  cfg.Training.MinFoldSize,
			Params:       cfg.Training.Params,
			Policy:       policy,
			ArtifactPath: cfg.Model.Path,
		}, st, os.Stdout)

		res, err := t.Train(ctx, in)
		if err != nil {
			return err
		}
		zap.L().Info("train: done",
			zap.String("run_id", res.RunID),
			zap.String("artifact", res.ArtifactPath),
			zap.Duration("duration", res.Duration),
		)
		return nil
	},
}

// applyPathFlags lets command-line paths override the config file.
func applyPathFlags() {
	if historyPath != "" {
		cfg.Data.HistoryPath = historyPath
	}
	if baselinePath != "" {
		cfg.Data.BaselinePath = baselinePath
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
}

func columnsFromConfig() dataset.Columns {
	return dataset.Columns{
		Year:     cfg.Data.YearColumn,
		Growth:   cfg.Data.GrowthColumn,
		Baseline: cfg.Data.BaselineColumn,
	}
}

// trainInputs builds the trainer inputs. A schema file takes precedence over
// the inline features section.
func trainInputs() (trainer.Inputs, error) {
	schema := dataset.Schema{Include: cfg.Features.Include, Exclude: cfg.Features.Exclude}
	if cfg.Features.SchemaFile != "" {
		s, err := dataset.LoadSchema(cfg.Features.SchemaFile)
		if err != nil {
			return trainer.Inputs{}, err
		}
		schema = s
	}
	return trainer.Inputs{
		HistoryPath:  cfg.Data.HistoryPath,
		BaselinePath: cfg.Data.BaselinePath,
		Sheet:        cfg.Data.Sheet,
		Columns:      columnsFromConfig(),
		Schema:       schema,
	}, nil
}

func addPathFlags(c *cobra.Command) {
	c.Flags().StringVar(&historyPath, "history", "", "history CSV/XLSX path (default from config)")
	c.Flags().StringVar(&baselinePath, "baseline", "", "baseline prediction CSV/XLSX path (default from config)")
	c.Flags().StringVar(&modelPath, "model", "", "model artifact path (default from config)")
}

func init() {
	addPathFlags(trainCmd)
	trainCmd.Flags().StringVar(&persistFlag, "persist", "", "persistence policy: last, best or refit (default from config)")
	trainCmd.Flags().IntVar(&foldsFlag, "folds", 0, "number of forward-chaining folds (default from config)")
	rootCmd.AddCommand(trainCmd)
}
