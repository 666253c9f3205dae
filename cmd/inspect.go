package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/econcast/residual-cli/internal/cv"
	"github.com/econcast/residual-cli/internal/model"
	"github.com/econcast/residual-cli/internal/trainer"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the merged dataset, selected features and fold layout without training",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyPathFlags()
		if foldsFlag > 0 {
			cfg.Training.Folds = foldsFlag
		}
		if err := cfg.Validate("inspect"); err != nil {
			return err
		}

		in, err := trainInputs()
		if err != nil {
			return err
		}
		prep, err := trainer.Prepare(ctx, in)
		if err != nil {
			return err
		}

		splits, err := cv.ForwardChain(prep.Dataset.Len(), cfg.Training.Folds, cfg.Training.MinFoldSize)
		if err != nil {
			return model.NewStageError(model.StageSplit, 0, err)
		}

		formatInspection(os.Stdout, prep, splits)
		return nil
	},
}

// formatInspection writes the dataset summary and the fold layout to out.
func formatInspection(out io.Writer, prep *trainer.Prepared, splits []model.FoldSplit) {
	years := prep.Dataset.Years()
	sum := prep.Dataset.Summarize()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Rows:\t%d (%d-%d)\n", prep.Dataset.Len(), years[0], years[len(years)-1])
	if prep.Stats != nil {
		_, _ = fmt.Fprintf(w, "Dropped (no baseline):\t%d\n", prep.Stats.DroppedNoBaseline)
		_, _ = fmt.Fprintf(w, "Dropped (no target):\t%d\n", prep.Stats.DroppedNoTarget)
	}
	_, _ = fmt.Fprintf(w, "Features:\t%s\n", strings.Join(prep.Features, ", "))
	if len(prep.Dataset.Skipped) > 0 {
		_, _ = fmt.Fprintf(w, "Ignored:\t%s\n", strings.Join(prep.Dataset.Skipped, ", "))
	}
	_, _ = fmt.Fprintf(w, "Residual:\tmean %.3f  sd %.3f  min %.3f  max %.3f\n", sum.Mean, sum.StdDev, sum.Min, sum.Max)
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FOLD\tTRAIN\tTRAIN_YEARS\tVALIDATION\tVALIDATION_YEARS")
	_, _ = fmt.Fprintln(w, "----\t-----\t-----------\t----------\t----------------")
	for _, sp := range splits {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d-%d\t%d\t%d-%d\n",
			sp.Fold,
			sp.Train.Len(), years[sp.Train.Start], years[sp.Train.End-1],
			sp.Validation.Len(), years[sp.Validation.Start], years[sp.Validation.End-1],
		)
	}
	_ = w.Flush()
}

func init() {
	inspectCmd.Flags().StringVar(&historyPath, "history", "", "history CSV/XLSX path (default from config)")
	inspectCmd.Flags().StringVar(&baselinePath, "baseline", "", "baseline prediction CSV/XLSX path (default from config)")
	inspectCmd.Flags().IntVar(&foldsFlag, "folds", 0, "number of forward-chaining folds (default from config)")
	rootCmd.AddCommand(inspectCmd)
}
