package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/econcast/residual-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "residual-cli",
	Short: "Residual correction for baseline GDP growth forecasts",
	Long:  "Joins GDP history with baseline SARIMAX predictions, trains a boosted tree model on the residual under forward-chaining cross-validation, and applies it to correct new baseline forecasts.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
