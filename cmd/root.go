package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/agroscope-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "agroscope",
	Short: "AOI drawing, land-cover check and crop analysis client",
	Long:  "Validates areas of interest against a size ceiling, checks basemap land cover under them, and submits them with a date range to the remote crop analysis service with live progress.",
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
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
