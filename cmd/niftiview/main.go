package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"niftiview/pkg/config"
	"niftiview/pkg/logging"
)

var (
	configPath string
	verbose    bool

	cfg         *config.Config
	logger      *zap.Logger
	flushLogger func()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "niftiview",
	Short: "Inspect, browse and export NIfTI volumes",
	Long: `niftiview decodes single-file NIfTI volumes (.nii, .nii.gz) entirely
offline and renders axial, sagittal and coronal slices through a display window.

The last viewed volume is kept in the session cache so "niftiview view"
without a file restores it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		opts := logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
		if verbose {
			opts.Level = "debug"
		}
		logger, flushLogger, err = logging.New(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if flushLogger != nil {
			flushLogger()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "niftiview.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(viewCmd)
	rootCmd.AddCommand(phantomCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
