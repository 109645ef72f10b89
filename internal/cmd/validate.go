package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/internal/observability"
	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/matrix"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the experiment configuration and environment",
	Long: `Validate the experiment configuration against its schema, check the
locations file and crop model executables, and report the matrix size.

Nothing is written.

Examples:
  cropgrid validate --config experiment.yaml
  cropgrid validate --config experiment.yaml --skip-executables`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("skip-executables", false, "Do not check crop model executables")
}

func runValidate(cmd *cobra.Command, args []string) error {
	skipExe, _ := cmd.Flags().GetBool("skip-executables")

	cfg, err := loadExperiment()
	if err != nil {
		return err
	}
	locs, err := experiment.LoadLocations(cfg)
	if err != nil {
		observability.CLILogger.Error("Invalid locations file", zap.String("path", cfg.Paths.LocationsFile), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid locations file", err)
	}
	if !skipExe {
		if err := cfg.CheckExecutables(); err != nil {
			observability.CLILogger.Error("Executable check failed", zap.Error(err))
			return exitError(foundry.ExitFileNotFound, "Executable check failed", err)
		}
	}
	n, err := matrix.Count(cfg, locs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Config:       %s\n", settings.Config)
	_, _ = fmt.Fprintf(out, "Locations:    %d\n", locs.Len())
	_, _ = fmt.Fprintf(out, "Crop models:  %v\n", cfg.CropModels)
	_, _ = fmt.Fprintf(out, "Simulations:  %d\n", n)
	_, _ = fmt.Fprintf(out, "Tracking:     %s (%s)\n", cfg.Paths.TrackingStore, cfg.Tracking.Backend)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Configuration is valid.")
	return nil
}
