package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/internal/observability"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a CSV snapshot of the tracking store",
	Long: `Write the tracking store as CSV, whatever its backend.

Examples:
  cropgrid export --config experiment.yaml
  cropgrid export --config experiment.yaml --output snapshot.csv`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dest, _ := cmd.Flags().GetString("output")

	cfg, err := loadExperiment()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var out io.Writer = cmd.OutOrStdout()
	if dest != "" {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output directory", err)
		}
		f, err := os.Create(dest)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output file", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	if err := tracking.Export(ctx, store, out); err != nil {
		observability.CLILogger.Error("Export failed", zap.String("store", store.Location()), zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Export failed", err)
	}
	if dest != "" {
		observability.CLILogger.Info("Exported tracking store", zap.String("store", store.Location()), zap.String("output", dest))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", store.Location(), dest)
	}
	return nil
}
