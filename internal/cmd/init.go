package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cropgrid/pkg/tracking"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the simulation matrix and seed the tracking store",
	Long: `Generate the simulation matrix and write it to the tracking store with
every simulation PENDING.

An existing tracking store is left untouched unless --overwrite is given.

Examples:
  cropgrid init --config experiment.yaml
  cropgrid init --config experiment.yaml --overwrite`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("overwrite", false, "Replace an existing tracking store")
	initCmd.Flags().String("events-file", "", "Append a summary record to this JSONL file")
}

func runInit(cmd *cobra.Command, args []string) error {
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	d, cleanup, err := newDriver(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := d.Init(cmd.Context(), overwrite)
	if err != nil {
		if errors.Is(err, tracking.ErrStoreExists) {
			return exitError(foundry.ExitInvalidArgument, "Tracking store already exists (use --overwrite to replace it)", err)
		}
		return phaseError(cmd.Context(), s)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized %d simulations in %s\n", s.Selected, d.Store.Location())
	return nil
}
