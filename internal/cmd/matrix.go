package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/matrix"
)

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Print the simulation matrix without persisting it",
	Long: `Expand the experiment configuration into its simulation matrix and print
it in generation order.

Examples:
  cropgrid matrix --config experiment.yaml
  cropgrid matrix --config experiment.yaml --json
  cropgrid matrix --config experiment.yaml --count`,
	RunE: runMatrix,
}

func init() {
	rootCmd.AddCommand(matrixCmd)
	matrixCmd.Flags().Bool("json", false, "Output JSON lines")
	matrixCmd.Flags().Bool("count", false, "Only print the number of simulations")
}

func runMatrix(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	countOnly, _ := cmd.Flags().GetBool("count")

	cfg, err := loadExperiment()
	if err != nil {
		return err
	}
	locs, err := experiment.LoadLocations(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid locations file", err)
	}
	jobs, err := matrix.Generate(cfg, locs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
	}

	out := cmd.OutOrStdout()
	if countOnly {
		_, err := fmt.Fprintln(out, len(jobs))
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(out)
		for _, j := range jobs {
			if err := enc.Encode(j); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SIMULATION_ID\tLOCATION\tCROP_MODEL\tSOURCE\tCLIMATE_MODEL\tSCENARIO\tSOWING_DATE\tSOIL")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.SimulationID, j.LocationID, j.CropModel, j.ClimateSource, j.ClimateModel, j.Scenario, j.SowingDate, j.SoilID)
	}
	return w.Flush()
}
