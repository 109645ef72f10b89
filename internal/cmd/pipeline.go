package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cropgrid/pkg/pipeline"
	"github.com/3leaps/cropgrid/pkg/status"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run init, setup, run and parse in sequence",
	Long: `Run the experiment phases in order. init is skipped when the tracking
store already exists, so an interrupted pipeline can be resumed.

Examples:
  cropgrid pipeline --config experiment.yaml
  cropgrid pipeline --config experiment.yaml --steps setup,run
  cropgrid pipeline --config experiment.yaml --continue-on-error`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	addPhaseFlags(pipelineCmd)
	pipelineCmd.Flags().String("steps", "", "Comma-separated steps to run (default init,setup,run,parse)")
	pipelineCmd.Flags().Bool("continue-on-error", false, "Keep going when a step fails")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	rawSteps, _ := cmd.Flags().GetString("steps")
	continueOnError, _ := cmd.Flags().GetBool("continue-on-error")

	steps, err := pipeline.ParseSteps(rawSteps)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --steps", err)
	}

	d, cleanup, err := newDriver(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	summaries, _ := d.Pipeline(cmd.Context(), steps, continueOnError)
	printSummaries(cmd.OutOrStdout(), summaries...)
	return phaseError(cmd.Context(), summaries...)
}

// printSummaries writes one row per phase with its status counts.
func printSummaries(out io.Writer, summaries ...pipeline.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tSELECTED\tSUCCEEDED\tFAILED\tELAPSED\tSTATUSES")
	for _, s := range summaries {
		var parts []string
		for _, code := range status.All() {
			if n := s.Counts.ByStatus[code]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", code, n))
			}
		}
		if s.Err != nil {
			parts = append(parts, "error: "+s.Err.Error())
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			s.Phase, s.Selected, s.Counts.Succeeded(), s.Failed(), s.Elapsed.Round(time.Millisecond), strings.Join(parts, " "))
	}
	_ = w.Flush()
}
