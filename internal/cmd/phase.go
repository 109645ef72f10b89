package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/3leaps/cropgrid/pkg/pipeline"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare input files for pending simulations",
	Long: `Create a working directory for every PENDING simulation and generate its
weather, soil and experiment files through the crop model adapter.

Examples:
  cropgrid setup --config experiment.yaml
  cropgrid setup --config experiment.yaml --only 'L1_*'`,
	RunE: phaseRunner(func(ctx context.Context, d *pipeline.Driver) (pipeline.Summary, error) { return d.Setup(ctx) }),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the crop model for runnable simulations",
	Long: `Run the crop model for every READY_TO_RUN simulation.

Without shard settings the simulations run on a local worker pool. Inside an
HPC array job (parallel.use_hpc_env_vars, or --task-id/--num-tasks) each task
runs its own contiguous group serially.

Examples:
  cropgrid run --config experiment.yaml --workers 8
  cropgrid run --config experiment.yaml --task-id 2 --num-tasks 10
  cropgrid run --config experiment.yaml --launch-rate 5`,
	RunE: phaseRunner(func(ctx context.Context, d *pipeline.Driver) (pipeline.Summary, error) { return d.Run(ctx) }),
}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Collect outputs of successful simulations",
	Long: `Parse the outputs of every SUCCESS simulation and append them to the
results file.

Examples:
  cropgrid parse --config experiment.yaml`,
	RunE: phaseRunner(func(ctx context.Context, d *pipeline.Driver) (pipeline.Summary, error) { return d.Parse(ctx) }),
}

func init() {
	for _, c := range []*cobra.Command{setupCmd, runCmd, parseCmd} {
		rootCmd.AddCommand(c)
		addPhaseFlags(c)
	}
}

func phaseRunner(phase func(context.Context, *pipeline.Driver) (pipeline.Summary, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := newDriver(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		s, _ := phase(cmd.Context(), d)
		printSummaries(cmd.OutOrStdout(), s)
		return phaseError(cmd.Context(), s)
	}
}
