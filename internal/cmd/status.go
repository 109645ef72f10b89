package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the tracking store by status",
	Long: `Summarize the tracking store by status and category.

Examples:
  cropgrid status --config experiment.yaml
  cropgrid status --config experiment.yaml --json
  cropgrid status --config experiment.yaml --list --failed`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("list", false, "List individual simulations")
	statusCmd.Flags().Bool("failed", false, "With --list, only simulations in an error state")
	statusCmd.Flags().StringSlice("only", nil, "Only count simulation ids matching these globs")
}

type statusReport struct {
	Store       string         `json:"store"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByCategory  map[string]int `json:"by_category"`
	Simulations []job.Job      `json:"simulations,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	list, _ := cmd.Flags().GetBool("list")
	failedOnly, _ := cmd.Flags().GetBool("failed")

	cfg, err := loadExperiment()
	if err != nil {
		return err
	}
	filter, err := idFilter()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.Select(ctx, filter)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read tracking store", err)
	}
	counts := tracking.Tally(jobs)

	report := statusReport{
		Store:      store.Location(),
		Total:      counts.Total,
		ByStatus:   map[string]int{},
		ByCategory: map[string]int{},
	}
	for code, n := range counts.ByStatus {
		report.ByStatus[string(code)] = n
	}
	for cat, n := range counts.ByCategory {
		report.ByCategory[string(cat)] = n
	}
	if list {
		report.Simulations = jobs
		if failedOnly {
			report.Simulations = tracking.Filter(jobs, tracking.Failed())
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, _ = fmt.Fprintf(out, "Store:  %s\n", report.Store)
	_, _ = fmt.Fprintf(out, "Total:  %d\n\n", report.Total)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT\tDESCRIPTION")
	for _, code := range status.All() {
		if n := counts.ByStatus[code]; n > 0 {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", code, n, status.Description(code))
		}
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CATEGORY\tCOUNT")
	for _, cat := range status.Categories() {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", cat, counts.ByCategory[cat])
	}
	_ = w.Flush()

	if len(report.Simulations) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SIMULATION_ID\tSTATUS\tMESSAGE")
		for _, j := range report.Simulations {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", j.SimulationID, j.Status, j.Message)
		}
		_ = w.Flush()
	}
	return nil
}
