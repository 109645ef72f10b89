package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/internal/observability"
	"github.com/3leaps/cropgrid/pkg/archive"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload the tracking snapshot, results and events to S3",
	Long: `Upload a CSV snapshot of the tracking store, the results file, the
events file and the experiment configuration under a timestamped prefix of
archive.uri.

Credentials follow the AWS SDK default chain (environment, shared config,
instance role) unless archive.profile is set.

Examples:
  cropgrid archive --config experiment.yaml
  cropgrid archive --config experiment.yaml --uri s3://bucket/maize --endpoint http://localhost:9000`,
	RunE: runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().String("uri", "", "Override archive.uri (s3://bucket/prefix)")
	archiveCmd.Flags().String("endpoint", "", "Override archive.endpoint for S3-compatible stores")
	archiveCmd.Flags().String("label", "", "Sub-prefix for this archive (default UTC timestamp)")
	archiveCmd.Flags().Int("concurrency", archive.DefaultConcurrency, "Parallel uploads")
	archiveCmd.Flags().Bool("json", false, "Output the upload report as JSON")
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	uri, _ := cmd.Flags().GetString("uri")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	label, _ := cmd.Flags().GetString("label")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadExperiment()
	if err != nil {
		return err
	}
	acfg := archive.Config{
		URI:         cfg.Archive.URI,
		Region:      cfg.Archive.Region,
		Endpoint:    cfg.Archive.Endpoint,
		Profile:     cfg.Archive.Profile,
		Concurrency: concurrency,
	}
	if uri != "" {
		acfg.URI = uri
	}
	if endpoint != "" {
		acfg.Endpoint = endpoint
	}
	if acfg.URI == "" {
		return exitError(foundry.ExitInvalidArgument, "No archive destination", fmt.Errorf("set archive.uri or --uri"))
	}
	if label == "" {
		label = time.Now().UTC().Format("20060102T150405Z")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tmp, err := os.MkdirTemp("", "cropgrid-archive-")
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create staging directory", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	snapshot := filepath.Join(tmp, "simulations.csv")
	f, err := os.Create(snapshot)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to stage snapshot", err)
	}
	exportErr := tracking.Export(ctx, store, f)
	if cerr := f.Close(); exportErr == nil {
		exportErr = cerr
	}
	if exportErr != nil {
		return exitError(foundry.ExitFileReadError, "Failed to snapshot tracking store", exportErr)
	}

	files := []archive.File{
		{Path: snapshot, Key: label + "/simulations.csv"},
		{Path: cfg.Paths.ResultsFile, Key: label + "/" + filepath.Base(cfg.Paths.ResultsFile), Optional: true},
	}
	if cfg.Paths.EventsFile != "" {
		files = append(files, archive.File{Path: cfg.Paths.EventsFile, Key: label + "/" + filepath.Base(cfg.Paths.EventsFile), Optional: true})
	}
	if p := cfg.Path(); p != "" {
		files = append(files, archive.File{Path: p, Key: label + "/" + filepath.Base(p), Optional: true})
	}

	a, err := archive.New(ctx, acfg, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to configure archive", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to archive", err)
	}
	res, err := a.Upload(ctx, files)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Archive cancelled", err)
		}
		observability.CLILogger.Error("Archive failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Archive failed", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, u := range res.Uploaded {
		_, _ = fmt.Fprintf(out, "uploaded  %s  (%d bytes)\n", u.URI, u.Size)
	}
	for _, s := range res.Skipped {
		_, _ = fmt.Fprintf(out, "skipped   %s  (not found)\n", s)
	}
	return nil
}
