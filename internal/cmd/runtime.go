package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/internal/observability"
	"github.com/3leaps/cropgrid/pkg/adapter"
	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/output"
	"github.com/3leaps/cropgrid/pkg/pipeline"
	"github.com/3leaps/cropgrid/pkg/scheduler"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

// errJobsFailed signals that the command completed but some jobs ended in
// an error state. The summary has already been logged.
var errJobsFailed = errors.New("one or more simulations failed")

// addPhaseFlags registers the flags shared by commands that execute jobs.
func addPhaseFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("workers", 0, "Local worker pool size (overrides parallel.num_workers)")
	f.Float64("launch-rate", 0, "Maximum job launches per second (overrides parallel.launch_rate)")
	f.Int("task-id", 0, "Array task index, 1-based (forces shard mode)")
	f.Int("num-tasks", 0, "Array task count (forces shard mode)")
	f.StringSlice("only", nil, "Only process simulation ids matching these globs")
	f.String("events-file", "", "Append outcome and summary records to this JSONL file")
	f.Bool("stable-partition", false, "Partition the whole tracking table before selecting runnable jobs")
}

func loadExperiment() (*experiment.Config, error) {
	cfg, err := experiment.Load(settings.Config)
	if err != nil {
		observability.CLILogger.Error("Failed to load experiment", zap.String("path", settings.Config), zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid experiment configuration", err)
	}
	observability.CLILogger.Debug("Loaded experiment",
		zap.String("path", settings.Config),
		zap.Strings("crop_models", cfg.CropModels),
		zap.String("tracking", cfg.Paths.TrackingStore))
	return cfg, nil
}

func openStore(ctx context.Context, cfg *experiment.Config) (tracking.Store, error) {
	tc := tracking.Config{
		Backend:   cfg.Tracking.Backend,
		AuthToken: cfg.Tracking.AuthToken,
		Logger:    observability.CLILogger,
	}
	if settings.TrackingToken != "" {
		tc.AuthToken = settings.TrackingToken
	}
	if cfg.TrackingIsURL() {
		tc.URL = cfg.Paths.TrackingStore
	} else {
		tc.Path = cfg.Paths.TrackingStore
	}
	store, err := tracking.Open(ctx, tc)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open tracking store", err)
	}
	return store, nil
}

// schedulerOptions resolves execution settings: flags and environment
// override the experiment file, and explicit --task-id/--num-tasks override
// the HPC variables.
func schedulerOptions(cfg *experiment.Config) scheduler.Options {
	opts := scheduler.Options{
		Mode:       scheduler.ModeLocal,
		Workers:    cfg.Workers(),
		LaunchRate: cfg.Parallel.LaunchRate,
		Logger:     observability.CLILogger,
	}
	if settings.Workers > 0 {
		opts.Workers = settings.Workers
	}
	if settings.LaunchRate > 0 {
		opts.LaunchRate = settings.LaunchRate
	}

	switch {
	case settings.Sharded():
		opts.Mode = scheduler.ModeShard
		opts.Shard = scheduler.ShardSpec{Index: settings.TaskID, Count: settings.NumTasks}
	case cfg.Parallel.UseHPCEnvVars:
		if spec, ok := scheduler.ShardFromEnv(cfg.Parallel.HPCTaskIDVar, cfg.Parallel.HPCNumTasksVar, os.LookupEnv); ok {
			opts.Mode = scheduler.ModeShard
			opts.Shard = spec
		} else {
			observability.CLILogger.Info("HPC task variables not set, running locally",
				zap.String("task_id_var", cfg.Parallel.HPCTaskIDVar),
				zap.String("num_tasks_var", cfg.Parallel.HPCNumTasksVar))
		}
	}
	return opts
}

// shardLogging switches to the per-task log file when the shard came from
// the HPC environment rather than from --task-id, which initRuntime already
// handled.
func shardLogging(opts scheduler.Options) (scheduler.Options, error) {
	if opts.Mode != scheduler.ModeShard || settings.Sharded() || settings.Log.File == "" {
		return opts, nil
	}
	if err := installLogger(opts.Shard.Index); err != nil {
		return opts, err
	}
	opts.Logger = observability.CLILogger
	return opts, nil
}

func idFilter() (tracking.Predicate, error) {
	if len(settings.Only) == 0 {
		return nil, nil
	}
	pred, err := tracking.MatchID(settings.Only...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --only pattern", err)
	}
	return pred, nil
}

func openEvents(cfg *experiment.Config, runID string) (output.Writer, error) {
	path := cfg.Paths.EventsFile
	if settings.EventsFile != "" {
		path = cfg.Resolve(settings.EventsFile)
	}
	if path == "" {
		return output.Discard, nil
	}
	w, err := output.OpenJSONLFile(path, runID)
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open events file", err)
	}
	return w, nil
}

// newDriver assembles a pipeline driver from the experiment file and the
// resolved settings. The cleanup function closes the store and events file.
func newDriver(cmd *cobra.Command) (*pipeline.Driver, func(), error) {
	ctx := cmd.Context()
	cfg, err := loadExperiment()
	if err != nil {
		return nil, nil, err
	}
	sched, err := shardLogging(schedulerOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	locs, err := experiment.LoadLocations(cfg)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid locations file", err)
	}
	adapters, err := adapter.FromConfig(cfg, observability.CLILogger)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid crop model configuration", err)
	}
	filter, err := idFilter()
	if err != nil {
		return nil, nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	runID := uuid.New().String()
	events, err := openEvents(cfg, runID)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	stable, _ := cmd.Flags().GetBool("stable-partition")
	d := &pipeline.Driver{
		Config:          cfg,
		Locations:       locs,
		Store:           store,
		Adapters:        adapters,
		Scheduler:       sched,
		StablePartition: stable,
		Filter:          filter,
		Events:          events,
		RunID:           runID,
		Logger:          observability.CLILogger.With(zap.String("run_id", runID)),
	}
	cleanup := func() {
		if err := events.Close(); err != nil {
			observability.CLILogger.Warn("Failed to close events file", zap.Error(err))
		}
		if err := store.Close(); err != nil {
			observability.CLILogger.Warn("Failed to close tracking store", zap.Error(err))
		}
	}
	return d, cleanup, nil
}

// phaseError maps phase summaries to the command result: a phase error
// exits with its cause, failed jobs exit 1.
func phaseError(ctx context.Context, summaries ...pipeline.Summary) error {
	failed := 0
	for _, s := range summaries {
		if s.Err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, fmt.Sprintf("%s cancelled", s.Phase), s.Err)
			}
			if errors.Is(s.Err, experiment.ErrConfiguration) {
				return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("%s failed", s.Phase), s.Err)
			}
			return exitError(foundry.ExitFileWriteError, fmt.Sprintf("%s failed", s.Phase), s.Err)
		}
		failed += s.Failed()
	}
	if failed > 0 {
		return errJobsFailed
	}
	return nil
}
