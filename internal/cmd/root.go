// Package cmd implements the cropgrid command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/internal/config"
	"github.com/3leaps/cropgrid/internal/observability"
	"github.com/3leaps/cropgrid/pkg/adapter"
)

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected through ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	vp       = config.New()
	settings *config.Settings
	flushLog = func() {}
)

// flagKeys maps command line flags to settings keys. Flags are bound only
// when the executing command defines them.
var flagKeys = map[string]string{
	"config":      "config",
	"log-level":   "log.level",
	"log-format":  "log.format",
	"log-file":    "log.file",
	"workers":     "workers",
	"launch-rate": "launch_rate",
	"task-id":     "task_id",
	"num-tasks":   "num_tasks",
	"only":        "only",
	"events-file": "events_file",
}

var rootCmd = &cobra.Command{
	Use:   "cropgrid",
	Short: "Run crop model simulation experiments in batch",
	Long: `cropgrid expands an experiment configuration into a matrix of crop model
simulations, tracks each one through setup, run and parse, and executes them
on a local worker pool or as one task of an HPC array job.

Examples:
  cropgrid validate --config experiment.yaml
  cropgrid init --config experiment.yaml
  cropgrid pipeline --config experiment.yaml
  cropgrid run --config experiment.yaml --task-id 3 --num-tasks 20
  cropgrid status --config experiment.yaml`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
	PersistentPostRun: func(*cobra.Command, []string) { flushLog() },
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", config.DefaultConfigFile, "Experiment configuration file (env CROPGRID_CONFIG)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "console", "Log format: console or json")
	pf.String("log-file", "", "Also write JSON logs to this file (rotated)")
}

// initRuntime binds the executing command's flags, resolves settings and
// installs the logger.
func initRuntime(cmd *cobra.Command, _ []string) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
			bindErr = vp.BindPFlag(key, f)
		}
	})
	if bindErr != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", bindErr)
	}

	s, err := config.Load(vp)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid settings", err)
	}
	settings = s

	task := 0
	if s.Sharded() {
		task = s.TaskID
	}
	if err := installLogger(task); err != nil {
		return err
	}

	observability.CLILogger.Debug("settings resolved",
		zap.String("config", s.Config),
		zap.String("log_level", s.Log.Level.String()),
		zap.Bool("sharded", s.Sharded()))
	return nil
}

// installLogger configures CLILogger from settings. A positive task index
// gives the log file a per-task name, so array tasks never share one file.
func installLogger(task int) error {
	flush, err := observability.ConfigureCLILogger(observability.LogOptions{
		Service:    "cropgrid",
		Level:      settings.Log.Level,
		Format:     settings.Log.Format,
		File:       observability.ShardLogFile(settings.Log.File, task),
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging settings", err)
	}
	flushLog()
	flushLog = flush
	return nil
}

// Execute runs the root command and returns the process exit status.
func Execute() int {
	ctx, stop := interruptContext()
	defer stop()
	defer func() { flushLog() }()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errJobsFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

// interruptContext returns a context cancelled by the first SIGINT or
// SIGTERM. Cancellation stops new simulations from starting while running
// models finish and are recorded. A second signal kills the running models;
// their rows are left unchanged.
func interruptContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	abort, kill := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			observability.CLILogger.Warn("Interrupted, waiting for running simulations (signal again to kill them)",
				zap.String("signal", sig.String()))
			cancel()
		case <-abort.Done():
			return
		}
		select {
		case sig := <-sigs:
			observability.CLILogger.Warn("Killing running simulations", zap.String("signal", sig.String()))
			kill()
		case <-abort.Done():
		}
	}()

	stop := func() {
		signal.Stop(sigs)
		kill()
		cancel()
	}
	return adapter.WithAbort(ctx, abort), stop
}

// resetSettings restores a clean settings instance. Tests use it between
// command invocations.
func resetSettings() {
	vp = config.New()
	settings = nil
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
