package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/adapter"
	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// AdapterLookup resolves the adapter for a crop model.
type AdapterLookup interface {
	Lookup(name string) (adapter.Adapter, error)
}

// RunModelWork returns the run-phase WorkFunc: it resolves the job's
// adapter and runs the model in the job's working directory. No retries.
func RunModelWork(adapters AdapterLookup, cfg *experiment.Config, log *zap.Logger) WorkFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, j job.Job) job.Outcome {
		start := time.Now()
		finish := func(code status.Code, msg string) job.Outcome {
			return job.Outcome{SimulationID: j.SimulationID, Status: code, Message: msg, Elapsed: time.Since(start)}
		}

		a, err := adapters.Lookup(j.CropModel)
		if err != nil {
			return finish(status.RunError, err.Error())
		}
		mc, ok := cfg.ModelConfig(j.CropModel)
		if !ok {
			return finish(status.RunError, fmt.Sprintf("%v: %s", adapter.ErrNotConfigured, j.CropModel))
		}

		workDir := cfg.WorkingDir(j.SimulationID)
		if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
			return finish(status.MissingFiles, fmt.Sprintf("working directory not found: %s", workDir))
		}
		if missing := adapter.CheckRequiredFiles(workDir, []string{mc.ExperimentFile}); len(missing) > 0 {
			return finish(status.MissingFiles, fmt.Sprintf("experiment file not found: %s", filepath.Join(workDir, mc.ExperimentFile)))
		}

		code, msg, err := a.RunModel(ctx, mc.ExperimentFile, mc.ExecutablePath, workDir)
		if errors.Is(err, context.Canceled) {
			return job.Outcome{SimulationID: j.SimulationID, Err: err}
		}
		if err != nil {
			classified := adapter.Classify(err)
			if msg == "" {
				msg = err.Error()
			}
			log.Debug("model run failed",
				zap.String("simulation_id", j.SimulationID),
				zap.String("status", string(classified)),
				zap.Error(err))
			o := finish(classified, msg)
			o.Err = err
			return o
		}
		if code == "" {
			code = status.Success
		}
		if !status.Valid(code) {
			return finish(status.UnknownError, fmt.Sprintf("adapter returned unknown status %q", code))
		}
		if msg == "" {
			msg = string(code)
		}
		return finish(code, msg)
	}
}
