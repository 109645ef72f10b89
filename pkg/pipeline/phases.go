package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/adapter"
	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/output"
	"github.com/3leaps/cropgrid/pkg/scheduler"
	"github.com/3leaps/cropgrid/pkg/status"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

// Input file names written into each working directory during setup.
const (
	WeatherFileName = "weather.dat"
	SoilFileName    = "soil.dat"
)

// Setup prepares every PENDING job: it creates the working directory,
// checks the climate table, and asks the adapter to write the weather, soil
// and experiment files. Jobs end READY_TO_RUN, SETUP_ERROR, or CONFIG_ERROR
// when their crop model has no adapter.
func (d *Driver) Setup(ctx context.Context) (summary Summary, err error) {
	start := time.Now()
	summary = newSummary(StepSetup)
	defer func() { d.finish(ctx, &summary, start, err) }()

	if err := d.check(); err != nil {
		return summary, err
	}
	jobs, err := d.selectJobs(ctx, tracking.Pending())
	if err != nil {
		return summary, err
	}
	summary.Selected = len(jobs)
	if len(jobs) == 0 {
		d.log().Info("no pending simulations to set up")
		return summary, nil
	}

	sched := d.newScheduler(job.PhaseSetup, status.SetupError)
	_, err = d.execute(ctx, job.PhaseSetup, sched, jobs, d.setupWork, &summary)
	return summary, err
}

func (d *Driver) setupWork(ctx context.Context, j job.Job) job.Outcome {
	start := time.Now()
	done := func(code status.Code, format string, args ...any) job.Outcome {
		return job.Outcome{SimulationID: j.SimulationID, Status: code, Message: fmt.Sprintf(format, args...), Elapsed: time.Since(start)}
	}

	a, err := d.Adapters.Lookup(j.CropModel)
	if err != nil {
		return done(status.ConfigError, "%v", err)
	}
	mc, ok := d.Config.ModelConfig(j.CropModel)
	if !ok {
		return done(status.ConfigError, "no configuration for crop model %s", j.CropModel)
	}

	workDir := d.Config.WorkingDir(j.SimulationID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return done(status.SetupError, "create working directory: %v", err)
	}

	climateFile := d.Config.ClimateFile(j.LocationID, j.ClimateModel, j.Scenario)
	if _, err := os.Stat(climateFile); err != nil {
		return done(status.SetupError, "climate file not found: %s", climateFile)
	}

	weather := adapter.WeatherInput{
		SimulationID:  j.SimulationID,
		LocationID:    j.LocationID,
		ClimateSource: j.ClimateSource,
		ClimateModel:  j.ClimateModel,
		Scenario:      j.Scenario,
		ClimateFile:   climateFile,
	}
	if loc, ok := d.Locations.Get(j.LocationID); ok && loc.HasCoords {
		weather.Lat, weather.Lon, weather.HasCoords = loc.Lat, loc.Lon, true
	}
	weatherFile := filepath.Join(workDir, WeatherFileName)
	if err := a.GenerateWeather(ctx, weather, weatherFile); err != nil {
		if errors.Is(err, context.Canceled) {
			return interrupted(j, err)
		}
		return done(status.SetupError, "weather: %v", err)
	}

	soilFile := filepath.Join(workDir, SoilFileName)
	if err := a.GenerateSoil(ctx, adapter.SoilInput{
		SimulationID: j.SimulationID,
		LocationID:   j.LocationID,
		SoilID:       j.SoilID,
		SoilProfiles: d.Config.Paths.SoilProfiles,
	}, soilFile); err != nil {
		if errors.Is(err, context.Canceled) {
			return interrupted(j, err)
		}
		return done(status.SetupError, "soil: %v", err)
	}

	if err := a.GenerateExperiment(ctx, adapter.ExperimentInput{
		SimulationID: j.SimulationID,
		LocationID:   j.LocationID,
		CropModel:    j.CropModel,
		ClimateModel: j.ClimateModel,
		Scenario:     j.Scenario,
		SowingDate:   j.SowingDate,
		SoilID:       j.SoilID,
		WorkingDir:   workDir,
		WeatherFile:  weatherFile,
		SoilFile:     soilFile,
		Template:     mc.SimulationTemplate,
		Parameters:   d.Config.Simulation.Parameters,
	}, filepath.Join(workDir, mc.ExperimentFile)); err != nil {
		if errors.Is(err, context.Canceled) {
			return interrupted(j, err)
		}
		return done(status.SetupError, "experiment: %v", err)
	}

	return done(status.ReadyToRun, "ready in %s", workDir)
}

// interrupted is the outcome of work cut off by cancellation. The job's row
// is left unchanged.
func interrupted(j job.Job, err error) job.Outcome {
	return job.Outcome{SimulationID: j.SimulationID, Err: err}
}

// Run executes every runnable job, locally or as one shard of an array job.
func (d *Driver) Run(ctx context.Context) (summary Summary, err error) {
	start := time.Now()
	summary = newSummary(StepRun)
	defer func() { d.finish(ctx, &summary, start, err) }()

	if err := d.check(); err != nil {
		return summary, err
	}

	sched := d.newScheduler(job.PhaseRun, status.RunError)
	var jobs []job.Job
	if d.Scheduler.Mode == scheduler.ModeShard && d.StablePartition {
		all, err := d.Store.Load(ctx)
		if err != nil {
			return summary, err
		}
		group, err := scheduler.Shard(all, d.Scheduler.Shard.Index, d.Scheduler.Shard.Count)
		if err != nil {
			return summary, err
		}
		jobs = tracking.Filter(group, tracking.And(tracking.Runnable(), d.Filter))

		// The group is already this shard's; execute it whole.
		opts := sched.Options()
		opts.Mode = scheduler.ModeShard
		opts.Shard = scheduler.ShardSpec{Index: 1, Count: 1}
		sched = scheduler.New(opts)
	} else {
		jobs, err = d.selectJobs(ctx, tracking.Runnable())
		if err != nil {
			return summary, err
		}
	}
	summary.Selected = len(jobs)
	if len(jobs) == 0 {
		d.log().Info("no runnable simulations")
		return summary, nil
	}

	work := scheduler.RunModelWork(d.Adapters, d.Config, d.log())
	_, err = d.execute(ctx, job.PhaseRun, sched, jobs, work, &summary)
	return summary, err
}

// Parse reads the outputs of every SUCCESS job and appends them to the
// results file. Jobs end OUTPUT_PARSED or OUTPUT_ERROR.
//
// Result records are appended only after the tracking table has recorded
// OUTPUT_PARSED, so a failed table write never leaves records for jobs that
// the next parse picks up again.
func (d *Driver) Parse(ctx context.Context) (summary Summary, err error) {
	start := time.Now()
	summary = newSummary(StepParse)
	defer func() { d.finish(ctx, &summary, start, err) }()

	if err := d.check(); err != nil {
		return summary, err
	}
	jobs, err := d.selectJobs(ctx, tracking.Succeeded())
	if err != nil {
		return summary, err
	}
	summary.Selected = len(jobs)
	if len(jobs) == 0 {
		d.log().Info("no successful simulations to parse")
		return summary, nil
	}

	results, err := output.OpenJSONLFile(d.Config.Paths.ResultsFile, d.runID())
	if err != nil {
		return summary, err
	}
	defer func() {
		if cerr := results.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var (
		mu     sync.Mutex
		parsed = make(map[string]*output.ResultRecord, len(jobs))
	)
	work := func(ctx context.Context, j job.Job) job.Outcome {
		start := time.Now()
		rec, err := d.parseOne(ctx, j)
		if errors.Is(err, context.Canceled) {
			return interrupted(j, err)
		}
		if err != nil {
			return job.Outcome{SimulationID: j.SimulationID, Status: status.OutputError, Message: err.Error(), Elapsed: time.Since(start), Err: err}
		}
		mu.Lock()
		parsed[j.SimulationID] = rec
		mu.Unlock()
		return job.Outcome{
			SimulationID: j.SimulationID,
			Status:       status.OutputParsed,
			Message:      fmt.Sprintf("%d output fields", len(rec.Outputs)),
			Elapsed:      time.Since(start),
		}
	}
	sched := d.newScheduler(job.PhaseParse, status.OutputError)
	applied, err := d.execute(ctx, job.PhaseParse, sched, jobs, work, &summary)
	if werr := d.writeResults(ctx, results, applied, parsed, &summary); werr != nil && err == nil {
		err = werr
	}
	return summary, err
}

func (d *Driver) parseOne(ctx context.Context, j job.Job) (*output.ResultRecord, error) {
	a, err := d.Adapters.Lookup(j.CropModel)
	if err != nil {
		return nil, err
	}
	mc, _ := d.Config.ModelConfig(j.CropModel)

	parsed, err := a.ParseOutput(ctx, d.Config.WorkingDir(j.SimulationID), mc.Outputs)
	if err != nil {
		return nil, err
	}
	return &output.ResultRecord{
		SimulationID:  j.SimulationID,
		LocationID:    j.LocationID,
		CropModel:     j.CropModel,
		ClimateSource: j.ClimateSource,
		ClimateModel:  j.ClimateModel,
		Scenario:      j.Scenario,
		SowingDate:    j.SowingDate,
		SoilID:        j.SoilID,
		Outputs:       parsed,
	}, nil
}

// writeResults appends the records of jobs the table now holds as
// OUTPUT_PARSED, in the order they were recorded. A job whose record cannot
// be written is moved to OUTPUT_ERROR.
func (d *Driver) writeResults(ctx context.Context, results output.Writer, applied []job.Update, parsed map[string]*output.ResultRecord, summary *Summary) error {
	ctx = context.WithoutCancel(ctx)
	var failed []job.Update
	for _, u := range applied {
		rec, ok := parsed[u.SimulationID]
		if u.Status != status.OutputParsed || !ok {
			continue
		}
		if err := results.WriteResult(ctx, string(StepParse), rec); err != nil {
			d.log().Error("failed to write result", zap.String("simulation_id", u.SimulationID), zap.Error(err))
			failed = append(failed, job.Update{
				SimulationID: u.SimulationID,
				Status:       status.OutputError,
				Message:      fmt.Sprintf("write result: %v", err),
				Duration:     u.Duration,
				Phase:        job.PhaseParse,
			})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if _, err := d.Store.ApplyUpdates(ctx, failed); err != nil {
		return fmt.Errorf("record result write failures: %w", err)
	}
	for _, u := range failed {
		summary.Counts.Remove(status.OutputParsed)
		summary.Counts.Add(u.Status)
	}
	return nil
}
