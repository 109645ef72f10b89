// Package pipeline sequences the experiment phases: init seeds the tracking
// table from the job matrix, setup prepares each job's working directory,
// run executes the models, and parse collects their outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/adapter"
	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/matrix"
	"github.com/3leaps/cropgrid/pkg/output"
	"github.com/3leaps/cropgrid/pkg/scheduler"
	"github.com/3leaps/cropgrid/pkg/status"
	"github.com/3leaps/cropgrid/pkg/tracking"
)

// Step names a pipeline phase.
type Step string

const (
	StepInit  Step = "init"
	StepSetup Step = "setup"
	StepRun   Step = "run"
	StepParse Step = "parse"
)

// DefaultSteps is the full pipeline in order.
var DefaultSteps = []Step{StepInit, StepSetup, StepRun, StepParse}

// ParseSteps parses a comma-separated step list.
func ParseSteps(s string) ([]Step, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultSteps, nil
	}
	var steps []Step
	for _, raw := range strings.Split(s, ",") {
		step := Step(strings.ToLower(strings.TrimSpace(raw)))
		switch step {
		case StepInit, StepSetup, StepRun, StepParse:
			steps = append(steps, step)
		default:
			return nil, fmt.Errorf("unknown step %q (want init, setup, run, parse)", raw)
		}
	}
	return steps, nil
}

// Lookup resolves crop model adapters.
type Lookup interface {
	Lookup(name string) (adapter.Adapter, error)
}

// Driver runs pipeline phases against one experiment.
type Driver struct {
	Config    *experiment.Config
	Locations experiment.LocationTable
	Store     tracking.Store
	Adapters  Lookup

	// Scheduler configures execution. Mode and Shard apply to the run phase
	// only; setup and parse always use the local pool.
	Scheduler scheduler.Options

	// StablePartition partitions the whole tracking table, in matrix order,
	// before selecting runnable jobs in shard mode. Shards then do not shift
	// when other array tasks have already written back.
	StablePartition bool

	// Filter narrows every phase's selection (e.g. simulation id globs).
	Filter tracking.Predicate

	// Events receives outcome and summary records. Nil discards them.
	Events output.Writer

	// RunID tags result records written by parse.
	RunID string

	Logger *zap.Logger
}

func (d *Driver) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Driver) events() output.Writer {
	if d.Events == nil {
		return output.Discard
	}
	return d.Events
}

func (d *Driver) runID() string {
	if d.RunID == "" {
		return "local"
	}
	return d.RunID
}

func (d *Driver) check() error {
	if d.Config == nil {
		return errors.New("pipeline: config is nil")
	}
	if d.Store == nil {
		return errors.New("pipeline: tracking store is nil")
	}
	return nil
}

// Init generates the job matrix and seeds the tracking table.
func (d *Driver) Init(ctx context.Context, overwrite bool) (summary Summary, err error) {
	start := time.Now()
	summary = newSummary(StepInit)
	defer func() { d.finish(ctx, &summary, start, err) }()

	if err := d.check(); err != nil {
		return summary, err
	}
	jobs, err := matrix.Generate(d.Config, d.Locations)
	if err != nil {
		return summary, err
	}
	if err := d.Store.Initialize(ctx, jobs, overwrite); err != nil {
		return summary, err
	}
	for range jobs {
		summary.Counts.Add(status.Pending)
	}
	summary.Selected = len(jobs)
	d.log().Info("tracking table initialized",
		zap.String("store", d.Store.Location()),
		zap.Int("jobs", len(jobs)))
	return summary, nil
}

// Pipeline runs steps in order. init is skipped when the table already
// exists. A step that fails stops the sequence unless continueOnError is set;
// the first error is returned either way.
func (d *Driver) Pipeline(ctx context.Context, steps []Step, continueOnError bool) ([]Summary, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		steps = DefaultSteps
	}

	var (
		summaries []Summary
		firstErr  error
	)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		var (
			s   Summary
			err error
		)
		switch step {
		case StepInit:
			exists, existsErr := d.Store.Exists(ctx)
			if existsErr != nil {
				err = existsErr
				break
			}
			if exists {
				d.log().Info("tracking table exists, skipping init", zap.String("store", d.Store.Location()))
				continue
			}
			s, err = d.Init(ctx, false)
		case StepSetup:
			s, err = d.Setup(ctx)
		case StepRun:
			s, err = d.Run(ctx)
		case StepParse:
			s, err = d.Parse(ctx)
		default:
			err = fmt.Errorf("unknown step %q", step)
		}
		if s.Phase != "" {
			summaries = append(summaries, s)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", step, err)
			}
			d.log().Error("pipeline step failed", zap.String("step", string(step)), zap.Error(err))
			if !continueOnError {
				break
			}
		}
	}
	return summaries, firstErr
}

// execute runs work over jobs and applies the outcomes as phase updates. It
// returns the updates that were written to the table.
func (d *Driver) execute(ctx context.Context, phase job.Phase, sched *scheduler.Scheduler, jobs []job.Job, work scheduler.WorkFunc, summary *Summary) ([]job.Update, error) {
	prev := make(map[string]status.Code, len(jobs))
	for _, j := range jobs {
		prev[j.SimulationID] = j.Status
	}

	outcomes, err := sched.Execute(ctx, jobs, work)
	if err != nil {
		return nil, err
	}

	updates := make([]job.Update, 0, len(outcomes))
	for _, o := range outcomes {
		from := prev[o.SimulationID]
		if !status.CanTransition(from, o.Status) {
			summary.Rejected++
			d.log().Warn("refusing illegal status transition",
				zap.String("simulation_id", o.SimulationID),
				zap.String("from", string(from)),
				zap.String("to", string(o.Status)))
			continue
		}
		updates = append(updates, o.Update(phase))
	}

	// Finished work is recorded even when the phase was interrupted.
	res, err := d.Store.ApplyUpdates(context.WithoutCancel(ctx), updates)
	if err != nil {
		return nil, err
	}
	summary.Unmatched = len(res.Unmatched)
	if len(res.Unmatched) > 0 {
		d.log().Warn("updates for unknown simulations ignored", zap.Strings("simulation_ids", res.Unmatched))
		unmatched := make(map[string]struct{}, len(res.Unmatched))
		for _, id := range res.Unmatched {
			unmatched[id] = struct{}{}
		}
		applied := updates[:0]
		for _, u := range updates {
			if _, ok := unmatched[u.SimulationID]; !ok {
				applied = append(applied, u)
			}
		}
		updates = applied
	}
	for _, u := range updates {
		summary.Counts.Add(u.Status)
	}
	if ctx.Err() != nil {
		d.log().Info("interrupted, unfinished simulations left unchanged", zap.Int("recorded", len(updates)))
	}
	return updates, ctx.Err()
}

// newScheduler returns a scheduler for a phase. Setup and parse always run
// locally.
func (d *Driver) newScheduler(phase job.Phase, fallback status.Code) *scheduler.Scheduler {
	opts := d.Scheduler
	if phase != job.PhaseRun {
		opts.Mode = scheduler.ModeLocal
	}
	if opts.Logger == nil {
		opts.Logger = d.log()
	}
	opts.Fallback = fallback

	shard := ""
	if opts.Mode == scheduler.ModeShard {
		shard = opts.Shard.String()
	}
	user := opts.OnOutcome
	opts.OnOutcome = func(o job.Outcome) {
		if err := d.events().WriteOutcome(context.Background(), string(phase), &output.OutcomeRecord{
			SimulationID: o.SimulationID,
			Status:       string(o.Status),
			Message:      o.Message,
			ElapsedSec:   o.Elapsed.Seconds(),
			Shard:        shard,
		}); err != nil {
			d.log().Warn("failed to write outcome event", zap.Error(err))
		}
		if user != nil {
			user(o)
		}
	}
	return scheduler.New(opts)
}

func (d *Driver) selectJobs(ctx context.Context, pred tracking.Predicate) ([]job.Job, error) {
	return d.Store.Select(ctx, tracking.And(pred, d.Filter))
}

// finish stamps the summary, logs it, and emits a summary event.
func (d *Driver) finish(ctx context.Context, s *Summary, start time.Time, err error) {
	s.Elapsed = time.Since(start)
	s.Err = err
	s.log(d.log())
	if werr := d.events().WriteSummary(context.WithoutCancel(ctx), s.Phase, s.Record()); werr != nil {
		d.log().Warn("failed to write summary event", zap.Error(werr))
	}
}
