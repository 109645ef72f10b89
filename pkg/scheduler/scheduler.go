// Package scheduler executes per-job work either on a local worker pool or
// as one shard of a job array.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Mode selects how jobs are executed.
type Mode int

const (
	// ModeLocal runs jobs concurrently on a worker pool.
	ModeLocal Mode = iota

	// ModeShard runs one partition group serially in this process.
	ModeShard
)

func (m Mode) String() string {
	if m == ModeShard {
		return "shard"
	}
	return "local"
}

// WorkFunc processes one job. It should not panic; if it does, the
// scheduler records the fallback status for that job.
type WorkFunc func(ctx context.Context, j job.Job) job.Outcome

// Options configures a Scheduler.
type Options struct {
	Mode  Mode
	Shard ShardSpec

	// Workers sizes the local pool. Values below 1 mean runtime.NumCPU().
	Workers int

	// LaunchRate limits job starts per second in local mode. Zero disables.
	LaunchRate float64

	// Fallback is the status recorded for a job whose work panicked.
	// Default: RUN_ERROR.
	Fallback status.Code

	// OnOutcome is called once per finished job, from a single goroutine.
	OnOutcome func(job.Outcome)

	Logger *zap.Logger
}

// Scheduler runs work over a set of jobs.
type Scheduler struct {
	opts    Options
	limiter *rate.Limiter
	log     *zap.Logger
}

// New returns a scheduler for opts.
func New(opts Options) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Fallback == "" {
		opts.Fallback = status.RunError
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Scheduler{opts: opts, log: opts.Logger}
	if opts.LaunchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.LaunchRate), 1)
	}
	return s
}

// Options returns the effective options.
func (s *Scheduler) Options() Options { return s.opts }

// WithFallback returns a copy of s recording code for panicking work.
func (s *Scheduler) WithFallback(code status.Code) *Scheduler {
	c := *s
	c.opts.Fallback = code
	return &c
}

// Select returns the jobs this scheduler would execute.
func (s *Scheduler) Select(jobs []job.Job) ([]job.Job, error) {
	if s.opts.Mode != ModeShard {
		return jobs, nil
	}
	return Shard(jobs, s.opts.Shard.Index, s.opts.Shard.Count)
}

// Execute runs work for every selected job and returns the outcomes in
// completion order. A failing job never stops its siblings. When ctx is
// cancelled, jobs not yet started and work that reports an interruption
// produce no outcome.
func (s *Scheduler) Execute(ctx context.Context, jobs []job.Job, work WorkFunc) ([]job.Outcome, error) {
	selected, err := s.Select(jobs)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, nil
	}

	if s.opts.Mode == ModeShard {
		s.log.Info("executing shard",
			zap.String("shard", s.opts.Shard.String()),
			zap.Int("jobs", len(selected)),
			zap.Int("total", len(jobs)))
		return s.serial(ctx, selected, work), nil
	}

	s.log.Info("executing locally", zap.Int("jobs", len(selected)), zap.Int("workers", s.opts.Workers))
	return s.pool(ctx, selected, work), nil
}

func (s *Scheduler) serial(ctx context.Context, jobs []job.Job, work WorkFunc) []job.Outcome {
	out := make([]job.Outcome, 0, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		o, ok := s.safeRun(ctx, j, work)
		if !ok {
			continue
		}
		s.emit(o)
		out = append(out, o)
	}
	return out
}

func (s *Scheduler) pool(ctx context.Context, jobs []job.Job, work WorkFunc) []job.Outcome {
	workers := s.opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	tasks := make(chan job.Job)
	results := make(chan job.Outcome, workers)

	go func() {
		defer close(tasks)
		for _, j := range jobs {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case tasks <- j:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range tasks {
				if ctx.Err() != nil {
					continue
				}
				if o, ok := s.safeRun(ctx, j, work); ok {
					results <- o
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]job.Outcome, 0, len(jobs))
	for o := range results {
		s.emit(o)
		out = append(out, o)
	}
	return out
}

// safeRun runs work for j, converting a panic into a fallback outcome. It
// reports false when the work was interrupted.
func (s *Scheduler) safeRun(ctx context.Context, j job.Job, work WorkFunc) (o job.Outcome, ok bool) {
	start := time.Now()
	defer func() {
		r := recover()
		if r == nil && o.Interrupted() {
			s.log.Info("job interrupted, leaving it unchanged", zap.String("simulation_id", j.SimulationID))
			ok = false
			return
		}
		if r != nil {
			s.log.Error("job panicked",
				zap.String("simulation_id", j.SimulationID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			o = job.Outcome{
				SimulationID: j.SimulationID,
				Status:       s.opts.Fallback,
				Message:      fmt.Sprintf("internal error: %v", r),
			}
		}
		ok = true
		if o.SimulationID == "" {
			o.SimulationID = j.SimulationID
		}
		if o.Elapsed == 0 {
			o.Elapsed = time.Since(start)
		}
		if o.Status == "" {
			o.Status = status.UnknownError
			if o.Message == "" {
				o.Message = "work returned no status"
			}
		}
	}()
	return work(ctx, j), true
}

func (s *Scheduler) emit(o job.Outcome) {
	if s.opts.OnOutcome != nil {
		s.opts.OnOutcome(o)
	}
}
