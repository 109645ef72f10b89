package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/3leaps/cropgrid/pkg/adapter"
	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

func numberedJobs(n int) []job.Job {
	jobs := make([]job.Job, n)
	for i := range jobs {
		jobs[i] = job.Job{SimulationID: fmt.Sprintf("job%02d", i), CropModel: "dssat", Status: status.ReadyToRun}
	}
	return jobs
}

func ids(jobs []job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.SimulationID
	}
	return out
}

func TestPartition(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 4}, {4, 7}, {7, 10}}, Partition(10, 3))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}, {2, 2}}, Partition(2, 3))
	assert.Equal(t, [][2]int{{0, 0}}, Partition(0, 1))
	assert.Nil(t, Partition(5, 0))
}

func TestShard_TenJobsTaskTwoOfThree(t *testing.T) {
	jobs := numberedJobs(10)
	got, err := Shard(jobs, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"job04", "job05", "job06"}, ids(got))

	_, err = Shard(jobs, 4, 3)
	assert.Error(t, err)
	_, err = Shard(jobs, 0, 3)
	assert.Error(t, err)
}

func TestPartition_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 500).Draw(t, "n")
		k := rapid.IntRange(1, 64).Draw(t, "k")

		parts := Partition(n, k)
		require.Len(t, parts, k)

		next := 0
		for i, p := range parts {
			require.Equal(t, next, p[0], "group %d not contiguous", i)
			size := p[1] - p[0]
			want := n / k
			if i < n%k {
				want++
			}
			require.Equal(t, want, size, "group %d size", i)
			next = p[1]
		}
		require.Equal(t, n, next)
	})
}

func TestShardFromEnv(t *testing.T) {
	env := func(m map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	tests := []struct {
		name   string
		vars   map[string]string
		wantOK bool
		want   ShardSpec
	}{
		{"both set", map[string]string{"TASK": "2", "COUNT": "3"}, true, ShardSpec{Index: 2, Count: 3}},
		{"whitespace", map[string]string{"TASK": " 1 ", "COUNT": "1"}, true, ShardSpec{Index: 1, Count: 1}},
		{"absent", map[string]string{}, false, ShardSpec{}},
		{"only id", map[string]string{"TASK": "2"}, false, ShardSpec{}},
		{"zero", map[string]string{"TASK": "0", "COUNT": "3"}, false, ShardSpec{}},
		{"not a number", map[string]string{"TASK": "two", "COUNT": "3"}, false, ShardSpec{}},
		{"index beyond count", map[string]string{"TASK": "4", "COUNT": "3"}, false, ShardSpec{}},
		{"default names ignored", map[string]string{"SLURM_ARRAY_TASK_ID": "1", "SLURM_ARRAY_TASK_COUNT": "2"}, false, ShardSpec{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ShardFromEnv("TASK", "COUNT", env(tt.vars))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_LocalPool(t *testing.T) {
	jobs := numberedJobs(20)
	var running, peak atomic.Int32
	var streamed atomic.Int32

	s := New(Options{
		Workers:   3,
		OnOutcome: func(job.Outcome) { streamed.Add(1) },
	})
	outcomes, err := s.Execute(context.Background(), jobs, func(ctx context.Context, j job.Job) job.Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return job.Outcome{Status: status.Success}
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 20)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(20), streamed.Load())

	got := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		assert.Equal(t, status.Success, o.Status)
		assert.Greater(t, o.Elapsed, time.Duration(0))
		got = append(got, o.SimulationID)
	}
	sort.Strings(got)
	assert.Equal(t, ids(jobs), got)
}

func TestExecute_PanicIsolated(t *testing.T) {
	jobs := numberedJobs(5)
	work := func(ctx context.Context, j job.Job) job.Outcome {
		if j.SimulationID == "job02" {
			panic("adapter bug")
		}
		return job.Outcome{Status: status.Success, Message: "ok"}
	}

	for _, mode := range []Options{{Workers: 2}, {Mode: ModeShard, Shard: ShardSpec{Index: 1, Count: 1}}} {
		t.Run(mode.Mode.String(), func(t *testing.T) {
			outcomes, err := New(mode).Execute(context.Background(), jobs, work)
			require.NoError(t, err)
			require.Len(t, outcomes, 5)

			byID := map[string]job.Outcome{}
			for _, o := range outcomes {
				byID[o.SimulationID] = o
			}
			assert.Equal(t, status.RunError, byID["job02"].Status)
			assert.Contains(t, byID["job02"].Message, "adapter bug")
			for _, id := range []string{"job00", "job01", "job03", "job04"} {
				assert.Equal(t, status.Success, byID[id].Status, id)
			}
		})
	}

	s := New(Options{Workers: 1}).WithFallback(status.SetupError)
	outcomes, err := s.Execute(context.Background(), jobs[2:3], work)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, status.SetupError, outcomes[0].Status)
}

func TestExecute_ShardSerial(t *testing.T) {
	jobs := numberedJobs(10)
	var order []string
	s := New(Options{Mode: ModeShard, Shard: ShardSpec{Index: 2, Count: 3}})
	outcomes, err := s.Execute(context.Background(), jobs, func(ctx context.Context, j job.Job) job.Outcome {
		order = append(order, j.SimulationID)
		return job.Outcome{Status: status.Success}
	})
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
	assert.Equal(t, []string{"job04", "job05", "job06"}, order)

	_, err = New(Options{Mode: ModeShard, Shard: ShardSpec{Index: 5, Count: 3}}).Execute(context.Background(), jobs, nil)
	assert.Error(t, err)
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	s := New(Options{Workers: 1})
	outcomes, err := s.Execute(ctx, numberedJobs(10), func(ctx context.Context, j job.Job) job.Outcome {
		if started.Add(1) == 2 {
			cancel()
		}
		return job.Outcome{Status: status.Success}
	})
	require.NoError(t, err)
	assert.Less(t, len(outcomes), 10)
}

func TestExecute_InterruptedWorkDropped(t *testing.T) {
	for _, opts := range []Options{{Workers: 2}, {Mode: ModeShard, Shard: ShardSpec{Index: 1, Count: 1}}} {
		t.Run(opts.Mode.String(), func(t *testing.T) {
			var emitted atomic.Int32
			opts.OnOutcome = func(job.Outcome) { emitted.Add(1) }
			s := New(opts)
			outcomes, err := s.Execute(context.Background(), numberedJobs(4), func(_ context.Context, j job.Job) job.Outcome {
				if j.SimulationID == "job01" {
					return job.Outcome{SimulationID: j.SimulationID, Err: fmt.Errorf("model aborted: %w", context.Canceled)}
				}
				return job.Outcome{Status: status.Success}
			})
			require.NoError(t, err)
			assert.Len(t, outcomes, 3)
			assert.Equal(t, int32(3), emitted.Load())
			for _, o := range outcomes {
				assert.NotEqual(t, "job01", o.SimulationID)
			}
		})
	}
}

func TestExecute_LaunchRate(t *testing.T) {
	s := New(Options{Workers: 4, LaunchRate: 50})
	start := time.Now()
	outcomes, err := s.Execute(context.Background(), numberedJobs(6), func(ctx context.Context, j job.Job) job.Outcome {
		return job.Outcome{Status: status.Success}
	})
	require.NoError(t, err)
	assert.Len(t, outcomes, 6)
	// Burst of one, then 20ms between starts.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestExecute_MissingStatus(t *testing.T) {
	outcomes, err := New(Options{Workers: 1}).Execute(context.Background(), numberedJobs(1), func(ctx context.Context, j job.Job) job.Outcome {
		return job.Outcome{}
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, status.UnknownError, outcomes[0].Status)
	assert.Equal(t, "job00", outcomes[0].SimulationID)
}

type fakeAdapter struct {
	adapter.Adapter
	code status.Code
	msg  string
	err  error
}

func (f *fakeAdapter) Name() string { return "dssat" }

func (f *fakeAdapter) RunModel(ctx context.Context, experimentFile, executablePath, workingDir string) (status.Code, string, error) {
	return f.code, f.msg, f.err
}

type fakeLookup map[string]adapter.Adapter

func (f fakeLookup) Lookup(name string) (adapter.Adapter, error) {
	a, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", adapter.ErrNotConfigured, name)
	}
	return a, nil
}

func TestRunModelWork(t *testing.T) {
	base := t.TempDir()
	cfg := &experiment.Config{
		BaseDir:          base,
		CropModelConfigs: map[string]experiment.CropModelConfig{"dssat": {ExecutablePath: "/opt/dssat"}},
	}
	cfg.ApplyDefaults()

	ready := job.Job{SimulationID: "L1_dssat_M_s_20200501", CropModel: "dssat"}
	dir := cfg.WorkingDir(ready.SimulationID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, experiment.DefaultExperimentFile), nil, 0o644))

	tests := []struct {
		name    string
		j       job.Job
		adapter *fakeAdapter
		want    status.Code
	}{
		{"success", ready, &fakeAdapter{code: status.Success, msg: "done"}, status.Success},
		{"adapter reports missing files", ready, &fakeAdapter{code: status.MissingFiles, msg: "no Summary.OUT"}, status.MissingFiles},
		{"timeout", ready, &fakeAdapter{code: status.Timeout, err: adapter.ErrTimeout}, status.Timeout},
		{"deadline", ready, &fakeAdapter{err: context.DeadlineExceeded}, status.Timeout},
		{"exec error", ready, &fakeAdapter{code: status.RunError, err: &adapter.ExecError{Command: "dssat", ExitCode: 99}}, status.RunError},
		{"other error", ready, &fakeAdapter{err: errors.New("permission denied on scratch")}, status.UnknownError},
		{"bogus status", ready, &fakeAdapter{code: status.Code("DONE")}, status.UnknownError},
		{"no working dir", job.Job{SimulationID: "L9_dssat_M_s_20200501", CropModel: "dssat"}, &fakeAdapter{code: status.Success}, status.MissingFiles},
		{"unknown model", job.Job{SimulationID: "x", CropModel: "wofost"}, &fakeAdapter{code: status.Success}, status.RunError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			work := RunModelWork(fakeLookup{"dssat": tt.adapter}, cfg, nil)
			o := work(context.Background(), tt.j)
			assert.Equal(t, tt.want, o.Status)
			assert.NotEmpty(t, o.Message)
			assert.Equal(t, tt.j.SimulationID, o.SimulationID)
		})
	}

	t.Run("aborted", func(t *testing.T) {
		work := RunModelWork(fakeLookup{"dssat": &fakeAdapter{code: status.RunError, err: fmt.Errorf("dssat aborted: %w", context.Canceled)}}, cfg, nil)
		o := work(context.Background(), ready)
		assert.True(t, o.Interrupted())
		assert.Empty(t, o.Status)
	})
}
