package tracking

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

func sampleJobs(n int) []job.Job {
	jobs := make([]job.Job, n)
	for i := range jobs {
		j := job.Job{
			LocationID:    fmt.Sprintf("loc%03d", i),
			CropModel:     "dssat",
			ClimateSource: "nex",
			ClimateModel:  "MIROC6",
			Scenario:      "ssp245",
			SowingDate:    "2020-05-01",
			SoilID:        fmt.Sprintf("S%d", i),
			Status:        status.Pending,
		}
		j.SimulationID = job.KeyOf(j).ID()
		jobs[i] = j
	}
	return jobs
}

type backendFactory struct {
	name string
	open func(t *testing.T, dir string) Store
}

func backends() []backendFactory {
	return []backendFactory{
		{
			name: BackendCSV,
			open: func(t *testing.T, dir string) Store {
				s, err := Open(context.Background(), Config{Backend: BackendCSV, Path: filepath.Join(dir, "tracking", "simulations.csv")})
				require.NoError(t, err)
				return s
			},
		},
		{
			name: BackendSQLite,
			open: func(t *testing.T, dir string) Store {
				s, err := Open(context.Background(), Config{Backend: BackendSQLite, Path: filepath.Join(dir, "tracking", "simulations.db")})
				require.NoError(t, err)
				return s
			},
		},
	}
}

func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("load before initialize", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				exists, err := s.Exists(ctx)
				require.NoError(t, err)
				assert.False(t, exists)

				_, err = s.Load(ctx)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrStoreNotFound)
			})

			t.Run("initialize resets lifecycle fields", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(3)
				d := time.Second
				jobs[1].Status = status.Success
				jobs[1].Message = "stale"
				jobs[1].RunTime = &d

				require.NoError(t, s.Initialize(ctx, jobs, false))
				got, err := s.Load(ctx)
				require.NoError(t, err)
				require.Len(t, got, 3)
				for i, j := range got {
					assert.Equal(t, jobs[i].SimulationID, j.SimulationID)
					assert.Equal(t, jobs[i].SoilID, j.SoilID)
					assert.Equal(t, status.Pending, j.Status)
					assert.Empty(t, j.Message)
					assert.Nil(t, j.SetupTime)
					assert.Nil(t, j.RunTime)
				}
			})

			t.Run("initialize refuses existing store", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				require.NoError(t, s.Initialize(ctx, sampleJobs(2), false))
				err := s.Initialize(ctx, sampleJobs(5), false)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrStoreExists)

				got, err := s.Load(ctx)
				require.NoError(t, err)
				assert.Len(t, got, 2)

				require.NoError(t, s.Initialize(ctx, sampleJobs(5), true))
				got, err = s.Load(ctx)
				require.NoError(t, err)
				assert.Len(t, got, 5)
			})

			t.Run("apply updates", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(3)
				require.NoError(t, s.Initialize(ctx, jobs, false))

				res, err := s.ApplyUpdates(ctx, []job.Update{
					{SimulationID: jobs[0].SimulationID, Status: status.ReadyToRun, Duration: 1500 * time.Millisecond, Phase: job.PhaseSetup},
					{SimulationID: jobs[2].SimulationID, Status: status.SetupError, Message: "climate file missing, see log", Duration: 10 * time.Millisecond, Phase: job.PhaseSetup},
					{SimulationID: "nope", Status: status.Success, Phase: job.PhaseRun},
				})
				require.NoError(t, err)
				assert.Equal(t, 2, res.Applied)
				assert.Equal(t, []string{"nope"}, res.Unmatched)

				res, err = s.ApplyUpdates(ctx, []job.Update{
					{SimulationID: jobs[0].SimulationID, Status: status.Success, Duration: 62*time.Second + 250*time.Millisecond, Phase: job.PhaseRun},
				})
				require.NoError(t, err)
				assert.Equal(t, 1, res.Applied)

				got, err := s.Load(ctx)
				require.NoError(t, err)
				require.Len(t, got, 3)

				assert.Equal(t, status.Success, got[0].Status)
				require.NotNil(t, got[0].SetupTime)
				assert.Equal(t, 1500*time.Millisecond, *got[0].SetupTime)
				require.NotNil(t, got[0].RunTime)
				assert.Equal(t, 62250*time.Millisecond, *got[0].RunTime)

				assert.Equal(t, status.Pending, got[1].Status)
				assert.Nil(t, got[1].SetupTime)

				assert.Equal(t, status.SetupError, got[2].Status)
				assert.Equal(t, "climate file missing, see log", got[2].Message)
				assert.Nil(t, got[2].RunTime)

				for i := range got {
					assert.Equal(t, jobs[i].LocationID, got[i].LocationID)
					assert.Equal(t, jobs[i].ClimateSource, got[i].ClimateSource)
				}
			})

			t.Run("failed batch changes nothing", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(3)
				require.NoError(t, s.Initialize(ctx, jobs, false))
				before, err := s.Load(ctx)
				require.NoError(t, err)

				_, err = s.ApplyUpdates(ctx, []job.Update{
					{SimulationID: jobs[0].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
					{SimulationID: jobs[1].SimulationID, Status: status.Code("SETUP_OK"), Phase: job.PhaseSetup},
				})
				require.Error(t, err)
				assert.ErrorIs(t, err, status.ErrUnknownStatus)

				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				_, err = s.ApplyUpdates(cancelled, []job.Update{
					{SimulationID: jobs[2].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
				})
				require.Error(t, err)

				after, err := s.Load(ctx)
				require.NoError(t, err)
				assert.Equal(t, before, after)
			})

			t.Run("parse phase keeps durations", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(1)
				require.NoError(t, s.Initialize(ctx, jobs, false))
				id := jobs[0].SimulationID
				_, err := s.ApplyUpdates(ctx, []job.Update{{SimulationID: id, Status: status.Success, Duration: time.Second, Phase: job.PhaseRun}})
				require.NoError(t, err)
				_, err = s.ApplyUpdates(ctx, []job.Update{{SimulationID: id, Status: status.OutputParsed, Phase: job.PhaseParse}})
				require.NoError(t, err)

				got, err := s.Load(ctx)
				require.NoError(t, err)
				assert.Equal(t, status.OutputParsed, got[0].Status)
				require.NotNil(t, got[0].RunTime)
				assert.Equal(t, time.Second, *got[0].RunTime)
			})

			t.Run("select", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(4)
				require.NoError(t, s.Initialize(ctx, jobs, false))
				_, err := s.ApplyUpdates(ctx, []job.Update{
					{SimulationID: jobs[1].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
					{SimulationID: jobs[2].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
					{SimulationID: jobs[3].SimulationID, Status: status.Success, Phase: job.PhaseRun},
				})
				require.NoError(t, err)

				runnable, err := s.Select(ctx, Runnable())
				require.NoError(t, err)
				require.Len(t, runnable, 2)
				assert.Equal(t, jobs[1].SimulationID, runnable[0].SimulationID)
				assert.Equal(t, jobs[2].SimulationID, runnable[1].SimulationID)

				pending, err := s.Select(ctx, Pending())
				require.NoError(t, err)
				assert.Len(t, pending, 1)

				match, err := MatchID("loc002_*")
				require.NoError(t, err)
				got, err := s.Select(ctx, And(Runnable(), match))
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, jobs[2].SimulationID, got[0].SimulationID)
			})

			t.Run("concurrent disjoint updates", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(24)
				require.NoError(t, s.Initialize(ctx, jobs, false))

				const writers = 4
				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for w := 0; w < writers; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						for i := w; i < len(jobs); i += writers {
							_, err := s.ApplyUpdates(ctx, []job.Update{{
								SimulationID: jobs[i].SimulationID,
								Status:       status.Success,
								Message:      fmt.Sprintf("writer-%d", w),
								Duration:     time.Duration(i) * time.Second,
								Phase:        job.PhaseRun,
							}})
							if err != nil {
								errs <- err
								return
							}
						}
					}(w)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}

				got, err := s.Load(ctx)
				require.NoError(t, err)
				require.Len(t, got, len(jobs))
				for i, j := range got {
					assert.Equal(t, status.Success, j.Status, j.SimulationID)
					assert.Equal(t, fmt.Sprintf("writer-%d", i%writers), j.Message)
					require.NotNil(t, j.RunTime)
					assert.Equal(t, time.Duration(i)*time.Second, *j.RunTime)
				}
			})

			t.Run("export", func(t *testing.T) {
				s := b.open(t, t.TempDir())
				defer func() { _ = s.Close() }()

				jobs := sampleJobs(2)
				require.NoError(t, s.Initialize(ctx, jobs, false))
				_, err := s.ApplyUpdates(ctx, []job.Update{{SimulationID: jobs[0].SimulationID, Status: status.ReadyToRun, Duration: 2500 * time.Millisecond, Phase: job.PhaseSetup}})
				require.NoError(t, err)

				var buf bytes.Buffer
				require.NoError(t, Export(ctx, s, &buf))
				lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
				require.Len(t, lines, 3)
				assert.Equal(t, strings.Join(Columns, ","), lines[0])
				assert.Equal(t, "loc000_dssat_MIROC6_ssp245_20200501,loc000,dssat,nex,MIROC6,ssp245,2020-05-01,S0,READY_TO_RUN,,2.500,", lines[1])
				assert.True(t, strings.HasSuffix(lines[2], ",PENDING,,,"))

				back, err := ReadCSV(strings.NewReader(buf.String()))
				require.NoError(t, err)
				loaded, err := s.Load(ctx)
				require.NoError(t, err)
				assert.Equal(t, loaded, back)
			})
		})
	}
}

func TestCSVStore_SeparateHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "simulations.csv")
	jobs := sampleJobs(30)

	seed, err := NewCSVStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, seed.Initialize(ctx, jobs, false))

	// Each writer has its own store value, as separate shard processes would.
	const shards = 3
	var wg sync.WaitGroup
	for k := 0; k < shards; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			s, err := NewCSVStore(path, nil)
			if !assert.NoError(t, err) {
				return
			}
			lo, hi := k*10, (k+1)*10
			for i := lo; i < hi; i++ {
				_, err := s.ApplyUpdates(ctx, []job.Update{{SimulationID: jobs[i].SimulationID, Status: status.RunError, Message: fmt.Sprintf("shard %d", k+1), Phase: job.PhaseRun}})
				assert.NoError(t, err)
			}
		}(k)
	}
	wg.Wait()

	got, err := seed.Load(ctx)
	require.NoError(t, err)
	for i, j := range got {
		assert.Equal(t, status.RunError, j.Status)
		assert.Equal(t, fmt.Sprintf("shard %d", i/10+1), j.Message)
	}

	_, err = os.Stat(path + ".lock")
	assert.NoError(t, err)
}

func TestSQLStore_ApplyUpdatesRollsBack(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLStore(ctx, Config{Backend: BackendSQLite, Path: filepath.Join(t.TempDir(), "simulations.db")})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	jobs := sampleJobs(3)
	require.NoError(t, s.Initialize(ctx, jobs, false))
	before, err := s.Load(ctx)
	require.NoError(t, err)

	// The second row in the batch fails after the first was written.
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER refuse_update BEFORE UPDATE ON jobs
		WHEN NEW.simulation_id = '%s' BEGIN SELECT RAISE(ABORT, 'row is read-only'); END`, jobs[1].SimulationID))
	require.NoError(t, err)

	_, err = s.ApplyUpdates(ctx, []job.Update{
		{SimulationID: jobs[0].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
		{SimulationID: jobs[1].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
		{SimulationID: jobs[2].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row is read-only")

	after, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCSVStore_ApplyUpdatesWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not apply to root")
	}
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "tracking")
	path := filepath.Join(dir, "simulations.csv")
	s, err := NewCSVStore(path, nil)
	require.NoError(t, err)
	jobs := sampleJobs(2)
	require.NoError(t, s.Initialize(ctx, jobs, false))

	// The lock sidecar must exist before the directory turns read-only.
	release, err := lockFile(ctx, path+".lock")
	require.NoError(t, err)
	require.NoError(t, release())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err = s.ApplyUpdates(ctx, []job.Update{
		{SimulationID: jobs[0].SimulationID, Status: status.ReadyToRun, Phase: job.PhaseSetup},
		{SimulationID: jobs[1].SimulationID, Status: status.SetupError, Phase: job.PhaseSetup},
	})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCSVStore_LockRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simulations.csv")
	s, err := NewCSVStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background(), sampleJobs(1), false))

	release, err := lockFile(context.Background(), path+".lock")
	require.NoError(t, err)
	defer func() { _ = release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.ApplyUpdates(ctx, []job.Update{{SimulationID: sampleJobs(1)[0].SimulationID, Status: status.Skipped}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadCSV(t *testing.T) {
	t.Run("columns in any order with extras", func(t *testing.T) {
		in := "status,simulation_id,extra,location_id,crop_model,climate_source,climate_model,scenario,sowing_date,soil_id,message,setup_time,run_time\n" +
			"timeout,a,x,l,c,s,m,sc,2020-01-01,S,took too long,0.5,nan\n"
		jobs, err := ReadCSV(strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, status.Timeout, jobs[0].Status)
		assert.Equal(t, "a", jobs[0].SimulationID)
		require.NotNil(t, jobs[0].SetupTime)
		assert.Equal(t, 500*time.Millisecond, *jobs[0].SetupTime)
		assert.Nil(t, jobs[0].RunTime)
	})

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"missing column", "simulation_id,status\na,PENDING\n"},
		{"unknown status", strings.Join(Columns, ",") + "\na,l,c,s,m,sc,d,S,SETUP_OK,,,\n"},
		{"bad duration", strings.Join(Columns, ",") + "\na,l,c,s,m,sc,d,S,PENDING,,abc,\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "postgres", Path: "x"})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Backend: BackendCSV})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Backend: BackendCSV, URL: "libsql://db.example.io"})
	require.Error(t, err)

	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "t.csv")})
	require.NoError(t, err)
	assert.IsType(t, &CSVStore{}, s)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "a", "t.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a", "t.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "a"))

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestCounts(t *testing.T) {
	jobs := sampleJobs(5)
	jobs[0].Status = status.Success
	jobs[1].Status = status.OutputParsed
	jobs[2].Status = status.Timeout
	jobs[3].Status = status.MissingFiles

	c := Tally(jobs)
	assert.Equal(t, 5, c.Total)
	assert.Equal(t, 2, c.Succeeded())
	assert.Equal(t, 2, c.Failed())
	assert.Equal(t, 1, c.ByStatus[status.Pending])
	assert.Equal(t, 1, c.ByCategory[status.CategoryPending])
}
