package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/status"
)

func testConfig() *experiment.Config {
	return &experiment.Config{
		CropModels: []string{"dssat"},
		Climate: experiment.ClimateConfig{
			ActiveSources: []string{"nex"},
			Models:        []string{"ACCESS-CM2"},
			Scenarios:     []string{"ssp245"},
		},
		Simulation: experiment.SimulationConfig{SowingDates: []string{"2020-05-01", "2020-05-15"}},
	}
}

func testLocations(t require.TestingT, rows ...experiment.Location) experiment.LocationTable {
	tbl, err := experiment.NewLocationTable(rows)
	require.NoError(t, err)
	return tbl
}

func TestGenerate_TwoLocationsTwoDates(t *testing.T) {
	cfg := testConfig()
	locs := testLocations(t, experiment.Location{ID: "L1", SoilID: "S1"}, experiment.Location{ID: "L2", SoilID: "S2"})

	jobs, err := Generate(cfg, locs)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	assert.Equal(t, 4, Count(cfg, locs))

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.SimulationID
		assert.Equal(t, status.Pending, j.Status)
		assert.Empty(t, j.Message)
		assert.Nil(t, j.SetupTime)
		assert.Nil(t, j.RunTime)
	}
	assert.Equal(t, []string{
		"L1_dssat_ACCESS-CM2_ssp245_20200501",
		"L1_dssat_ACCESS-CM2_ssp245_20200515",
		"L2_dssat_ACCESS-CM2_ssp245_20200501",
		"L2_dssat_ACCESS-CM2_ssp245_20200515",
	}, ids)
	assert.Equal(t, "S1", jobs[0].SoilID)
	assert.Equal(t, "S2", jobs[3].SoilID)
	assert.Equal(t, "nex", jobs[0].ClimateSource)
}

func TestGenerate_Errors(t *testing.T) {
	t.Run("empty axis", func(t *testing.T) {
		cfg := testConfig()
		cfg.Climate.Scenarios = nil
		_, err := Generate(cfg, testLocations(t, experiment.Location{ID: "L1", SoilID: "S1"}))
		require.Error(t, err)
		assert.ErrorIs(t, err, experiment.ErrConfiguration)
		assert.Contains(t, err.Error(), "scenarios_to_run")
	})

	t.Run("no locations", func(t *testing.T) {
		_, err := Generate(testConfig(), testLocations(t))
		assert.ErrorIs(t, err, experiment.ErrConfiguration)
	})

	t.Run("missing soil id", func(t *testing.T) {
		_, err := Generate(testConfig(), testLocations(t, experiment.Location{ID: "L1"}))
		require.Error(t, err)
		assert.ErrorIs(t, err, experiment.ErrConfiguration)
		assert.Contains(t, err.Error(), "L1")
	})

	t.Run("ambiguous ids", func(t *testing.T) {
		cfg := testConfig()
		cfg.CropModels = []string{"m", "m_m"}
		locs := testLocations(t, experiment.Location{ID: "A_m", SoilID: "S1"}, experiment.Location{ID: "A", SoilID: "S2"})
		_, err := Generate(cfg, locs)
		require.Error(t, err)
		assert.ErrorIs(t, err, experiment.ErrConfiguration)
		assert.Contains(t, err.Error(), "A_m_m_ACCESS-CM2")
	})
}

func TestGenerate_TwoSources(t *testing.T) {
	cfg := testConfig()
	cfg.Climate.ActiveSources = []string{"nex", "cmip6"}
	cfg.Simulation.SowingDates = []string{"2020-05-01"}
	locs := testLocations(t, experiment.Location{ID: "L1", SoilID: "S1"})

	jobs, err := Generate(cfg, locs)
	require.NoError(t, err)
	require.Len(t, jobs, Count(cfg, locs))
	assert.Equal(t, "L1_dssat_nex_ACCESS-CM2_ssp245_20200501", jobs[0].SimulationID)
	assert.Equal(t, "nex", jobs[0].ClimateSource)
	assert.Equal(t, "L1_dssat_cmip6_ACCESS-CM2_ssp245_20200501", jobs[1].SimulationID)
	assert.Equal(t, "cmip6", jobs[1].ClimateSource)
}

func TestGenerate_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		axis := func(label string) []string {
			return rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z][a-z0-9]{0,3}`), 1, 3, rapid.ID[string]).Draw(t, label)
		}
		cfg := testConfig()
		cfg.CropModels = axis("crops")
		cfg.Climate.ActiveSources = axis("sources")
		cfg.Climate.Models = axis("gcms")
		cfg.Climate.Scenarios = axis("scenarios")
		cfg.Simulation.SowingDates = rapid.SliceOfNDistinct(
			rapid.SampledFrom([]string{"2020-01-01", "2020-03-15", "2021-06-30", "2022-12-31"}), 1, 4, rapid.ID[string],
		).Draw(t, "dates")

		var rows []experiment.Location
		for i, id := range axis("locations") {
			rows = append(rows, experiment.Location{ID: id, SoilID: "S" + string(rune('A'+i))})
		}
		locs := testLocations(t, rows...)

		jobs, err := Generate(cfg, locs)
		require.NoError(t, err)
		require.Len(t, jobs, Count(cfg, locs))

		seen := map[string]bool{}
		for _, j := range jobs {
			require.False(t, seen[j.SimulationID], "duplicate id %s", j.SimulationID)
			seen[j.SimulationID] = true
			require.Equal(t, status.Pending, j.Status)
			loc, ok := locs.Get(j.LocationID)
			require.True(t, ok)
			require.Equal(t, loc.SoilID, j.SoilID)
		}

		again, err := Generate(cfg, locs)
		require.NoError(t, err)
		require.Equal(t, jobs, again)
	})
}
