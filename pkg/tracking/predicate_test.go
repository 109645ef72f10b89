package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

func TestPredicates(t *testing.T) {
	jobs := []job.Job{
		{SimulationID: "L1_dssat_M_s_20200501", Status: status.Pending},
		{SimulationID: "L1_apsim_M_s_20200501", Status: status.ReadyToRun},
		{SimulationID: "L2_dssat_M_s_20200501", Status: status.Success},
		{SimulationID: "L2_dssat_M_s_20200515", Status: status.MissingFiles},
	}

	ids := func(pred Predicate) []string {
		var out []string
		for _, j := range Filter(jobs, pred) {
			out = append(out, j.SimulationID)
		}
		return out
	}

	assert.Len(t, ids(All()), 4)
	assert.Len(t, ids(nil), 4)
	assert.Equal(t, []string{"L1_dssat_M_s_20200501"}, ids(Pending()))
	assert.Equal(t, []string{"L1_apsim_M_s_20200501"}, ids(Runnable()))
	assert.Equal(t, []string{"L2_dssat_M_s_20200501"}, ids(Succeeded()))
	assert.Equal(t, []string{"L2_dssat_M_s_20200515"}, ids(Failed()))
	assert.Len(t, ids(ByStatus(status.Pending, status.Success)), 2)

	dssat, err := MatchID("*_dssat_*")
	require.NoError(t, err)
	assert.Len(t, ids(dssat), 3)

	either, err := MatchID("L1_apsim_*", "*_20200515")
	require.NoError(t, err)
	assert.Len(t, ids(either), 2)

	assert.Equal(t, []string{"L2_dssat_M_s_20200501"}, ids(And(dssat, Succeeded())))

	everything, err := MatchID()
	require.NoError(t, err)
	assert.Len(t, ids(everything), 4)

	_, err = MatchID("L1_[")
	assert.Error(t, err)
}
