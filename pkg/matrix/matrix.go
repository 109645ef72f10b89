// Package matrix expands an experiment configuration into the full set of
// simulation jobs.
package matrix

import (
	"fmt"

	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/job"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Count returns the number of jobs Generate would produce.
func Count(cfg *experiment.Config, locations experiment.LocationTable) int {
	return locations.Len() *
		len(cfg.CropModels) *
		len(cfg.Climate.ActiveSources) *
		len(cfg.Climate.Models) *
		len(cfg.Climate.Scenarios) *
		len(cfg.Simulation.SowingDates)
}

// Generate returns the Cartesian product of locations, crop models, climate
// sources, climate models, scenarios and sowing dates, in that nesting order.
// Every job starts PENDING with its location's soil id attached.
//
// With more than one active climate source, the source becomes part of
// each simulation id; single-source experiments keep the shorter form.
//
// Generate performs no I/O. It fails with an experiment.ConfigurationError
// when an axis is empty, a location has no soil id, or two combinations map
// to the same simulation id.
func Generate(cfg *experiment.Config, locations experiment.LocationTable) ([]job.Job, error) {
	axes := []struct {
		field string
		n     int
	}{
		{"paths.locations_file", locations.Len()},
		{"crop_models_to_run", len(cfg.CropModels)},
		{"climate.active_sources", len(cfg.Climate.ActiveSources)},
		{"climate.models_to_run", len(cfg.Climate.Models)},
		{"climate.scenarios_to_run", len(cfg.Climate.Scenarios)},
		{"simulation.sowing_dates", len(cfg.Simulation.SowingDates)},
	}
	for _, a := range axes {
		if a.n == 0 {
			return nil, &experiment.ConfigurationError{Field: a.field, Message: "axis is empty"}
		}
	}

	withSource := len(cfg.Climate.ActiveSources) > 1
	jobs := make([]job.Job, 0, Count(cfg, locations))
	seen := make(map[string]struct{}, cap(jobs))

	for _, loc := range locations.Rows() {
		if loc.SoilID == "" {
			return nil, &experiment.ConfigurationError{
				Field:   "paths.locations_file",
				Message: fmt.Sprintf("location %q has no soil_id", loc.ID),
			}
		}
		for _, crop := range cfg.CropModels {
			for _, source := range cfg.Climate.ActiveSources {
				for _, gcm := range cfg.Climate.Models {
					for _, scenario := range cfg.Climate.Scenarios {
						for _, date := range cfg.Simulation.SowingDates {
							j := job.Job{
								LocationID:    loc.ID,
								CropModel:     crop,
								ClimateSource: source,
								ClimateModel:  gcm,
								Scenario:      scenario,
								SowingDate:    date,
								SoilID:        loc.SoilID,
								Status:        status.Pending,
							}
							key := job.KeyOf(j)
							if withSource {
								key.ClimateSource = source
							}
							j.SimulationID = key.ID()
							if _, dup := seen[j.SimulationID]; dup {
								return nil, &experiment.ConfigurationError{
									Message: fmt.Sprintf("simulation id %q is produced by more than one combination", j.SimulationID),
								}
							}
							seen[j.SimulationID] = struct{}{}
							jobs = append(jobs, j)
						}
					}
				}
			}
		}
	}
	return jobs, nil
}
