// Package job defines the simulation job record tracked across pipeline phases.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/cropgrid/pkg/status"
)

// Job is one simulation: a single (location, crop model, climate source,
// climate model, scenario, sowing date) combination.
//
// The descriptive fields are fixed when the matrix is generated. Only
// Status, Message, SetupTime and RunTime change afterwards.
type Job struct {
	SimulationID  string `json:"simulation_id"`
	LocationID    string `json:"location_id"`
	CropModel     string `json:"crop_model"`
	ClimateSource string `json:"climate_source"`
	ClimateModel  string `json:"climate_model"`
	Scenario      string `json:"scenario"`
	SowingDate    string `json:"sowing_date"`
	SoilID        string `json:"soil_id"`

	Status    status.Code    `json:"status"`
	Message   string         `json:"message,omitempty"`
	SetupTime *time.Duration `json:"setup_time,omitempty"`
	RunTime   *time.Duration `json:"run_time,omitempty"`
}

// Reset returns a copy of j with the lifecycle fields cleared and the
// status set to PENDING.
func (j Job) Reset() Job {
	j.Status = status.Pending
	j.Message = ""
	j.SetupTime = nil
	j.RunTime = nil
	return j
}

// Phase identifies which pipeline phase produced an update. It selects the
// duration column an update writes to.
type Phase string

const (
	PhaseSetup Phase = "setup"
	PhaseRun   Phase = "run"
	PhaseParse Phase = "parse"
)

// Update is a lifecycle change for a single job.
type Update struct {
	SimulationID string
	Status       status.Code
	Message      string
	Duration     time.Duration
	Phase        Phase
}

// Apply merges u into j. Descriptive fields are never touched.
func (u Update) Apply(j *Job) {
	j.Status = u.Status
	j.Message = u.Message
	d := u.Duration
	switch u.Phase {
	case PhaseSetup:
		j.SetupTime = &d
	case PhaseRun:
		j.RunTime = &d
	}
}

// Outcome is the result of executing one unit of work for a job.
type Outcome struct {
	SimulationID string
	Status       status.Code
	Message      string
	Elapsed      time.Duration

	// Err is the failure behind Status, if any. Work that was interrupted
	// before its result was known sets Err to context.Canceled and no
	// status.
	Err error
}

// Interrupted reports whether the work was cut off by cancellation, in
// which case the job's row must be left as it was.
func (o Outcome) Interrupted() bool {
	return errors.Is(o.Err, context.Canceled)
}

// Update converts the outcome into a tracking update for phase p.
func (o Outcome) Update(p Phase) Update {
	return Update{
		SimulationID: o.SimulationID,
		Status:       o.Status,
		Message:      o.Message,
		Duration:     o.Elapsed,
		Phase:        p,
	}
}
