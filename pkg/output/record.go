// Package output provides JSONL output for pipeline events and parsed
// model results.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: cropgrid.<type>.v<version>
const (
	// TypeOutcome identifies per-job outcome records.
	TypeOutcome = "cropgrid.outcome.v1"

	// TypeSummary identifies end-of-phase summary records.
	TypeSummary = "cropgrid.summary.v1"

	// TypeResult identifies parsed model output records.
	TypeResult = "cropgrid.result.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "cropgrid.outcome.v1").
	Type string `json:"type"`

	// TS is when the record was created.
	TS time.Time `json:"ts"`

	// RunID correlates every record of one invocation.
	RunID string `json:"run_id"`

	// Phase is the pipeline phase that produced the record.
	Phase string `json:"phase"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// OutcomeRecord is the payload for one finished job.
type OutcomeRecord struct {
	SimulationID string  `json:"simulation_id"`
	Status       string  `json:"status"`
	Message      string  `json:"message,omitempty"`
	ElapsedSec   float64 `json:"elapsed_s"`

	// Shard is "index/count" when the job ran as part of a job array.
	Shard string `json:"shard,omitempty"`
}

// SummaryRecord is the payload emitted when a phase ends.
type SummaryRecord struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByCategory map[string]int `json:"by_category"`
	Unmatched  int            `json:"unmatched,omitempty"`

	// Duration is the phase wall time.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Error is set when the phase stopped early.
	Error string `json:"error,omitempty"`
}

// ResultRecord is the payload for one parsed simulation.
type ResultRecord struct {
	SimulationID  string         `json:"simulation_id"`
	LocationID    string         `json:"location_id"`
	CropModel     string         `json:"crop_model"`
	ClimateSource string         `json:"climate_source"`
	ClimateModel  string         `json:"climate_model"`
	Scenario      string         `json:"scenario"`
	SowingDate    string         `json:"sowing_date"`
	SoilID        string         `json:"soil_id"`
	Outputs       map[string]any `json:"outputs"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
