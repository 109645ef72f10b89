// Package adapter defines the contract between the pipeline and a crop
// model, and provides a model-agnostic implementation driven by external
// hook commands.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/cropgrid/pkg/status"
)

var (
	// ErrTimeout indicates a model or hook exceeded its time budget.
	ErrTimeout = errors.New("execution timed out")

	// ErrNotConfigured indicates no adapter is registered for a crop model.
	ErrNotConfigured = errors.New("crop model adapter not configured")
)

// ExecError reports a subprocess that failed to start or exited non-zero.
type ExecError struct {
	// Command is the program that was run.
	Command string

	// ExitCode is the process exit status, or -1 when it never started.
	ExitCode int

	// Stderr is the tail of the process's standard error.
	Stderr string

	Err error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", filepath.Base(e.Command), e.ExitCode)
	if e.ExitCode < 0 && e.Err != nil {
		msg = fmt.Sprintf("%s failed to start: %v", filepath.Base(e.Command), e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// WeatherInput describes the weather file for one simulation.
type WeatherInput struct {
	SimulationID  string  `json:"simulation_id"`
	LocationID    string  `json:"location_id"`
	ClimateSource string  `json:"climate_source"`
	ClimateModel  string  `json:"climate_model"`
	Scenario      string  `json:"scenario"`
	ClimateFile   string  `json:"climate_file"`
	Lat           float64 `json:"lat,omitempty"`
	Lon           float64 `json:"lon,omitempty"`
	HasCoords     bool    `json:"has_coords"`
}

// SoilInput describes the soil file for one simulation.
type SoilInput struct {
	SimulationID string `json:"simulation_id"`
	LocationID   string `json:"location_id"`
	SoilID       string `json:"soil_id"`
	SoilProfiles string `json:"soil_profiles,omitempty"`
}

// ExperimentInput describes the model control file for one simulation.
type ExperimentInput struct {
	SimulationID string         `json:"simulation_id"`
	LocationID   string         `json:"location_id"`
	CropModel    string         `json:"crop_model"`
	ClimateModel string         `json:"climate_model"`
	Scenario     string         `json:"scenario"`
	SowingDate   string         `json:"sowing_date"`
	SoilID       string         `json:"soil_id"`
	WorkingDir   string         `json:"working_dir"`
	WeatherFile  string         `json:"weather_file,omitempty"`
	SoilFile     string         `json:"soil_file,omitempty"`
	Template     string         `json:"template,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Adapter translates generic simulation jobs into one crop model's inputs,
// runs it, and reads its outputs.
type Adapter interface {
	// Name is the crop model this adapter serves.
	Name() string

	GenerateWeather(ctx context.Context, in WeatherInput, outputPath string) error
	GenerateSoil(ctx context.Context, in SoilInput, outputPath string) error
	GenerateExperiment(ctx context.Context, in ExperimentInput, outputPath string) error

	// RunModel executes the model in workingDir. The returned code is the
	// job's terminal status; the message explains it. A non-nil error is
	// ErrTimeout, an *ExecError, or an unexpected failure.
	RunModel(ctx context.Context, experimentFile, executablePath, workingDir string) (status.Code, string, error)

	// ParseOutput reads the model outputs in outputDir. outputFiles maps
	// output kinds to file names.
	ParseOutput(ctx context.Context, outputDir string, outputFiles map[string]string) (map[string]any, error)

	// ValidateExecutable reports whether path can be run by this adapter.
	ValidateExecutable(path string) bool
}

// ValidateExecutable reports whether path is a regular file with an execute bit.
func ValidateExecutable(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// CheckRequiredFiles returns the names in dir that do not exist, in input order.
func CheckRequiredFiles(dir string, names []string) []string {
	var missing []string
	for _, name := range names {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, name)
		}
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}
