// Package experiment provides loading and validation of cropgrid experiment
// configuration files.
//
// An experiment file is a YAML or JSON document that names the axes of the
// simulation matrix (locations, crop models, climate sources, climate models,
// scenarios, sowing dates), the on-disk layout of the experiment, per-model
// adapter settings, and how jobs are executed.
//
// Files are validated against an embedded JSON Schema before they are parsed,
// so unknown keys and wrong types are rejected up front. After Load returns,
// the Config is treated as read-only and shared by every component.
//
// Example (YAML):
//
//	version: "1.0"
//	base_dir: /data/experiments/maize-2050
//	paths:
//	  locations_file: inputs/locations.csv
//	  tracking_store: tracking/simulations.csv
//	crop_models_to_run: [dssat]
//	crop_model_configs:
//	  dssat:
//	    executable_path: bin/dscsm048
//	climate:
//	  active_sources: [nex-gddp]
//	  models_to_run: [ACCESS-CM2, MIROC6]
//	  scenarios_to_run: [historical, ssp245]
//	simulation:
//	  sowing_dates: ["2020-05-01", "2020-05-15"]
package experiment

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"time"
)

// Config is a validated experiment configuration.
type Config struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the configuration schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// BaseDir anchors every relative path in the file. Must be absolute.
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	Paths PathsConfig `json:"paths" yaml:"paths"`

	// CropModels lists the crop models included in the matrix.
	CropModels []string `json:"crop_models_to_run" yaml:"crop_models_to_run"`

	// CropModelConfigs holds per-model adapter settings keyed by model name.
	CropModelConfigs map[string]CropModelConfig `json:"crop_model_configs" yaml:"crop_model_configs"`

	Climate    ClimateConfig    `json:"climate" yaml:"climate"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
	Parallel   ParallelConfig   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Tracking   TrackingConfig   `json:"tracking,omitempty" yaml:"tracking,omitempty"`
	Archive    ArchiveConfig    `json:"archive,omitempty" yaml:"archive,omitempty"`

	// path is the file the config was loaded from, if any.
	path string
}

// PathsConfig locates experiment inputs and outputs.
type PathsConfig struct {
	// LocationsFile is a CSV with at least location_id and soil_id columns.
	LocationsFile string `json:"locations_file" yaml:"locations_file"`

	// SoilProfiles is passed through to soil generation hooks.
	SoilProfiles string `json:"soil_profiles,omitempty" yaml:"soil_profiles,omitempty"`

	// ClimatePointDir holds per-location climate tables produced upstream.
	// Default: <simulation_setup_dir>/_climate_point_data.
	ClimatePointDir string `json:"climate_point_dir,omitempty" yaml:"climate_point_dir,omitempty"`

	// SimulationSetupDir holds one working directory per simulation.
	// Default: "simulations".
	SimulationSetupDir string `json:"simulation_setup_dir,omitempty" yaml:"simulation_setup_dir,omitempty"`

	// TrackingStore is the tracking table location (file path or libsql URL).
	TrackingStore string `json:"tracking_store" yaml:"tracking_store"`

	// ResultsFile receives parsed model outputs as JSONL.
	// Default: "results/parsed_outputs.jsonl".
	ResultsFile string `json:"results_file,omitempty" yaml:"results_file,omitempty"`

	// EventsFile optionally receives per-job outcome records as JSONL.
	EventsFile string `json:"events_file,omitempty" yaml:"events_file,omitempty"`
}

// CropModelConfig configures the adapter for a single crop model.
type CropModelConfig struct {
	// ExecutablePath is the model binary. Required.
	ExecutablePath string `json:"executable_path" yaml:"executable_path"`

	// ExperimentFile is the control file name inside each working directory.
	// Default: "experiment.txt".
	ExperimentFile string `json:"experiment_file,omitempty" yaml:"experiment_file,omitempty"`

	// SimulationTemplate is an optional template passed to experiment generation.
	SimulationTemplate string `json:"simulation_template,omitempty" yaml:"simulation_template,omitempty"`

	// Timeout bounds a single model execution (Go duration string).
	// Default: "1h".
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Outputs maps output kinds to file names inside the working directory.
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Hooks configures external commands implementing adapter capabilities.
	Hooks HooksConfig `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// HooksConfig holds argv templates for each adapter capability.
// Empty hooks fall back to the adapter's built-in behavior.
type HooksConfig struct {
	GenerateWeather    []string `json:"generate_weather,omitempty" yaml:"generate_weather,omitempty"`
	GenerateSoil       []string `json:"generate_soil,omitempty" yaml:"generate_soil,omitempty"`
	GenerateExperiment []string `json:"generate_experiment,omitempty" yaml:"generate_experiment,omitempty"`
	Run                []string `json:"run,omitempty" yaml:"run,omitempty"`
	ParseOutput        []string `json:"parse_output,omitempty" yaml:"parse_output,omitempty"`
}

// ClimateConfig names the climate axes of the matrix.
type ClimateConfig struct {
	ActiveSources []string `json:"active_sources" yaml:"active_sources"`
	Models        []string `json:"models_to_run" yaml:"models_to_run"`
	Scenarios     []string `json:"scenarios_to_run" yaml:"scenarios_to_run"`
}

// SimulationConfig holds management settings shared by all simulations.
type SimulationConfig struct {
	// SowingDates are ISO dates (YYYY-MM-DD).
	SowingDates []string `json:"sowing_dates" yaml:"sowing_dates"`

	// Parameters are passed through to experiment generation unchanged.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ParallelConfig controls how jobs are executed.
type ParallelConfig struct {
	// NumWorkers sizes the local pool. Values below 1 mean one worker per CPU.
	NumWorkers int `json:"num_workers,omitempty" yaml:"num_workers,omitempty"`

	// LaunchRate limits how many jobs start per second in the local pool.
	// Zero means unlimited.
	LaunchRate float64 `json:"launch_rate,omitempty" yaml:"launch_rate,omitempty"`

	// UseHPCEnvVars enables shard mode detection from the environment.
	UseHPCEnvVars bool `json:"use_hpc_env_vars,omitempty" yaml:"use_hpc_env_vars,omitempty"`

	// HPCTaskIDVar names the 1-based task index variable.
	// Default: "SLURM_ARRAY_TASK_ID".
	HPCTaskIDVar string `json:"hpc_task_id_var,omitempty" yaml:"hpc_task_id_var,omitempty"`

	// HPCNumTasksVar names the task count variable.
	// Default: "SLURM_ARRAY_TASK_COUNT".
	HPCNumTasksVar string `json:"hpc_num_tasks_var,omitempty" yaml:"hpc_num_tasks_var,omitempty"`
}

// TrackingConfig selects the tracking store backend.
type TrackingConfig struct {
	// Backend is "csv" or "sqlite". Default: "csv".
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// AuthToken is used with remote libsql URLs.
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// ArchiveConfig configures snapshot uploads to object storage.
type ArchiveConfig struct {
	// URI is the destination prefix, e.g. s3://bucket/experiments/maize.
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// Default values for optional configuration fields.
const (
	DefaultVersion            = "1.0"
	DefaultSimulationSetupDir = "simulations"
	DefaultClimatePointDir    = "_climate_point_data"
	DefaultResultsFile        = "results/parsed_outputs.jsonl"
	DefaultExperimentFile     = "experiment.txt"
	DefaultTimeout            = "1h"
	DefaultHPCTaskIDVar       = "SLURM_ARRAY_TASK_ID"
	DefaultHPCNumTasksVar     = "SLURM_ARRAY_TASK_COUNT"
	DefaultTrackingBackend    = "csv"
)

// ApplyDefaults fills optional fields and resolves relative paths against
// BaseDir. Load calls it once; callers should not need to.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = DefaultVersion
	}

	p := &c.Paths
	if p.SimulationSetupDir == "" {
		p.SimulationSetupDir = DefaultSimulationSetupDir
	}
	p.SimulationSetupDir = c.Resolve(p.SimulationSetupDir)
	if p.ClimatePointDir == "" {
		p.ClimatePointDir = filepath.Join(p.SimulationSetupDir, DefaultClimatePointDir)
	}
	p.ClimatePointDir = c.Resolve(p.ClimatePointDir)
	if p.ResultsFile == "" {
		p.ResultsFile = DefaultResultsFile
	}
	p.ResultsFile = c.Resolve(p.ResultsFile)
	p.LocationsFile = c.Resolve(p.LocationsFile)
	p.SoilProfiles = c.Resolve(p.SoilProfiles)
	p.EventsFile = c.Resolve(p.EventsFile)
	if !isURL(p.TrackingStore) {
		p.TrackingStore = c.Resolve(p.TrackingStore)
	}

	for name, mc := range c.CropModelConfigs {
		if mc.ExperimentFile == "" {
			mc.ExperimentFile = DefaultExperimentFile
		}
		if mc.Timeout == "" {
			mc.Timeout = DefaultTimeout
		}
		mc.ExecutablePath = c.Resolve(mc.ExecutablePath)
		mc.SimulationTemplate = c.Resolve(mc.SimulationTemplate)
		c.CropModelConfigs[name] = mc
	}

	if c.Parallel.HPCTaskIDVar == "" {
		c.Parallel.HPCTaskIDVar = DefaultHPCTaskIDVar
	}
	if c.Parallel.HPCNumTasksVar == "" {
		c.Parallel.HPCNumTasksVar = DefaultHPCNumTasksVar
	}

	if c.Tracking.Backend == "" {
		c.Tracking.Backend = DefaultTrackingBackend
	}
}

// Resolve returns p anchored at BaseDir when it is relative. Empty paths stay empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(c.BaseDir, p))
}

// Path returns the file the config was loaded from, or "" when built in memory.
func (c *Config) Path() string {
	return c.path
}

// Workers returns the effective local pool size.
func (c *Config) Workers() int {
	if c.Parallel.NumWorkers < 1 {
		return runtime.NumCPU()
	}
	return c.Parallel.NumWorkers
}

// ModelConfig returns the adapter settings for a crop model.
func (c *Config) ModelConfig(model string) (CropModelConfig, bool) {
	mc, ok := c.CropModelConfigs[model]
	return mc, ok
}

// ModelTimeout parses the configured timeout for a crop model.
func (c *Config) ModelTimeout(model string) (time.Duration, error) {
	mc, ok := c.CropModelConfigs[model]
	if !ok {
		return 0, fmt.Errorf("no configuration for crop model %q", model)
	}
	raw := mc.Timeout
	if raw == "" {
		raw = DefaultTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("crop model %q: invalid timeout %q: %w", model, raw, err)
	}
	return d, nil
}

// ModelNames returns the configured crop model names in sorted order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.CropModelConfigs))
	for name := range c.CropModelConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkingDir returns the per-simulation working directory.
func (c *Config) WorkingDir(simulationID string) string {
	return filepath.Join(c.Paths.SimulationSetupDir, simulationID)
}

// ClimateFile returns the path of the climate table produced upstream for a
// location, climate model and scenario.
func (c *Config) ClimateFile(locationID, climateModel, scenario string) string {
	name := fmt.Sprintf("%s_%s_%s_climate.csv", locationID, climateModel, scenario)
	return filepath.Join(c.Paths.ClimatePointDir, name)
}

// TrackingIsURL reports whether the tracking store is a remote libsql URL
// rather than a local file.
func (c *Config) TrackingIsURL() bool {
	return isURL(c.Paths.TrackingStore)
}
