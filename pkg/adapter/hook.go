package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/cropgrid/pkg/experiment"
	"github.com/3leaps/cropgrid/pkg/status"
)

// Hook is an Adapter that delegates each capability to a configured
// external command.
//
// Hook argv elements may contain {placeholders} that are substituted per
// call: {output}, {working_dir}, {simulation_id}, {location_id}, {soil_id},
// {climate_file}, {climate_model}, {climate_source}, {scenario},
// {sowing_date}, {crop_model}, {lat}, {lon}, {soil_profiles}, {template},
// {weather_file}, {soil_file}, {experiment_file}, {executable}, {output_dir}.
// The call's input is also written to the hook's stdin as JSON.
//
// A generation capability without a hook is a no-op: its inputs are
// expected to be staged already. Without a run hook the executable is
// invoked directly with the experiment file as its only argument. Without a
// parse hook, ParseOutput only checks that the declared outputs exist.
type Hook struct {
	name    string
	cfg     experiment.CropModelConfig
	timeout time.Duration
	log     *zap.Logger
}

// NewHook returns a hook adapter for crop model name.
func NewHook(name string, cfg experiment.CropModelConfig, timeout time.Duration, log *zap.Logger) *Hook {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hook{name: name, cfg: cfg, timeout: timeout, log: log.With(zap.String("crop_model", name))}
}

func (h *Hook) Name() string { return h.name }

func (h *Hook) GenerateWeather(ctx context.Context, in WeatherInput, outputPath string) error {
	vars := map[string]string{
		"simulation_id":  in.SimulationID,
		"location_id":    in.LocationID,
		"climate_source": in.ClimateSource,
		"climate_model":  in.ClimateModel,
		"scenario":       in.Scenario,
		"climate_file":   in.ClimateFile,
	}
	if in.HasCoords {
		vars["lat"] = strconv.FormatFloat(in.Lat, 'f', -1, 64)
		vars["lon"] = strconv.FormatFloat(in.Lon, 'f', -1, 64)
	}
	return h.generate(ctx, "generate_weather", h.cfg.Hooks.GenerateWeather, vars, in, outputPath)
}

func (h *Hook) GenerateSoil(ctx context.Context, in SoilInput, outputPath string) error {
	vars := map[string]string{
		"simulation_id": in.SimulationID,
		"location_id":   in.LocationID,
		"soil_id":       in.SoilID,
		"soil_profiles": in.SoilProfiles,
	}
	return h.generate(ctx, "generate_soil", h.cfg.Hooks.GenerateSoil, vars, in, outputPath)
}

func (h *Hook) GenerateExperiment(ctx context.Context, in ExperimentInput, outputPath string) error {
	vars := map[string]string{
		"simulation_id": in.SimulationID,
		"location_id":   in.LocationID,
		"crop_model":    in.CropModel,
		"climate_model": in.ClimateModel,
		"scenario":      in.Scenario,
		"sowing_date":   in.SowingDate,
		"soil_id":       in.SoilID,
		"working_dir":   in.WorkingDir,
		"weather_file":  in.WeatherFile,
		"soil_file":     in.SoilFile,
		"template":      in.Template,
	}
	return h.generate(ctx, "generate_experiment", h.cfg.Hooks.GenerateExperiment, vars, in, outputPath)
}

func (h *Hook) generate(ctx context.Context, capability string, argv []string, vars map[string]string, input any, outputPath string) error {
	if len(argv) == 0 {
		return nil
	}
	vars["output"] = outputPath
	if _, ok := vars["working_dir"]; !ok {
		vars["working_dir"] = filepath.Dir(outputPath)
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%s: encode input: %w", capability, err)
	}

	h.log.Debug("running hook", zap.String("hook", capability), zap.String("output", outputPath))
	if _, err := run(ctx, command{argv: expand(argv, vars), dir: filepath.Dir(outputPath), stdin: stdin, timeout: defaultHookTimeout}); err != nil {
		return fmt.Errorf("%s: %w", capability, err)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("%s: hook did not produce %s", capability, filepath.Base(outputPath))
	}
	return nil
}

func (h *Hook) RunModel(ctx context.Context, experimentFile, executablePath, workingDir string) (status.Code, string, error) {
	argv := []string{executablePath, experimentFile}
	if len(h.cfg.Hooks.Run) > 0 {
		argv = expand(h.cfg.Hooks.Run, map[string]string{
			"executable":      executablePath,
			"experiment_file": experimentFile,
			"working_dir":     workingDir,
		})
	} else if !h.ValidateExecutable(executablePath) {
		return status.RunError, fmt.Sprintf("executable not found or not executable: %s", executablePath),
			&ExecError{Command: executablePath, ExitCode: -1, Err: os.ErrNotExist}
	}

	start := time.Now()
	_, err := run(ctx, command{argv: argv, dir: workingDir, timeout: h.timeout})
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		switch {
		case isTimeout(err):
			return status.Timeout, fmt.Sprintf("model run exceeded %s", h.timeout), err
		default:
			return status.RunError, err.Error(), err
		}
	}

	if missing := CheckRequiredFiles(workingDir, h.outputNames()); len(missing) > 0 {
		return status.MissingFiles, "missing outputs: " + strings.Join(missing, ", "), nil
	}
	return status.Success, fmt.Sprintf("model finished in %s", elapsed), nil
}

func (h *Hook) ParseOutput(ctx context.Context, outputDir string, outputFiles map[string]string) (map[string]any, error) {
	kinds := make([]string, 0, len(outputFiles))
	for kind := range outputFiles {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	files := make(map[string]any, len(outputFiles))
	var missing []string
	for _, kind := range kinds {
		p := outputFiles[kind]
		if !filepath.IsAbs(p) {
			p = filepath.Join(outputDir, p)
		}
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, outputFiles[kind])
			continue
		}
		files[kind] = p
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing outputs: %s", strings.Join(missing, ", "))
	}

	if len(h.cfg.Hooks.ParseOutput) == 0 {
		return map[string]any{"files": files}, nil
	}

	stdin, err := json.Marshal(map[string]any{"output_dir": outputDir, "files": files})
	if err != nil {
		return nil, fmt.Errorf("parse_output: encode input: %w", err)
	}
	out, err := run(ctx, command{
		argv:    expand(h.cfg.Hooks.ParseOutput, map[string]string{"output_dir": outputDir, "working_dir": outputDir}),
		dir:     outputDir,
		stdin:   stdin,
		timeout: defaultHookTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("parse_output: %w", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse_output: stdout is not a JSON object: %w", err)
	}
	if parsed == nil {
		return nil, fmt.Errorf("parse_output: hook printed null")
	}
	return parsed, nil
}

func (h *Hook) ValidateExecutable(path string) bool {
	return ValidateExecutable(path)
}

func (h *Hook) outputNames() []string {
	names := make([]string, 0, len(h.cfg.Outputs))
	for _, name := range h.cfg.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expand substitutes {key} placeholders in every argv element. Unknown
// placeholders are left as is.
func expand(argv []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
