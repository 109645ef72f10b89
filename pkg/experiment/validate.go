package experiment

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/cropgrid/internal/assets/schemas"
)

// SchemaID is the schema identifier for experiment configuration files.
const SchemaID = "cropgrid/v1.0.0/experiment"

// DateLayout is the accepted sowing date format.
const DateLayout = "2006-01-02"

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidateRaw checks raw JSON data against the experiment schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return &ConfigurationError{Message: "schema validation error", Err: err}
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ExperimentSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded experiment schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ExperimentSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile experiment schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

func (c *Config) checkBaseDir() error {
	if c.BaseDir == "" {
		return configErrorf("base_dir", "is required")
	}
	if !filepath.IsAbs(c.BaseDir) {
		return configErrorf("base_dir", "must be an absolute path, got %q", c.BaseDir)
	}
	info, err := os.Stat(c.BaseDir)
	if err != nil {
		return &ConfigurationError{Field: "base_dir", Message: "does not exist", Err: err}
	}
	if !info.IsDir() {
		return configErrorf("base_dir", "%s is not a directory", c.BaseDir)
	}
	c.BaseDir = filepath.Clean(c.BaseDir)
	return nil
}

// Validate runs semantic checks the schema cannot express. It expects
// defaults to have been applied.
func Validate(c *Config) error {
	if c.Version != DefaultVersion {
		return configErrorf("version", "unsupported version %q", c.Version)
	}

	if len(c.CropModels) == 0 {
		return configErrorf("crop_models_to_run", "at least one crop model is required")
	}
	if err := checkIDSegments("crop_models_to_run", c.CropModels); err != nil {
		return err
	}
	for _, name := range c.CropModels {
		mc, ok := c.CropModelConfigs[name]
		if !ok {
			return configErrorf("crop_model_configs", "missing configuration for crop model %q", name)
		}
		if strings.TrimSpace(mc.ExecutablePath) == "" {
			return configErrorf("crop_model_configs."+name+".executable_path", "is required")
		}
		if _, err := c.ModelTimeout(name); err != nil {
			return &ConfigurationError{Field: "crop_model_configs." + name + ".timeout", Message: "invalid duration", Err: err}
		}
	}

	axes := []struct {
		field  string
		values []string
	}{
		{"climate.active_sources", c.Climate.ActiveSources},
		{"climate.models_to_run", c.Climate.Models},
		{"climate.scenarios_to_run", c.Climate.Scenarios},
		{"simulation.sowing_dates", c.Simulation.SowingDates},
	}
	for _, axis := range axes {
		if len(axis.values) == 0 {
			return configErrorf(axis.field, "must not be empty")
		}
		if axis.field != "simulation.sowing_dates" {
			if err := checkIDSegments(axis.field, axis.values); err != nil {
				return err
			}
		}
		seen := make(map[string]struct{}, len(axis.values))
		for _, v := range axis.values {
			if _, dup := seen[v]; dup {
				return configErrorf(axis.field, "duplicate value %q", v)
			}
			seen[v] = struct{}{}
		}
	}

	for _, d := range c.Simulation.SowingDates {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return &ConfigurationError{Field: "simulation.sowing_dates", Message: fmt.Sprintf("invalid date %q (want YYYY-MM-DD)", d), Err: err}
		}
	}

	switch c.Tracking.Backend {
	case "csv":
		if isURL(c.Paths.TrackingStore) {
			return configErrorf("paths.tracking_store", "csv backend requires a file path, got %q", c.Paths.TrackingStore)
		}
	case "sqlite":
	default:
		return configErrorf("tracking.backend", "unsupported backend %q", c.Tracking.Backend)
	}

	if c.Parallel.LaunchRate < 0 {
		return configErrorf("parallel.launch_rate", "must not be negative")
	}

	if c.Archive.URI != "" {
		u, err := url.Parse(c.Archive.URI)
		if err != nil || u.Scheme != "s3" || u.Host == "" {
			return configErrorf("archive.uri", "expected s3://bucket[/prefix], got %q", c.Archive.URI)
		}
	}
	return nil
}

// checkIDSegments rejects values that cannot appear in a simulation id.
// Underscores separate id fields and ids name working directories.
func checkIDSegments(field string, values []string) error {
	for _, v := range values {
		switch {
		case strings.TrimSpace(v) == "":
			return configErrorf(field, "empty value")
		case strings.Contains(v, "_"):
			return configErrorf(field, "%q must not contain '_', which separates simulation id fields", v)
		case strings.ContainsAny(v, `/\`):
			return configErrorf(field, "%q must not contain a path separator", v)
		}
	}
	return nil
}

// CheckExecutables verifies that every crop model in the matrix points at an
// existing, executable file.
func (c *Config) CheckExecutables() error {
	for _, name := range c.CropModels {
		mc := c.CropModelConfigs[name]
		if len(mc.Hooks.Run) > 0 {
			continue
		}
		info, err := os.Stat(mc.ExecutablePath)
		if err != nil {
			return &ConfigurationError{Field: "crop_model_configs." + name + ".executable_path", Message: "not found", Err: err}
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return configErrorf("crop_model_configs."+name+".executable_path", "%s is not executable", mc.ExecutablePath)
		}
	}
	return nil
}

func isURL(s string) bool {
	for _, prefix := range []string{"libsql://", "http://", "https://", "wss://", "ws://"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
