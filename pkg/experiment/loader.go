package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and normalizes an experiment configuration file.
//
// The format follows the extension: .yaml/.yml for YAML, .json for JSON.
// Unknown extensions are tried as YAML, then JSON.
//
// Every failure wraps ErrConfiguration. Missing or unreadable files are
// reported with the underlying os error so callers can map them to exit codes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigurationError{Message: fmt.Sprintf("config file not found: %s", path), Err: err}
		}
		if os.IsPermission(err) {
			return nil, &ConfigurationError{Message: fmt.Sprintf("permission denied reading config: %s", path), Err: err}
		}
		return nil, &ConfigurationError{Message: "failed to read config file", Err: err}
	}

	cfg, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if abs, absErr := filepath.Abs(path); absErr == nil {
		cfg.path = abs
	} else {
		cfg.path = path
	}
	return cfg, nil
}

// LoadFromReader reads and validates a configuration from r.
// The path is only used for format detection and messages.
func LoadFromReader(r io.Reader, path string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigurationError{Message: "failed to read config", Err: err}
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates raw data against the schema, parses it, applies
// defaults and runs semantic checks.
//
// Schema validation runs on the raw document so unknown keys are rejected
// instead of being dropped by struct decoding.
func LoadFromBytes(data []byte, path string) (*Config, error) {
	if len(data) == 0 {
		return nil, &ConfigurationError{Message: "config file is empty"}
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, &ConfigurationError{Message: "malformed config", Err: err}
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	cfg, err := parseConfig(data, path)
	if err != nil {
		return nil, &ConfigurationError{Message: "malformed config", Err: err}
	}

	if err := cfg.checkBaseDir(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfig(data []byte, path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		cfg, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return cfg, nil
		}
		cfg, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return cfg, nil
		}
		return nil, fmt.Errorf("tried YAML and JSON: %w", yamlErr)
	}
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &cfg, nil
}

// toJSON converts the input to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("tried YAML and JSON: %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if raw == nil {
		return nil, errors.New("document is empty")
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to JSON: %w", err)
	}
	return jsonData, nil
}
