// Package config resolves process settings for the cropgrid CLI from flags,
// CROPGRID_* environment variables and defaults. The experiment itself is
// described by pkg/experiment.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable the CLI reads.
const EnvPrefix = "CROPGRID"

// DefaultConfigFile is used when neither --config nor CROPGRID_CONFIG is set.
const DefaultConfigFile = "experiment.yaml"

// Settings are the resolved process settings.
type Settings struct {
	// Config is the experiment configuration file.
	Config string `mapstructure:"config"`

	Log LogSettings `mapstructure:"log"`

	// Workers overrides parallel.num_workers when positive.
	Workers int `mapstructure:"workers"`

	// LaunchRate overrides parallel.launch_rate when positive.
	LaunchRate float64 `mapstructure:"launch_rate"`

	// TaskID and NumTasks force shard mode when both are positive.
	TaskID   int `mapstructure:"task_id"`
	NumTasks int `mapstructure:"num_tasks"`

	// Only restricts phases to simulation ids matching these globs.
	Only []string `mapstructure:"only"`

	// EventsFile overrides paths.events_file.
	EventsFile string `mapstructure:"events_file"`

	// TrackingToken authenticates libsql tracking URLs.
	TrackingToken string `mapstructure:"tracking_token"`
}

// LogSettings configure the CLI logger.
type LogSettings struct {
	Level      zapcore.Level `mapstructure:"level"`
	Format     string        `mapstructure:"format"`
	File       string        `mapstructure:"file"`
	MaxSizeMB  int           `mapstructure:"max_size_mb"`
	MaxBackups int           `mapstructure:"max_backups"`
}

// SetDefaults registers every known key so environment overrides are seen
// by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("config", DefaultConfigFile)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("workers", 0)
	v.SetDefault("launch_rate", 0.0)
	v.SetDefault("task_id", 0)
	v.SetDefault("num_tasks", 0)
	v.SetDefault("only", []string{})
	v.SetDefault("events_file", "")
	v.SetDefault("tracking_token", "")
}

// New returns a viper instance reading CROPGRID_* variables with defaults
// applied. Nested keys map to underscores: log.level is CROPGRID_LOG_LEVEL.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load decodes v into Settings. Overrides are applied last, keyed by dotted
// path.
func Load(v *viper.Viper, overrides ...map[string]any) (*Settings, error) {
	for _, o := range overrides {
		for k, val := range o {
			v.Set(k, val)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeHook converts environment strings into typed settings: log levels,
// comma-separated lists and durations.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		levelHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var levelType = reflect.TypeOf(zapcore.Level(0))

func levelHook(from, to reflect.Type, data any) (any, error) {
	if to != levelType || from.Kind() != reflect.String {
		return data, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(data.(string)))); err != nil {
		return nil, fmt.Errorf("invalid log level %q (want debug, info, warn, error)", data)
	}
	return lvl, nil
}

// Validate checks value ranges that decoding cannot express.
func (s *Settings) Validate() error {
	switch strings.ToLower(s.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", s.Log.Format)
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", s.Workers)
	}
	if s.LaunchRate < 0 {
		return fmt.Errorf("launch rate must be >= 0, got %g", s.LaunchRate)
	}
	if (s.TaskID > 0) != (s.NumTasks > 0) {
		return fmt.Errorf("task id and task count must be set together")
	}
	if s.TaskID > s.NumTasks {
		return fmt.Errorf("task id %d exceeds task count %d", s.TaskID, s.NumTasks)
	}
	return nil
}

// Sharded reports whether explicit shard settings were given.
func (s *Settings) Sharded() bool {
	return s.TaskID > 0 && s.NumTasks > 0
}
