// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by command implementations. It is a no-op
// logger until InitCLILogger or ConfigureCLILogger runs.
var CLILogger = zap.NewNop()

// Log output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// LogOptions configures the CLI logger.
type LogOptions struct {
	// Service is attached to every entry.
	Service string

	Level zapcore.Level

	// Format is FormatConsole or FormatJSON.
	Format string

	// File, when set, receives JSON entries in addition to stderr and is
	// rotated by size.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger installs a console logger on stderr at info level, or debug
// when verbose is set.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	logger, _, err := NewCLILogger(LogOptions{Service: service, Level: level, Format: FormatConsole})
	if err != nil {
		// Console-only options cannot fail.
		panic(err)
	}
	CLILogger = logger
}

// ConfigureCLILogger replaces CLILogger according to opts. The returned
// function flushes the logger and closes the log file.
func ConfigureCLILogger(opts LogOptions) (func(), error) {
	logger, closer, err := NewCLILogger(opts)
	if err != nil {
		return func() {}, err
	}
	CLILogger = logger
	return func() { _ = closer.Close() }, nil
}

// logCloser flushes a logger and closes its log file, if any.
type logCloser struct {
	logger *zap.Logger
	file   io.Closer
}

func (c logCloser) Close() error {
	// Syncing stderr fails on some terminals and pipes.
	_ = c.logger.Sync()
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// NewCLILogger builds a logger writing to stderr and, optionally, to a
// rotating file. Closing the returned closer flushes the logger and closes
// the file.
func NewCLILogger(opts LogOptions) (*zap.Logger, io.Closer, error) {
	level := zap.NewAtomicLevelAt(opts.Level)

	var stderrEnc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if colorLevels(os.Stderr.Fd()) {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		stderrEnc = zapcore.NewConsoleEncoder(cfg)
	case FormatJSON:
		stderrEnc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (want console or json)", opts.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(stderrEnc, zapcore.Lock(os.Stderr), level)}

	var file io.Closer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(rotator), level))
		file = rotator
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if opts.Service != "" {
		logger = logger.With(zap.String("service", opts.Service))
	}
	return logger, logCloser{logger: logger, file: file}, nil
}

// colorLevels reports whether level names written to fd should be colored.
func colorLevels(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ShardLogFile inserts the task index before the extension of path, so
// array tasks sharing a configuration do not write to the same file.
func ShardLogFile(path string, index int) string {
	if path == "" || index < 1 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.task%d%s", strings.TrimSuffix(path, ext), index, ext)
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
