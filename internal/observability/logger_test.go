package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewCLILogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cropgrid.log")
	logger, closer, err := NewCLILogger(LogOptions{Service: "cropgrid", Level: zapcore.WarnLevel, Format: FormatJSON, File: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.Contains(t, string(data), `"service":"cropgrid"`)
}

func TestNewCLILogger_BadFormat(t *testing.T) {
	_, _, err := NewCLILogger(LogOptions{Format: "xml"})
	assert.ErrorContains(t, err, "xml")
}

func TestConfigureCLILogger_FlushClosesFile(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	path := filepath.Join(t.TempDir(), "cropgrid.log")
	flush, err := ConfigureCLILogger(LogOptions{Level: zapcore.InfoLevel, Format: FormatJSON, File: path})
	require.NoError(t, err)
	CLILogger.Info("first")
	flush()

	// Removing and recreating the directory entry shows the handle was
	// released: a write after close reopens the file by name.
	require.NoError(t, os.Remove(path))
	CLILogger.Info("second")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestColorLevels(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.log"))
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, colorLevels(f.Fd()))
}

func TestShardLogFile(t *testing.T) {
	assert.Equal(t, "logs/run.task3.log", ShardLogFile("logs/run.log", 3))
	assert.Equal(t, "run.task1", ShardLogFile("run", 1))
	assert.Equal(t, "logs/run.log", ShardLogFile("logs/run.log", 0))
	assert.Empty(t, ShardLogFile("", 2))
}
