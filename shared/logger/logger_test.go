package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_JSONLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel string
		wantMsg   string
	}{
		{name: "debug keeps debug", level: "debug", wantLevel: "DEBUG", wantMsg: "debug message"},
		{name: "info drops debug", level: "info", wantLevel: "INFO", wantMsg: "info message"},
		{name: "warn drops info", level: "warn", wantLevel: "WARN", wantMsg: "warn message"},
		{name: "error drops warn", level: "error", wantLevel: "ERROR", wantMsg: "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{
				Level:      tt.level,
				Format:     "json",
				TimeFormat: time.RFC3339,
				writer:     output,
			})
			require.NoError(t, err)

			logger.Debug("debug message", slog.String("job_id", "j-1"))
			logger.Info("info message", slog.String("job_id", "j-1"))
			logger.Warn("warn message", slog.String("job_id", "j-1"))
			logger.Error("error message", slog.String("job_id", "j-1"))

			entries := decodeLines(t, output)
			require.NotEmpty(t, entries)
			assert.Equal(t, tt.wantLevel, entries[0]["level"])
			assert.Equal(t, tt.wantMsg, entries[0]["msg"])
			assert.Equal(t, "j-1", entries[0]["job_id"])
			assert.Contains(t, entries[0], "time")
		})
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "console", writer: output})
	require.NoError(t, err)

	logger.Info("upload accepted", slog.String("filename", "song.mp3"))

	logOutput := output.String()
	assert.Contains(t, logOutput, "INF")
	assert.Contains(t, logOutput, "upload accepted")
	assert.Contains(t, logOutput, "song.mp3")
	// Buffers are not terminals, so no ANSI escapes are written.
	assert.NotContains(t, logOutput, "\x1b[")
}

func TestNew_SourceLocation(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	logger.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source, "function")
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "stemsplit.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("first")
	require.NoError(t, logger.Close())

	logger, err = New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info("second")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "file output should append")
	assert.Contains(t, lines[0], `"msg":"first"`)
	assert.Contains(t, lines[1], `"msg":"second"`)
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
	assert.NoError(t, logger.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "info", expected: slog.LevelInfo},
		{level: "warn", expected: slog.LevelWarn},
		{level: "warning", expected: slog.LevelWarn},
		{level: "error", expected: slog.LevelError},
		{level: "DEBUG", expected: slog.LevelInfo}, // case-sensitive
		{level: "invalid", expected: slog.LevelInfo},
		{level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_Derived(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", writer: output})
	require.NoError(t, err)

	logger.WithGroup("reaper").Info("sweep", slog.Int("removed", 2))
	logger.WithAttrs(slog.String("component", "runner")).Info("started")
	logger.With(slog.String("service", "api"), slog.Int("version", 1)).Info("ready")

	entries := decodeLines(t, output)
	require.Len(t, entries, 3)

	group, ok := entries[0]["reaper"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), group["removed"])

	assert.Equal(t, "runner", entries[1]["component"])

	assert.Equal(t, "api", entries[2]["service"])
	assert.Equal(t, float64(1), entries[2]["version"])
}
