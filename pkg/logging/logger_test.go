package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Output: &buf})

	logger.Debug("hidden")
	logger.Info("run finished", "run_id", "abc", "pipeline_id", "user_processing")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run finished", record["msg"])
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "abc", record["run_id"])
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Pretty: true, NoColor: true, Output: &buf})

	logger.Warn("step retry scheduled", "node_id", "extract_user", "attempt", 2)

	out := buf.String()
	assert.Contains(t, out, "WRN")
	assert.Contains(t, out, "step retry scheduled")
	assert.Contains(t, out, "node_id=extract_user")
	assert.Contains(t, out, "attempt=2")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
