package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Output: &buf})

	logger.Debug("hidden")
	logger.Info("job started", slog.String("job_id", "job-1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job started", line["msg"])
	assert.Equal(t, "job-1", line["job_id"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console", Output: &buf})
	logger.Warn("provider slow", slog.String("provider", "runway"))

	assert.Contains(t, buf.String(), "provider slow")
	assert.Contains(t, buf.String(), "provider=runway")
}
