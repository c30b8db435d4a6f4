package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := New(Options{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("volume loaded", zap.String("filename", "brain.nii"))
	cleanup()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "volume loaded", entry["msg"])
	assert.Equal(t, "brain.nii", entry["filename"])
	assert.Equal(t, "info", entry["level"])
}

func TestConsoleDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := New(Options{Level: "DEBUG", Format: "console", Output: &buf})
	require.NoError(t, err)
	logger.Debug("tick")
	cleanup()
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "tick")
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "niftiview.log")
	logger, cleanup, err := New(Options{File: path, MaxSizeMB: 1, MaxAgeDays: 1})
	require.NoError(t, err)
	logger.Warn("cache unavailable")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cache unavailable")
}

func TestRejectsUnknownSettings(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("Warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)
}
