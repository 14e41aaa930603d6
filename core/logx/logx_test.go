package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONFormatWritesStructuredLines(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := New(Options{Format: "JSON", Level: "info", Writer: &buffer})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("stage finished", zap.String("stage", "score"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "stage finished", entry["msg"])
	assert.Equal(t, "score", entry["stage"])
	assert.Equal(t, "info", entry["level"])
}

func TestConsoleFormat(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := New(Options{Writer: &buffer, Level: "debug"})
	require.NoError(t, err)
	logger.Debug("lock acquired", zap.Int("pid", 42))
	assert.Contains(t, buffer.String(), "DEBUG")
	assert.Contains(t, buffer.String(), "lock acquired")
}

func TestRejectsUnknownOptions(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)

	level, err := ParseLevel(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)
}
