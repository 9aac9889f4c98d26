package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "info", "json")
	l.Debug("hidden")
	l.Info("visible", "account", "a1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "a1", entry["account"])
	assert.Equal(t, "accountgate", entry["service"])
}
