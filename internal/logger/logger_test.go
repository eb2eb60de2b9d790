package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, INFO, got)
}

func TestFromSettings(t *testing.T) {
	assert.Equal(t, SILENT, FromSettings(false, 0))
	assert.Equal(t, DEBUG, FromSettings(true, 0))
	assert.Equal(t, INFO, FromSettings(true, 1))
	assert.Equal(t, WARN, FromSettings(true, 2))
	assert.Equal(t, ERROR, FromSettings(true, 3))
	assert.Equal(t, SILENT, FromSettings(true, 6))
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Worker", "hidden %d", 1)
	l.Warn("Worker", "shown %d", 2)
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "Worker")
	assert.Contains(t, out, "WARN")
}

func TestLoggerSetLevelAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, false)

	l.SetLevel(SILENT)
	assert.Equal(t, SILENT, l.GetLevel())
	l.Error("Detector", "suppressed")
	assert.Empty(t, buf.String())

	l.SetLevel(DEBUG)
	l.Debug("Detector", "visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNewFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	var console bytes.Buffer

	l, err := NewFile(INFO, &console, false, path)
	require.NoError(t, err)
	l.Info("Uploader", "uploaded %s", "a.jpg")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "{"), "file sink should be JSON: %s", line)
	assert.Contains(t, line, "uploaded a.jpg")
	assert.Contains(t, console.String(), "uploaded a.jpg")
}
