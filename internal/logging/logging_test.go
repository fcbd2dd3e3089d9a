package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("mutation synced", "mutation_id", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=\"mutation synced\"")
	assert.Contains(t, out, "mutation_id=abc")
}

func TestNew_JSONAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("drain started", "pending", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, "drain started", line["msg"])
	assert.Equal(t, float64(2), line["pending"])
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.log")
	logger, closer, err := New(Config{File: path, MaxSizeMB: 1, MaxBackups: 1}, os.Stderr)
	require.NoError(t, err)

	logger.Warn("version conflict parked", "conflict_id", "c-1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "conflict_id=c-1")
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New(Config{Level: "loud"}, os.Stderr)
	assert.Error(t, err)

	_, _, err = New(Config{Format: "xml"}, os.Stderr)
	assert.Error(t, err)
}
