package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojotxn.log")

	logger, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	logger.Debug("intent cleanup scheduled")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "intent cleanup scheduled", entry["msg"])
	require.Equal(t, "gojotxn", entry["service"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojotxn.log")

	logger, err := New(Config{Level: "chatty", OutputFile: path, Service: "participant"})
	require.NoError(t, err)
	logger.Debug("dropped")
	logger.Info("kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), "kept")
	require.Contains(t, string(data), `"service":"participant"`)
}

func TestNew_BadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}
