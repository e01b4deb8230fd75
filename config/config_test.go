package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojotxn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
participant:
  node_id: node7
  shard_id: orders-3
  transaction_timeout: 2m
pool:
  workers: 8
  rate_per_sec: 50
logger:
  level: debug
  format: console
`)

	config, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "node7", config.Participant.NodeID)
	require.Equal(t, "orders-3", config.Participant.ShardID)
	require.Equal(t, 2*time.Minute, config.Participant.TransactionTimeout)
	// Untouched keys keep their defaults.
	require.Equal(t, 5*time.Second, config.Participant.ScanInterval)
	require.Equal(t, 8, config.Pool.Workers)
	require.Equal(t, 1024, config.Pool.QueueSize)
	require.Equal(t, 50.0, config.Pool.RatePerSec)
	require.Equal(t, "debug", config.Logger.Level)
	require.Equal(t, "console", config.Logger.Format)
	require.Equal(t, "127.0.0.1:7000", config.Raft.Addr)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
pool:
  workers: 0
storage:
  intents_path: ""
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pool.workers")
	require.Contains(t, err.Error(), "storage.intents_path")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "participant: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_AdminTLSNeedsFiles(t *testing.T) {
	path := writeConfig(t, `
admin:
  tls:
    enabled: true
    ca_file: /etc/gojotxn/ca.crt
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "admin.tls")

	path = writeConfig(t, `
admin:
  addr: 127.0.0.1:9443
  tls:
    enabled: true
    ca_file: /etc/gojotxn/ca.crt
    cert_file: /etc/gojotxn/server.crt
    key_file: /etc/gojotxn/server.key
`)
	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/etc/gojotxn/server.key", config.Admin.TLS.KeyFile)
}
