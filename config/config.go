// Package config loads the YAML configuration of a gojotxn node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/taskpool"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// StorageConfig locates the node's local data.
type StorageConfig struct {
	// IntentsPath is the bolt file holding provisional writes.
	IntentsPath string `yaml:"intents_path"`
}

// RaftConfig configures the shard's replication group.
type RaftConfig struct {
	Addr      string `yaml:"addr"`
	Dir       string `yaml:"dir"`
	Bootstrap bool   `yaml:"bootstrap"`
	// SnapshotRetain is the number of raft snapshots kept on disk.
	SnapshotRetain int `yaml:"snapshot_retain"`
}

// AdminConfig configures the admin HTTP surface.
type AdminConfig struct {
	Addr string          `yaml:"addr"`
	TLS  certs.TLSConfig `yaml:"tls"`
}

// Config is the full configuration of a node.
type Config struct {
	Logger      logger.Config      `yaml:"logger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Participant transaction.Config `yaml:"participant"`
	Pool        taskpool.Config    `yaml:"pool"`
	Storage     StorageConfig      `yaml:"storage"`
	Raft        RaftConfig         `yaml:"raft"`
	Admin       AdminConfig        `yaml:"admin"`
	// ShutdownTimeout bounds how long queued cleanup may run after a stop signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			Enabled:          true,
			ServiceName:      "gojotxn",
			TraceSampleRatio: 1.0,
			SetGlobal:        true,
		},
		Participant: transaction.Config{
			NodeID:             "node1",
			ShardID:            "shard0",
			TransactionTimeout: 30 * time.Second,
			ScanInterval:       5 * time.Second,
		},
		Pool: taskpool.Config{
			Workers:   4,
			QueueSize: 1024,
		},
		Storage: StorageConfig{IntentsPath: "/tmp/gojotxn/intents.db"},
		Raft: RaftConfig{
			Addr:           "127.0.0.1:7000",
			Dir:            "/tmp/gojotxn/raft",
			SnapshotRetain: 2,
		},
		Admin:           AdminConfig{Addr: "127.0.0.1:8080"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Participant.NodeID == "" {
		errs = append(errs, errors.New("participant.node_id must be set"))
	}
	if c.Participant.ShardID == "" {
		errs = append(errs, errors.New("participant.shard_id must be set"))
	}
	if c.Participant.ScanInterval < 0 || c.Participant.TransactionTimeout < 0 {
		errs = append(errs, errors.New("participant durations must not be negative"))
	}
	if c.Pool.Workers <= 0 {
		errs = append(errs, fmt.Errorf("pool.workers must be positive, got %d", c.Pool.Workers))
	}
	if c.Pool.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pool.queue_size must not be negative, got %d", c.Pool.QueueSize))
	}
	if c.Storage.IntentsPath == "" {
		errs = append(errs, errors.New("storage.intents_path must be set"))
	}
	if c.Raft.Addr == "" || c.Raft.Dir == "" {
		errs = append(errs, errors.New("raft.addr and raft.dir must be set"))
	}
	if c.Raft.SnapshotRetain <= 0 {
		errs = append(errs, fmt.Errorf("raft.snapshot_retain must be positive, got %d", c.Raft.SnapshotRetain))
	}
	if c.Admin.TLS.Enabled && (c.Admin.TLS.CAFile == "" || c.Admin.TLS.CertFile == "" || c.Admin.TLS.KeyFile == "") {
		errs = append(errs, errors.New("admin.tls needs ca_file, cert_file and key_file when enabled"))
	}
	return errors.Join(errs...)
}
