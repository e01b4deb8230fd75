package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/sushant-115/gojotxn/api/admin"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/config/certs"
	fsm "github.com/sushant-115/gojotxn/core/replication/raft_consensus"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/intents"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/taskpool"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	RaftTransportTimeout  = 10 * time.Second
	RaftTransportMaxPool  = 3
	RaftApplyTimeout      = 5 * time.Second
	HttpServerStopTimeout = 5 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	nodeID     = flag.String("node_id", "", "Overrides participant.node_id")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap the Raft cluster (only for the first node)")
)

// node holds everything a running participant owns, in start order.
type node struct {
	config            config.Config
	logger            *zap.Logger
	shutdownTelemetry telemetry.ShutdownFunc
	store             *intents.Store
	raftNode          *raft.Raft
	raftStore         *raftboltdb.BoltStore
	pool              *taskpool.Pool
	participant       *transaction.Participant
	httpServer        *http.Server
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("CRITICAL: Can't load configuration: %v", err)
		}
	}
	if *nodeID != "" {
		cfg.Participant.NodeID = *nodeID
	}
	if *bootstrap {
		cfg.Raft.Bootstrap = true
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	zlogger.Info("Starting gojotxn participant node",
		zap.String("nodeID", cfg.Participant.NodeID),
		zap.String("shardID", cfg.Participant.ShardID),
		zap.String("raftAddr", cfg.Raft.Addr),
		zap.String("adminAddr", cfg.Admin.Addr),
		zap.Bool("bootstrap", cfg.Raft.Bootstrap),
	)

	n := &node{config: cfg, logger: zlogger}
	if err := n.start(); err != nil {
		n.stop()
		zlogger.Fatal("CRITICAL: Failed to start participant node", zap.Error(err))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	n.stop()
	zlogger.Info("gojotxn participant node shut down gracefully.")
}

func (n *node) start() error {
	tel, shutdownTelemetry, err := telemetry.New(n.config.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	n.shutdownTelemetry = shutdownTelemetry
	metrics, err := internaltelemetry.NewIntentCleanupMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create intent cleanup metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(n.config.Storage.IntentsPath), 0750); err != nil {
		return fmt.Errorf("failed to create intents directory: %w", err)
	}
	n.store, err = intents.Open(n.config.Storage.IntentsPath, n.logger)
	if err != nil {
		return err
	}
	intentFSM := fsm.NewIntentFSM(n.store, n.logger)

	if err := n.startRaft(intentFSM); err != nil {
		return err
	}

	n.pool, err = taskpool.New(n.config.Pool, n.logger)
	if err != nil {
		return fmt.Errorf("failed to create cleanup pool: %w", err)
	}
	n.participant = transaction.NewParticipant(
		n.config.Participant,
		n.store,
		intentFSM,
		n.pool,
		n.logger,
		transaction.WithMetrics(metrics),
		transaction.WithTracer(tel.Tracer),
	)
	n.participant.Start()

	listener, err := net.Listen("tcp", n.config.Admin.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on admin address %s: %w", n.config.Admin.Addr, err)
	}
	if tlsConfig := n.config.Admin.TLS; tlsConfig.Enabled {
		serverTLS, err := certs.LoadServerTLSConfig(tlsConfig.CAFile, tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to load admin TLS config: %w", err)
		}
		listener = tls.NewListener(listener, serverTLS)
	}
	n.httpServer = &http.Server{
		Handler:           admin.NewServer(n.participant, fsm.NewIntentProposer(n.raftNode, RaftApplyTimeout, n.logger), tel.MetricsHandler, n.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		n.logger.Info("Admin HTTP server listening", zap.String("address", listener.Addr().String()))
		if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

func (n *node) startRaft(intentFSM *fsm.IntentFSM) error {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(n.config.Participant.NodeID)
	raftLogger := fsm.NewZapRaftLogger(n.logger.Named("raft"))
	raftConfig.Logger = raftLogger

	raftDataPath := filepath.Join(n.config.Raft.Dir, n.config.Participant.NodeID)
	if err := os.MkdirAll(raftDataPath, 0700); err != nil {
		return fmt.Errorf("failed to create Raft data directory %s: %w", raftDataPath, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", n.config.Raft.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve raft address %s: %w", n.config.Raft.Addr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(n.config.Raft.Addr, addr, RaftTransportMaxPool, RaftTransportTimeout, raftLogger.Named("transport"))
	if err != nil {
		return fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(raftDataPath, n.config.Raft.SnapshotRetain, raftLogger.Named("snapshots"))
	if err != nil {
		return fmt.Errorf("failed to create snapshot store at %s: %w", raftDataPath, err)
	}

	boltDBPath := filepath.Join(raftDataPath, "raft.db")
	n.raftStore, err = raftboltdb.NewBoltStore(boltDBPath)
	if err != nil {
		return fmt.Errorf("failed to create bolt store at %s: %w", boltDBPath, err)
	}

	n.raftNode, err = raft.NewRaft(raftConfig, intentFSM, n.raftStore, n.raftStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}

	if !n.config.Raft.Bootstrap {
		n.logger.Warn("Node is not bootstrapping. It remains isolated until a leader adds it.")
		return nil
	}
	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
	}
	if err := n.raftNode.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap raft cluster: %w", err)
	}
	n.logger.Info("Raft cluster bootstrapped successfully.")
	return nil
}

// stop tears down whatever start managed to bring up. Pending cleanup is drained before
// raft and the intent store go away, since it reads the marker from one and writes the other.
func (n *node) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.ShutdownTimeout)
	defer cancel()

	if n.httpServer != nil {
		httpCtx, httpCancel := context.WithTimeout(ctx, HttpServerStopTimeout)
		if err := n.httpServer.Shutdown(httpCtx); err != nil {
			n.logger.Error("Admin HTTP server shutdown error", zap.Error(err))
		}
		httpCancel()
	}
	if n.participant != nil {
		n.participant.Shutdown(ctx)
	}
	if n.pool != nil {
		if err := n.pool.Close(ctx); err != nil {
			n.logger.Warn("Cleanup pool did not drain", zap.Error(err))
		}
	}
	if n.raftNode != nil {
		if err := n.raftNode.Shutdown().Error(); err != nil {
			n.logger.Error("Raft shutdown error", zap.Error(err))
		}
	}
	if n.raftStore != nil {
		if err := n.raftStore.Close(); err != nil {
			n.logger.Error("Raft log store close error", zap.Error(err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Error("Intent store close error", zap.Error(err))
		}
	}
	if n.shutdownTelemetry != nil {
		if err := n.shutdownTelemetry(context.Background()); err != nil {
			n.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}
}
