package fsm

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapRaftLogger_RoutesLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapRaftLogger(zap.New(core))
	require.Equal(t, hclog.Debug, logger.GetLevel())

	logger.Info("entering follower state", "follower", "node1", "leader-address", "")
	logger.Warn("heartbeat timeout reached")
	logger.Log(hclog.Error, "failed to contact", "server-id", "node2")

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "node1", entries[0].ContextMap()["follower"])
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestZapRaftLogger_FiltersNoiseAndLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapRaftLogger(zap.New(core))

	logger.Error("failed to commit logs: tx closed")
	require.Zero(t, logs.Len())

	logger.SetLevel(hclog.Warn)
	require.False(t, logger.IsInfo())
	logger.Info("dropped")
	logger.Warn("kept")
	require.Equal(t, 1, logs.Len())
}

func TestZapRaftLogger_NamedAndWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapRaftLogger(zap.New(core))

	named := logger.Named("raft").Named("transport")
	require.Equal(t, "raft.transport", named.Name())
	named.With("peer", "node3").Info("connected", "odd")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "raft.transport", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	require.Equal(t, "node3", fields["peer"])
	require.Equal(t, "(no value)", fields["odd"])

	require.NotNil(t, logger.StandardLogger(nil))
}
