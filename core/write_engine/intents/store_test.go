package intents

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/pkg/taskpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// setupStore opens a Store in a temporary directory for isolated testing.
func setupStore(t *testing.T) *Store {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	s, err := Open(filepath.Join(t.TempDir(), "intents.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteAndReadIntents(t *testing.T) {
	s := setupStore(t)
	id := transaction.NewTransactionID()

	require.NoError(t, s.WriteIntent(id, []byte("b"), []byte("2"), 11))
	require.NoError(t, s.WriteIntent(id, []byte("a"), []byte("1"), 10))
	// A second write of the same key replaces the first.
	require.NoError(t, s.WriteIntent(id, []byte("a"), []byte("1'"), 12))

	got, err := s.Intents(id)
	require.NoError(t, err)
	require.Equal(t, []Intent{
		{TxnID: id, Key: []byte("a"), Value: []byte("1'"), Index: 12},
		{TxnID: id, Key: []byte("b"), Value: []byte("2"), Index: 11},
	}, got)

	require.ErrorIs(t, s.WriteIntent(id, nil, []byte("x"), 13), ErrEmptyKey)
}

func TestStore_RemoveIntentsBoundedByMarker(t *testing.T) {
	s := setupStore(t)
	id := transaction.NewTransactionID()
	require.NoError(t, s.WriteIntent(id, []byte("k1"), []byte("v1"), 5))
	require.NoError(t, s.WriteIntent(id, []byte("k2"), []byte("v2"), 8))
	require.NoError(t, s.WriteIntent(id, []byte("k3"), []byte("v3"), 9))

	// 1. Only intents at or below the marker are removed.
	require.NoError(t, s.RemoveIntents(transaction.RemoveIntentsData{Term: 1, Index: 8}, id))
	got, err := s.Intents(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("k3"), got[0].Key)

	// 2. A fresher marker removes the rest.
	require.NoError(t, s.RemoveIntents(transaction.RemoveIntentsData{Term: 1, Index: 9}, id))
	count, err := s.Count(id)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStore_RemoveIntentsIsIdempotent(t *testing.T) {
	s := setupStore(t)
	id := transaction.NewTransactionID()
	require.NoError(t, s.WriteIntent(id, []byte("k"), []byte("v"), 1))
	marker := transaction.RemoveIntentsData{Index: 10}

	require.NoError(t, s.RemoveIntents(marker, id))
	require.NoError(t, s.RemoveIntents(marker, id))

	count, err := s.Count(id)
	require.NoError(t, err)
	require.Zero(t, count)

	// Removing a transaction that never wrote anything succeeds too.
	require.NoError(t, s.RemoveIntents(marker, transaction.NewTransactionID()))
}

func TestStore_RemoveIntentsLeavesOtherTransactions(t *testing.T) {
	s := setupStore(t)
	aborted, live := transaction.NewTransactionID(), transaction.NewTransactionID()
	require.NoError(t, s.WriteIntent(aborted, []byte("k"), []byte("v"), 1))
	require.NoError(t, s.WriteIntent(live, []byte("k"), []byte("v"), 2))

	require.NoError(t, s.RemoveIntents(transaction.RemoveIntentsData{Index: 100}, aborted))

	count, err := s.Count(live)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_CleanupThroughParticipant(t *testing.T) {
	s := setupStore(t)
	pool, err := taskpool.New(taskpool.Config{Workers: 2, QueueSize: 8}, zap.NewNop())
	require.NoError(t, err)
	participant := transaction.NewParticipant(transaction.Config{NodeID: "n1", ShardID: "s1"},
		s, staticMarker{Index: 3}, pool, zap.NewNop())

	aborted, pending := transaction.NewTransactionID(), transaction.NewTransactionID()
	for _, id := range []transaction.TransactionID{aborted, pending} {
		_, err := participant.Register(id)
		require.NoError(t, err)
	}
	require.NoError(t, s.WriteIntent(aborted, []byte("k1"), []byte("v"), 2))
	require.NoError(t, s.WriteIntent(aborted, []byte("k2"), []byte("v"), 4))
	require.NoError(t, s.WriteIntent(pending, []byte("k1"), []byte("v"), 3))

	require.NoError(t, participant.NotifyAborted(context.Background(), aborted))
	participant.Shutdown(context.Background())
	require.NoError(t, pool.Close(context.Background()))

	// The intent written above the marker survives for a later cleanup.
	left, err := s.Intents(aborted)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, []byte("k2"), left[0].Key)

	count, err := s.Count(pending)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_CleanupLogsOncePerRemoval(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	s, err := Open(filepath.Join(t.TempDir(), "intents.db"), logger)
	require.NoError(t, err)
	defer s.Close()
	pool, err := taskpool.New(taskpool.Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	require.NoError(t, err)
	participant := transaction.NewParticipant(transaction.Config{NodeID: "n1", ShardID: "s1"},
		s, staticMarker{Index: 3}, pool, logger)

	id := transaction.NewTransactionID()
	_, err = participant.Register(id)
	require.NoError(t, err)
	require.NoError(t, s.WriteIntent(id, []byte("k1"), []byte("v"), 2))
	require.NoError(t, s.WriteIntent(id, []byte("k2"), []byte("v"), 4))

	require.NoError(t, participant.NotifyAborted(context.Background(), id))
	require.NoError(t, pool.Close(context.Background()))

	require.Equal(t, 1, logs.FilterMessage("Removed intents").Len())
	counts := logs.FilterMessage("Intent store removal counts").All()
	require.Len(t, counts, 1)
	fields := counts[0].ContextMap()
	require.Equal(t, int64(1), fields["removed"])
	require.Equal(t, int64(1), fields["skipped"])
}

func TestStore_AllIntentsAndReplaceAll(t *testing.T) {
	s := setupStore(t)
	a, b := transaction.NewTransactionID(), transaction.NewTransactionID()
	require.NoError(t, s.WriteIntent(a, []byte("k"), []byte("v"), 1))

	replacement := []Intent{
		{TxnID: b, Key: []byte("x"), Value: []byte("1"), Index: 4},
		{TxnID: b, Key: []byte("y"), Value: []byte("2"), Index: 5},
	}
	require.NoError(t, s.ReplaceAll(replacement))

	all, err := s.AllIntents()
	require.NoError(t, err)
	require.Equal(t, replacement, all)

	count, err := s.Count(a)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStore_Closed(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "intents.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.RemoveIntents(transaction.RemoveIntentsData{}, transaction.NewTransactionID())
	require.ErrorIs(t, err, ErrStoreClosed)
	require.ErrorIs(t, s.WriteIntent(transaction.NewTransactionID(), []byte("k"), nil, 1), ErrStoreClosed)
}

type staticMarker transaction.RemoveIntentsData

func (m staticMarker) GetLastReplicatedData() transaction.RemoveIntentsData {
	return transaction.RemoveIntentsData(m)
}

