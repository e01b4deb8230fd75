package fsm

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/intents"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func setupFSM(t *testing.T) (*IntentFSM, *intents.Store) {
	t.Helper()
	store, err := intents.Open(filepath.Join(t.TempDir(), "intents.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewIntentFSM(store, zap.NewNop()), store
}

func writeIntentLog(t *testing.T, index, term uint64, id transaction.TransactionID, key, value string) *raft.Log {
	t.Helper()
	data, err := EncodeWriteIntent(id, []byte(key), []byte(value))
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: term, Type: raft.LogCommand, Data: data}
}

// memorySink is an in-memory raft.SnapshotSink.
type memorySink struct {
	bytes.Buffer
	cancelled bool
	closed    bool
}

func (s *memorySink) ID() string    { return "test-snapshot" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { s.closed = true; return nil }

// --- Test Cases ---

func TestIntentFSM_ApplyWritesIntentAndAdvancesMarker(t *testing.T) {
	f, store := setupFSM(t)
	id := transaction.NewTransactionID()
	require.Equal(t, transaction.RemoveIntentsData{}, f.GetLastReplicatedData())

	require.Nil(t, f.Apply(writeIntentLog(t, 5, 2, id, "k1", "v1")))
	require.Nil(t, f.Apply(writeIntentLog(t, 6, 2, id, "k2", "v2")))

	require.Equal(t, transaction.RemoveIntentsData{Index: 6, Term: 2}, f.GetLastReplicatedData())
	got, err := store.Intents(id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(5), got[0].Index)
	require.Equal(t, uint64(6), got[1].Index)
}

func TestIntentFSM_BadCommandsStillAdvanceMarker(t *testing.T) {
	f, _ := setupFSM(t)

	result := f.Apply(&raft.Log{Index: 3, Term: 1, Data: []byte("{not json")})
	require.Error(t, result.(error))
	require.Equal(t, uint64(3), f.GetLastReplicatedData().Index)

	result = f.Apply(&raft.Log{Index: 4, Term: 1, Data: []byte(`{"op":"drop_table"}`)})
	require.Error(t, result.(error))

	result = f.Apply(&raft.Log{Index: 5, Term: 1, Data: []byte(`{"op":"write_intent","txn_id":"nope","key":"aw=="}`)})
	require.Error(t, result.(error))
	require.Equal(t, transaction.RemoveIntentsData{Index: 5, Term: 1}, f.GetLastReplicatedData())
}

func TestIntentFSM_MarkerBoundsRemoval(t *testing.T) {
	f, store := setupFSM(t)
	id := transaction.NewTransactionID()
	require.Nil(t, f.Apply(writeIntentLog(t, 1, 1, id, "k1", "v")))

	// Removal bounded by the marker observed before the second write keeps it.
	marker := f.GetLastReplicatedData()
	require.Nil(t, f.Apply(writeIntentLog(t, 2, 1, id, "k2", "v")))
	require.NoError(t, store.RemoveIntents(marker, id))

	left, err := store.Intents(id)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, []byte("k2"), left[0].Key)

	require.NoError(t, store.RemoveIntents(f.GetLastReplicatedData(), id))
	count, err := store.Count(id)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIntentFSM_SnapshotRestore(t *testing.T) {
	source, _ := setupFSM(t)
	id := transaction.NewTransactionID()
	require.Nil(t, source.Apply(writeIntentLog(t, 7, 3, id, "k", "v")))

	snapshot, err := source.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snapshot.Persist(sink))
	snapshot.Release()
	require.True(t, sink.closed)
	require.False(t, sink.cancelled)

	target, targetStore := setupFSM(t)
	require.Nil(t, target.Apply(writeIntentLog(t, 1, 1, transaction.NewTransactionID(), "stale", "x")))
	require.NoError(t, target.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	require.Equal(t, transaction.RemoveIntentsData{Index: 7, Term: 3}, target.GetLastReplicatedData())
	all, err := targetStore.AllIntents()
	require.NoError(t, err)
	require.Equal(t, []intents.Intent{{TxnID: id, Key: []byte("k"), Value: []byte("v"), Index: 7}}, all)
}

func TestIntentFSM_RestoreRejectsGarbage(t *testing.T) {
	f, _ := setupFSM(t)
	require.Error(t, f.Restore(io.NopCloser(bytes.NewReader([]byte("garbage")))))
}
