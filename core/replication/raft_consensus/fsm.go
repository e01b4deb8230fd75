package fsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/intents"
	"go.uber.org/zap"
)

// LogCommand defines the structure of commands applied to the FSM via Raft.
// This is what gets replicated.
type LogCommand struct {
	Op    string `json:"op"`              // Operation type (e.g., "write_intent")
	TxnID string `json:"txn_id"`          // Transaction that owns the write
	Key   []byte `json:"key"`             // Key being provisionally written
	Value []byte `json:"value,omitempty"` // Provisional value
}

// Operation types for the FSM
const (
	OpWriteIntent = "write_intent"
)

// IntentStore is the part of the intent store the FSM replicates into.
type IntentStore interface {
	WriteIntent(id transaction.TransactionID, key, value []byte, index uint64) error
	AllIntents() ([]intents.Intent, error)
	ReplaceAll(all []intents.Intent) error
}

// IntentFSM implements raft.FSM for the intents of one shard. It is also the participant
// context of that shard: the last applied log position is the durability marker that
// bounds intent removal.
type IntentFSM struct {
	store  IntentStore
	logger *zap.Logger

	// applyMu serializes Apply and Restore; readers of lastApplied never take it.
	applyMu     sync.Mutex
	lastApplied atomic.Pointer[transaction.RemoveIntentsData]
}

var (
	_ raft.FSM                       = (*IntentFSM)(nil)
	_ transaction.ParticipantContext = (*IntentFSM)(nil)
)

// NewIntentFSM creates a new instance of IntentFSM.
func NewIntentFSM(store IntentStore, logger *zap.Logger) *IntentFSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &IntentFSM{store: store, logger: logger.Named("intent_fsm")}
	f.lastApplied.Store(&transaction.RemoveIntentsData{})
	return f
}

// EncodeWriteIntent builds the raft log payload that writes an intent.
func EncodeWriteIntent(id transaction.TransactionID, key, value []byte) ([]byte, error) {
	return json.Marshal(LogCommand{Op: OpWriteIntent, TxnID: id.String(), Key: key, Value: value})
}

// Apply applies a Raft log entry to the FSM.
// This method is called by Raft on the leader and followers to update the state machine.
func (f *IntentFSM) Apply(logEntry *raft.Log) interface{} {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()
	// The entry counts as applied whatever its outcome: raft never redelivers it.
	defer f.lastApplied.Store(&transaction.RemoveIntentsData{Index: logEntry.Index, Term: logEntry.Term})

	var cmd LogCommand
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal Raft log entry", zap.Uint64("index", logEntry.Index), zap.Error(err))
		return fmt.Errorf("invalid log command at index %d: %w", logEntry.Index, err)
	}

	switch cmd.Op {
	case OpWriteIntent:
		id, err := transaction.ParseTransactionID(cmd.TxnID)
		if err != nil {
			f.logger.Error("FSM received intent with bad transaction id", zap.Uint64("index", logEntry.Index), zap.Error(err))
			return err
		}
		if err := f.store.WriteIntent(id, cmd.Key, cmd.Value, logEntry.Index); err != nil {
			f.logger.Error("FSM failed to write intent",
				zap.Uint64("index", logEntry.Index),
				zap.Stringer("txn_id", id),
				zap.Error(err))
			return err
		}
		return nil
	default:
		f.logger.Warn("FSM received unknown command", zap.String("op", cmd.Op), zap.Uint64("index", logEntry.Index))
		return fmt.Errorf("unknown FSM command %q", cmd.Op)
	}
}

// GetLastReplicatedData returns the position of the last applied log entry.
func (f *IntentFSM) GetLastReplicatedData() transaction.RemoveIntentsData {
	return *f.lastApplied.Load()
}

// Snapshot returns a snapshot of the FSM's state.
// This is used by Raft to truncate the log and recover faster.
func (f *IntentFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()

	all, err := f.store.AllIntents()
	if err != nil {
		return nil, fmt.Errorf("failed to read intents for snapshot: %w", err)
	}
	marker := *f.lastApplied.Load()
	f.logger.Debug("FSM snapshot created", zap.Stringer("marker", marker), zap.Int("intents", len(all)))
	return &intentFSMSnapshot{LastApplied: marker, Intents: toSnapshotIntents(all)}, nil
}

// Restore restores the FSM's state from a snapshot.
// This is used by Raft when a node joins a cluster or recovers from a crash.
func (f *IntentFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot intentFSMSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode FSM snapshot: %w", err)
	}
	all, err := fromSnapshotIntents(snapshot.Intents)
	if err != nil {
		return err
	}

	f.applyMu.Lock()
	defer f.applyMu.Unlock()
	if err := f.store.ReplaceAll(all); err != nil {
		return fmt.Errorf("failed to restore intents: %w", err)
	}
	marker := snapshot.LastApplied
	f.lastApplied.Store(&marker)
	f.logger.Info("FSM state restored from snapshot", zap.Stringer("marker", marker), zap.Int("intents", len(all)))
	return nil
}

// --- FSMSnapshot Implementation ---

type snapshotIntent struct {
	TxnID string `json:"txn_id"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
	Index uint64 `json:"index"`
}

// intentFSMSnapshot implements the raft.FSMSnapshot interface.
type intentFSMSnapshot struct {
	LastApplied transaction.RemoveIntentsData `json:"last_applied"`
	Intents     []snapshotIntent              `json:"intents"`
}

// Persist writes the snapshot to the given sink.
func (s *intentFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal FSM snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write FSM snapshot to sink: %w", err)
	}
	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *intentFSMSnapshot) Release() {}

func toSnapshotIntents(all []intents.Intent) []snapshotIntent {
	result := make([]snapshotIntent, 0, len(all))
	for _, in := range all {
		result = append(result, snapshotIntent{TxnID: in.TxnID.String(), Key: in.Key, Value: in.Value, Index: in.Index})
	}
	return result
}

func fromSnapshotIntents(all []snapshotIntent) ([]intents.Intent, error) {
	result := make([]intents.Intent, 0, len(all))
	for _, in := range all {
		id, err := transaction.ParseTransactionID(in.TxnID)
		if err != nil {
			return nil, fmt.Errorf("bad intent in snapshot: %w", err)
		}
		result = append(result, intents.Intent{TxnID: id, Key: in.Key, Value: in.Value, Index: in.Index})
	}
	return result, nil
}
