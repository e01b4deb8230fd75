package transaction

import "fmt"

// RemoveIntentsData is the durability marker that bounds intent removal: the raft log
// position last known to be applied on this participant. Only intents written at or
// below Index may be removed.
type RemoveIntentsData struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

func (d RemoveIntentsData) String() string {
	return fmt.Sprintf("%d.%d", d.Term, d.Index)
}

// IntentApplier physically removes the intents of a transaction.
//
// RemoveIntents must succeed when there is nothing to remove and must be safe to call
// more than once for the same transaction.
type IntentApplier interface {
	RemoveIntents(data RemoveIntentsData, id TransactionID) error
}

// ParticipantContext supplies the current durability marker. It must not block waiting
// for replication.
type ParticipantContext interface {
	GetLastReplicatedData() RemoveIntentsData
}

// RunningTransactionContext owns running transactions and decides when they are cleaned up.
type RunningTransactionContext interface {
	LogPrefix() string
}
