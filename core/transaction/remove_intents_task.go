package transaction

import (
	"context"
	"sync/atomic"
	"time"

	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"go.uber.org/zap"
)

// RemoveIntentsTaskState is the lifecycle of a RemoveIntentsTask. There is no way back to
// RemoveIntentsTaskUnscheduled.
type RemoveIntentsTaskState int32

const (
	RemoveIntentsTaskUnscheduled RemoveIntentsTaskState = iota
	RemoveIntentsTaskRunning
	RemoveIntentsTaskCompleted
)

// String returns the lower-case name of the state.
func (s RemoveIntentsTaskState) String() string {
	switch s {
	case RemoveIntentsTaskUnscheduled:
		return "unscheduled"
	case RemoveIntentsTaskRunning:
		return "running"
	case RemoveIntentsTaskCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// RemoveIntentsTask is a one-shot unit of work that removes the intents of a single
// transaction. Any number of trigger paths may race on Prepare; only the winner gets to
// hold the transaction and have Run scheduled.
type RemoveIntentsTask struct {
	applier            IntentApplier
	participantContext ParticipantContext
	runningContext     RunningTransactionContext
	id                 TransactionID

	logger  *zap.Logger
	metrics *internaltelemetry.IntentCleanupMetrics

	used        atomic.Bool
	completed   atomic.Bool
	transaction atomic.Pointer[RunningTransaction]
}

// NewRemoveIntentsTask creates a task for id. applier, participantContext and
// runningContext must outlive the task. metrics may be nil.
func NewRemoveIntentsTask(
	applier IntentApplier,
	participantContext ParticipantContext,
	runningContext RunningTransactionContext,
	id TransactionID,
	logger *zap.Logger,
	metrics *internaltelemetry.IntentCleanupMetrics,
) *RemoveIntentsTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoveIntentsTask{
		applier:            applier,
		participantContext: participantContext,
		runningContext:     runningContext,
		id:                 id,
		logger:             logger,
		metrics:            metrics,
	}
}

// Prepare claims the task for transaction. It returns false, without touching
// transaction, if another caller already claimed it.
func (t *RemoveIntentsTask) Prepare(transaction *RunningTransaction) bool {
	if !t.used.CompareAndSwap(false, true) {
		return false
	}
	transaction.Retain()
	t.transaction.Store(transaction)
	return true
}

// Run removes the intents up to the durability marker known at the time of the call.
// Failures are logged and absorbed: removal is idempotent and the owning context may
// trigger it again.
func (t *RemoveIntentsTask) Run() {
	data := t.participantContext.GetLastReplicatedData()
	start := time.Now()
	err := t.applier.RemoveIntents(data, t.id)
	t.metrics.RecordRemoval(context.Background(), time.Since(start), err)
	if err != nil {
		t.logger.Warn("Failed to remove intents of aborted transaction",
			zap.String("prefix", t.LogPrefix()),
			zap.Stringer("txn_id", t.id),
			zap.Stringer("marker", data),
			zap.Error(err))
		return
	}
	t.logger.Debug("Removed intents",
		zap.String("prefix", t.LogPrefix()),
		zap.Stringer("txn_id", t.id),
		zap.Stringer("marker", data))
}

// Done releases the transaction held since Prepare. It is called once Run has finished,
// or instead of Run when the task could not be executed.
func (t *RemoveIntentsTask) Done(err error) {
	if txn := t.transaction.Swap(nil); txn != nil {
		txn.Release()
	}
	if t.used.Load() {
		t.completed.Store(true)
	}
	if err != nil {
		t.logger.Debug("Remove intents task finished with error",
			zap.String("prefix", t.LogPrefix()),
			zap.Stringer("txn_id", t.id),
			zap.Error(err))
	}
}

// LogPrefix returns the correlation prefix of the owning context.
func (t *RemoveIntentsTask) LogPrefix() string {
	return t.runningContext.LogPrefix()
}

// TransactionID returns the id of the transaction whose intents the task removes.
func (t *RemoveIntentsTask) TransactionID() TransactionID {
	return t.id
}

// HoldsTransaction reports whether the task currently extends the transaction's lifetime.
func (t *RemoveIntentsTask) HoldsTransaction() bool {
	return t.transaction.Load() != nil
}

// State returns where the task is in its single-use lifecycle.
func (t *RemoveIntentsTask) State() RemoveIntentsTaskState {
	switch {
	case t.completed.Load():
		return RemoveIntentsTaskCompleted
	case t.used.Load():
		return RemoveIntentsTaskRunning
	default:
		return RemoveIntentsTaskUnscheduled
	}
}
