package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TransactionState represents the in-memory state of a transaction on a participant.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, intents are being written
	TxnStatePrepared                          // Participant has voted COMMIT and is waiting for global decision
	TxnStateCommitted                         // Participant has received COMMIT decision
	TxnStateAborted                           // Participant has received ABORT decision or decided to abort locally
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "RUNNING"
	case TxnStatePrepared:
		return "PREPARED"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// TransactionID is the fixed-size, globally unique identifier of a distributed transaction.
type TransactionID uuid.UUID

// NilTransactionID is the zero id. It is never assigned to a real transaction.
var NilTransactionID TransactionID

// NewTransactionID returns a fresh random id.
func NewTransactionID() TransactionID {
	return TransactionID(uuid.New())
}

// ParseTransactionID parses the canonical textual form produced by String.
func ParseTransactionID(s string) (TransactionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilTransactionID, fmt.Errorf("invalid transaction id %q: %w", s, err)
	}
	return TransactionID(u), nil
}

func (id TransactionID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the 16 raw bytes of the id. Used as the intent key prefix.
func (id TransactionID) Bytes() []byte {
	b := make([]byte, len(id))
	copy(b, id[:])
	return b
}

// RunningTransaction is the in-memory tracking entity of a transaction on this participant.
// It is shared by the participant's map and by an in-flight RemoveIntentsTask; it is
// destroyed once the last holder calls Release.
type RunningTransaction struct {
	id      TransactionID
	context *Participant

	mu           sync.Mutex
	state        TransactionState
	lastActivity time.Time

	refs      atomic.Int64
	destroyed atomic.Bool

	removeIntentsTask *RemoveIntentsTask
	cleanupSubmitted  bool
}

func newRunningTransaction(id TransactionID, p *Participant, now time.Time) *RunningTransaction {
	txn := &RunningTransaction{
		id:           id,
		context:      p,
		state:        TxnStateRunning,
		lastActivity: now,
	}
	txn.removeIntentsTask = p.newRemoveIntentsTask(id)
	// The participant's map owns the first reference.
	txn.refs.Store(1)
	return txn
}

func (t *RunningTransaction) ID() TransactionID {
	return t.id
}

func (t *RunningTransaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *RunningTransaction) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// RemoveIntentsTask returns the task currently responsible for cleaning up this transaction.
func (t *RunningTransaction) RemoveIntentsTask() *RemoveIntentsTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeIntentsTask
}

// Retain adds a holder. Retaining a destroyed transaction is a programming error.
func (t *RunningTransaction) Retain() {
	if t.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("retain of destroyed running transaction %s", t.id))
	}
}

// Release drops a holder and destroys the transaction when none remain.
func (t *RunningTransaction) Release() {
	n := t.refs.Add(-1)
	switch {
	case n == 0:
		t.destroyed.Store(true)
		if t.context != nil {
			t.context.transactionDestroyed(t)
		}
	case n < 0:
		panic(fmt.Sprintf("release of running transaction %s with no holders", t.id))
	}
}

// RefCount reports the number of current holders.
func (t *RunningTransaction) RefCount() int64 {
	return t.refs.Load()
}

// Destroyed reports whether every holder has released the transaction.
func (t *RunningTransaction) Destroyed() bool {
	return t.destroyed.Load()
}

func (t *RunningTransaction) touch(now time.Time) {
	t.mu.Lock()
	t.lastActivity = now
	t.mu.Unlock()
}

// setState moves the transaction to the given state. Terminal states are sticky.
func (t *RunningTransaction) setState(state TransactionState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == state {
		return nil
	}
	if t.state == TxnStateCommitted || t.state == TxnStateAborted {
		return fmt.Errorf("%w: %s -> %s for %s", ErrTxnInvalidState, t.state, state, t.id)
	}
	t.state = state
	return nil
}

// expired reports whether a running transaction has been idle for longer than timeout.
func (t *RunningTransaction) expired(now time.Time, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TxnStateRunning && now.Sub(t.lastActivity) > timeout
}

// cleanupPending reports whether the transaction was aborted but no cleanup of it is
// currently submitted, typically after the scheduler refused the task.
func (t *RunningTransaction) cleanupPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TxnStateAborted && !t.cleanupSubmitted
}

// claimRemoveIntentsTask returns the task a trigger should try to Prepare. A task whose
// submission failed is replaced by a fresh one so cleanup can be triggered again.
func (t *RunningTransaction) claimRemoveIntentsTask() *RemoveIntentsTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cleanupSubmitted && t.removeIntentsTask.State() == RemoveIntentsTaskCompleted {
		t.removeIntentsTask = t.context.newRemoveIntentsTask(t.id)
	}
	return t.removeIntentsTask
}

func (t *RunningTransaction) markCleanupSubmitted() {
	t.mu.Lock()
	t.cleanupSubmitted = true
	t.mu.Unlock()
}

func (t *RunningTransaction) submitFailed() {
	t.mu.Lock()
	t.cleanupSubmitted = false
	t.mu.Unlock()
}

// TransactionInfo is a point-in-time view of a running transaction.
type TransactionInfo struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	RefCount     int64     `json:"ref_count"`
	LastActivity time.Time `json:"last_activity"`
	CleanupState string    `json:"cleanup_state"`
}

func (t *RunningTransaction) info() TransactionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransactionInfo{
		ID:           t.id.String(),
		State:        t.state.String(),
		RefCount:     t.refs.Load(),
		LastActivity: t.lastActivity,
		CleanupState: t.removeIntentsTask.State().String(),
	}
}
