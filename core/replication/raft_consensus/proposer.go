package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"github.com/sushant-115/gojotxn/core/transaction"
	"go.uber.org/zap"
)

// ErrNotLeader is returned when a write is proposed on a node that cannot commit it.
var ErrNotLeader = errors.New("node is not the raft leader")

// RaftApplier is the part of *raft.Raft a proposer needs.
type RaftApplier interface {
	Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture
}

// IntentProposer replicates intent writes through raft. The write is stored by the
// IntentFSM of every replica once the entry commits.
type IntentProposer struct {
	raft    RaftApplier
	timeout time.Duration
	logger  *zap.Logger
}

func NewIntentProposer(r RaftApplier, timeout time.Duration, logger *zap.Logger) *IntentProposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentProposer{raft: r, timeout: timeout, logger: logger.Named("intent_proposer")}
}

// WriteIntent proposes a write_intent command and waits until it is applied locally.
// The context deadline, when shorter, bounds the wait instead of the configured timeout.
func (p *IntentProposer) WriteIntent(ctx context.Context, id transaction.TransactionID, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeWriteIntent(id, key, value)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	future := p.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		p.logger.Warn("Failed to replicate intent", zap.Stringer("txn_id", id), zap.Error(err))
		return fmt.Errorf("failed to replicate intent of %s: %w", id, err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	p.logger.Debug("Intent replicated", zap.Stringer("txn_id", id), zap.Uint64("index", future.Index()))
	return nil
}
