package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/taskpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Cleanup triggers, used for logs, metrics and spans.
const (
	TriggerAbort    = "abort"
	TriggerExpiry   = "expiry"
	TriggerShutdown = "shutdown"
	TriggerRetry    = "retry"
)

// Scheduler executes tasks off the calling goroutine. *taskpool.Pool implements it.
type Scheduler interface {
	Submit(task taskpool.Task) error
}

// Config holds the participant settings.
type Config struct {
	NodeID  string `yaml:"node_id"`
	ShardID string `yaml:"shard_id"`
	// TransactionTimeout is how long a running transaction may stay idle before the
	// expiry scan aborts it locally. Zero disables expiry.
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	// ScanInterval is the period of the scan that expires idle transactions and resubmits
	// refused cleanups. Zero disables the scan loop.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// Option customizes a Participant.
type Option func(*Participant)

func WithMetrics(metrics *internaltelemetry.IntentCleanupMetrics) Option {
	return func(p *Participant) { p.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Participant) { p.tracer = tracer }
}

// WithClock replaces time.Now, for the expiry scan.
func WithClock(now func() time.Time) Option {
	return func(p *Participant) { p.now = now }
}

// Participant tracks the running transactions of one shard replica and schedules the
// removal of their intents once they are aborted.
type Participant struct {
	config             Config
	applier            IntentApplier
	participantContext ParticipantContext
	scheduler          Scheduler
	logPrefix          string

	logger  *zap.Logger
	metrics *internaltelemetry.IntentCleanupMetrics
	tracer  trace.Tracer
	now     func() time.Time

	mu           sync.Mutex
	transactions map[TransactionID]*RunningTransaction
	stopped      bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewParticipant creates a participant. The applier, participant context and scheduler
// must outlive it.
func NewParticipant(
	config Config,
	applier IntentApplier,
	participantContext ParticipantContext,
	scheduler Scheduler,
	logger *zap.Logger,
	opts ...Option,
) *Participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Participant{
		config:             config,
		applier:            applier,
		participantContext: participantContext,
		scheduler:          scheduler,
		logPrefix:          fmt.Sprintf("S %s N %s: ", config.ShardID, config.NodeID),
		logger:             logger.Named("txn_participant"),
		tracer:             nooptrace.NewTracerProvider().Tracer(""),
		now:                time.Now,
		transactions:       make(map[TransactionID]*RunningTransaction),
		stopChan:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Participant) LogPrefix() string {
	return p.logPrefix
}

func (p *Participant) newRemoveIntentsTask(id TransactionID) *RemoveIntentsTask {
	return NewRemoveIntentsTask(p.applier, p.participantContext, p, id, p.logger, p.metrics)
}

// Start launches the expiry scan loop.
func (p *Participant) Start() {
	p.startOnce.Do(func() {
		if p.config.ScanInterval <= 0 {
			p.logger.Info("Transaction expiry scan disabled", zap.String("prefix", p.logPrefix))
			return
		}
		p.wg.Add(1)
		go p.expiryScanLoop()
	})
}

func (p *Participant) expiryScanLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			p.logger.Info("Transaction expiry scan stopping.", zap.String("prefix", p.logPrefix))
			return
		case <-ticker.C:
			p.ExpireTransactions(context.Background())
		}
	}
}

// Register starts tracking a new transaction.
func (p *Participant) Register(id TransactionID) (*RunningTransaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrParticipantStopped
	}
	if _, ok := p.transactions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTxnAlreadyExists, id)
	}
	txn := newRunningTransaction(id, p, p.now())
	p.transactions[id] = txn
	p.metrics.TransactionAdded(context.Background())
	return txn, nil
}

// Get returns the tracked transaction without retaining it.
func (p *Participant) Get(id TransactionID) (*RunningTransaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.transactions[id]
	return txn, ok
}

// Len returns the number of tracked transactions.
func (p *Participant) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transactions)
}

// List returns a snapshot of every tracked transaction ordered by id.
func (p *Participant) List() []TransactionInfo {
	p.mu.Lock()
	txns := make([]*RunningTransaction, 0, len(p.transactions))
	for _, txn := range p.transactions {
		txns = append(txns, txn)
	}
	p.mu.Unlock()

	infos := make([]TransactionInfo, 0, len(txns))
	for _, txn := range txns {
		infos = append(infos, txn.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Touch records activity on a running transaction, postponing its expiry.
func (p *Participant) Touch(id TransactionID) error {
	txn, err := p.lookup(id)
	if err != nil {
		return err
	}
	defer txn.Release()
	txn.touch(p.now())
	return nil
}

// MarkPrepared records that the participant voted to commit. Prepared transactions are
// not expired by the scan.
func (p *Participant) MarkPrepared(id TransactionID) error {
	txn, err := p.lookup(id)
	if err != nil {
		return err
	}
	defer txn.Release()
	return txn.setState(TxnStatePrepared)
}

// NotifyAborted handles an explicit abort of id: the transaction stops being tracked and
// its intents are scheduled for removal.
func (p *Participant) NotifyAborted(ctx context.Context, id TransactionID) error {
	txn, err := p.lookup(id)
	if err != nil {
		return err
	}
	defer txn.Release()
	if err := txn.setState(TxnStateAborted); err != nil {
		return err
	}
	p.logger.Info("Transaction aborted", zap.String("prefix", p.logPrefix), zap.Stringer("txn_id", id))
	p.scheduleRemoveIntents(ctx, txn, TriggerAbort)
	return nil
}

// ExpireTransactions aborts every running transaction idle longer than the configured
// timeout and schedules its cleanup. Aborted transactions still waiting for a cleanup the
// scheduler refused are submitted again. It returns the number of transactions expired.
func (p *Participant) ExpireTransactions(ctx context.Context) int {
	now := p.now()
	p.mu.Lock()
	var expired, pending []*RunningTransaction
	for _, txn := range p.transactions {
		switch {
		case p.config.TransactionTimeout > 0 && txn.expired(now, p.config.TransactionTimeout):
			txn.Retain()
			expired = append(expired, txn)
		case txn.cleanupPending():
			txn.Retain()
			pending = append(pending, txn)
		}
	}
	p.mu.Unlock()

	// Aborted transactions whose cleanup could not be submitted earlier.
	for _, txn := range pending {
		p.scheduleRemoveIntents(ctx, txn, TriggerRetry)
		txn.Release()
	}

	count := 0
	for _, txn := range expired {
		if err := txn.setState(TxnStateAborted); err == nil {
			count++
			p.logger.Info("Transaction expired, aborting locally",
				zap.String("prefix", p.logPrefix),
				zap.Stringer("txn_id", txn.id),
				zap.Time("last_activity", txn.LastActivity()))
			p.scheduleRemoveIntents(ctx, txn, TriggerExpiry)
		}
		txn.Release()
	}
	return count
}

// RetryRemoveIntents triggers another cleanup of id, after an earlier removal failed or
// could not be scheduled. A transaction that is no longer tracked is cleaned up through a
// temporary tracking entity.
func (p *Participant) RetryRemoveIntents(ctx context.Context, id TransactionID) (bool, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false, ErrParticipantStopped
	}
	txn, tracked := p.transactions[id]
	if tracked {
		txn.Retain()
	} else {
		txn = newRunningTransaction(id, p, p.now())
		txn.state = TxnStateAborted
		p.metrics.TransactionAdded(ctx)
	}
	p.mu.Unlock()
	// For an untracked transaction this drops the creation reference; the task keeps it
	// alive until Done.
	defer txn.Release()

	if state := txn.State(); state != TxnStateAborted {
		return false, fmt.Errorf("%w: cannot remove intents of %s transaction %s", ErrTxnInvalidState, state, id)
	}
	return p.scheduleRemoveIntents(ctx, txn, TriggerRetry), nil
}

// Shutdown stops the expiry scan, schedules cleanup of every aborted transaction still
// tracked and releases the remaining transactions. The scheduler must still accept tasks.
func (p *Participant) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.wg.Wait()

		p.mu.Lock()
		p.stopped = true
		var aborted []*RunningTransaction
		for _, txn := range p.transactions {
			if txn.State() == TxnStateAborted {
				txn.Retain()
				aborted = append(aborted, txn)
			}
		}
		p.mu.Unlock()

		scheduled, leftBehind := 0, 0
		for _, txn := range aborted {
			if p.scheduleRemoveIntents(ctx, txn, TriggerShutdown) {
				scheduled++
			} else if txn.cleanupPending() {
				leftBehind++
				// Nothing re-triggers this cleanup once the participant is gone.
				p.logger.Warn("Intents of aborted transaction left behind at shutdown",
					zap.String("prefix", p.logPrefix),
					zap.Stringer("txn_id", txn.id))
			}
			txn.Release()
		}

		p.mu.Lock()
		remaining := p.transactions
		p.transactions = make(map[TransactionID]*RunningTransaction)
		p.mu.Unlock()
		for _, txn := range remaining {
			txn.Release()
		}
		p.logger.Info("Transaction participant shut down",
			zap.String("prefix", p.logPrefix),
			zap.Int("aborted_scheduled", scheduled),
			zap.Int("aborted_left_behind", leftBehind),
			zap.Int("released", len(remaining)))
	})
}

// scheduleRemoveIntents claims the transaction's removal task and submits it. A trigger
// that loses the claim does nothing. On success the transaction stops being tracked; the
// task keeps it alive until Done.
func (p *Participant) scheduleRemoveIntents(ctx context.Context, txn *RunningTransaction, trigger string) bool {
	ctx, span := p.tracer.Start(ctx, "participant.schedule_remove_intents",
		trace.WithAttributes(
			attribute.String("txn_id", txn.id.String()),
			attribute.String("trigger", trigger),
		))
	defer span.End()

	task := txn.claimRemoveIntentsTask()
	if !task.Prepare(txn) {
		p.metrics.RecordPrepareLost(ctx, trigger)
		span.AddEvent("cleanup already claimed")
		return false
	}

	txn.markCleanupSubmitted()
	if err := p.scheduler.Submit(task); err != nil {
		task.Done(err)
		txn.submitFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		p.logger.Warn("Failed to schedule intent removal",
			zap.String("prefix", p.logPrefix),
			zap.Stringer("txn_id", txn.id),
			zap.String("trigger", trigger),
			zap.Error(err))
		return false
	}

	p.metrics.RecordScheduled(ctx, trigger)
	p.logger.Debug("Scheduled intent removal",
		zap.String("prefix", p.logPrefix),
		zap.Stringer("txn_id", txn.id),
		zap.String("trigger", trigger))
	p.erase(txn)
	return true
}

func (p *Participant) erase(txn *RunningTransaction) {
	p.mu.Lock()
	cur, ok := p.transactions[txn.id]
	if !ok || cur != txn {
		p.mu.Unlock()
		return
	}
	delete(p.transactions, txn.id)
	p.mu.Unlock()
	txn.Release()
}

// lookup returns the tracked transaction retained on behalf of the caller.
func (p *Participant) lookup(id TransactionID) (*RunningTransaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrParticipantStopped
	}
	txn, ok := p.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxnNotFound, id)
	}
	txn.Retain()
	return txn, nil
}

func (p *Participant) transactionDestroyed(txn *RunningTransaction) {
	p.metrics.TransactionDestroyed(context.Background())
	p.logger.Debug("Running transaction destroyed",
		zap.String("prefix", p.logPrefix),
		zap.Stringer("txn_id", txn.id))
}
