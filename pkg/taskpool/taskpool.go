// Package taskpool provides a bounded worker pool for background maintenance tasks,
// such as intent cleanup, that must not run on the goroutine that triggered them.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrPoolClosed = errors.New("task pool is closed")
	ErrQueueFull  = errors.New("task pool queue is full")
)

// Task is a unit of work executed by the pool. Done is always called exactly once per
// accepted task: with nil after Run returns, or with an error when the task was dropped
// without running.
type Task interface {
	Run()
	Done(err error)
}

// Config holds the configuration for a Pool.
type Config struct {
	// Workers is the number of goroutines executing tasks.
	Workers int `yaml:"workers"`
	// QueueSize is the number of accepted tasks that may wait for a worker.
	QueueSize int `yaml:"queue_size"`
	// RatePerSec throttles task execution. Zero or negative disables throttling.
	RatePerSec float64 `yaml:"rate_per_sec"`
	// Burst is the number of tasks that may start back to back when throttled.
	Burst int `yaml:"burst"`
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	tasks  chan Task

	// abortCtx is cancelled when a Close deadline passes; queued tasks are then dropped.
	abortCtx context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pool and starts its workers.
func New(config Config, logger *zap.Logger) (*Pool, error) {
	if config.Workers <= 0 {
		return nil, fmt.Errorf("task pool workers must be positive, got %d", config.Workers)
	}
	if config.QueueSize < 0 {
		return nil, fmt.Errorf("task pool queue size must not be negative, got %d", config.QueueSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSec > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSec), burst)
	}

	abortCtx, abort := context.WithCancel(context.Background())
	p := &Pool{
		logger:   logger.Named("task_pool"),
		limiter:  limiter,
		tasks:    make(chan Task, config.QueueSize),
		abortCtx: abortCtx,
		abort:    abort,
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("Task pool started",
		zap.Int("workers", config.Workers),
		zap.Int("queue_size", config.QueueSize),
		zap.Float64("rate_per_sec", config.RatePerSec))
	return p, nil
}

// Submit queues task for execution. It never blocks: a full queue yields ErrQueueFull.
// When Submit returns an error the pool will not call Done.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued tasks to finish. If ctx expires first,
// tasks that have not started are completed with ErrPoolClosed instead of being run.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		p.logger.Warn("Task pool close deadline passed, dropping queued tasks", zap.Error(ctx.Err()))
		p.abort()
		<-drained
		err = ctx.Err()
	}
	p.abort()
	p.logger.Info("Task pool stopped.")
	return err
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for task := range p.tasks {
		if err := p.limiter.Wait(p.abortCtx); err != nil {
			task.Done(fmt.Errorf("%w: %v", ErrPoolClosed, err))
			continue
		}
		task.Done(p.run(n, task))
	}
}

func (p *Pool) run(n int, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked", zap.Int("worker", n), zap.Any("panic", r))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	task.Run()
	return nil
}
