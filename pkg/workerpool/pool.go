// Package workerpool runs tasks on a bounded set of goroutines, retrying
// failures with exponential backoff.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("pool is shutting down")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload any
	// Context bounds the task, including its retries. Nil means the pool's.
	Context context.Context

	done chan error
}

// WorkerFunc processes one task attempt. Wrap an error with
// backoff.Permanent to stop retrying it.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries counts retries after the first attempt.
	MaxRetries      uint
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for webhook fan-out.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       256,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
		MaxRetryDelay:   5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	tasks   chan *Task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting for it.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, blocking for a free slot, and returns its final
// error after retries.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) error {
	task.done = make(chan error, 1)
	if task.Context == nil {
		task.Context = ctx
	}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, drains the queue and waits for workers up to the
// shutdown timeout. Tasks still running after that see their context
// cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out, cancelling tasks")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.tasks {
		err := p.run(task)
		if err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			p.completed.Add(1)
		}
		if task.done != nil {
			task.done <- err
		}
	}
}

func (p *Pool) run(task *Task) error {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryDelay
	if p.config.MaxRetryDelay > 0 {
		b.MaxInterval = p.config.MaxRetryDelay
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, p.fn(ctx, task)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.config.MaxRetries+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.retried.Add(1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("task %s failed after %d attempts: %w", task.ID, attempt, err)
	}
	return nil
}

// Stats holds pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
	}
}

// IsHealthy reports whether the queue is below 90% full.
func (p *Pool) IsHealthy() bool {
	return float64(len(p.tasks))/float64(p.config.QueueSize) < 0.9
}
