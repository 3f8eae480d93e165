// Package workers provides a bounded goroutine pool and the fan-out helper
// used to fetch market data for many symbols at once.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	stats poolCounters
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Timeout for individual tasks, zero for none
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns defaults sized for I/O bound fetches.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

type poolCounters struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timeout   atomic.Int64
	panics    atomic.Int64
	latencyNs atomic.Int64
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Debug("Starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.executeTask(logger, task)
		}
	}
}

// executeTask executes a single task with timeout and panic recovery
func (p *Pool) executeTask(logger *zap.Logger, task Task) {
	start := time.Now()

	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.config.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.config.TaskTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					p.stats.panics.Add(1)
					logger.Error("Worker recovered from panic", zap.Any("panic", r))
					done <- &PanicError{Recovered: r}
				}
			}()
		}
		done <- task.Execute(ctx)
	}()

	select {
	case err := <-done:
		p.stats.latencyNs.Add(time.Since(start).Nanoseconds())
		if err != nil {
			p.stats.failed.Add(1)
			logger.Debug("Task failed", zap.Error(err))
			return
		}
		p.stats.completed.Add(1)

	case <-ctx.Done():
		p.stats.timeout.Add(1)
		logger.Warn("Task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Submit adds a task to the queue without blocking.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.stats.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait submits a task and waits for it to finish.
func (p *Pool) SubmitWait(task Task) error {
	done := make(chan error, 1)
	err := p.Submit(TaskFunc(func(ctx context.Context) error {
		err := task.Execute(ctx)
		done <- err
		return err
	}))
	if err != nil {
		return err
	}
	return <-done
}

// Stop signals the workers and waits for them up to the shutdown timeout.
// Tasks still queued afterwards run on the caller with a cancelled context.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.config.ShutdownTimeout
	if timeout <= 0 {
		<-done
		p.drain()
		return nil
	}
	select {
	case <-done:
		p.drain()
		p.logger.Debug("Worker pool stopped", zap.String("name", p.config.Name))
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", timeout),
		)
		return ErrShutdownTimeout
	}
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			_ = task.Execute(p.ctx)
		default:
			return
		}
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		TasksSubmitted: p.stats.submitted.Load(),
		TasksCompleted: p.stats.completed.Load(),
		TasksFailed:    p.stats.failed.Load(),
		TasksTimeout:   p.stats.timeout.Load(),
		PanicRecovered: p.stats.panics.Load(),
	}
	if n := s.TasksCompleted + s.TasksFailed; n > 0 {
		s.AvgLatency = time.Duration(p.stats.latencyNs.Load() / n)
	}
	return s
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
