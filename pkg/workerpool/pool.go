// Package workerpool provides a bounded worker pool for controlled concurrency.
// Used to fan out per-kind replication work with a fixed upper bound on the
// number of concurrent backend calls.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrShuttingDown is returned by Submit after Stop.
var ErrShuttingDown = errors.New("pool is shutting down")

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("task queue is full")

// ErrTaskPanicked matches the error of a task whose worker function panicked.
var ErrTaskPanicked = errors.New("task panicked")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	// Context is checked before the task starts; a task whose context is
	// already done is not run.
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	// Skipped is set when the task never ran because its context was done.
	Skipped bool
	Error   error
	Data    interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the delay between retries
	RetryDelay time.Duration
}

// DefaultConfig runs tasks one at a time without retries.
func DefaultConfig() Config {
	return Config{
		Workers:    1,
		QueueSize:  64,
		MaxRetries: 0,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	done       chan struct{}

	mu     sync.Mutex
	closed bool

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksSkipped   int64
	tasksRetried   int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		done:       make(chan struct{}),
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go func() {
		p.wg.Wait()
		close(p.resultChan)
		close(p.done)
	}()
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue
func (p *Pool) Submit(task *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel. It is closed once Stop has been called
// and every queued task has finished.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop stops accepting tasks and waits for queued ones to finish, or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.taskChan)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

// Run processes tasks with a fresh pool and returns one result per task in
// task order. The result channel is sized to the task list, so no result is
// ever dropped.
func Run(ctx context.Context, cfg Config, tasks []*Task, fn WorkerFunc, logger *zap.Logger) ([]*Result, error) {
	cfg.QueueSize = len(tasks)
	if cfg.QueueSize == 0 {
		return nil, nil
	}
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start()
	for _, t := range tasks {
		if err := pool.Submit(t); err != nil {
			_ = pool.Stop(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("submit %s: %w", t.ID, err)
		}
	}
	if err := pool.Stop(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	byID := make(map[string]*Result, len(tasks))
	for r := range pool.Results() {
		byID[r.TaskID] = r
	}
	out := make([]*Result, len(tasks))
	for i, t := range tasks {
		out[i] = byID[t.ID]
	}
	return out, nil
}

// worker is the main worker goroutine
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		p.resultChan <- p.processTask(id, task)
	}
}

// processTask handles a single task with retries
func (p *Pool) processTask(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		atomic.AddInt64(&p.tasksSkipped, 1)
		return &Result{TaskID: task.ID, Skipped: true, Error: err}
	}

	var result *Result
	for attempt := 0; ; attempt++ {
		result = p.call(ctx, task)
		if result == nil {
			result = &Result{Success: true}
		}
		result.TaskID = task.ID
		if result.Success || attempt >= p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
			atomic.AddInt64(&p.tasksFailed, 1)
			return result
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}
	return result
}

// call runs the worker function, turning a panic into a failed result.
func (p *Pool) call(ctx context.Context, task *Task) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = &Result{Error: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
		}
	}()
	return p.workerFunc(ctx, task)
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksSkipped   int64
	TasksRetried   int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksSkipped:   atomic.LoadInt64(&p.tasksSkipped),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}
