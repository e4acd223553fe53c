// Package workerpool runs tasks on a fixed number of goroutines fed by a
// bounded queue.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/tenantflow/internal/runtime/logging"
)

// ErrStopped is returned when submitting to a stopped pool.
var ErrStopped = errors.New("worker pool is stopped")

// Task represents a unit of work to be executed.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     logging.ServiceLogger
}

// WorkerPool manages a bounded pool of goroutines for executing tasks.
// Tasks receive a context that is cancelled when Stop gives up waiting.
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	logger     logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	stopChan chan struct{}
	stopErr  error

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
}

// New starts a pool. MaxWorkers defaults to 1 and QueueSize to MaxWorkers.
func New(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger.With(logging.LogFields{"pool": cfg.Name}),
		ctx:        ctx,
		cancel:     cancel,
		stopChan:   make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("Worker pool started", logging.LogFields{
		"max_workers": p.maxWorkers,
		"queue_size":  p.queueSize,
	})
	return p
}

// worker runs queued tasks until the queue is closed and empty.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.executeTask(id, task)
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)
	fields := logging.LogFields{
		"worker_id": workerID,
		"task_id":   task.ID,
		"duration":  time.Since(start).String(),
	}
	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Error("Task failed", err, fields)
		return
	}
	p.completedTasks.Add(1)
	p.logger.Trace("Task completed", fields)
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// SubmitWithContext blocks until task is queued, ctx is done or the pool
// stops.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejectedTasks.Add(1)
		return ErrStopped
	}
	select {
	case <-p.stopChan:
		p.rejectedTasks.Add(1)
		return ErrStopped
	case <-ctx.Done():
		p.rejectedTasks.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	}
}

// Stop rejects new tasks, lets workers finish everything already queued and
// waits up to timeout. On timeout the task context is cancelled, remaining
// work is abandoned and an error is returned. Stop is idempotent; later
// calls return the first result.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.mu.Lock()
		p.stopped = true
		close(p.taskQueue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", nil)
		case <-timer.C:
			p.stopErr = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool drain timed out, abandoning remaining tasks", p.stopErr, logging.LogFields{
				"queued": len(p.taskQueue),
				"active": p.activeWorkers.Load(),
			})
		}
		p.cancel()
	})
	return p.stopErr
}

// Stats returns current worker pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
	}
}

// Stats represents worker pool statistics.
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// QueueUtilization returns the queue utilization as a percentage.
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return (float64(s.QueuedTasks) / float64(s.QueueSize)) * 100.0
}

// WorkerUtilization returns the worker utilization as a percentage.
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}
