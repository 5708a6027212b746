package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("pipeline queue is full")
	ErrPoolStopped = errors.New("pipeline is shutting down")
)

// Task is one unit of background work, usually a Run whose caller does not
// wait for the result.
type Task func(ctx context.Context)

// WorkerPool runs submitted tasks on a fixed number of goroutines.
type WorkerPool struct {
	workers   int
	taskQueue chan Task
	logger    *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewWorkerPool(workers, queueSize int, logger *zap.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}
	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		logger:    logger.Named("workers"),
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	wp.logger.Info("Worker pool: started", zap.Int("workers", wp.workers), zap.Int("queue_size", cap(wp.taskQueue)))
}

// Submit queues a task without blocking.
func (wp *WorkerPool) Submit(task Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.taskQueue <- task:
		return nil
	default:
		wp.logger.Warn("Worker pool: queue full, task rejected")
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets the workers drain the queue and waits for
// them.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.taskQueue)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.logger.Info("Worker pool: stopped")
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.run(ctx, id, task)

		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("Worker pool: task panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	task(ctx)
}
