// Package concurrency wraps the pond worker pool with the sizing, logging
// and panic-containment conventions used across the bridge.
package concurrency

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"

	"mtbridge/internal/core"
)

// PoolConfig holds configuration for a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit return an error instead of waiting when the
	// queue is full.
	NonBlocking bool
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	RunningWorkers  int
	WaitingTasks    uint64
	SubmittedTasks  uint64
	SuccessfulTasks uint64
	FailedTasks     uint64
	RejectedTasks   uint64
}

// WorkerPool runs tasks on a bounded set of goroutines. A panicking task is
// logged and absorbed; it never takes the process down.
type WorkerPool struct {
	pool     *pond.WorkerPool
	config   PoolConfig
	logger   core.ILogger
	rejected uint64 // atomic
}

// NewWorkerPool creates a started worker pool.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg = cfg.withDefaults()
	scoped := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				scoped.Error("Worker pool task panicked", "panic", p)
			}),
		),
		config: cfg,
		logger: scoped,
	}
}

// Submit hands a task to the pool. With NonBlocking set, a full queue
// rejects the task with an error; otherwise the call waits for capacity.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			atomic.AddUint64(&wp.rejected, 1)
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued tasks to finish and releases the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats reports pool activity counters.
func (wp *WorkerPool) Stats() Stats {
	return Stats{
		RunningWorkers:  wp.pool.RunningWorkers(),
		WaitingTasks:    wp.pool.WaitingTasks(),
		SubmittedTasks:  wp.pool.SubmittedTasks(),
		SuccessfulTasks: wp.pool.SuccessfulTasks(),
		FailedTasks:     wp.pool.FailedTasks(),
		RejectedTasks:   atomic.LoadUint64(&wp.rejected),
	}
}
