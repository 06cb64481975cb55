package parallel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/lifecycle/internal/logging"
)

// ErrPoolClosed is reported by handles of tasks submitted after Shutdown.
var ErrPoolClosed = errors.New("parallel: pool is shut down")

// ErrTaskPanic wraps the value of a panic recovered from a task.
var ErrTaskPanic = errors.New("parallel: task panicked")

// job is a queued task together with the handle that observes it.
type job struct {
	fn     func() error
	handle *Handle
}

func (j *job) run() {
	j.handle.settle(safeCall(j.fn))
}

// safeCall runs fn and converts a panic into an error so that one failing
// task cannot take a worker down with it.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return fn()
}

// ShutdownStats reports how a Shutdown completed.
type ShutdownStats struct {
	// TimedOut is true when workers did not drain the queues before the
	// deadline.
	TimedOut bool

	// RanInline is the number of queued tasks the shutting-down goroutine
	// executed itself after the deadline.
	RanInline int
}

// WorkerPool is a fixed-size pool of goroutines for background lifecycle work.
//
// The pool distributes tasks across multiple workers, each with their own
// queue. Workers steal from other queues when their own queue is empty, so a
// slow dispose or prepare action does not hold back the tasks queued behind it.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds per-worker queues.
	workQueues []chan *job

	// done signals workers to drain and stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool

	// submitMu orders submissions against shutdown: a task either lands in
	// a queue before done is closed or is rejected.
	submitMu sync.RWMutex

	// queueSize is the buffer size for each worker's queue.
	queueSize int

	shutdownOnce sync.Once
	stopped      chan struct{}
	stats        ShutdownStats
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// The pool starts immediately and workers begin waiting for work.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan *job, workers),
		done:       make(chan struct{}),
		queueSize:  queueSize,
		stopped:    make(chan struct{}),
	}

	for i := range workers {
		p.workQueues[i] = make(chan *job, queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	logging.L().Debug("parallel: worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drain(id)
			return

		case j := <-myQueue:
			j.run()

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen.run()
				continue
			}
			select {
			case <-p.done:
				p.drain(id)
				return
			case j := <-myQueue:
				j.run()
			}
		}
	}
}

// drain executes the remaining work in the worker's own queue, then keeps
// stealing until every queue is empty.
func (p *WorkerPool) drain(id int) {
	queue := p.workQueues[id]
	for {
		select {
		case j := <-queue:
			j.run()
			continue
		default:
		}
		stolen := p.steal(id)
		if stolen == nil {
			return
		}
		stolen.run()
	}
}

// steal attempts to take work from another worker's queue.
// Returns nil if no work is available.
func (p *WorkerPool) steal(myID int) *job {
	for i := range p.workers {
		if i == myID {
			continue
		}

		select {
		case j := <-p.workQueues[i]:
			return j
		default:
		}
	}
	return nil
}

// Submit sends a single task to the pool and returns a handle that settles
// with the task's result.
// The task goes to the worker with the shortest queue.
// After Shutdown, Submit returns a handle already settled with ErrPoolClosed
// and the task is not run.
func (p *WorkerPool) Submit(fn func() error) *Handle {
	if fn == nil {
		return settledHandle(nil)
	}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if !p.running.Load() {
		return settledHandle(ErrPoolClosed)
	}

	minLen := len(p.workQueues[0])
	minIdx := 0
	for i := 1; i < p.workers; i++ {
		qLen := len(p.workQueues[i])
		if qLen < minLen {
			minLen = qLen
			minIdx = i
		}
	}

	j := &job{fn: fn, handle: newHandle()}
	// Workers keep consuming while we hold the read lock, so a full queue
	// only delays this send.
	p.workQueues[minIdx] <- j
	return j.handle
}

// Shutdown stops accepting tasks and waits up to timeout for the workers to
// drain every queue. When the deadline passes, the calling goroutine takes
// the tasks that are still queued and runs them itself, then waits for the
// tasks already executing. No queued task is dropped.
//
// A non-positive timeout runs the queued tasks on the caller right away.
// Shutdown is safe to call multiple times; later calls wait for the first
// to finish and return its stats.
func (p *WorkerPool) Shutdown(timeout time.Duration) ShutdownStats {
	p.shutdownOnce.Do(func() {
		var deadline <-chan time.Time
		if timeout <= 0 {
			c := make(chan time.Time)
			close(c)
			deadline = c
		} else {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		p.stats = p.shutdown(deadline)
		close(p.stopped)
	})
	<-p.stopped
	return p.stats
}

func (p *WorkerPool) shutdown(deadline <-chan time.Time) ShutdownStats {
	p.submitMu.Lock()
	p.running.Store(false)
	close(p.done)
	p.submitMu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	var stats ShutdownStats
	select {
	case <-finished:
	case <-deadline:
		stats.TimedOut = true
		stats.RanInline = p.runQueuedInline()
		<-finished
	}

	if stats.TimedOut {
		logging.L().Warn("parallel: shutdown deadline exceeded, ran queued tasks inline",
			"ran_inline", stats.RanInline)
	} else {
		logging.L().Debug("parallel: worker pool stopped")
	}
	return stats
}

// runQueuedInline empties every queue on the calling goroutine.
func (p *WorkerPool) runQueuedInline() int {
	ran := 0
	for {
		progressed := false
		for _, q := range p.workQueues {
			select {
			case j := <-q:
				j.run()
				ran++
				progressed = true
			default:
			}
		}
		if !progressed {
			return ran
		}
	}
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns the total number of tasks currently queued.
// This is an approximation as queues can change while iterating.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
