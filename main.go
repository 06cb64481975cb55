package lifecycle

import (
	"context"
	"sync"
)

// Executor runs tasks on the main context, the single goroutine that owns
// GPU-call-capable state. Tasks handed to one Executor run in the order
// Execute was called.
type Executor interface {
	Execute(task func())
}

// InlineExecutor runs each task immediately on the calling goroutine, which
// for reload cycles is the cycle's own goroutine. It is the default main
// executor, suitable for hosts whose GPU calls are not tied to one thread.
type InlineExecutor struct{}

// Execute runs task.
func (InlineExecutor) Execute(task func()) { task() }

// MainQueue is an Executor backed by a FIFO queue that the host drains on
// its main goroutine, typically once per frame.
//
// The zero value is ready to use.
type MainQueue struct {
	mu     sync.Mutex
	tasks  []func()
	notify chan struct{}
}

// NewMainQueue creates an empty queue.
func NewMainQueue() *MainQueue {
	return &MainQueue{}
}

// Execute appends task to the queue. It never blocks.
func (q *MainQueue) Execute(task func()) {
	if task == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	n := q.notify
	q.notify = nil
	q.mu.Unlock()
	if n != nil {
		close(n)
	}
}

// Len returns the number of queued tasks.
func (q *MainQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain runs every task queued at the time of the call and returns how many
// ran. Tasks queued by those tasks wait for the next Drain.
func (q *MainQueue) Drain() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// Pump runs queued tasks as they arrive until until is closed or ctx is done.
// Tasks already queued when until closes are still run before Pump returns.
func (q *MainQueue) Pump(ctx context.Context, until <-chan struct{}) error {
	for {
		q.Drain()

		select {
		case <-until:
			q.Drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wait():
		}
	}
}

// wait returns a channel closed by the next Execute, or an already closed
// channel if tasks are pending.
func (q *MainQueue) wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) > 0 {
		c := make(chan struct{})
		close(c)
		return c
	}
	if q.notify == nil {
		q.notify = make(chan struct{})
	}
	return q.notify
}
