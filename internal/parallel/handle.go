package parallel

import "context"

// Handle observes a task submitted to a WorkerPool.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func settledHandle(err error) *Handle {
	h := newHandle()
	h.settle(err)
	return h
}

func (h *Handle) settle(err error) {
	h.err = err
	close(h.done)
}

// Done returns a channel that is closed once the task has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error. It is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
// Cancelling ctx does not interrupt the task.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
