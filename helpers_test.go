package lifecycle

import (
	"context"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"
)

// orderLog records events from concurrently running actions.
type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (l *orderLog) add(event string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *orderLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// recorder is a Disposable that records its disposal.
type recorder struct {
	name      string
	hints     DisposeHints
	log       *orderLog
	err       error
	panicWith any
	delay     time.Duration

	calls atomic.Int32
}

func (r *recorder) Dispose() error {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.log.add(r.name)
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	return r.err
}

func (r *recorder) DisposeHints() DisposeHints { return r.hints }

// plainDisposable has no hints.
type plainDisposable struct{ disposed bool }

func (p *plainDisposable) Dispose() error {
	p.disposed = true
	return nil
}

// sliceDisposable is not comparable and cannot be registered.
type sliceDisposable []int

func (sliceDisposable) Dispose() error { return nil }

// boxedDisposable is a value type whose comparability depends on what its
// interface field holds.
type boxedDisposable struct{ payload any }

func (boxedDisposable) Dispose() error { return nil }

// fakeReloadable records prepare, reload and discard calls.
type fakeReloadable struct {
	name  string
	hints ReloadHints
	log   *orderLog

	prepareDelay  time.Duration
	prepareGate   chan struct{} // Prepare blocks until closed
	prepareStart  chan struct{} // closed when Prepare starts
	prepareErr    error
	reloadErr     error
	reloadPanic   any
	reloadCtxErrs chan error

	prepares  atomic.Int32
	reloads   atomic.Int32
	discarded atomic.Int32
	startOnce sync.Once
}

func (f *fakeReloadable) Prepare(ctx context.Context, rm fs.FS) error {
	f.prepares.Add(1)
	if f.prepareStart != nil {
		f.startOnce.Do(func() { close(f.prepareStart) })
	}
	if f.prepareGate != nil {
		<-f.prepareGate
	}
	if f.prepareDelay > 0 {
		time.Sleep(f.prepareDelay)
	}
	f.log.add("prepare:" + f.name)
	return f.prepareErr
}

func (f *fakeReloadable) Reload(ctx context.Context, rm fs.FS) error {
	f.reloads.Add(1)
	if f.reloadCtxErrs != nil {
		f.reloadCtxErrs <- ctx.Err()
	}
	f.log.add("reload:" + f.name)
	if f.reloadPanic != nil {
		panic(f.reloadPanic)
	}
	return f.reloadErr
}

func (f *fakeReloadable) ReloadHints() ReloadHints { return f.hints }

func (f *fakeReloadable) DiscardPrepared() {
	f.discarded.Add(1)
	f.log.add("discard:" + f.name)
}

// plainReloadable has no hints and no discard support.
type plainReloadable struct {
	prepares atomic.Int32
	reloads  atomic.Int32
}

func (p *plainReloadable) Prepare(context.Context, fs.FS) error {
	p.prepares.Add(1)
	return nil
}

func (p *plainReloadable) Reload(context.Context, fs.FS) error {
	p.reloads.Add(1)
	return nil
}

// resource is both Disposable and Reloadable, like a GPU object.
type resource struct {
	plainReloadable
	disposed atomic.Int32
}

func (r *resource) Dispose() error {
	r.disposed.Add(1)
	return nil
}

// errorCollector is an ErrorHandler that keeps every error it receives.
type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) handle(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *errorCollector) list() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

// newTestRuntime creates a Runtime that is shut down when the test ends.
func newTestRuntime(t interface{ Cleanup(func()) }, opts ...Option) *Runtime {
	rt := New(opts...)
	t.Cleanup(func() { _ = rt.Shutdown() })
	return rt
}
