package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gogpu/lifecycle/internal/parallel"
)

// Disposer releases every registered Disposable in priority order.
//
// Thread safety: Disposer is safe for concurrent use. DisposeAll runs Main
// actions on the calling goroutine, which must be the main goroutine.
type Disposer struct {
	reg     *registry[Disposable, DisposeHints]
	pool    *parallel.WorkerPool
	onError ErrorHandler

	sweeps   atomic.Uint64
	disposed atomic.Uint64
	failures atomic.Uint64
}

func newDisposer(pool *parallel.WorkerPool, onError ErrorHandler) *Disposer {
	return &Disposer{
		reg:     newRegistry[Disposable, DisposeHints](),
		pool:    pool,
		onError: onError,
	}
}

// Register adds d to the next sweep. Its hints are resolved now.
// It reports false if d is already registered or is not comparable.
func (d *Disposer) Register(obj Disposable) bool {
	return d.reg.add(obj, ResolveDisposeHints(obj))
}

// Unregister removes obj. It reports false if obj was not registered.
func (d *Disposer) Unregister(obj Disposable) bool {
	return d.reg.remove(obj)
}

// Registered reports whether obj is waiting for a sweep.
func (d *Disposer) Registered(obj Disposable) bool {
	return d.reg.contains(obj)
}

// Len returns the number of registered disposables.
func (d *Disposer) Len() int {
	return d.reg.len()
}

// Objects returns the registered disposables in the order a sweep would
// dispatch them.
func (d *Disposer) Objects() []Disposable {
	entries := d.reg.snapshot()
	sortByPriority(entries, disposePriority)
	out := make([]Disposable, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out
}

func disposePriority(h DisposeHints) int { return h.Priority }

// DisposeAll empties the registry and disposes everything it held.
//
// Objects are dispatched by descending priority, ties in registration
// order. Main objects are disposed on the caller before DisposeAll returns.
// Background objects are submitted to the pool in the same order and may
// still be running when DisposeAll returns; use Sweep.Wait to wait for them.
// If the pool no longer accepts work the object is disposed on the caller.
//
// Every object leaves the registry before its Dispose runs, whether or not
// it succeeds, so no object is disposed twice. Failures go to the error
// handler and never stop the sweep.
func (d *Disposer) DisposeAll() *Sweep {
	entries := d.reg.drain()
	sortByPriority(entries, disposePriority)

	d.sweeps.Add(1)
	sweep := &Sweep{size: len(entries)}
	if len(entries) == 0 {
		return sweep
	}

	Logger().Info("lifecycle: dispose sweep", "objects", len(entries))

	for _, e := range entries {
		obj := e.value
		if e.hints.Dispatcher == Background {
			h := d.pool.Submit(func() error { return d.dispose(obj) })
			// A rejected submission settles with the bare sentinel; a task
			// failure is always an *ActionError.
			if h.Err() != parallel.ErrPoolClosed { //nolint:errorlint // identity check on rejection
				sweep.handles = append(sweep.handles, h)
				Logger().Debug("lifecycle: dispose submitted", "object", typeName(obj), "priority", e.hints.Priority)
				continue
			}
			Logger().Debug("lifecycle: pool closed, disposing inline", "object", typeName(obj))
		}
		if err := d.dispose(obj); err != nil {
			sweep.inline = append(sweep.inline, err)
		}
	}
	return sweep
}

// dispose runs one Dispose and reports its failure.
func (d *Disposer) dispose(obj Disposable) error {
	err := runAction(PhaseDispose, obj, obj.Dispose)
	d.disposed.Add(1)
	if err != nil {
		d.failures.Add(1)
		d.onError(err)
	}
	return err
}

// Sweep is the result of one DisposeAll.
type Sweep struct {
	size    int
	inline  []error
	handles []*parallel.Handle

	once    sync.Once
	bgErr   error
	settled chan struct{}
}

// Len returns the number of objects the sweep dispatched.
func (s *Sweep) Len() int { return s.size }

// Err returns the joined failures of the actions that ran on the caller.
func (s *Sweep) Err() error { return errors.Join(s.inline...) }

// Wait blocks until every background action of the sweep has finished and
// returns their joined failures. It returns ctx.Err() if ctx is done first;
// the actions keep running.
func (s *Sweep) Wait(ctx context.Context) error {
	s.once.Do(func() {
		s.settled = make(chan struct{})
		go func() {
			var errs []error
			for _, h := range s.handles {
				<-h.Done()
				if err := h.Err(); err != nil {
					errs = append(errs, err)
				}
			}
			s.bgErr = errors.Join(errs...)
			close(s.settled)
		}()
	})
	select {
	case <-s.settled:
		return s.bgErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
