package lifecycle

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/lifecycle/internal/parallel"
)

// Runtime is the process-scoped lifecycle state: the background worker
// pool and the two coordinators that share it.
//
// Create one Runtime at startup, hand it to every object that registers
// itself, and call Shutdown once at teardown.
type Runtime struct {
	pool            *parallel.WorkerPool
	disposer        *Disposer
	reloader        *Reloader
	main            Executor
	shutdownTimeout time.Duration

	mu           sync.Mutex
	closed       bool
	shutdownOnce sync.Once
	shutdownErr  error
	poolStats    parallel.ShutdownStats

	cyclesTimedOut atomic.Bool
}

// New creates a Runtime and starts its worker pool.
func New(opts ...Option) *Runtime {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	pool := parallel.NewWorkerPool(o.workers)
	rt := &Runtime{
		pool:            pool,
		disposer:        newDisposer(pool, o.errorHandler),
		reloader:        newReloader(pool, o.main, o.errorHandler, o.policy),
		main:            o.main,
		shutdownTimeout: o.shutdownTimeout,
	}

	Logger().Debug("lifecycle: runtime started",
		"workers", pool.Workers(),
		"policy", o.policy.String(),
		"shutdown_timeout", o.shutdownTimeout)
	return rt
}

// Disposer returns the disposition coordinator.
func (rt *Runtime) Disposer() *Disposer { return rt.disposer }

// Reloader returns the reload coordinator.
func (rt *Runtime) Reloader() *Reloader { return rt.reloader }

// Main returns the executor used for Main reload actions.
func (rt *Runtime) Main() Executor { return rt.main }

func (rt *Runtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

// RegisterDisposable adds d to the shutdown sweep.
// It reports false after Shutdown or if d is already registered.
func (rt *Runtime) RegisterDisposable(d Disposable) bool {
	if rt.isClosed() {
		return false
	}
	return rt.disposer.Register(d)
}

// UnregisterDisposable removes d from the shutdown sweep.
func (rt *Runtime) UnregisterDisposable(d Disposable) bool {
	return rt.disposer.Unregister(d)
}

// RegisterReloadable adds r to future reload cycles.
// It reports false after Shutdown or if r is already registered.
func (rt *Runtime) RegisterReloadable(r Reloadable) bool {
	if rt.isClosed() {
		return false
	}
	return rt.reloader.Register(r)
}

// UnregisterReloadable removes r from future reload cycles.
func (rt *Runtime) UnregisterReloadable(r Reloadable) bool {
	return rt.reloader.Unregister(r)
}

// Track registers obj with every coordinator whose interface it implements
// and reports whether it was added to at least one. GPU object constructors
// call Track once.
func (rt *Runtime) Track(obj any) bool {
	added := false
	if d, ok := obj.(Disposable); ok && rt.RegisterDisposable(d) {
		added = true
	}
	if r, ok := obj.(Reloadable); ok && rt.RegisterReloadable(r) {
		added = true
	}
	return added
}

// Untrack removes obj from every coordinator and reports whether it was
// registered with at least one. Objects that release themselves outside a
// sweep call Untrack first.
func (rt *Runtime) Untrack(obj any) bool {
	removed := false
	if d, ok := obj.(Disposable); ok && rt.disposer.Unregister(d) {
		removed = true
	}
	if r, ok := obj.(Reloadable); ok && rt.reloader.Unregister(r) {
		removed = true
	}
	return removed
}

// Reload is the host's reload trigger. See Reloader.Trigger.
func (rt *Runtime) Reload(ctx context.Context, rm fs.FS, barrier Barrier) (*Cycle, error) {
	if rt.isClosed() {
		return nil, ErrClosed
	}
	return rt.reloader.Trigger(ctx, rm, barrier)
}

// Shutdown is the host's shutdown event. It must be called from the main
// goroutine.
//
// Reload cycles that have not passed their barrier are cancelled, and every
// cycle in flight is awaited for up to the shutdown timeout, draining the
// MainQueue meanwhile if one is configured. Every registered disposable is
// then disposed, and the pool is shut down with the configured timeout. Background work still queued at the deadline runs on
// the calling goroutine, so every pending disposal has run when Shutdown
// returns.
//
// The returned error joins the failures of the sweep. Shutdown is
// idempotent; later calls return the first result.
func (rt *Runtime) Shutdown() error {
	rt.shutdownOnce.Do(func() {
		rt.mu.Lock()
		rt.closed = true
		rt.mu.Unlock()

		rt.reloader.close()
		rt.awaitCycles()

		sweep := rt.disposer.DisposeAll()
		poolStats := rt.pool.Shutdown(rt.shutdownTimeout)
		rt.mu.Lock()
		rt.poolStats = poolStats
		rt.mu.Unlock()

		// The pool has stopped, so every background action has settled.
		bgErr := sweep.Wait(context.Background())
		rt.shutdownErr = errors.Join(sweep.Err(), bgErr)

		Logger().Info("lifecycle: runtime shut down",
			"disposed", sweep.Len(),
			"pool_timed_out", poolStats.TimedOut,
			"ran_inline", poolStats.RanInline)
	})
	return rt.shutdownErr
}

// awaitCycles waits for the cycles in flight at shutdown so that no Reload
// overlaps the sweep. Main actions of those cycles may sit in a MainQueue
// the host no longer drains, so it is pumped here.
func (rt *Runtime) awaitCycles() {
	cycles := rt.reloader.activeCycles()
	if len(cycles) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout)
	defer cancel()

	mq, _ := rt.main.(*MainQueue)
	for _, c := range cycles {
		var err error
		if mq != nil {
			err = mq.Pump(ctx, c.Done())
		} else {
			select {
			case <-c.Done():
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			rt.cyclesTimedOut.Store(true)
			Logger().Warn("lifecycle: shutdown deadline exceeded waiting for reload cycle",
				"cycle", c.ID(), "state", rt.reloader.State().String())
			return
		}
	}
}

// Stats is a point-in-time view of a Runtime.
type Stats struct {
	Disposables int
	Reloadables int
	State       State
	Workers     int
	QueuedWork  int
	PoolRunning bool

	Sweeps          uint64
	Disposed        uint64
	DisposeFailures uint64

	Cycles          uint64
	Rejected        uint64
	Canceled        uint64
	PrepareFailures uint64
	ReloadFailures  uint64

	Closed            bool
	ShutdownTimedOut  bool
	ShutdownRanInline int

	// CyclesTimedOut is set when Shutdown gave up waiting for a reload
	// cycle. That cycle may still be running.
	CyclesTimedOut bool
}

// Stats returns the current counters.
func (rt *Runtime) Stats() Stats {
	rt.mu.Lock()
	closed := rt.closed
	poolStats := rt.poolStats
	rt.mu.Unlock()

	s := Stats{
		Disposables: rt.disposer.Len(),
		Reloadables: rt.reloader.Len(),
		State:       rt.reloader.State(),
		Workers:     rt.pool.Workers(),
		QueuedWork:  rt.pool.QueuedWork(),
		PoolRunning: rt.pool.IsRunning(),

		Sweeps:          rt.disposer.sweeps.Load(),
		Disposed:        rt.disposer.disposed.Load(),
		DisposeFailures: rt.disposer.failures.Load(),

		Cycles:          rt.reloader.cycles.Load(),
		Rejected:        rt.reloader.rejected.Load(),
		Canceled:        rt.reloader.canceled.Load(),
		PrepareFailures: rt.reloader.prepareFailures.Load(),
		ReloadFailures:  rt.reloader.reloadFailures.Load(),

		Closed:            closed,
		ShutdownTimedOut:  poolStats.TimedOut,
		ShutdownRanInline: poolStats.RanInline,
		CyclesTimedOut:    rt.cyclesTimedOut.Load(),
	}
	return s
}
