package lifecycle

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/lifecycle/internal/parallel"
)

// State is the phase of the reload coordinator.
type State int32

// Reload coordinator states. A cycle moves through them in order and
// returns to StateIdle when it completes, fails or is cancelled.
const (
	StateIdle State = iota
	StatePreparing
	StateBarrierWait
	StateReloading
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateBarrierWait:
		return "barrier_wait"
	case StateReloading:
		return "reloading"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Reloader drives the two-phase reload protocol: every registered
// Reloadable prepares, the host barrier is passed, then every Reloadable
// reloads.
//
// Thread safety: Reloader is safe for concurrent use.
type Reloader struct {
	reg     *registry[Reloadable, ReloadHints]
	pool    *parallel.WorkerPool
	main    Executor
	onError ErrorHandler
	policy  ReloadPolicy

	mu      sync.Mutex
	state   State
	pending int // cycles triggered and not finished, running one included
	tail    *Cycle
	active  map[*Cycle]struct{}
	nextID  uint64
	closed  bool

	cycles          atomic.Uint64
	rejected        atomic.Uint64
	canceled        atomic.Uint64
	prepareFailures atomic.Uint64
	reloadFailures  atomic.Uint64
}

func newReloader(pool *parallel.WorkerPool, main Executor, onError ErrorHandler, policy ReloadPolicy) *Reloader {
	return &Reloader{
		reg:     newRegistry[Reloadable, ReloadHints](),
		pool:    pool,
		main:    main,
		onError: onError,
		policy:  policy,
		active:  make(map[*Cycle]struct{}),
	}
}

// Register adds r to future cycles. Its hints are resolved now.
// It reports false if r is already registered or is not comparable.
func (rl *Reloader) Register(r Reloadable) bool {
	return rl.reg.add(r, ResolveReloadHints(r))
}

// Unregister removes r. A cycle that already took its snapshot still
// calls r.
func (rl *Reloader) Unregister(r Reloadable) bool {
	return rl.reg.remove(r)
}

// Registered reports whether r takes part in future cycles.
func (rl *Reloader) Registered(r Reloadable) bool {
	return rl.reg.contains(r)
}

// Len returns the number of registered reloadables.
func (rl *Reloader) Len() int {
	return rl.reg.len()
}

// Objects returns the registered reloadables in prepare order.
func (rl *Reloader) Objects() []Reloadable {
	entries := rl.reg.snapshot()
	sortByPriority(entries, preparePriority)
	return values(entries)
}

// ReloadOrder returns the registered reloadables in reload order.
func (rl *Reloader) ReloadOrder() []Reloadable {
	entries := rl.reg.snapshot()
	sortByPriority(entries, reloadPriority)
	return values(entries)
}

func values(entries []entry[Reloadable, ReloadHints]) []Reloadable {
	out := make([]Reloadable, len(entries))
	for i, e := range entries {
		out[i] = e.value
	}
	return out
}

func preparePriority(h ReloadHints) int { return h.PreparePriority }
func reloadPriority(h ReloadHints) int  { return h.ReloadPriority }

// State returns the current coordinator state.
func (rl *Reloader) State() State {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.state
}

// Policy returns the in-flight trigger policy.
func (rl *Reloader) Policy() ReloadPolicy { return rl.policy }

// Trigger starts a reload cycle against the resource manager rm and returns
// its handle. The cycle runs on its own goroutine; Main actions go through
// the main Executor, Background actions through the pool.
//
// While another cycle is in flight, PolicyReject returns ErrReloadInFlight
// and PolicyQueue starts the new cycle once the previous ones are done.
// Cancelling ctx has the same effect as Cycle.Cancel. A nil barrier is
// treated as NoBarrier.
//
// With a MainQueue the host must keep draining it until Cycle.Done is
// closed; Runtime.Shutdown does so for cycles still running at shutdown.
func (rl *Reloader) Trigger(ctx context.Context, rm fs.FS, barrier Barrier) (*Cycle, error) {
	if barrier == nil {
		barrier = NoBarrier
	}

	rl.mu.Lock()
	if rl.closed {
		rl.mu.Unlock()
		return nil, ErrClosed
	}
	var prev *Cycle
	if rl.pending > 0 {
		if rl.policy != PolicyQueue {
			state := rl.state
			rl.mu.Unlock()
			rl.rejected.Add(1)
			Logger().Warn("lifecycle: reload trigger rejected", "state", state.String())
			return nil, ErrReloadInFlight
		}
		prev = rl.tail
	}
	rl.nextID++
	c := newCycle(ctx, rl.nextID, prev != nil)
	rl.pending++
	rl.tail = c
	rl.active[c] = struct{}{}
	if prev == nil {
		rl.state = StatePreparing
	}
	rl.mu.Unlock()

	rl.cycles.Add(1)
	go rl.run(c, prev, rm, barrier)
	return c, nil
}

// activeCycles returns the cycles triggered and not yet finished, in
// trigger order.
func (rl *Reloader) activeCycles() []*Cycle {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]*Cycle, 0, len(rl.active))
	for c := range rl.active {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Cycle) int { return cmp.Compare(a.id, b.id) })
	return out
}

func (rl *Reloader) isClosed() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.closed
}

// close rejects further triggers and cancels every cycle that has not
// passed its barrier yet.
func (rl *Reloader) close() {
	rl.mu.Lock()
	rl.closed = true
	active := make([]*Cycle, 0, len(rl.active))
	for c := range rl.active {
		active = append(active, c)
	}
	rl.mu.Unlock()

	for _, c := range active {
		c.Cancel()
	}
}

func (rl *Reloader) setState(c *Cycle, s State) {
	rl.mu.Lock()
	rl.state = s
	rl.mu.Unlock()
	Logger().Debug("lifecycle: reload state", "cycle", c.id, "state", s.String())
}

func (rl *Reloader) run(c *Cycle, prev *Cycle, rm fs.FS, barrier Barrier) {
	var err error
	defer func() {
		c.cancel()
		rl.mu.Lock()
		rl.pending--
		if rl.tail == c {
			rl.tail = nil
		}
		delete(rl.active, c)
		rl.state = StateIdle
		rl.mu.Unlock()
		c.finish(err)
	}()

	if prev != nil {
		select {
		case <-prev.Done():
		case <-c.ctx.Done():
			// Still wait our turn so that state transitions stay ordered.
			<-prev.Done()
			rl.canceled.Add(1)
			err = ErrCycleCanceled
			Logger().Info("lifecycle: queued reload cycle canceled", "cycle", c.id)
			return
		}
		rl.setState(c, StatePreparing)
	}

	Logger().Info("lifecycle: reload cycle started", "cycle", c.id, "queued", c.queued)

	prepared := rl.prepare(c, rm)

	if c.ctx.Err() == nil {
		rl.setState(c, StateBarrierWait)
		err = barrier.Wait(c.ctx)
	} else {
		err = c.ctx.Err()
	}
	if err != nil {
		if c.ctx.Err() != nil {
			rl.canceled.Add(1)
			err = ErrCycleCanceled
		} else {
			err = fmt.Errorf("lifecycle: reload barrier: %w", err)
		}
		rl.discard(prepared)
		Logger().Info("lifecycle: reload cycle aborted before reload", "cycle", c.id, "err", err)
		return
	}

	rl.setState(c, StateReloading)
	rl.reload(c, rm)

	Logger().Info("lifecycle: reload cycle finished", "cycle", c.id, "failures", len(c.Failures()))
}

// preparedObject is an object whose Prepare ran in the current cycle.
type preparedObject struct {
	obj        Reloadable
	dispatcher Dispatcher
}

// prepare dispatches every Prepare in priority order and waits until all
// of them have settled. Prepares not started by the time the cycle is
// cancelled are skipped.
func (rl *Reloader) prepare(c *Cycle, rm fs.FS) []preparedObject {
	entries := rl.reg.snapshot()
	sortByPriority(entries, preparePriority)

	var (
		mu       sync.Mutex
		prepared []preparedObject
	)
	actions := make([]action, len(entries))
	for i, e := range entries {
		obj, disp := e.value, e.hints.PrepareDispatcher
		actions[i] = action{
			obj:        obj,
			dispatcher: disp,
			run: func() error {
				if c.ctx.Err() != nil {
					return nil
				}
				mu.Lock()
				prepared = append(prepared, preparedObject{obj: obj, dispatcher: disp})
				mu.Unlock()
				return runAction(PhasePrepare, obj, func() error { return obj.Prepare(c.ctx, rm) })
			},
		}
	}

	rl.dispatch(actions, func(err error) {
		rl.prepareFailures.Add(1)
		c.addFailure(err)
		rl.onError(err)
	})

	mu.Lock()
	defer mu.Unlock()
	return prepared
}

// reload dispatches every Reload in priority order and waits until all of
// them have settled. Reload actions cannot be cancelled.
func (rl *Reloader) reload(c *Cycle, rm fs.FS) {
	entries := rl.reg.snapshot()
	sortByPriority(entries, reloadPriority)

	ctx := context.WithoutCancel(c.ctx)
	actions := make([]action, len(entries))
	for i, e := range entries {
		obj := e.value
		actions[i] = action{
			obj:        obj,
			dispatcher: e.hints.ReloadDispatcher,
			run: func() error {
				return runAction(PhaseReload, obj, func() error { return obj.Reload(ctx, rm) })
			},
		}
	}

	rl.dispatch(actions, func(err error) {
		rl.reloadFailures.Add(1)
		c.addFailure(err)
		rl.onError(err)
	})
}

// discard hands staged prepare results back to their owners. Once the
// reloader is closed the host may have stopped serving the main executor,
// so every discard runs on the cycle goroutine.
func (rl *Reloader) discard(prepared []preparedObject) {
	closed := rl.isClosed()
	actions := make([]action, 0, len(prepared))
	for _, p := range prepared {
		d, ok := p.obj.(PrepareDiscarder)
		if !ok {
			continue
		}
		disp := p.dispatcher
		if disp == Background || closed {
			// Discarding is cheap bookkeeping; keep it on the cycle goroutine.
			disp = inline
		}
		actions = append(actions, action{
			obj:        p.obj,
			dispatcher: disp,
			run: func() error {
				return runAction(PhasePrepare, d, func() error {
					d.DiscardPrepared()
					return nil
				})
			},
		})
	}
	rl.dispatch(actions, rl.onError)
}

// inline is an internal dispatcher that runs on the cycle goroutine.
const inline Dispatcher = 255

// action is one lifecycle call routed to a dispatcher.
type action struct {
	obj        any
	dispatcher Dispatcher
	run        func() error
}

// dispatch routes actions in order and waits for all of them. Main actions
// keep their relative order on the main executor; Background actions are
// submitted to the pool in order.
func (rl *Reloader) dispatch(actions []action, report func(error)) {
	var wg sync.WaitGroup
	var handles []*parallel.Handle

	for _, a := range actions {
		switch a.dispatcher {
		case Background:
			h := rl.pool.Submit(a.run)
			if h.Err() != parallel.ErrPoolClosed { //nolint:errorlint // identity check on rejection
				handles = append(handles, h)
				continue
			}
			if err := a.run(); err != nil {
				report(err)
			}
		case inline:
			if err := a.run(); err != nil {
				report(err)
			}
		default:
			wg.Add(1)
			rl.main.Execute(func() {
				defer wg.Done()
				if err := a.run(); err != nil {
					report(err)
				}
			})
		}
	}

	wg.Wait()
	for _, h := range handles {
		<-h.Done()
		if err := h.Err(); err != nil {
			report(err)
		}
	}
}

// Cycle is the handle of one reload cycle.
type Cycle struct {
	id     uint64
	queued bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu       sync.Mutex
	failures []error
}

func newCycle(parent context.Context, id uint64, queued bool) *Cycle {
	ctx, cancel := context.WithCancel(parent)
	return &Cycle{
		id:     id,
		queued: queued,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the cycle number, starting at 1 for each Reloader.
func (c *Cycle) ID() uint64 { return c.id }

// Queued reports whether the cycle was queued behind another one.
func (c *Cycle) Queued() bool { return c.queued }

// Done returns a channel closed when the cycle has returned to idle.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Err returns nil while the cycle runs and after a completed reload phase.
// It returns ErrCycleCanceled if the cycle was cancelled before its barrier
// released it, or the barrier's error wrapped.
// Individual action failures do not fail the cycle; see Failures.
func (c *Cycle) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the cycle completes or ctx is done.
func (c *Cycle) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. It has no effect once the barrier has
// released the cycle.
func (c *Cycle) Cancel() { c.cancel() }

// Failures returns the prepare and reload failures reported so far.
func (c *Cycle) Failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.failures))
	copy(out, c.failures)
	return out
}

func (c *Cycle) addFailure(err error) {
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

func (c *Cycle) finish(err error) {
	c.err = err
	close(c.done)
}
