package lifecycle

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFS = fstest.MapFS{
	"shaders/blit.wgsl": &fstest.MapFile{Data: []byte("// blit")},
}

func waitCycle(t *testing.T, c *Cycle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "cycle %d did not finish", c.ID())
	return err
}

func filterPrefix(events []string, prefix string) []string {
	var out []string
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, strings.TrimPrefix(e, prefix))
		}
	}
	return out
}

func TestReloader_IndependentPrepareAndReloadOrder(t *testing.T) {
	rt := newTestRuntime(t)
	log := &orderLog{}

	a := &fakeReloadable{name: "A", log: log, hints: ReloadHints{PreparePriority: 5, ReloadPriority: 1}}
	b := &fakeReloadable{name: "B", log: log, hints: ReloadHints{PreparePriority: 1, ReloadPriority: 5}}
	require.True(t, rt.RegisterReloadable(a))
	require.True(t, rt.RegisterReloadable(b))

	assert.Equal(t, []Reloadable{a, b}, rt.Reloader().Objects())
	assert.Equal(t, []Reloadable{b, a}, rt.Reloader().ReloadOrder())

	c, err := rt.Reload(context.Background(), testFS, NoBarrier)
	require.NoError(t, err)
	require.NoError(t, waitCycle(t, c))

	events := log.list()
	if diff := cmp.Diff([]string{"A", "B"}, filterPrefix(events, "prepare:")); diff != "" {
		t.Errorf("prepare order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"B", "A"}, filterPrefix(events, "reload:")); diff != "" {
		t.Errorf("reload order mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, c.Failures())
	assert.Equal(t, StateIdle, rt.Reloader().State())
}

func TestReloader_BarrierOrderingWithDelayedBackgroundPrepare(t *testing.T) {
	for _, delay := range []time.Duration{0, 30 * time.Millisecond} {
		t.Run(delay.String(), func(t *testing.T) {
			rt := newTestRuntime(t)
			log := &orderLog{}

			mainObj := &fakeReloadable{name: "main", log: log}
			bgObj := &fakeReloadable{
				name:         "bg",
				log:          log,
				prepareDelay: delay,
				hints:        ReloadHints{PrepareDispatcher: Background, ReloadDispatcher: Background},
			}
			rt.RegisterReloadable(mainObj)
			rt.RegisterReloadable(bgObj)

			barrier := BarrierFunc(func(context.Context) error {
				log.add("barrier")
				return nil
			})

			c, err := rt.Reload(context.Background(), testFS, barrier)
			require.NoError(t, err)
			require.NoError(t, waitCycle(t, c))

			events := log.list()
			require.Len(t, events, 5)
			barrierAt := slices.Index(events, "barrier")
			for _, name := range []string{"prepare:main", "prepare:bg"} {
				i := slices.Index(events, name)
				require.GreaterOrEqual(t, i, 0, name)
				assert.Less(t, i, barrierAt, "%s must complete before the barrier: %v", name, events)
			}
			for _, name := range []string{"reload:main", "reload:bg"} {
				assert.Greater(t, slices.Index(events, name), barrierAt, "%s must start after the barrier: %v", name, events)
			}
		})
	}
}

// blockingBarrier blocks its first Wait until released.
type blockingBarrier struct {
	log     *orderLog
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newBlockingBarrier(log *orderLog) *blockingBarrier {
	return &blockingBarrier{log: log, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingBarrier) Wait(ctx context.Context) error {
	b.log.add("barrier")
	if b.calls.Add(1) != 1 {
		return nil
	}
	close(b.entered)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestReloader_RejectsTriggerDuringBarrierWait(t *testing.T) {
	rt := newTestRuntime(t)
	log := &orderLog{}
	obj := &fakeReloadable{name: "a", log: log}
	rt.RegisterReloadable(obj)

	barrier := newBlockingBarrier(log)
	first, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)
	<-barrier.entered
	assert.Equal(t, StateBarrierWait, rt.Reloader().State())

	second, err := rt.Reload(context.Background(), testFS, NoBarrier)
	assert.ErrorIs(t, err, ErrReloadInFlight)
	assert.Nil(t, second)

	close(barrier.release)
	require.NoError(t, waitCycle(t, first))

	assert.Equal(t, int32(1), obj.prepares.Load())
	assert.Equal(t, int32(1), obj.reloads.Load())
	assert.Equal(t, uint64(1), rt.Stats().Rejected)

	// Once idle, a new trigger is accepted.
	third, err := rt.Reload(context.Background(), testFS, NoBarrier)
	require.NoError(t, err)
	require.NoError(t, waitCycle(t, third))
	assert.Equal(t, uint64(2), third.ID())
}

func TestReloader_QueuesTriggerDuringBarrierWait(t *testing.T) {
	rt := newTestRuntime(t, WithReloadPolicy(PolicyQueue))
	log := &orderLog{}
	a := &fakeReloadable{name: "a", log: log, hints: ReloadHints{ReloadDispatcher: Background}}
	b := &fakeReloadable{name: "b", log: log, hints: ReloadHints{PrepareDispatcher: Background}}
	rt.RegisterReloadable(a)
	rt.RegisterReloadable(b)

	barrier := newBlockingBarrier(log)
	first, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)
	<-barrier.entered

	second, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)
	assert.True(t, second.Queued())
	assert.False(t, first.Queued())

	// The queued cycle must not start while the first waits at the barrier.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), a.prepares.Load())
	assert.Equal(t, int32(1), b.prepares.Load())

	close(barrier.release)
	require.NoError(t, waitCycle(t, first))
	require.NoError(t, waitCycle(t, second))

	// The first cycle's reload phase ends before the second cycle prepares.
	events := log.list()
	firstBarrier := slices.Index(events, "barrier")
	secondBarrier := firstBarrier + 1 + slices.Index(events[firstBarrier+1:], "barrier")
	require.Greater(t, secondBarrier, firstBarrier)

	firstReloads := filterPrefix(events[firstBarrier:secondBarrier], "reload:")
	assert.ElementsMatch(t, []string{"a", "b"}, firstReloads)
	assert.ElementsMatch(t, []string{"a", "b"}, filterPrefix(events[secondBarrier:], "reload:"))

	lastFirstReload := 0
	for i, e := range events {
		if strings.HasPrefix(e, "reload:") && i < secondBarrier {
			lastFirstReload = i
		}
	}
	for i, e := range events {
		if strings.HasPrefix(e, "prepare:") && i > firstBarrier {
			assert.Greater(t, i, lastFirstReload, "second cycle prepared during the first reload phase: %v", events)
		}
	}
	assert.Equal(t, int32(2), a.reloads.Load())
	assert.Equal(t, int32(2), b.reloads.Load())
}

func TestReloader_QueuedCycleCanceledBeforeStart(t *testing.T) {
	rt := newTestRuntime(t, WithReloadPolicy(PolicyQueue))
	obj := &fakeReloadable{name: "a"}
	rt.RegisterReloadable(obj)

	barrier := newBlockingBarrier(&orderLog{})
	first, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)
	<-barrier.entered

	second, err := rt.Reload(context.Background(), testFS, NoBarrier)
	require.NoError(t, err)
	second.Cancel()

	close(barrier.release)
	require.NoError(t, waitCycle(t, first))
	assert.ErrorIs(t, waitCycle(t, second), ErrCycleCanceled)
	assert.Equal(t, int32(1), obj.prepares.Load())
	assert.Equal(t, int32(0), obj.discarded.Load())
}

func TestReloader_CancelBeforeBarrier(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(2))
	log := &orderLog{}

	bg := &fakeReloadable{
		name:         "bg",
		log:          log,
		hints:        ReloadHints{PrepareDispatcher: Background, PreparePriority: 1},
		prepareGate:  make(chan struct{}),
		prepareStart: make(chan struct{}),
	}
	mainObj := &fakeReloadable{name: "main", log: log}
	plain := &plainReloadable{}
	rt.RegisterReloadable(bg)
	rt.RegisterReloadable(mainObj)
	rt.RegisterReloadable(plain)

	var barrierCalls atomic.Int32
	barrier := BarrierFunc(func(context.Context) error {
		barrierCalls.Add(1)
		return nil
	})

	c, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)
	<-bg.prepareStart

	c.Cancel()
	close(bg.prepareGate)

	assert.ErrorIs(t, waitCycle(t, c), ErrCycleCanceled)
	assert.Equal(t, int32(0), barrierCalls.Load(), "barrier must not be entered")
	assert.Equal(t, int32(1), bg.prepares.Load(), "in-flight prepare finishes")
	assert.Contains(t, log.list(), "prepare:bg")
	assert.Equal(t, int32(1), bg.discarded.Load())
	assert.Equal(t, int32(0), bg.reloads.Load())
	assert.Equal(t, int32(0), mainObj.reloads.Load())
	assert.Equal(t, int32(0), plain.reloads.Load())
	assert.Equal(t, StateIdle, rt.Reloader().State())
	assert.Equal(t, uint64(1), rt.Stats().Canceled)
}

func TestReloader_CancelStopsDispatchOfQueuedPrepares(t *testing.T) {
	mq := NewMainQueue()
	rt := newTestRuntime(t, WithMainExecutor(mq))
	a := &fakeReloadable{name: "a"}
	b := &fakeReloadable{name: "b"}
	rt.RegisterReloadable(a)
	rt.RegisterReloadable(b)

	c, err := rt.Reload(context.Background(), testFS, NoBarrier)
	require.NoError(t, err)
	c.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mq.Pump(ctx, c.Done()))

	assert.ErrorIs(t, c.Err(), ErrCycleCanceled)
	assert.Equal(t, int32(0), a.prepares.Load())
	assert.Equal(t, int32(0), b.prepares.Load())
	assert.Equal(t, int32(0), a.discarded.Load(), "nothing was prepared, nothing to discard")
}

func TestReloader_TriggerContextCancelsBarrierWait(t *testing.T) {
	rt := newTestRuntime(t)
	obj := &fakeReloadable{name: "a"}
	rt.RegisterReloadable(obj)

	// The second party never arrives.
	barrier := NewPhaseBarrier(2)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := rt.Reload(ctx, testFS, barrier)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return barrier.Arrived() == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, StateBarrierWait, rt.Reloader().State())

	cancel()
	assert.ErrorIs(t, waitCycle(t, c), ErrCycleCanceled)
	assert.Equal(t, 0, barrier.Arrived(), "cancelled waiter withdraws")
	assert.Equal(t, int32(1), obj.discarded.Load())
	assert.Equal(t, int32(0), obj.reloads.Load())
}

func TestReloader_BarrierErrorAbortsCycle(t *testing.T) {
	rt := newTestRuntime(t)
	obj := &fakeReloadable{name: "a"}
	rt.RegisterReloadable(obj)

	hostErr := errors.New("host aborted reload")
	c, err := rt.Reload(context.Background(), testFS, BarrierFunc(func(context.Context) error {
		return hostErr
	}))
	require.NoError(t, err)

	err = waitCycle(t, c)
	assert.ErrorIs(t, err, hostErr)
	assert.NotErrorIs(t, err, ErrCycleCanceled)
	assert.Equal(t, int32(0), obj.reloads.Load())
	assert.Equal(t, int32(1), obj.discarded.Load())
}

func TestReloader_ReloadIgnoresCancellationAfterBarrier(t *testing.T) {
	rt := newTestRuntime(t)
	obj := &fakeReloadable{name: "a", reloadCtxErrs: make(chan error, 1)}
	rt.RegisterReloadable(obj)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := rt.Reload(ctx, testFS, BarrierFunc(func(context.Context) error {
		cancel()
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, waitCycle(t, c))
	assert.NoError(t, <-obj.reloadCtxErrs)
	assert.Equal(t, int32(1), obj.reloads.Load())
	assert.Equal(t, int32(0), obj.discarded.Load())
}

func TestReloader_ActionFailuresAreCollected(t *testing.T) {
	errs := &errorCollector{}
	rt := newTestRuntime(t, WithErrorHandler(errs.handle))

	prepErr := errors.New("decode failed")
	bad := &fakeReloadable{name: "bad", prepareErr: prepErr, hints: ReloadHints{PrepareDispatcher: Background}}
	crash := &fakeReloadable{name: "crash", reloadPanic: "lost device"}
	good := &fakeReloadable{name: "good"}
	rt.RegisterReloadable(bad)
	rt.RegisterReloadable(crash)
	rt.RegisterReloadable(good)

	c, err := rt.Reload(context.Background(), testFS, NoBarrier)
	require.NoError(t, err)
	require.NoError(t, waitCycle(t, c), "action failures do not fail the cycle")

	failures := c.Failures()
	require.Len(t, failures, 2)

	phases := map[Phase]error{}
	for _, f := range failures {
		var ae *ActionError
		require.ErrorAs(t, f, &ae)
		phases[ae.Phase] = ae
	}
	assert.ErrorIs(t, phases[PhasePrepare], prepErr)
	assert.ErrorIs(t, phases[PhaseReload], ErrPanic)

	assert.Equal(t, int32(1), good.reloads.Load())
	assert.Equal(t, int32(1), bad.reloads.Load(), "a failed prepare does not skip reload")
	assert.Len(t, errs.list(), 2)

	stats := rt.Stats()
	assert.Equal(t, uint64(1), stats.PrepareFailures)
	assert.Equal(t, uint64(1), stats.ReloadFailures)
}

func TestReloader_MainQueueRunsMainActions(t *testing.T) {
	mq := NewMainQueue()
	rt := newTestRuntime(t, WithMainExecutor(mq))
	log := &orderLog{}
	mainObj := &fakeReloadable{name: "main", log: log}
	bgObj := &fakeReloadable{name: "bg", log: log, hints: ReloadHints{
		PrepareDispatcher: Background,
		ReloadDispatcher:  Background,
	}}
	rt.RegisterReloadable(mainObj)
	rt.RegisterReloadable(bgObj)

	c, err := rt.Reload(context.Background(), testFS, NoBarrier)
	require.NoError(t, err)

	// Nothing pumps the queue yet, so the main prepare cannot have run.
	require.Eventually(t, func() bool { return mq.Len() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(0), mainObj.prepares.Load())
	assert.Equal(t, StatePreparing, rt.Reloader().State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mq.Pump(ctx, c.Done()))
	require.NoError(t, c.Err())

	assert.Equal(t, int32(1), mainObj.reloads.Load())
	assert.Equal(t, int32(1), bgObj.reloads.Load())
}

func TestReloader_CycleErrBeforeDone(t *testing.T) {
	rt := newTestRuntime(t)
	barrier := newBlockingBarrier(&orderLog{})
	c, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)
	<-barrier.entered

	assert.NoError(t, c.Err())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(barrier.release)
	require.NoError(t, waitCycle(t, c))
}

func TestReloader_EmptyRegistry(t *testing.T) {
	rt := newTestRuntime(t)
	var entered atomic.Bool
	c, err := rt.Reload(context.Background(), nil, BarrierFunc(func(context.Context) error {
		entered.Store(true)
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, waitCycle(t, c))
	assert.True(t, entered.Load(), "an empty cycle still takes part in the barrier")
}

func TestReloader_DiscardAfterCloseSkipsMainQueue(t *testing.T) {
	mq := NewMainQueue()
	rt := newTestRuntime(t, WithMainExecutor(mq))
	log := &orderLog{}
	obj := &fakeReloadable{name: "a", log: log}
	require.True(t, rt.RegisterReloadable(obj))

	barrier := newBlockingBarrier(log)
	c, err := rt.Reload(context.Background(), testFS, barrier)
	require.NoError(t, err)

	// Serve the main prepare, then stop draining the queue for good.
	require.NoError(t, mq.Pump(context.Background(), barrier.entered))

	rt.Reloader().close()
	assert.ErrorIs(t, waitCycle(t, c), ErrCycleCanceled)
	assert.Equal(t, int32(1), obj.discarded.Load())
	assert.Equal(t, 0, mq.Len())
	assert.Equal(t, []string{"prepare:a", "barrier", "discard:a"}, log.list())
}
