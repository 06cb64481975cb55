// Package lifecycle coordinates the release and hot reload of GPU-backed
// objects for a host engine.
//
// # Overview
//
// GPU objects (buffers, framebuffers, textures, shader programs) own
// resources the garbage collector cannot free, and many of them must be
// rebuilt when the host reloads its resources. lifecycle keeps two
// registries of such objects and drives them through two protocols:
//
//   - A dispose sweep releases every registered Disposable exactly once,
//     highest priority first, at host shutdown.
//   - A reload cycle runs Prepare on every registered Reloadable, waits at
//     the host's reload barrier, then runs Reload on every Reloadable.
//
// Each action runs on one of two execution contexts chosen by its
// Dispatcher: Main, the single goroutine that may call the GPU, or
// Background, a fixed-size worker pool.
//
// # Quick Start
//
//	rt := lifecycle.New()
//	defer rt.Shutdown()
//
//	tex := mypkg.NewTexture(rt, "textures/grass.png") // calls rt.Track
//
//	cycle, err := rt.Reload(ctx, os.DirFS("assets"), lifecycle.NoBarrier)
//	if err != nil {
//	    return err
//	}
//	if err := cycle.Wait(ctx); err != nil {
//	    return err
//	}
//
// # Ordering
//
// Within one sweep or phase, actions on the same dispatcher start in
// descending priority order; equal priorities keep registration order.
// Background actions may run concurrently with each other and with Main
// actions. Every Prepare of a cycle completes before the barrier is
// entered, and no Reload starts before the barrier releases.
//
// # Main context
//
// Dispose sweeps run Main actions on the goroutine that calls DisposeAll
// or Shutdown. Reload cycles run on their own goroutine and hand Main
// actions to the Runtime's Executor. The default InlineExecutor runs them
// on the cycle goroutine; a host with a thread-bound GPU context uses a
// MainQueue and drains it from its frame loop:
//
//	mq := lifecycle.NewMainQueue()
//	rt := lifecycle.New(lifecycle.WithMainExecutor(mq))
//	...
//	for running {
//	    mq.Drain()
//	    renderFrame()
//	}
//
// # Logging
//
// lifecycle is silent by default. See SetLogger.
package lifecycle
