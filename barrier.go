package lifecycle

import (
	"context"
	"sync"
)

// Barrier is the host's reload synchronization point. Wait signals that this
// participant finished its prepare phase and blocks until every participant
// of the host-wide reload has done the same.
type Barrier interface {
	Wait(ctx context.Context) error
}

// BarrierFunc adapts a function to the Barrier interface.
type BarrierFunc func(ctx context.Context) error

// Wait calls f(ctx).
func (f BarrierFunc) Wait(ctx context.Context) error { return f(ctx) }

// NoBarrier releases immediately. Use it when the reload coordinator is the
// only participant.
var NoBarrier Barrier = BarrierFunc(func(context.Context) error { return nil })

// PhaseBarrier is a reusable barrier for a fixed number of parties.
//
// Each phase releases all waiters once the last party arrives, after which
// the barrier is ready for the next phase. A waiter whose context is done
// before the release withdraws its arrival.
type PhaseBarrier struct {
	parties int

	mu         sync.Mutex
	arrived    int
	generation uint64
	release    chan struct{}
}

// NewPhaseBarrier creates a barrier for n parties. n is clamped to at least 1.
func NewPhaseBarrier(n int) *PhaseBarrier {
	if n < 1 {
		n = 1
	}
	return &PhaseBarrier{parties: n, release: make(chan struct{})}
}

// Parties returns the number of parties the barrier waits for.
func (b *PhaseBarrier) Parties() int { return b.parties }

// Generation returns the number of completed phases.
func (b *PhaseBarrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Arrived returns the number of parties waiting in the current phase.
func (b *PhaseBarrier) Arrived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Wait arrives at the barrier and blocks until the phase completes or ctx
// is done.
func (b *PhaseBarrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.parties {
		b.advance()
		b.mu.Unlock()
		return nil
	}
	gen := b.generation
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.generation != gen {
			// Released while we were cancelled.
			return nil
		}
		b.arrived--
		return ctx.Err()
	}
}

// advance must be called with mu held.
func (b *PhaseBarrier) advance() {
	close(b.release)
	b.release = make(chan struct{})
	b.arrived = 0
	b.generation++
}
