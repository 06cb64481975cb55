package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// DefaultShutdownTimeout bounds how long Runtime.Shutdown waits for the
// worker pool before running leftover tasks on the calling goroutine.
const DefaultShutdownTimeout = 5 * time.Second

// ReloadPolicy decides what Trigger does while a cycle is in flight.
type ReloadPolicy uint8

const (
	// PolicyReject fails the new trigger with ErrReloadInFlight.
	PolicyReject ReloadPolicy = iota

	// PolicyQueue starts the new cycle after the current one and any cycles
	// queued before it have finished.
	PolicyQueue
)

// String returns the policy name.
func (p ReloadPolicy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyQueue:
		return "queue"
	default:
		return fmt.Sprintf("ReloadPolicy(%d)", uint8(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p ReloadPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ReloadPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "reject", "":
		*p = PolicyReject
	case "queue":
		*p = PolicyQueue
	default:
		return fmt.Errorf("lifecycle: unknown reload policy %q", text)
	}
	return nil
}

// Option configures a Runtime during creation.
//
// Example:
//
//	// Defaults: GOMAXPROCS workers, 5s shutdown timeout, inline main context
//	rt := lifecycle.New()
//
//	// Frame-driven host with a queued main context
//	mq := lifecycle.NewMainQueue()
//	rt := lifecycle.New(lifecycle.WithMainExecutor(mq), lifecycle.WithReloadPolicy(lifecycle.PolicyQueue))
type Option func(*options)

// options holds optional configuration for Runtime creation.
type options struct {
	workers         int
	shutdownTimeout time.Duration
	errorHandler    ErrorHandler
	policy          ReloadPolicy
	main            Executor
}

// defaultOptions returns the default runtime options.
func defaultOptions() options {
	return options{
		workers:         0, // GOMAXPROCS
		shutdownTimeout: DefaultShutdownTimeout,
		errorHandler:    logErrorHandler,
		policy:          PolicyReject,
		main:            InlineExecutor{},
	}
}

// WithWorkers sets the number of background workers.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithShutdownTimeout sets how long Shutdown waits for background work
// before running what is left on the calling goroutine.
// Zero or negative skips waiting.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// WithErrorHandler sets the receiver of action failures.
// A nil handler restores the default, which logs at Warn level.
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) {
		if h == nil {
			h = logErrorHandler
		}
		o.errorHandler = h
	}
}

// WithReloadPolicy sets how a reload triggered during another cycle is handled.
func WithReloadPolicy(p ReloadPolicy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMainExecutor sets the executor for Main prepare and reload actions.
// A nil executor restores InlineExecutor.
//
// Dispose sweeps always run Main actions on the goroutine that calls
// DisposeAll or Shutdown, which the host must call from its main goroutine.
func WithMainExecutor(e Executor) Option {
	return func(o *options) {
		if e == nil {
			e = InlineExecutor{}
		}
		o.main = e
	}
}
