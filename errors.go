package lifecycle

import (
	"errors"
	"fmt"
)

// ErrReloadInFlight is returned by Trigger under PolicyReject when a reload
// cycle has not returned to StateIdle yet.
var ErrReloadInFlight = errors.New("lifecycle: reload cycle already in flight")

// ErrCycleCanceled completes a reload cycle that was cancelled before the
// barrier released it. Its prepared results were discarded and no reload
// action ran.
var ErrCycleCanceled = errors.New("lifecycle: reload cycle canceled")

// ErrClosed is returned by Runtime operations after Shutdown.
var ErrClosed = errors.New("lifecycle: runtime is shut down")

// ErrPanic wraps the value of a panic recovered from a lifecycle action.
var ErrPanic = errors.New("lifecycle: action panicked")

// Phase names the lifecycle step an action belongs to.
type Phase string

// Lifecycle phases reported in ActionError.
const (
	PhaseDispose Phase = "dispose"
	PhasePrepare Phase = "prepare"
	PhaseReload  Phase = "reload"
)

// ActionError reports a failed dispose, prepare or reload action.
// The sweep or cycle that ran the action continues regardless.
type ActionError struct {
	Phase  Phase
	Object string // %T of the failing object
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("lifecycle: %s %s: %v", e.Phase, e.Object, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// ErrorHandler receives every action failure. It may be called concurrently
// from the main context and from pool workers.
type ErrorHandler func(err error)

// logErrorHandler is the default ErrorHandler.
func logErrorHandler(err error) {
	var ae *ActionError
	if errors.As(err, &ae) {
		Logger().Warn("lifecycle: action failed",
			"phase", string(ae.Phase), "object", ae.Object, "err", ae.Err)
		return
	}
	Logger().Warn("lifecycle: action failed", "err", err)
}

// runAction calls fn, converting a panic into an error wrapping ErrPanic,
// and wraps any failure in an ActionError.
func runAction(phase Phase, obj any, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if err != nil {
			err = &ActionError{Phase: phase, Object: typeName(obj), Err: err}
		}
	}()
	return fn()
}

func typeName(obj any) string { return fmt.Sprintf("%T", obj) }
