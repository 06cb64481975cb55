package lifecycle

import (
	"fmt"
	"strings"
)

// Dispatcher selects the execution context an action runs on.
type Dispatcher uint8

const (
	// Main runs the action on the main context: synchronously on the caller
	// for dispose sweeps, and through the Runtime's main Executor for reload
	// cycles. It is the zero value and the default.
	Main Dispatcher = iota

	// Background submits the action to the worker pool.
	Background
)

// String returns the dispatcher name.
func (d Dispatcher) String() string {
	switch d {
	case Main:
		return "main"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("Dispatcher(%d)", uint8(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Dispatcher) MarshalText() ([]byte, error) {
	return []byte(d.normalize().String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dispatcher) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "main", "":
		*d = Main
	case "background":
		*d = Background
	default:
		return fmt.Errorf("lifecycle: unknown dispatcher %q", text)
	}
	return nil
}

// normalize maps unknown values to Main.
func (d Dispatcher) normalize() Dispatcher {
	if d == Background {
		return Background
	}
	return Main
}

// DisposeHints carries the disposal metadata of a Disposable.
type DisposeHints struct {
	// Priority orders the sweep: higher values dispose first.
	Priority int

	// Dispatcher selects where Dispose runs.
	Dispatcher Dispatcher
}

// ReloadHints carries the reload metadata of a Reloadable.
// Prepare and reload orderings are independent.
type ReloadHints struct {
	PreparePriority   int
	ReloadPriority    int
	PrepareDispatcher Dispatcher
	ReloadDispatcher  Dispatcher
}

// DisposeHinter is implemented by disposables that need a priority or
// dispatcher other than the defaults.
type DisposeHinter interface {
	DisposeHints() DisposeHints
}

// ReloadHinter is implemented by reloadables that need priorities or
// dispatchers other than the defaults.
type ReloadHinter interface {
	ReloadHints() ReloadHints
}

// ResolveDisposeHints returns the disposal metadata of d, falling back to
// priority 0 on Main.
func ResolveDisposeHints(d Disposable) DisposeHints {
	h, ok := d.(DisposeHinter)
	if !ok {
		return DisposeHints{}
	}
	hints := h.DisposeHints()
	hints.Dispatcher = hints.Dispatcher.normalize()
	return hints
}

// ResolveReloadHints returns the reload metadata of r, falling back to
// priority 0 on Main for both phases.
func ResolveReloadHints(r Reloadable) ReloadHints {
	h, ok := r.(ReloadHinter)
	if !ok {
		return ReloadHints{}
	}
	hints := h.ReloadHints()
	hints.PrepareDispatcher = hints.PrepareDispatcher.normalize()
	hints.ReloadDispatcher = hints.ReloadDispatcher.normalize()
	return hints
}

// DisposeDispatcherOf resolves the dispatcher Dispose runs on.
func DisposeDispatcherOf(d Disposable) Dispatcher {
	return ResolveDisposeHints(d).Dispatcher
}

// PrepareDispatcherOf resolves the dispatcher Prepare runs on.
func PrepareDispatcherOf(r Reloadable) Dispatcher {
	return ResolveReloadHints(r).PrepareDispatcher
}

// ReloadDispatcherOf resolves the dispatcher Reload runs on.
func ReloadDispatcherOf(r Reloadable) Dispatcher {
	return ResolveReloadHints(r).ReloadDispatcher
}
