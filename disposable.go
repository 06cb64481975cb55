package lifecycle

import (
	"context"
	"io/fs"
)

// Disposable owns resources the garbage collector cannot release.
//
// Registered values are used as map keys and must be comparable; pointer
// receivers are the usual choice. Dispose is called at most once per
// registration.
type Disposable interface {
	Dispose() error
}

// Reloadable reacts to the host's resource reloads in two phases.
//
// Prepare stages new state from the resource manager rm without touching
// anything the renderer is using. Reload commits the staged state. Every
// Prepare of a cycle completes before any Reload of that cycle begins.
type Reloadable interface {
	Prepare(ctx context.Context, rm fs.FS) error
	Reload(ctx context.Context, rm fs.FS) error
}

// PrepareDiscarder is implemented by reloadables that stage results during
// Prepare. DiscardPrepared is called when a cycle is cancelled after the
// object's Prepare ran, in place of Reload.
type PrepareDiscarder interface {
	DiscardPrepared()
}
