package lifecycle

import (
	"log/slog"

	"github.com/gogpu/lifecycle/internal/logging"
)

// SetLogger installs the logger used by the runtime, its worker pool and the
// gpures collaborators. Pass nil to silence them again, which is the
// default. It may be called at any time from any goroutine.
//
// Levels:
//   - [slog.LevelDebug]: individual actions, reload state changes, pool start/stop
//   - [slog.LevelInfo]: dispose sweeps and reload cycles
//   - [slog.LevelWarn]: failed actions, rejected triggers, shutdown deadline hits
//
// Example:
//
//	lifecycle.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the installed logger. Collaborator packages log through it
// so one SetLogger call covers them.
func Logger() *slog.Logger {
	return logging.L()
}
