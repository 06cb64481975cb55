// Package logging holds the process-wide logger shared by lifecycle and its
// internal packages. It is silent until a host installs a logger.
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// discardHandler drops every record. Enabled reports false so callers skip
// building attributes at all.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

var (
	silent  = slog.New(discardHandler{})
	current atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(silent)
}

// Set installs l. Nil restores the silent logger.
func Set(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	current.Store(l)
}

// L returns the installed logger.
func L() *slog.Logger {
	return current.Load()
}

// Silent reports whether no logger is installed.
func Silent() bool {
	return current.Load() == silent
}
