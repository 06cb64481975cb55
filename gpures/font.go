// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpures

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"sync"

	"github.com/go-text/typesetting/font"

	"github.com/gogpu/lifecycle"
)

// Font is a parsed TrueType or OpenType font.
//
// Fonts hold no GPU objects; glyph atlases built from them are separate
// resources. Parsing and disposal both run in the background.
type Font struct {
	host *Host
	name string

	mu         sync.Mutex
	face       *font.Face
	staged     *font.Face
	generation int
	disposed   bool
}

// NewFont parses name from rm and registers the font with the host's
// runtime.
func NewFont(h *Host, rm fs.FS, name string) (*Font, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	f := &Font{host: h, name: clean}
	face, err := f.parse(rm)
	if err != nil {
		return nil, err
	}
	f.face = face
	f.generation = 1
	h.track(f)
	return f, nil
}

// Name returns the normalized resource name.
func (f *Font) Name() string { return f.name }

// Face returns the current face, or nil after Dispose. A font.Face is not
// safe for concurrent use.
func (f *Font) Face() *font.Face {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.face
}

// UnitsPerEm returns the design units per em of the current face.
func (f *Font) UnitsPerEm() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.face == nil {
		return 0
	}
	return int(f.face.Upem())
}

// Generation counts how many faces were committed.
func (f *Font) Generation() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// DisposeHints implements lifecycle.DisposeHinter.
func (f *Font) DisposeHints() lifecycle.DisposeHints {
	return lifecycle.DisposeHints{Priority: PriorityFont, Dispatcher: lifecycle.Background}
}

// ReloadHints implements lifecycle.ReloadHinter.
func (f *Font) ReloadHints() lifecycle.ReloadHints {
	return lifecycle.ReloadHints{
		PreparePriority:   PriorityFont,
		ReloadPriority:    PriorityFont,
		PrepareDispatcher: lifecycle.Background,
		ReloadDispatcher:  lifecycle.Main,
	}
}

// Prepare parses the font file into a staged face.
func (f *Font) Prepare(_ context.Context, rm fs.FS) error {
	f.mu.Lock()
	disposed := f.disposed
	f.mu.Unlock()
	if disposed {
		return ErrDisposed
	}

	face, err := f.parse(rm)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return ErrDisposed
	}
	f.staged = face
	return nil
}

// Reload swaps in the staged face.
func (f *Font) Reload(_ context.Context, _ fs.FS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return ErrDisposed
	}
	if f.staged == nil {
		return nil
	}
	f.face, f.staged = f.staged, nil
	f.generation++
	return nil
}

// DiscardPrepared drops the staged face.
func (f *Font) DiscardPrepared() {
	f.mu.Lock()
	f.staged = nil
	f.mu.Unlock()
}

// Dispose releases the face and stops tracking the font. Later calls do
// nothing.
func (f *Font) Dispose() error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return nil
	}
	f.disposed = true
	f.face, f.staged = nil, nil
	f.mu.Unlock()

	f.host.untrack(f)
	lifecycle.Logger().Debug("gpures: font disposed", "name", f.name)
	return nil
}

func (f *Font) parse(rm fs.FS) (*font.Face, error) {
	data, err := f.host.ReadResource(rm, f.name)
	if err != nil {
		return nil, err
	}
	face, err := font.ParseTTF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gpures: font %s: %w", f.name, err)
	}
	return face, nil
}
