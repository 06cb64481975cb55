// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpures

import (
	"context"
	"fmt"
	"io/fs"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/lifecycle"
)

// ShaderProgram is a shader module compiled from a WGSL file.
//
// WGSL is compiled to SPIR-V in the background during prepare, so a shader
// with errors fails the prepare and the previous module stays in use.
type ShaderProgram struct {
	host *Host
	name string

	mu         sync.Mutex
	spirv      []uint32
	source     sourceKey
	module     hal.ShaderModule
	staged     []uint32
	stagedKey  sourceKey
	generation int
	disposed   bool
}

// NewShaderProgram compiles name from rm, creates the shader module and
// registers the program with the host's runtime. Call it on the main
// goroutine.
func NewShaderProgram(h *Host, rm fs.FS, name string) (*ShaderProgram, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	p := &ShaderProgram{host: h, name: clean}

	spirv, key, err := p.compile(rm)
	if err != nil {
		return nil, err
	}
	if err := p.commit(spirv, key); err != nil {
		return nil, err
	}
	h.track(p)
	return p, nil
}

// Name returns the normalized resource name.
func (p *ShaderProgram) Name() string { return p.name }

// SPIRV returns the compiled code of the current module. Programs built
// from identical source share it; do not modify it.
func (p *ShaderProgram) SPIRV() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spirv
}

// Module returns the HAL shader module, or nil on a CPU-only host.
func (p *ShaderProgram) Module() hal.ShaderModule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.module
}

// Generation counts how many modules were committed.
func (p *ShaderProgram) Generation() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// DisposeHints implements lifecycle.DisposeHinter.
func (p *ShaderProgram) DisposeHints() lifecycle.DisposeHints {
	return lifecycle.DisposeHints{Priority: PriorityShader, Dispatcher: lifecycle.Main}
}

// ReloadHints implements lifecycle.ReloadHinter.
func (p *ShaderProgram) ReloadHints() lifecycle.ReloadHints {
	return lifecycle.ReloadHints{
		PreparePriority:   PriorityShader,
		ReloadPriority:    PriorityShader,
		PrepareDispatcher: lifecycle.Background,
		ReloadDispatcher:  lifecycle.Main,
	}
}

// Prepare compiles the WGSL source into staged SPIR-V.
func (p *ShaderProgram) Prepare(_ context.Context, rm fs.FS) error {
	if p.isDisposed() {
		return ErrDisposed
	}
	spirv, key, err := p.compile(rm)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	p.staged, p.stagedKey = spirv, key
	return nil
}

// Reload creates a module from the staged SPIR-V and destroys the old one.
// When the source changed, the host forgets the code of the old source.
func (p *ShaderProgram) Reload(_ context.Context, _ fs.FS) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	spirv, key := p.staged, p.stagedKey
	p.staged = nil
	p.mu.Unlock()
	if spirv == nil {
		return nil
	}
	return p.commit(spirv, key)
}

// DiscardPrepared drops the staged SPIR-V.
func (p *ShaderProgram) DiscardPrepared() {
	p.mu.Lock()
	p.staged = nil
	p.mu.Unlock()
}

// Dispose destroys the shader module and stops tracking the program.
func (p *ShaderProgram) Dispose() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	module := p.module
	p.module, p.spirv, p.staged = nil, nil, nil
	p.mu.Unlock()

	if module != nil {
		p.host.device.DestroyShaderModule(module)
	}
	p.host.untrack(p)
	lifecycle.Logger().Debug("gpures: shader disposed", "name", p.name)
	return nil
}

func (p *ShaderProgram) isDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

func (p *ShaderProgram) compile(rm fs.FS) ([]uint32, sourceKey, error) {
	src, err := p.host.ReadResource(rm, p.name)
	if err != nil {
		return nil, sourceKey{}, err
	}
	spirv, key, err := p.host.compileWGSL(src)
	if err != nil {
		return nil, key, fmt.Errorf("gpures: shader %s: %w", p.name, err)
	}
	return spirv, key, nil
}

func (p *ShaderProgram) commit(spirv []uint32, key sourceKey) error {
	if p.isDisposed() {
		return ErrDisposed
	}

	var module hal.ShaderModule
	if dev := p.host.device; dev != nil {
		var err error
		module, err = dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label: p.name,
			Source: hal.ShaderSource{
				SPIRV: spirv,
			},
		})
		if err != nil {
			return fmt.Errorf("gpures: create shader module %s: %w", p.name, err)
		}
	}

	p.mu.Lock()
	if p.disposed {
		// Disposed while the module was created; nothing owns it.
		p.mu.Unlock()
		if module != nil {
			p.host.device.DestroyShaderModule(module)
		}
		return ErrDisposed
	}
	old, oldKey := p.module, p.source
	p.module = module
	p.spirv, p.source = spirv, key
	p.generation++
	first := p.generation == 1
	p.mu.Unlock()

	if old != nil {
		p.host.device.DestroyShaderModule(old)
	}
	if !first && oldKey != key {
		p.host.forgetShader(oldKey)
	}
	lifecycle.Logger().Debug("gpures: shader committed", "name", p.name, "words", len(spirv))
	return nil
}

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile: SPIR-V size %d is not a multiple of 4", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}
