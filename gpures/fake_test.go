// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpures

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// =============================================================================
// Mock Types for Testing
// =============================================================================

// mockDevice is a test double for the Device subset of hal.Device.
type mockDevice struct {
	mu     sync.Mutex
	nextID int
	events []string
	live   map[int]bool

	textureDescs []hal.TextureDescriptor
	createErr    error
	afterCreate  func() // runs after an object is created, outside the lock
}

func newMockDevice() *mockDevice {
	return &mockDevice{live: make(map[int]bool)}
}

func (d *mockDevice) record(event string, id int) {
	d.events = append(d.events, fmt.Sprintf("%s#%d", event, id))
}

func (d *mockDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	d.mu.Lock()
	if d.createErr != nil {
		d.mu.Unlock()
		return nil, d.createErr
	}
	d.nextID++
	d.live[d.nextID] = true
	d.textureDescs = append(d.textureDescs, *desc)
	d.record("create-texture", d.nextID)
	tex := &mockHALTexture{id: d.nextID, width: desc.Size.Width, height: desc.Size.Height}
	hook := d.afterCreate
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return tex, nil
}

func (d *mockDevice) DestroyTexture(texture hal.Texture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := texture.(*mockHALTexture).id
	delete(d.live, id)
	d.record("destroy-texture", id)
}

func (d *mockDevice) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	d.mu.Lock()
	if d.createErr != nil {
		d.mu.Unlock()
		return nil, d.createErr
	}
	d.nextID++
	d.live[d.nextID] = true
	d.record("create-module", d.nextID)
	module := &mockHALShaderModule{id: d.nextID, words: len(desc.Source.SPIRV)}
	hook := d.afterCreate
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return module, nil
}

func (d *mockDevice) DestroyShaderModule(module hal.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := module.(*mockHALShaderModule).id
	delete(d.live, id)
	d.record("destroy-module", id)
}

func (d *mockDevice) setAfterCreate(fn func()) {
	d.mu.Lock()
	d.afterCreate = fn
	d.mu.Unlock()
}

func (d *mockDevice) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *mockDevice) eventList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	copy(out, d.events)
	return out
}

// mockHALTexture is a test double for hal.Texture.
type mockHALTexture struct {
	id     int
	width  uint32
	height uint32
}

// Destroy implements hal.Resource.
func (t *mockHALTexture) Destroy() {}

// NativeHandle implements hal.NativeHandle.
func (t *mockHALTexture) NativeHandle() uintptr { return 0 }

// CurrentUsage implements hal.Texture.
func (t *mockHALTexture) CurrentUsage() gputypes.TextureUsage { return 0 }

// AddPendingRef implements hal.Texture.
func (t *mockHALTexture) AddPendingRef() {}

// DecPendingRef implements hal.Texture.
func (t *mockHALTexture) DecPendingRef() {}

// mockHALShaderModule is a test double for hal.ShaderModule.
type mockHALShaderModule struct {
	id    int
	words int
}

// Destroy implements hal.Resource.
func (m *mockHALShaderModule) Destroy() {}

// NativeHandle implements hal.NativeHandle.
func (m *mockHALShaderModule) NativeHandle() uintptr { return 0 }

// mockQueue records texture writes.
type mockQueue struct {
	mu       sync.Mutex
	writes   int
	bytes    int
	writeErr error
}

func (q *mockQueue) WriteTexture(_ *hal.ImageCopyTexture, data []byte, _ *hal.ImageDataLayout, _ *hal.Extent3D) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.writeErr != nil {
		return q.writeErr
	}
	q.writes++
	q.bytes += len(data)
	return nil
}

// mockTracker counts Track and Untrack calls.
type mockTracker struct {
	mu      sync.Mutex
	tracked map[any]bool
}

func newMockTracker() *mockTracker { return &mockTracker{tracked: make(map[any]bool)} }

func (m *mockTracker) Track(obj any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracked[obj] {
		return false
	}
	m.tracked[obj] = true
	return true
}

func (m *mockTracker) Untrack(obj any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.tracked[obj]
	delete(m.tracked, obj)
	return was
}

func (m *mockTracker) isTracked(obj any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracked[obj]
}

// mockProvider implements gpucontext.DeviceProvider without HAL access.
type mockProvider struct{}

type mockGPUDevice struct{}

func (m *mockGPUDevice) Poll(wait bool) {}
func (m *mockGPUDevice) Destroy()       {}

type mockGPUQueue struct{}

type mockGPUAdapter struct{}

func (m *mockProvider) Device() gpucontext.Device             { return &mockGPUDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue               { return &mockGPUQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return &mockGPUAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (m *mockProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "mock adapter"}
}

// =============================================================================
// Helpers
// =============================================================================

// encodePNG returns a w x h PNG filled with c.
func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() = %v", err)
	}
	return buf.Bytes()
}

// testShaderWGSL is the smallest module naga accepts.
const testShaderWGSL = `@compute @workgroup_size(1)
fn main() {}
`
