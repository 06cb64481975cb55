// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpures

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/gogpu/lifecycle"
	"github.com/gogpu/lifecycle/internal/cache"
)

// ErrInvalidName is returned for resource names that do not name a file
// inside the resource manager.
var ErrInvalidName = errors.New("gpures: invalid resource name")

// ErrDisposed is returned when a disposed resource is used.
var ErrDisposed = errors.New("gpures: resource disposed")

// Lifecycle priorities of the resource kinds. Shaders prepare first because
// compiling is the slowest step and are released first because pipelines
// built from them must go before the textures they sample.
const (
	PriorityShader  = 10
	PriorityTexture = 0
	PriorityFont    = -10
)

// Device is the subset of hal.Device the resources need.
// Any hal.Device satisfies it.
type Device interface {
	CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error)
	DestroyTexture(texture hal.Texture)
	CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error)
	DestroyShaderModule(module hal.ShaderModule)
}

// Tracker registers resources with the lifecycle coordinators.
// *lifecycle.Runtime satisfies it.
type Tracker interface {
	Track(obj any) bool
	Untrack(obj any) bool
}

// Host creates resources on one device and tracks them in one runtime.
type Host struct {
	device  Device
	queue   any
	tracker Tracker
	reads   singleflight.Group
	spirv   *cache.LRU[sourceKey, []uint32]
}

// shaderCacheSize bounds the number of compiled shaders a Host remembers.
const shaderCacheSize = 64

// NewHost creates a Host for the device of provider. The provider must
// expose its HAL objects through HalDevice() any and HalQueue() any; if it
// is nil or does not, the Host runs without a GPU.
func NewHost(provider gpucontext.DeviceProvider, tracker Tracker) *Host {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}

	var (
		device Device
		queue  any
	)
	if hp, ok := provider.(halProvider); ok {
		if d, ok := hp.HalDevice().(hal.Device); ok && d != nil {
			device = d
			queue = hp.HalQueue()
		}
	}
	if device == nil {
		lifecycle.Logger().Warn("gpures: no HAL device, resources keep CPU copies only")
	} else {
		info := provider.AdapterInfo()
		lifecycle.Logger().Debug("gpures: host created", "adapter", info.Name, "type", info.Type)
	}
	return NewHostWithDevice(device, queue, tracker)
}

// NewHostWithDevice creates a Host for an explicit device and queue.
// Either may be nil.
func NewHostWithDevice(device Device, queue any, tracker Tracker) *Host {
	return &Host{
		device:  device,
		queue:   queue,
		tracker: tracker,
		spirv:   cache.New[sourceKey, []uint32](shaderCacheSize),
	}
}

// HasGPU reports whether the Host creates GPU objects.
func (h *Host) HasGPU() bool { return h.device != nil }

// Device returns the device, or nil for a CPU-only Host.
func (h *Host) Device() Device { return h.device }

// ShaderCacheStats describes the compiled shader cache of a Host.
type ShaderCacheStats struct {
	Entries   int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// ShaderCacheStats reports how often compiled shaders were reused.
func (h *Host) ShaderCacheStats() ShaderCacheStats {
	s := h.spirv.Stats()
	return ShaderCacheStats{
		Entries:   s.Len,
		Capacity:  s.Capacity,
		Hits:      s.Hits,
		Misses:    s.Misses,
		Evictions: s.Evictions,
		HitRate:   s.HitRate(),
	}
}

// sourceKey identifies a shader source in the compiled shader cache.
type sourceKey = [sha256.Size]byte

// compileWGSL compiles source, reusing the SPIR-V of an identical source
// compiled earlier on this Host. The result is shared and must not be
// modified.
func (h *Host) compileWGSL(source []byte) ([]uint32, sourceKey, error) {
	key := sha256.Sum256(source)
	if words, ok := h.spirv.Get(key); ok {
		return words, key, nil
	}
	words, err := CompileWGSL(string(source))
	if err != nil {
		return nil, key, err
	}
	h.spirv.Set(key, words)
	return words, key, nil
}

// forgetShader drops the compiled code of a source that was replaced.
func (h *Host) forgetShader(key sourceKey) {
	if h.spirv.Delete(key) {
		lifecycle.Logger().Debug("gpures: dropped replaced shader source")
	}
}

func (h *Host) track(obj any) {
	if h.tracker != nil {
		h.tracker.Track(obj)
	}
}

func (h *Host) untrack(obj any) {
	if h.tracker != nil {
		h.tracker.Untrack(obj)
	}
}

// CleanName normalizes a resource name: Unicode NFC, forward slashes,
// no leading slash, no dot segments.
func CleanName(name string) (string, error) {
	n := norm.NFC.String(strings.ReplaceAll(name, "\\", "/"))
	n = strings.TrimPrefix(path.Clean("/"+n), "/")
	if n == "" || !fs.ValidPath(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

// ReadResource reads name from rm. Concurrent reads of the same name share
// one read, which matters when many resources prepare from the same file in
// one cycle.
//
// Reads are shared by name alone, so a Host reads from one resource
// manager at a time: a read of name from one FS may be answered with the
// bytes another FS is returning for the same name at that moment. Use a
// separate Host per resource manager to load from several concurrently.
func (h *Host) ReadResource(rm fs.FS, name string) ([]byte, error) {
	if rm == nil {
		return nil, fmt.Errorf("gpures: read %s: no resource manager", name)
	}
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	v, err, _ := h.reads.Do(clean, func() (any, error) {
		return fs.ReadFile(rm, clean)
	})
	if err != nil {
		return nil, fmt.Errorf("gpures: read %s: %w", clean, err)
	}
	// Callers share the slice; copy so nobody mutates another's data.
	data := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
