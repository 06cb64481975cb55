// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpures

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io/fs"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/gogpu/lifecycle"
)

// TextureOption configures a Texture.
type TextureOption func(*Texture)

// WithMaxSize downscales images whose width or height exceeds n pixels,
// keeping the aspect ratio. Zero disables scaling.
func WithMaxSize(n int) TextureOption {
	return func(t *Texture) {
		t.maxSize = n
	}
}

// Texture is a 2D RGBA texture loaded from an image file.
//
// Decoding runs in the background during prepare; the GPU texture is
// created and filled on the main context during reload.
type Texture struct {
	host    *Host
	name    string
	maxSize int

	mu         sync.Mutex
	img        *image.RGBA
	gpu        hal.Texture
	staged     *image.RGBA
	generation int
	disposed   bool
}

// NewTexture loads name from rm, creates the GPU texture and registers the
// texture with the host's runtime. Call it on the main goroutine.
func NewTexture(h *Host, rm fs.FS, name string, opts ...TextureOption) (*Texture, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	t := &Texture{host: h, name: clean}
	for _, opt := range opts {
		opt(t)
	}

	img, err := t.load(rm)
	if err != nil {
		return nil, err
	}
	if err := t.commit(img); err != nil {
		return nil, err
	}
	h.track(t)
	return t, nil
}

// Name returns the normalized resource name.
func (t *Texture) Name() string { return t.name }

// Size returns the texture dimensions in pixels.
func (t *Texture) Size() (width, height int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.img == nil {
		return 0, 0
	}
	b := t.img.Bounds()
	return b.Dx(), b.Dy()
}

// Image returns the CPU copy of the current contents.
func (t *Texture) Image() *image.RGBA {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.img
}

// GPUTexture returns the HAL texture, or nil on a CPU-only host.
func (t *Texture) GPUTexture() hal.Texture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gpu
}

// Generation counts how many times contents were committed.
func (t *Texture) Generation() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// DisposeHints implements lifecycle.DisposeHinter.
func (t *Texture) DisposeHints() lifecycle.DisposeHints {
	return lifecycle.DisposeHints{Priority: PriorityTexture, Dispatcher: lifecycle.Main}
}

// ReloadHints implements lifecycle.ReloadHinter.
func (t *Texture) ReloadHints() lifecycle.ReloadHints {
	return lifecycle.ReloadHints{
		PreparePriority:   PriorityTexture,
		ReloadPriority:    PriorityTexture,
		PrepareDispatcher: lifecycle.Background,
		ReloadDispatcher:  lifecycle.Main,
	}
}

// Prepare decodes the image file into a staging buffer.
func (t *Texture) Prepare(_ context.Context, rm fs.FS) error {
	if t.isDisposed() {
		return ErrDisposed
	}
	img, err := t.load(rm)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	t.staged = img
	return nil
}

// Reload replaces the GPU texture with the staged image. Without a staged
// image (its prepare failed) the current contents stay.
func (t *Texture) Reload(_ context.Context, _ fs.FS) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	img := t.staged
	t.staged = nil
	t.mu.Unlock()
	if img == nil {
		return nil
	}
	return t.commit(img)
}

// DiscardPrepared drops the staged image.
func (t *Texture) DiscardPrepared() {
	t.mu.Lock()
	t.staged = nil
	t.mu.Unlock()
}

// Dispose destroys the GPU texture and stops tracking the texture.
func (t *Texture) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	gpu := t.gpu
	t.gpu, t.img, t.staged = nil, nil, nil
	t.mu.Unlock()

	if gpu != nil {
		t.host.device.DestroyTexture(gpu)
	}
	t.host.untrack(t)
	lifecycle.Logger().Debug("gpures: texture disposed", "name", t.name)
	return nil
}

func (t *Texture) isDisposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

func (t *Texture) load(rm fs.FS) (*image.RGBA, error) {
	data, err := t.host.ReadResource(rm, t.name)
	if err != nil {
		return nil, err
	}
	img, err := decodeRGBA(data, t.maxSize)
	if err != nil {
		return nil, fmt.Errorf("gpures: texture %s: %w", t.name, err)
	}
	return img, nil
}

// commit uploads img and swaps it in. The previous GPU texture is destroyed
// only after its replacement exists.
func (t *Texture) commit(img *image.RGBA) error {
	if t.isDisposed() {
		return ErrDisposed
	}

	var gpu hal.Texture
	if t.host.device != nil {
		var err error
		gpu, err = t.upload(img)
		if err != nil {
			return err
		}
	}

	t.mu.Lock()
	if t.disposed {
		// Disposed while uploading; the new texture has no owner.
		t.mu.Unlock()
		if gpu != nil {
			t.host.device.DestroyTexture(gpu)
		}
		return ErrDisposed
	}
	old := t.gpu
	t.gpu = gpu
	t.img = img
	t.generation++
	t.mu.Unlock()

	if old != nil {
		t.host.device.DestroyTexture(old)
	}
	b := img.Bounds()
	lifecycle.Logger().Debug("gpures: texture committed",
		"name", t.name, "width", b.Dx(), "height", b.Dy(), "gpu", gpu != nil)
	return nil
}

func (t *Texture) upload(img *image.RGBA) (hal.Texture, error) {
	b := img.Bounds()
	width, height := uint32(b.Dx()), uint32(b.Dy()) //nolint:gosec // image dimensions are positive
	size := hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1}

	tex, err := t.host.device.CreateTexture(&hal.TextureDescriptor{
		Label:         t.name,
		Size:          size,
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("gpures: create texture %s: %w", t.name, err)
	}

	q, ok := t.host.queue.(textureWriter)
	if !ok {
		return tex, nil
	}
	err = q.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		img.Pix,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: uint32(img.Stride), RowsPerImage: height}, //nolint:gosec // stride is positive
		&size,
	)
	if err != nil {
		t.host.device.DestroyTexture(tex)
		return nil, fmt.Errorf("gpures: upload texture %s: %w", t.name, err)
	}
	return tex, nil
}

// textureWriter is the part of hal.Queue used for uploads. A queue without
// it leaves new textures uninitialized.
type textureWriter interface {
	WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error
}

// decodeRGBA decodes any registered image format into tightly packed RGBA,
// downscaling to maxSize when set.
func decodeRGBA(data []byte, maxSize int) (*image.RGBA, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decode %s: empty image", format)
	}

	if maxSize > 0 && (w > maxSize || h > maxSize) {
		if w >= h {
			h = max(1, h*maxSize/w)
			w = maxSize
		} else {
			w = max(1, w*maxSize/h)
			h = maxSize
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
		return dst, nil
	}

	if rgba, ok := src.(*image.RGBA); ok && sb.Min == (image.Point{}) {
		return rgba, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(dst, dst.Bounds(), src, sb.Min, xdraw.Src)
	return dst, nil
}
