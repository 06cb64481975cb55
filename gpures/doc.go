// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpures provides GPU-backed resources that take part in the
// lifecycle runtime: textures, shader programs and fonts.
//
// Every resource is created through a Host, which owns the HAL device and
// registers the resource with the runtime. Resources load their data from
// an fs.FS resource manager, stage new data during the prepare phase of a
// reload cycle and commit it during the reload phase:
//
//	rt := lifecycle.New()
//	host := gpures.NewHost(provider, rt)
//	assets := os.DirFS("assets")
//
//	tex, err := gpures.NewTexture(host, assets, "textures/grass.png")
//	prog, err := gpures.NewShaderProgram(host, assets, "shaders/sprite.wgsl")
//
// Work that needs no GPU (image decoding, WGSL compilation, font parsing)
// is dispatched to the background pool. GPU object creation and
// destruction is dispatched to the main context.
//
// A Host without a device keeps CPU copies only, which is enough for
// headless tools and tests.
package gpures
