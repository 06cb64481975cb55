// Command lifecycledemo loads a handful of assets into a lifecycle.Runtime,
// hot-reloads them a few times and shuts the runtime down.
//
// Usage:
//
//	lifecycledemo [-config demo.toml] [-assets dir]
//
// Without -assets the demo writes a small built-in asset set to a
// temporary directory.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/image/font/gofont/goregular"

	"github.com/gogpu/lifecycle"
	"github.com/gogpu/lifecycle/gpures"
)

const demoShader = `@compute @workgroup_size(1)
fn main() {}
`

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	assetsDir := flag.String("assets", "", "asset directory (default: built-in assets)")
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	applyEnvOverrides(&cfg)
	if *assetsDir != "" {
		cfg.Assets = *assetsDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("lifecycledemo: %v", err)
	}
}

func run(ctx context.Context, cfg demoConfig) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	lifecycle.SetLogger(logger)

	if cfg.Assets == "" {
		dir, err := os.MkdirTemp("", "lifecycledemo-")
		if err != nil {
			return fmt.Errorf("create asset dir: %w", err)
		}
		defer os.RemoveAll(dir)
		if err := writeBuiltinAssets(dir); err != nil {
			return err
		}
		cfg.Assets = dir
	}
	assets := os.DirFS(cfg.Assets)

	mq := lifecycle.NewMainQueue()
	rt := lifecycle.New(
		lifecycle.WithWorkers(cfg.Workers),
		lifecycle.WithShutdownTimeout(cfg.ShutdownTimeout),
		lifecycle.WithReloadPolicy(cfg.ReloadPolicy),
		lifecycle.WithMainExecutor(mq),
	)
	defer func() {
		if err := rt.Shutdown(); err != nil {
			logger.Error("shutdown", "err", err)
		}
		logStats(logger, rt.Stats())
	}()

	// No window or device provider here, so the host keeps CPU copies only.
	host := gpures.NewHost(nil, rt)
	if err := loadAssets(host, assets, cfg); err != nil {
		return err
	}
	logStats(logger, rt.Stats())

	for i := range cfg.Reloads {
		if err := reloadOnce(ctx, rt, mq, assets, cfg.Participants); err != nil {
			return fmt.Errorf("reload %d: %w", i+1, err)
		}
	}
	sc := host.ShaderCacheStats()
	logger.Info("shader cache",
		"entries", sc.Entries,
		"capacity", sc.Capacity,
		"hits", sc.Hits,
		"misses", sc.Misses,
		"hit_rate", sc.HitRate)
	return nil
}

func loadAssets(host *gpures.Host, assets fs.FS, cfg demoConfig) error {
	for _, name := range cfg.Textures {
		tex, err := gpures.NewTexture(host, assets, name)
		if err != nil {
			return err
		}
		w, h := tex.Size()
		lifecycle.Logger().Debug("texture loaded", "name", tex.Name(), "width", w, "height", h)
	}
	for _, name := range cfg.Shaders {
		prog, err := gpures.NewShaderProgram(host, assets, name)
		if err != nil {
			return err
		}
		lifecycle.Logger().Debug("shader loaded", "name", prog.Name(), "words", len(prog.SPIRV()))
	}
	for _, name := range cfg.Fonts {
		f, err := gpures.NewFont(host, assets, name)
		if err != nil {
			return err
		}
		lifecycle.Logger().Debug("font loaded", "name", f.Name(), "upem", f.UnitsPerEm())
	}
	return nil
}

// reloadOnce runs one cycle. Every participant other than the runtime
// itself arrives at the barrier from its own goroutine, the way a render
// thread would once its frame is done.
func reloadOnce(ctx context.Context, rt *lifecycle.Runtime, mq *lifecycle.MainQueue, assets fs.FS, participants int) error {
	barrier := lifecycle.NewPhaseBarrier(participants)
	for i := 1; i < participants; i++ {
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = barrier.Wait(ctx)
		}()
	}

	start := time.Now()
	cycle, err := rt.Reload(ctx, assets, barrier)
	if err != nil {
		return err
	}
	if err := mq.Pump(ctx, cycle.Done()); err != nil {
		// Discards of main-context objects still go through the queue.
		cycle.Cancel()
		_ = mq.Pump(context.Background(), cycle.Done())
		return err
	}
	if err := cycle.Err(); err != nil {
		return err
	}
	if failures := cycle.Failures(); len(failures) > 0 {
		return errors.Join(failures...)
	}
	lifecycle.Logger().Info("reload cycle complete",
		"cycle", cycle.ID(),
		"elapsed", time.Since(start).Round(time.Microsecond))
	return nil
}

func logStats(logger *slog.Logger, s lifecycle.Stats) {
	logger.Info("runtime stats",
		"disposables", s.Disposables,
		"reloadables", s.Reloadables,
		"state", s.State.String(),
		"workers", s.Workers,
		"pool_running", s.PoolRunning,
		"cycles", s.Cycles,
		"disposed", s.Disposed,
		"closed", s.Closed)
}

func writeBuiltinAssets(dir string) error {
	files := map[string][]byte{
		"shaders/main.wgsl": []byte(demoShader),
		"fonts/regular.ttf": goregular.TTF,
	}

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			c := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xFF}
			if (x/4+y/4)%2 == 0 {
				c = color.RGBA{R: 0xE0, G: 0xE0, B: 0xE0, A: 0xFF}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode checker: %w", err)
	}
	files["textures/checker.png"] = buf.Bytes()

	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
