package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gogpu/lifecycle"
)

// EnvLogLevel overrides the configured log level.
const EnvLogLevel = "LIFECYCLE_LOG_LEVEL"

type demoConfig struct {
	Workers         int
	ShutdownTimeout time.Duration
	ReloadPolicy    lifecycle.ReloadPolicy
	LogLevel        slog.Level
	Assets          string
	Textures        []string
	Shaders         []string
	Fonts           []string
	Reloads         int
	Participants    int
}

func defaultConfig() demoConfig {
	return demoConfig{
		Workers:         0,
		ShutdownTimeout: lifecycle.DefaultShutdownTimeout,
		ReloadPolicy:    lifecycle.PolicyReject,
		LogLevel:        slog.LevelInfo,
		Textures:        []string{"textures/checker.png"},
		Shaders:         []string{"shaders/main.wgsl"},
		Fonts:           []string{"fonts/regular.ttf"},
		Reloads:         2,
		Participants:    2,
	}
}

type fileConfig struct {
	Workers         int      `toml:"workers"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	ReloadPolicy    string   `toml:"reload_policy"`
	LogLevel        string   `toml:"log_level"`
	Assets          string   `toml:"assets"`
	Textures        []string `toml:"textures"`
	Shaders         []string `toml:"shaders"`
	Fonts           []string `toml:"fonts"`
	Reloads         int      `toml:"reloads"`
	Participants    int      `toml:"participants"`
}

func loadConfig(path string) (demoConfig, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return demoConfig{}, fmt.Errorf("load demo config: %w", err)
	}

	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return demoConfig{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if meta.IsDefined("reload_policy") {
		if err := cfg.ReloadPolicy.UnmarshalText([]byte(raw.ReloadPolicy)); err != nil {
			return demoConfig{}, fmt.Errorf("parse reload_policy: %w", err)
		}
	}

	if meta.IsDefined("log_level") {
		lvl, ok := parseLevel(raw.LogLevel)
		if !ok {
			return demoConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("assets") {
		cfg.Assets = strings.TrimSpace(raw.Assets)
	}

	if meta.IsDefined("textures") {
		cfg.Textures = normalizeNames(raw.Textures)
	}

	if meta.IsDefined("shaders") {
		cfg.Shaders = normalizeNames(raw.Shaders)
	}

	if meta.IsDefined("fonts") {
		cfg.Fonts = normalizeNames(raw.Fonts)
	}

	if meta.IsDefined("reloads") {
		cfg.Reloads = max(raw.Reloads, 0)
	}

	if meta.IsDefined("participants") {
		cfg.Participants = max(raw.Participants, 1)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *demoConfig) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.LogLevel = lvl
	}
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return slog.LevelInfo, false
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func normalizeNames(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, name := range in {
		v := strings.TrimSpace(name)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
