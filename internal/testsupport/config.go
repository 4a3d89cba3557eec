package testsupport

import (
	"path/filepath"
	"testing"

	"reelforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.CacheDir = filepath.Join(base, "cache")
	cfg.Paths.OutputDir = filepath.Join(base, "output")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Encoder.KillGraceSeconds = 0
	cfg.Workflow.RetryBackoffMillis = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithMaxWorkers overrides render.max_workers.
func WithMaxWorkers(n int) ConfigOption {
	return func(c *config.Config) { c.Render.MaxWorkers = n }
}

// WithDisableGPU sets encoder.disable_gpu.
func WithDisableGPU() ConfigOption {
	return func(c *config.Config) { c.Encoder.DisableGPU = true }
}
