package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"reelforge/internal/assemble"
	"reelforge/internal/capability"
	"reelforge/internal/config"
	"reelforge/internal/jobs"
	"reelforge/internal/logging"
	"reelforge/internal/media/ffprobe"
	"reelforge/internal/notifications"
	"reelforge/internal/procexec"
	"reelforge/internal/render"
	"reelforge/internal/scenecache"
	"reelforge/internal/services"
	"reelforge/internal/status"
)

type commandContext struct {
	configFlag *string
	verbose    bool

	// runner and inspector replace the real toolchain in tests.
	runner    procexec.Runner
	inspector ffprobe.Inspector

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.configPath, c.configSeen = resolved, exists
		if c.verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) loggerFor(cfg *config.Config) *slog.Logger {
	c.loggerOnce.Do(func() {
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			logger = logging.NewNop()
		}
		c.logger = logger
	})
	return c.logger
}

func (c *commandContext) execRunner() procexec.Runner {
	if c.runner != nil {
		return c.runner
	}
	return procexec.NewExecRunner()
}

// pipeline holds everything a render invocation needs.
type pipeline struct {
	cfg      *config.Config
	logger   *slog.Logger
	prober   *capability.Prober
	cache    *scenecache.Cache
	store    *status.Store
	notifier notifications.Service
	orch     *jobs.Orchestrator
	watcher  *capability.Watcher
}

func (c *commandContext) buildPipeline(progress jobs.ProgressObserver) (*pipeline, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.loggerFor(cfg)
	runner := c.execRunner()
	var probe ffprobe.Inspector = ffprobe.New(cfg.FFprobeBinary(), runner)
	if c.inspector != nil {
		probe = c.inspector
	}

	cache, err := scenecache.Open(cfg.Paths.CacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open scene cache: %w", err)
	}
	store, err := status.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	p := &pipeline{
		cfg:      cfg,
		logger:   logger,
		prober:   capability.NewProber(capability.OptionsFromConfig(cfg), runner, logger),
		cache:    cache,
		store:    store,
		notifier: notifications.NewService(cfg),
	}
	var hooks []jobs.PublishHook
	if hook := notifications.NewHook(cfg, p.notifier); hook != nil {
		hooks = append(hooks, hook)
	}
	orch, err := jobs.New(jobs.OptionsFromConfig(cfg), jobs.Dependencies{
		Renderer:   render.New(render.OptionsFromConfig(cfg), runner, probe, cache, logger),
		Assembler:  assemble.New(assemble.OptionsFromConfig(cfg), runner, probe, logger),
		Capability: p.prober,
		Assets:     jobs.PassthroughAssets{Probe: probe},
		Publish:    hooks,
		Progress:   progress,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	p.orch = orch
	if cfg.Encoder.WatchDevices {
		p.watcher = capability.NewWatcher(p.prober, logger)
	}
	return p, nil
}

func (p *pipeline) Close() error {
	if p.watcher != nil {
		p.watcher.Stop()
	}
	var errs []error
	if p.orch != nil {
		errs = append(errs, p.orch.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// jobFailure is returned by commands whose job ended unsuccessfully so the
// process can exit with a code matching the failure class.
type jobFailure struct {
	code    string
	message string
}

func (e *jobFailure) Error() string {
	if e.message == "" {
		return "job failed: " + e.code
	}
	return fmt.Sprintf("job failed (%s): %s", e.code, e.message)
}

func exitCode(err error) int {
	var failure *jobFailure
	if !errors.As(err, &failure) {
		return 1
	}
	switch services.Code(failure.code) {
	case services.CodeInvalidPlan, services.CodeInvalidSceneInput:
		return 2
	case services.CodeQuotaExceeded:
		return 3
	case services.CodeStepTimeout, services.CodeTotalRuntimeExceeded:
		return 4
	case services.CodeCanceled:
		return 130
	default:
		return 1
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
