package config

import (
	"errors"
	"fmt"
)

var validPresets = map[string]struct{}{
	"":          {},
	"ultrafast": {},
	"superfast": {},
	"veryfast":  {},
	"faster":    {},
	"fast":      {},
	"medium":    {},
	"slow":      {},
	"slower":    {},
	"veryslow":  {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEncoder(); err != nil {
		return err
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	if err := c.validateProfiles(); err != nil {
		return err
	}
	if err := c.validateAssembly(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateEncoder() error {
	if c.Encoder.KillGraceSeconds < 0 {
		return errors.New("encoder.kill_grace_seconds must be >= 0")
	}
	if c.Encoder.ProbeTimeout <= 0 {
		return errors.New("encoder.probe_timeout must be positive (seconds)")
	}
	return nil
}

func (c *Config) validateRender() error {
	r := c.Render
	if r.MaxWorkers <= 0 {
		return errors.New("render.max_workers must be positive")
	}
	if r.MinSceneSeconds <= 0 {
		return errors.New("render.min_scene_seconds must be positive")
	}
	if r.MaxSceneSeconds < r.MinSceneSeconds {
		return errors.New("render.max_scene_seconds must be >= render.min_scene_seconds")
	}
	if r.MaxScenes <= 0 {
		return errors.New("render.max_scenes must be positive")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return errors.New("render.width and render.height must be positive")
	}
	if r.Width%2 != 0 || r.Height%2 != 0 {
		return errors.New("render.width and render.height must be even for yuv420p output")
	}
	if r.DurationPrecision < 0 || r.DurationPrecision > 6 {
		return errors.New("render.duration_precision must be between 0 and 6")
	}
	return nil
}

func (c *Config) validateProfiles() error {
	for name, p := range map[string]Profile{"preview": c.Profiles.Preview, "final": c.Profiles.Final} {
		if _, ok := validPresets[p.Preset]; !ok {
			return fmt.Errorf("profiles.%s.preset %q is not a recognised x264 preset", name, p.Preset)
		}
		if p.ConstantQuality < 0 || p.ConstantQuality > 51 {
			return fmt.Errorf("profiles.%s.constant_quality must be between 0 and 51", name)
		}
		if p.FPS < 0 || p.FPS > 120 {
			return fmt.Errorf("profiles.%s.fps must be between 0 and 120", name)
		}
	}
	return nil
}

func (c *Config) validateAssembly() error {
	switch c.Assembly.WatermarkPosition {
	case "top_left", "top_right", "bottom_left", "bottom_right":
	default:
		return fmt.Errorf("assembly.watermark_position %q must be one of top_left, top_right, bottom_left, bottom_right", c.Assembly.WatermarkPosition)
	}
	if c.Assembly.WatermarkMargin < 0 {
		return errors.New("assembly.watermark_margin must be >= 0")
	}
	if c.Assembly.DuckingDB > 0 {
		return errors.New("assembly.ducking_db must be <= 0")
	}
	if c.Assembly.DurationTolerance < 0 {
		return errors.New("assembly.duration_tolerance must be >= 0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.validate_timeout":      c.Workflow.ValidateTimeout,
		"workflow.quota_timeout":         c.Workflow.QuotaTimeout,
		"workflow.asset_timeout":         c.Workflow.AssetTimeout,
		"workflow.render_timeout":        c.Workflow.RenderTimeout,
		"workflow.assemble_timeout":      c.Workflow.AssembleTimeout,
		"workflow.publish_timeout":       c.Workflow.PublishTimeout,
		"workflow.total_runtime_seconds": c.Workflow.TotalRuntimeSeconds,
		"workflow.max_concurrent_jobs":   c.Workflow.MaxConcurrentJobs,
		"workflow.asset_workers":         c.Workflow.AssetWorkers,
	}); err != nil {
		return err
	}
	if c.Workflow.StepRetries < 0 {
		return errors.New("workflow.step_retries must be >= 0")
	}
	if c.Workflow.RetryBackoffMillis < 0 {
		return errors.New("workflow.retry_backoff_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
