package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	WorkDir   string `toml:"work_dir"`
	CacheDir  string `toml:"cache_dir"`
	OutputDir string `toml:"output_dir"`
	LogDir    string `toml:"log_dir"`
}

// Encoder contains toolchain and hardware encoder settings.
type Encoder struct {
	FFmpegBinary     string   `toml:"ffmpeg_binary"`
	FFprobeBinary    string   `toml:"ffprobe_binary"`
	DisableGPU       bool     `toml:"disable_gpu"`
	VerifyGPU        bool     `toml:"verify_gpu"`
	GPUEncoders      []string `toml:"gpu_encoders"`
	CPUEncoders      []string `toml:"cpu_encoders"`
	ProbeTimeout     int      `toml:"probe_timeout"`
	KillGraceSeconds int      `toml:"kill_grace_seconds"`
	WatchDevices     bool     `toml:"watch_devices"`
}

// Render contains per-scene rendering limits and geometry.
type Render struct {
	MaxWorkers        int     `toml:"max_workers"`
	MinSceneSeconds   float64 `toml:"min_scene_seconds"`
	MaxSceneSeconds   float64 `toml:"max_scene_seconds"`
	MaxScenes         int     `toml:"max_scenes"`
	Width             int     `toml:"width"`
	Height            int     `toml:"height"`
	DurationPrecision int     `toml:"duration_precision"`
}

// Profile overrides the encode parameters of one quality tier.
type Profile struct {
	Preset          string `toml:"preset"`
	ConstantQuality int    `toml:"constant_quality"`
	BitrateTarget   string `toml:"bitrate_target"`
	MaxBitrate      string `toml:"max_bitrate"`
	BufferSize      string `toml:"buffer_size"`
	FPS             int    `toml:"fps"`
}

// Profiles holds the preview and final tier overrides.
type Profiles struct {
	Preview Profile `toml:"preview"`
	Final   Profile `toml:"final"`
}

// Assembly contains stitching, audio mix, and overlay settings.
type Assembly struct {
	DuckingDB          float64 `toml:"ducking_db"`
	BackgroundVolumeDB float64 `toml:"background_volume_db"`
	WatermarkPosition  string  `toml:"watermark_position"`
	WatermarkMargin    int     `toml:"watermark_margin"`
	AudioBitrate       string  `toml:"audio_bitrate"`
	DurationTolerance  float64 `toml:"duration_tolerance"`
}

// Workflow contains job orchestration budgets.
type Workflow struct {
	ValidateTimeout     int `toml:"validate_timeout"`
	QuotaTimeout        int `toml:"quota_timeout"`
	AssetTimeout        int `toml:"asset_timeout"`
	RenderTimeout       int `toml:"render_timeout"`
	AssembleTimeout     int `toml:"assemble_timeout"`
	PublishTimeout      int `toml:"publish_timeout"`
	StepRetries         int `toml:"step_retries"`
	RetryBackoffMillis  int `toml:"retry_backoff_ms"`
	TotalRuntimeSeconds int `toml:"total_runtime_seconds"`
	MaxConcurrentJobs   int `toml:"max_concurrent_jobs"`
	AssetWorkers        int `toml:"asset_workers"`
}

// Notifications contains configuration for ntfy publish notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Success        bool   `toml:"success"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for reelforge.
//
// Configuration sections by subsystem:
//   - Paths: working, cache, output, and log directories
//   - Encoder: ffmpeg toolchain and hardware encoder selection
//   - Render: scene limits, output geometry, cache key precision
//   - Profiles: preview/final encode parameter overrides
//   - Assembly: audio ducking and watermark placement
//   - Workflow: per-step timeouts, retries, and the total runtime ceiling
//   - Notifications: ntfy publish hook
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Encoder       Encoder       `toml:"encoder"`
	Render        Render        `toml:"render"`
	Profiles      Profiles      `toml:"profiles"`
	Assembly      Assembly      `toml:"assembly"`
	Workflow      Workflow      `toml:"workflow"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/reelforge/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("reelforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for pipeline operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.CacheDir, c.Paths.OutputDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable used for encoding and assembly.
func (c *Config) FFmpegBinary() string {
	if v := strings.TrimSpace(c.Encoder.FFmpegBinary); v != "" {
		return v
	}
	return defaultFFmpegBinary
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	if v := strings.TrimSpace(c.Encoder.FFprobeBinary); v != "" {
		return v
	}
	return defaultFFprobeBinary
}

// KillGrace is how long an interrupted encode may run after SIGTERM before it is killed.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Encoder.KillGraceSeconds) * time.Second
}

// StatusDBPath returns the SQLite job status database location.
func (c *Config) StatusDBPath() string {
	return filepath.Join(c.Paths.LogDir, "jobs.db")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "reelforge", "scenes")
	}
	return "~/.cache/reelforge/scenes"
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
