package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEncoder()
	c.normalizeProfiles()
	c.normalizeAssembly()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir()
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeEncoder() {
	c.Encoder.FFmpegBinary = strings.TrimSpace(c.Encoder.FFmpegBinary)
	if value, ok := os.LookupEnv("FFMPEG_BINARY"); ok && strings.TrimSpace(value) != "" && (c.Encoder.FFmpegBinary == "" || c.Encoder.FFmpegBinary == defaultFFmpegBinary) {
		c.Encoder.FFmpegBinary = strings.TrimSpace(value)
	}
	if c.Encoder.FFmpegBinary == "" {
		c.Encoder.FFmpegBinary = defaultFFmpegBinary
	}
	c.Encoder.FFprobeBinary = strings.TrimSpace(c.Encoder.FFprobeBinary)
	if c.Encoder.FFprobeBinary == "" {
		c.Encoder.FFprobeBinary = defaultFFprobeBinary
	}
	c.Encoder.GPUEncoders = normalizeNames(c.Encoder.GPUEncoders)
	c.Encoder.CPUEncoders = normalizeNames(c.Encoder.CPUEncoders)
	if len(c.Encoder.CPUEncoders) == 0 {
		c.Encoder.CPUEncoders = append([]string(nil), defaultCPUEncoders...)
	}
}

func (c *Config) normalizeProfiles() {
	c.Profiles.Preview.Preset = strings.ToLower(strings.TrimSpace(c.Profiles.Preview.Preset))
	c.Profiles.Final.Preset = strings.ToLower(strings.TrimSpace(c.Profiles.Final.Preset))
}

func (c *Config) normalizeAssembly() {
	c.Assembly.WatermarkPosition = strings.ToLower(strings.TrimSpace(c.Assembly.WatermarkPosition))
	c.Assembly.WatermarkPosition = strings.ReplaceAll(c.Assembly.WatermarkPosition, "-", "_")
	if c.Assembly.WatermarkPosition == "" {
		c.Assembly.WatermarkPosition = defaultWatermarkPosition
	}
	c.Assembly.AudioBitrate = strings.TrimSpace(c.Assembly.AudioBitrate)
	if c.Assembly.AudioBitrate == "" {
		c.Assembly.AudioBitrate = defaultAudioBitrate
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("REELFORGE_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizeNames(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
