package config

const (
	defaultWorkDir            = "~/.local/share/reelforge/work"
	defaultOutputDir          = "~/.local/share/reelforge/output"
	defaultLogDir             = "~/.local/share/reelforge/logs"
	defaultFFmpegBinary       = "ffmpeg"
	defaultFFprobeBinary      = "ffprobe"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultMaxWorkers         = 4
	defaultDurationPrecision  = 3
	defaultKillGraceSeconds   = 5
	defaultWatermarkPosition  = "bottom_right"
	defaultDuckingDB          = -12.0
	defaultDurationTolerance  = 0.5
	defaultStepRetries        = 2
	defaultTotalRuntime       = 3600
	defaultMaxConcurrentJobs  = 2
	defaultNotifyTimeout      = 10
	defaultAudioBitrate       = "192k"
	defaultProbeTimeout       = 20
	defaultRetryBackoffMillis = 500
)

var (
	defaultGPUEncoders = []string{"h264_nvenc", "h264_qsv", "h264_vaapi", "h264_videotoolbox", "h264_amf"}
	defaultCPUEncoders = []string{"libx264", "libopenh264"}
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:   defaultWorkDir,
			CacheDir:  defaultCacheDir(),
			OutputDir: defaultOutputDir,
			LogDir:    defaultLogDir,
		},
		Encoder: Encoder{
			FFmpegBinary:     defaultFFmpegBinary,
			FFprobeBinary:    defaultFFprobeBinary,
			VerifyGPU:        true,
			GPUEncoders:      append([]string(nil), defaultGPUEncoders...),
			CPUEncoders:      append([]string(nil), defaultCPUEncoders...),
			ProbeTimeout:     defaultProbeTimeout,
			KillGraceSeconds: defaultKillGraceSeconds,
		},
		Render: Render{
			MaxWorkers:        defaultMaxWorkers,
			MinSceneSeconds:   0.5,
			MaxSceneSeconds:   120,
			MaxScenes:         200,
			Width:             1080,
			Height:            1920,
			DurationPrecision: defaultDurationPrecision,
		},
		Assembly: Assembly{
			DuckingDB:         defaultDuckingDB,
			WatermarkPosition: defaultWatermarkPosition,
			WatermarkMargin:   24,
			AudioBitrate:      defaultAudioBitrate,
			DurationTolerance: defaultDurationTolerance,
		},
		Workflow: Workflow{
			ValidateTimeout:     10,
			QuotaTimeout:        15,
			AssetTimeout:        600,
			RenderTimeout:       1800,
			AssembleTimeout:     900,
			PublishTimeout:      120,
			StepRetries:         defaultStepRetries,
			RetryBackoffMillis:  defaultRetryBackoffMillis,
			TotalRuntimeSeconds: defaultTotalRuntime,
			MaxConcurrentJobs:   defaultMaxConcurrentJobs,
			AssetWorkers:        4,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Success:        true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
