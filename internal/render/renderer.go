// Package render encodes one scene into a video segment, consulting the scene
// cache first and falling back from a GPU encoder to the CPU encoder once.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reelforge/internal/capability"
	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/media/ffprobe"
	"reelforge/internal/plan"
	"reelforge/internal/procexec"
	"reelforge/internal/profile"
	"reelforge/internal/scenecache"
	"reelforge/internal/services"
)

// Encoder classes recorded on results and cache entries.
const (
	ClassGPU = "gpu"
	ClassCPU = "cpu"
)

// SegmentResult describes one rendered scene.
type SegmentResult struct {
	Index       int     `json:"index"`
	Path        string  `json:"path"`
	DurationSec float64 `json:"duration_sec"`
	// EncoderUsed is the encoder class that produced the segment.
	EncoderUsed  string         `json:"encoder_used"`
	Encoder      string         `json:"encoder"`
	CacheHit     bool           `json:"cache_hit"`
	FallbackUsed bool           `json:"fallback_used"`
	Attempts     int            `json:"attempts"`
	CacheKey     scenecache.Key `json:"cache_key"`
	HasNarration bool           `json:"has_narration"`
}

// Options configures a Renderer.
type Options struct {
	FFmpegBinary string
	Limits       plan.Limits
	// Precision is the duration rounding used in cache keys.
	Precision    int
	KillGrace    time.Duration
	DisableGPU   bool
	AudioBitrate string
	VAAPIDevice  string
}

// OptionsFromConfig maps configuration onto renderer options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegBinary: cfg.FFmpegBinary(),
		Limits:       plan.LimitsFromConfig(cfg),
		Precision:    cfg.Render.DurationPrecision,
		KillGrace:    cfg.KillGrace(),
		DisableGPU:   cfg.Encoder.DisableGPU,
		AudioBitrate: cfg.Assembly.AudioBitrate,
	}
}

// Renderer renders scenes. It is safe for concurrent use.
type Renderer struct {
	opts   Options
	runner procexec.Runner
	probe  ffprobe.Inspector
	cache  *scenecache.Cache
	logger *slog.Logger
}

// New constructs a Renderer. cache may be nil to disable caching; probe may be
// nil, in which case requested durations are reported as measured.
func New(opts Options, runner procexec.Runner, probe ffprobe.Inspector, cache *scenecache.Cache, logger *slog.Logger) *Renderer {
	if runner == nil {
		runner = procexec.NewExecRunner()
	}
	if opts.FFmpegBinary == "" {
		opts.FFmpegBinary = "ffmpeg"
	}
	if opts.VAAPIDevice == "" {
		opts.VAAPIDevice = "/dev/dri/renderD128"
	}
	return &Renderer{
		opts:   opts,
		runner: runner,
		probe:  probe,
		cache:  cache,
		logger: logging.NewComponentLogger(logger, "render"),
	}
}

// Render produces the segment for scene into workDir.
func (r *Renderer) Render(ctx context.Context, scene plan.Scene, prof profile.Profile, rec capability.Record, workDir string) (SegmentResult, error) {
	ctx = services.WithSceneIndex(ctx, scene.Index)
	logger := logging.WithContext(ctx, r.logger)

	if err := r.validateScene(scene); err != nil {
		return SegmentResult{Index: scene.Index}, err
	}

	encoder, class, err := r.selectEncoder(rec)
	if err != nil {
		return SegmentResult{Index: scene.Index}, err
	}

	keyFor := func(encoder string) scenecache.Key {
		return scenecache.DeriveKey(scenecache.KeyInput{
			Text:               scene.Text,
			Voice:              scene.Voice,
			ImageIdentity:      scenecache.ContentIdentity(scene.ImageRef),
			NarrationIdentity:  scenecache.ContentIdentity(scene.NarrationRef),
			DurationSec:        scene.DurationSec,
			Precision:          r.opts.Precision,
			Effects:            scene.Effects,
			ProfileFingerprint: prof.Fingerprint(),
			Width:              prof.Width,
			Height:             prof.Height,
			Encoder:            encoder,
		})
	}
	key := keyFor(encoder)

	if res, ok := r.cached(ctx, scene, key); ok {
		return res, nil
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return SegmentResult{Index: scene.Index}, fmt.Errorf("render: ensure work dir: %w", err)
	}
	output := filepath.Join(workDir, fmt.Sprintf("scene-%03d-%s.mp4", scene.Index, key[:12]))

	result := SegmentResult{
		Index:        scene.Index,
		Path:         output,
		EncoderUsed:  class,
		Encoder:      encoder,
		CacheKey:     key,
		Attempts:     1,
		HasNarration: scene.NarrationRef != "",
	}

	err = r.encode(ctx, scene, prof, encoder, output)
	if err != nil && ctx.Err() == nil && class == ClassGPU && rec.HasCPU() {
		logging.WarnWithContext(logger, "gpu encode failed; retrying scene on cpu", "encoder_fallback",
			logging.Error(err),
			logging.String("gpu_encoder", encoder),
			logging.String("cpu_encoder", rec.CPUEncoder),
			logging.String(logging.FieldErrorHint, "check GPU driver health or set encoder.disable_gpu"),
			logging.String(logging.FieldImpact, "scene encoded on cpu"),
		)
		// Fallback segments live under the cpu encoder's key.
		key = keyFor(rec.CPUEncoder)
		if res, ok := r.cached(ctx, scene, key); ok {
			res.Attempts = 2
			res.FallbackUsed = true
			return res, nil
		}
		result.CacheKey = key
		result.Attempts = 2
		result.FallbackUsed = true
		result.EncoderUsed = ClassCPU
		result.Encoder = rec.CPUEncoder
		err = r.encode(ctx, scene, prof, rec.CPUEncoder, output)
	}
	if err != nil {
		_ = os.Remove(output)
		if ctx.Err() != nil {
			return result, fmt.Errorf("render scene %d: %w", scene.Index, context.Cause(ctx))
		}
		return result, services.Wrap(services.ErrEncoderUnavailable, "render", "encode",
			fmt.Sprintf("scene %d failed on %s", scene.Index, result.Encoder), err)
	}

	result.DurationSec = r.measure(ctx, output, scene.DurationSec)

	if r.cache != nil {
		if _, putErr := r.cache.Put(ctx, key, output, scenecache.Meta{
			DurationSec: result.DurationSec,
			EncoderUsed: result.EncoderUsed,
			Encoder:     result.Encoder,
		}); putErr != nil {
			logging.WarnWithContext(logger, "scene cache store failed", "cache_put_failed",
				logging.Error(putErr),
				logging.String(logging.FieldErrorHint, "check paths.cache_dir permissions and free space"),
				logging.String(logging.FieldImpact, "scene will be re-rendered next time"),
			)
		}
	}

	logger.Info("scene rendered",
		logging.String(logging.FieldEventType, "scene_rendered"),
		logging.String("encoder", result.Encoder),
		logging.String("encoder_used", result.EncoderUsed),
		logging.Float64("duration_sec", result.DurationSec),
		logging.Bool("fallback", result.FallbackUsed),
	)
	return result, nil
}

// cached returns the committed segment for key, if any.
func (r *Renderer) cached(ctx context.Context, scene plan.Scene, key scenecache.Key) (SegmentResult, bool) {
	entry, ok := r.cache.Get(key)
	if !ok {
		return SegmentResult{}, false
	}
	logging.WithContext(ctx, r.logger).Debug("scene cache hit",
		logging.String("key", string(key)),
		logging.String("encoder_used", entry.EncoderUsed),
	)
	return SegmentResult{
		Index:        scene.Index,
		Path:         entry.SegmentPath,
		DurationSec:  entry.DurationSec,
		EncoderUsed:  entry.EncoderUsed,
		Encoder:      entry.Encoder,
		CacheHit:     true,
		CacheKey:     key,
		HasNarration: scene.NarrationRef != "",
	}, true
}

func (r *Renderer) validateScene(scene plan.Scene) error {
	fail := func(msg string, err error) error {
		return services.Wrap(services.ErrInvalidSceneInput, "render", "validate", fmt.Sprintf("scene %d: %s", scene.Index, msg), err)
	}
	if err := plan.CheckDuration(scene.DurationSec, r.opts.Limits); err != nil {
		return fail("duration", err)
	}
	if strings.TrimSpace(scene.ImageRef) == "" {
		return fail("missing image", nil)
	}
	if err := readable(scene.ImageRef); err != nil {
		return fail("image unreadable", err)
	}
	if scene.NarrationRef != "" {
		if err := readable(scene.NarrationRef); err != nil {
			return fail("narration unreadable", err)
		}
	}
	if err := plan.ValidateEffects(scene.Effects, scene.DurationSec); err != nil {
		return fail("effects", err)
	}
	return nil
}

func (r *Renderer) selectEncoder(rec capability.Record) (string, string, error) {
	if gpu, ok := rec.PreferredGPU(); ok && !r.opts.DisableGPU {
		return gpu, ClassGPU, nil
	}
	if rec.HasCPU() {
		return rec.CPUEncoder, ClassCPU, nil
	}
	return "", "", services.Wrap(services.ErrEncoderUnavailable, "render", "select encoder", "no usable H.264 encoder detected", nil)
}

func (r *Renderer) encode(ctx context.Context, scene plan.Scene, prof profile.Profile, encoder, output string) error {
	partial := strings.TrimSuffix(output, ".mp4") + ".partial.mp4"
	args := BuildEncodeArgs(EncodeSpec{
		ImagePath:     scene.ImageRef,
		NarrationPath: scene.NarrationRef,
		DurationSec:   scene.DurationSec,
		Effects:       scene.Effects,
		Profile:       prof,
		Encoder:       encoder,
		AudioBitrate:  r.opts.AudioBitrate,
		VAAPIDevice:   r.opts.VAAPIDevice,
		Output:        partial,
	})
	res, err := r.runner.Run(ctx, procexec.Command{
		Name:        r.opts.FFmpegBinary,
		Args:        args,
		GracePeriod: r.opts.KillGrace,
	})
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	r.logger.Debug("ffmpeg finished",
		logging.String("encoder", encoder),
		logging.Duration("elapsed", res.Elapsed),
	)
	if err := os.Rename(partial, output); err != nil {
		return fmt.Errorf("publish segment: %w", err)
	}
	return nil
}

// measure returns the probed segment duration, or fallback when probing is unavailable.
func (r *Renderer) measure(ctx context.Context, path string, fallback float64) float64 {
	if r.probe == nil {
		return fallback
	}
	res, err := r.probe.Inspect(ctx, path)
	if err != nil {
		r.logger.Debug("segment probe failed; using requested duration", logging.Error(err))
		return fallback
	}
	d := res.DurationSeconds()
	if math.IsNaN(d) || d <= 0 {
		return fallback
	}
	return d
}

func readable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	return nil
}
